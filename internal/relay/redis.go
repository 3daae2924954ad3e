package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/matst80/relaygate/internal/obs"
	"github.com/redis/go-redis/v9"
)

// RedisTransport maps queues onto redis lists (LPUSH/BRPOP) and topics onto pub/sub
// channels. Each queue consumer holds an entry in a sorted set scored by its expiry and
// refreshes it while alive, so a destination is busy only while a consumer somewhere in the
// cluster is still running. Topic subscribers are counted by the broker itself.
type RedisTransport struct {
	client *redis.Client
	prefix string
	poll   time.Duration
	clock  clock.Clock
	ttl    time.Duration // lifetime of a consumer entry without refresh

	mu     sync.Mutex
	closed bool
}

// subscriberTTL bounds how long a consumer that vanished without unsubscribing keeps its
// queue busy.
const subscriberTTL = 15 * time.Second

// destroyScript prunes expired consumer entries and deletes a destination only when no
// live consumer remains. ARGV[1] is the current time in milliseconds.
var destroyScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[3]) > 0 then return 0 end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
return 1
`)

// NewRedisTransport connects and verifies the broker with a PING.
func NewRedisTransport(addr, password string, db int, prefix string) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis connection failed: %v", ErrTransport, err)
	}
	return newRedisTransport(rdb, prefix), nil
}

func newRedisTransport(rdb *redis.Client, prefix string) *RedisTransport {
	if prefix == "" {
		prefix = "relay:"
	}
	return &RedisTransport{client: rdb, prefix: prefix, poll: time.Second, clock: clock.New(), ttl: subscriberTTL}
}

var _ Transport = (*RedisTransport)(nil)

func (r *RedisTransport) queueKey(name string) string   { return r.prefix + "q:" + name }
func (r *RedisTransport) markerKey(name string) string  { return r.prefix + "dest:" + name }
func (r *RedisTransport) subsKey(name string) string    { return r.prefix + "subs:" + name }
func (r *RedisTransport) channelKey(name string) string { return r.prefix + "t:" + name }

func (r *RedisTransport) isClosed() bool { r.mu.Lock(); defer r.mu.Unlock(); return r.closed }

func transportErr(op, name string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrTransport, op, name, err)
}

func (r *RedisTransport) CreateDestination(ctx context.Context, name string) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.client.Set(ctx, r.markerKey(name), time.Now().Unix(), 0).Err(); err != nil {
		return transportErr("create", name, err)
	}
	return nil
}

func (r *RedisTransport) DestroyDestination(ctx context.Context, name string) error {
	if r.isClosed() {
		return ErrClosed
	}
	channel := r.channelKey(name)
	counts, err := r.client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return transportErr("destroy", name, err)
	}
	if counts[channel] > 0 {
		return fmt.Errorf("%w: %s", ErrDestinationInUse, name)
	}
	keys := []string{r.queueKey(name), r.markerKey(name), r.subsKey(name)}
	n, err := destroyScript.Run(ctx, r.client, keys, r.clock.Now().UnixMilli()).Int()
	if err != nil {
		return transportErr("destroy", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDestinationInUse, name)
	}
	return nil
}

func (r *RedisTransport) Publish(ctx context.Context, queue string, body []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.client.LPush(ctx, r.queueKey(queue), body).Err(); err != nil {
		return transportErr("publish", queue, err)
	}
	return nil
}

func (r *RedisTransport) Receive(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	res, err := r.client.BRPop(ctx, timeout, r.queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportErr("receive", queue, err)
	}
	// BRPOP answers [key, value]
	return []byte(res[1]), nil
}

type redisSub struct {
	once   sync.Once
	cancel context.CancelFunc
	done   func() error
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.done()
	})
	return err
}

// heartbeat moves a consumer entry's expiry one TTL into the future.
func (r *RedisTransport) heartbeat(ctx context.Context, name, member string) error {
	expiry := r.clock.Now().Add(r.ttl).UnixMilli()
	return r.client.ZAdd(ctx, r.subsKey(name), redis.Z{Score: float64(expiry), Member: member}).Err()
}

// keepAlive refreshes a consumer entry on every tick until ctx ends.
func (r *RedisTransport) keepAlive(ctx context.Context, t *clock.Ticker, name, member string) {
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.heartbeat(ctx, name, member); err != nil && ctx.Err() == nil {
				obs.Warn("relay.redis.heartbeat", obs.Fields{"queue": name, "err": err.Error()})
			}
		}
	}
}

func (r *RedisTransport) release(name, member string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.ZRem(ctx, r.subsKey(name), member).Err(); err != nil {
		return transportErr("unsubscribe", name, err)
	}
	return nil
}

func (r *RedisTransport) Subscribe(ctx context.Context, queue string, h Handler) (Subscription, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	member := uuid.New().String()
	if err := r.heartbeat(ctx, queue, member); err != nil {
		return nil, transportErr("subscribe", queue, err)
	}
	subCtx, cancel := context.WithCancel(context.Background())
	alive := make(chan struct{})
	sub := &redisSub{cancel: cancel, done: func() error {
		// The refresh loop must be gone before the entry is removed, or it could re-add it.
		<-alive
		return r.release(queue, member)
	}}
	ticker := r.clock.Ticker(r.ttl / 3)
	go func() {
		defer close(alive)
		r.keepAlive(subCtx, ticker, queue, member)
	}()

	key := r.queueKey(queue)
	go func() {
		for subCtx.Err() == nil {
			res, err := r.client.BRPop(subCtx, r.poll, key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				obs.Error("relay.redis.receive", obs.Fields{"queue": queue, "err": err.Error()})
				select {
				case <-subCtx.Done():
					return
				case <-time.After(r.poll):
				}
				continue
			}
			if subCtx.Err() != nil {
				obs.Debug("relay.redis.dropped", obs.Fields{"queue": queue, "bytes": len(res[1])})
				return
			}
			h(queue, []byte(res[1]))
		}
	}()
	return sub, nil
}

func (r *RedisTransport) Broadcast(ctx context.Context, topic string, body []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, r.channelKey(topic), body).Err(); err != nil {
		return transportErr("broadcast", topic, err)
	}
	return nil
}

func (r *RedisTransport) SubscribeTopic(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	ps := r.client.Subscribe(ctx, r.channelKey(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, transportErr("subscribe", topic, err)
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{cancel: cancel, done: ps.Close}
	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(topic, []byte(msg.Payload))
			}
		}
	}()
	return sub, nil
}

func (r *RedisTransport) Alive(ctx context.Context) bool {
	if r.isClosed() {
		return false
	}
	return r.client.Ping(ctx).Err() == nil
}

func (r *RedisTransport) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.client.Close()
}
