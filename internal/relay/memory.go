package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/relaygate/internal/obs"
)

// MemoryTransport is an in-process broker used when no redis address is configured and by
// tests. Destinations are created on first use.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	topics map[string]map[*memSub]struct{}
	closed bool
}

type memQueue struct {
	msgs   [][]byte
	signal chan struct{}
	subs   int
}

func newMemQueue() *memQueue { return &memQueue{signal: make(chan struct{}, 1)} }

func (q *memQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// NewMemoryTransport returns an empty in-process broker.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{queues: make(map[string]*memQueue), topics: make(map[string]map[*memSub]struct{})}
}

var _ Transport = (*MemoryTransport)(nil)

// queue must be called with m.mu held.
func (m *MemoryTransport) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = newMemQueue()
		m.queues[name] = q
	}
	return q
}

func (m *MemoryTransport) CreateDestination(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queue(name)
	return nil
}

func (m *MemoryTransport) DestroyDestination(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if q, ok := m.queues[name]; ok && q.subs > 0 {
		return fmt.Errorf("%w: %s", ErrDestinationInUse, name)
	}
	if len(m.topics[name]) > 0 {
		return fmt.Errorf("%w: %s", ErrDestinationInUse, name)
	}
	delete(m.queues, name)
	delete(m.topics, name)
	return nil
}

// Exists reports whether a destination is currently known to the broker.
func (m *MemoryTransport) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[name]
	return ok
}

// Subscribers returns the number of attached subscribers for a queue or topic.
func (m *MemoryTransport) Subscribers(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.topics[name])
	if q, ok := m.queues[name]; ok {
		n += q.subs
	}
	return n
}

func (m *MemoryTransport) Publish(_ context.Context, queue string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q := m.queue(queue)
	q.msgs = append(q.msgs, append([]byte(nil), body...))
	q.notify()
	return nil
}

// pop waits for the next message on q until stop, the timer or ctx fires.
func (m *MemoryTransport) pop(ctx context.Context, name string, timeout <-chan time.Time, stop <-chan struct{}) ([]byte, bool, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, false, ErrClosed
		}
		q := m.queue(name)
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs = q.msgs[1:]
			if len(q.msgs) > 0 {
				q.notify()
			}
			m.mu.Unlock()
			return msg, true, nil
		}
		sig := q.signal
		m.mu.Unlock()

		select {
		case <-sig:
		case <-timeout:
			return nil, false, nil
		case <-stop:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (m *MemoryTransport) Receive(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	msg, _, err := m.pop(ctx, queue, t.C, nil)
	return msg, err
}

type memSub struct {
	once  sync.Once
	stop  chan struct{}
	close func()
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.close()
	})
	return nil
}

func (m *MemoryTransport) Subscribe(_ context.Context, queue string, h Handler) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.queue(queue).subs++
	m.mu.Unlock()

	sub := &memSub{stop: make(chan struct{})}
	sub.close = func() {
		m.mu.Lock()
		if q, ok := m.queues[queue]; ok && q.subs > 0 {
			q.subs--
		}
		m.mu.Unlock()
	}
	go m.deliver(queue, queue, sub, h)
	return sub, nil
}

func (m *MemoryTransport) deliver(inbox, destination string, sub *memSub, h Handler) {
	for {
		msg, ok, err := m.pop(context.Background(), inbox, nil, sub.stop)
		if err != nil || !ok {
			return
		}
		select {
		case <-sub.stop:
			obs.Debug("relay.memory.dropped", obs.Fields{"destination": destination, "bytes": len(msg)})
			return
		default:
		}
		h(destination, msg)
	}
}

func (m *MemoryTransport) Broadcast(_ context.Context, topic string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.topics[topic] {
		q := m.queue(sub.inboxName(topic))
		q.msgs = append(q.msgs, append([]byte(nil), body...))
		q.notify()
	}
	return nil
}

func (s *memSub) inboxName(topic string) string { return fmt.Sprintf("%s#%p", topic, s) }

func (m *MemoryTransport) SubscribeTopic(_ context.Context, topic string, h Handler) (Subscription, error) {
	sub := &memSub{stop: make(chan struct{})}
	inbox := sub.inboxName(topic)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[*memSub]struct{})
		m.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	m.queue(inbox)
	m.mu.Unlock()

	sub.close = func() {
		m.mu.Lock()
		delete(m.topics[topic], sub)
		delete(m.queues, inbox)
		m.mu.Unlock()
	}
	go m.deliver(inbox, topic, sub, h)
	return sub, nil
}

func (m *MemoryTransport) Alive(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, q := range m.queues {
		q.notify()
	}
	return nil
}
