package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisTransport, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	tr := newRedisTransport(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	tr.poll = 100 * time.Millisecond
	t.Cleanup(func() { _ = tr.Close() })
	return tr, mr
}

func TestRedisReceiveTimeout(t *testing.T) {
	tr, _ := newTestRedis(t)
	body, err := tr.Receive(context.Background(), "q", time.Second)
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestRedisReceiveWakesOnPublish(t *testing.T) {
	tr, _ := newTestRedis(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = tr.Publish(context.Background(), "q", []byte("hello"))
	}()
	body, err := tr.Receive(context.Background(), "q", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestRedisSubscribePreservesOrder(t *testing.T) {
	tr, _ := newTestRedis(t)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Publish(ctx, "q", []byte(s)))
	}
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "q", func(dest string, body []byte) {
		assert.Equal(t, "q", dest)
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(body))
		if len(got) == 3 {
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries not received")
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRedisDestroyRefusedWhileSubscribed(t *testing.T) {
	tr, mr := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, tr.CreateDestination(ctx, "request-s1"))
	require.NoError(t, tr.Publish(ctx, "request-s1", []byte("x")))

	sub, err := tr.Subscribe(ctx, "request-s1", func(string, []byte) {})
	require.NoError(t, err)
	assert.ErrorIs(t, tr.DestroyDestination(ctx, "request-s1"), ErrDestinationInUse)
	assert.True(t, mr.Exists("test:dest:request-s1"))

	require.NoError(t, sub.Close())
	require.NoError(t, tr.DestroyDestination(ctx, "request-s1"))
	assert.False(t, mr.Exists("test:dest:request-s1"))
	assert.False(t, mr.Exists("test:q:request-s1"))
	assert.False(t, mr.Exists("test:subs:request-s1"))
}

func TestRedisVanishedConsumerDoesNotHoldDestination(t *testing.T) {
	tr, mr := newTestRedis(t)
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	tr.clock = mock
	ctx := context.Background()
	require.NoError(t, tr.CreateDestination(ctx, "response-s2"))

	// A consumer on another gateway that stopped refreshing its entry.
	_, err := mr.ZAdd("test:subs:response-s2", float64(mock.Now().Add(-time.Second).UnixMilli()), "crashed")
	require.NoError(t, err)
	require.NoError(t, tr.DestroyDestination(ctx, "response-s2"))
	assert.False(t, mr.Exists("test:dest:response-s2"))

	// One that is still within its lifetime keeps the destination busy until it expires.
	_, err = mr.ZAdd("test:subs:response-s2", float64(mock.Now().Add(subscriberTTL).UnixMilli()), "remote")
	require.NoError(t, err)
	assert.ErrorIs(t, tr.DestroyDestination(ctx, "response-s2"), ErrDestinationInUse)
	mock.Add(subscriberTTL + time.Millisecond)
	assert.NoError(t, tr.DestroyDestination(ctx, "response-s2"))
}

func TestRedisSubscriberRefreshesEntry(t *testing.T) {
	tr, mr := newTestRedis(t)
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	tr.clock = mock
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, "q", func(string, []byte) {})
	require.NoError(t, err)
	defer sub.Close()
	members, err := mr.ZMembers("test:subs:q")
	require.NoError(t, err)
	require.Len(t, members, 1)

	start := mock.Now()
	for i := 0; i < 6; i++ {
		mock.Add(subscriberTTL / 3)
	}
	want := float64(start.Add(2*subscriberTTL + subscriberTTL).UnixMilli())
	assert.Eventually(t, func() bool {
		score, err := mr.ZScore("test:subs:q", members[0])
		return err == nil && score == want
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, tr.DestroyDestination(ctx, "q"), ErrDestinationInUse)
}

func TestRedisTopicFanOut(t *testing.T) {
	tr, _ := newTestRedis(t)
	ctx := context.Background()
	got := make(chan string, 4)
	var subs []Subscription
	for i := 0; i < 2; i++ {
		sub, err := tr.SubscribeTopic(ctx, "control-s3", func(dest string, body []byte) {
			assert.Equal(t, "control-s3", dest)
			got <- string(body)
		})
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	require.NoError(t, tr.Broadcast(ctx, "control-s3", []byte("bye")))
	for i := 0; i < 2; i++ {
		select {
		case b := <-got:
			assert.Equal(t, "bye", b)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not delivered to every subscriber")
		}
	}

	assert.ErrorIs(t, tr.DestroyDestination(ctx, "control-s3"), ErrDestinationInUse)
	for _, s := range subs {
		require.NoError(t, s.Close())
	}
	assert.Eventually(t, func() bool {
		return tr.DestroyDestination(ctx, "control-s3") == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisClosedTransport(t *testing.T) {
	tr, _ := newTestRedis(t)
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Publish(context.Background(), "q", []byte("x")), ErrClosed)
	_, err := tr.Subscribe(context.Background(), "q", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, tr.Alive(context.Background()))
}
