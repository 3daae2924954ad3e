package relay

import (
	"context"
	"time"
)

// Handler receives messages delivered to a subscription. It runs on a transport owned
// goroutine; deliveries for one subscription are sequential and in publish order.
type Handler func(destination string, body []byte)

// Subscription is a consumer handle. Close detaches it; it never blocks on the handler.
type Subscription interface {
	Close() error
}

// Transport is the publish/subscribe broker the relay layers on. Queues are point-to-point,
// topics fan out to every current subscriber.
type Transport interface {
	CreateDestination(ctx context.Context, name string) error
	// DestroyDestination removes a queue or topic. It fails with ErrDestinationInUse while a
	// subscriber is still attached.
	DestroyDestination(ctx context.Context, name string) error

	Publish(ctx context.Context, queue string, body []byte) error
	// Receive blocks for at most timeout. It returns (nil, nil) when nothing arrived.
	Receive(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	Subscribe(ctx context.Context, queue string, h Handler) (Subscription, error)

	Broadcast(ctx context.Context, topic string, body []byte) error
	SubscribeTopic(ctx context.Context, topic string, h Handler) (Subscription, error)

	Alive(ctx context.Context) bool
	Close() error
}
