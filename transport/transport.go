// Package transport abstracts the message-passing substrate between a
// bridge host and its sandbox runtime. Production code rides on NATS; tests
// use the in-memory bus. The abstraction is deliberately connectionless and
// order-agnostic: subscribers may observe messages in any order, and nothing
// above this layer may depend on arrival order.
package transport

// Handler receives a message published to a subscribed subject.
type Handler func(subject string, data []byte)

// Subscription is a handle to an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport publishes messages to subjects and subscribes handlers to them.
// Publish is fire-and-forget: a nil error means the message was handed to
// the transport, not that anyone received it.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
}
