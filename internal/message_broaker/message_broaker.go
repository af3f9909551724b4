package message_broaker

import "context"

// MessageBroker publishes and consumes opaque message bodies.
type MessageBroker interface {
	Publish(ctx context.Context, routingKey string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan []byte, error)
	Close() error
}

// RPCHandler answers one request body with a reply body.
type RPCHandler func(ctx context.Context, body []byte) []byte
