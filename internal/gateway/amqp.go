package gateway

import (
	"context"

	"github.com/RezaEskandarii/hpcfire/internal/message_broaker"
)

// RPCServer is a message transport that answers request bodies, such as
// message_broaker.RabbitMQ.
type RPCServer interface {
	ServeRPC(ctx context.Context, queue string, handler message_broaker.RPCHandler) error
}

// AMQPTransport serves the gateway over broker request/reply. Each message is
// one JSON request; there is no session, so every request carries its own
// credentials when authentication is enabled.
type AMQPTransport struct {
	rpc     RPCServer
	queue   string
	service *Service
}

func NewAMQPTransport(rpc RPCServer, queue string, service *Service) *AMQPTransport {
	return &AMQPTransport{rpc: rpc, queue: queue, service: service}
}

func (t *AMQPTransport) Serve(ctx context.Context) error {
	return t.rpc.ServeRPC(ctx, t.queue, t.service.HandleFrame)
}
