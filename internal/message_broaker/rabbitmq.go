package message_broaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrBrokerClosed = errors.New("message broker closed")

type RabbitMQ struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string

	pubMu sync.Mutex

	replyOnce  sync.Once
	replyErr   error
	replyQueue string
	pendingMu  sync.Mutex
	pending    map[string]chan []byte
}

// NewRabbitMQ connects and declares the topic exchange events are published to.
func NewRabbitMQ(url, exchange string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQ{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		pending:  make(map[string]chan []byte),
	}, nil
}

// Publish sends message to the exchange under routingKey.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, message []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	return r.channel.PublishWithContext(
		ctx,
		r.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        message,
		},
	)
}

// Bind declares a durable queue receiving every message whose routing key
// matches pattern.
func (r *RabbitMQ) Bind(queue, pattern string) error {
	if _, err := r.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	return r.channel.QueueBind(queue, pattern, r.exchange, false, nil)
}

func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan []byte, error) {
	msgs, err := r.channel.Consume(
		queue,
		"",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 1000)

	go func() {
		defer close(out)

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Body:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// ServeRPC answers requests arriving on queue until ctx is done. Each reply
// goes to the request's reply-to queue under its correlation id, and the
// request is acknowledged only after the reply is published.
func (r *RabbitMQ) ServeRPC(ctx context.Context, queue string, handler RPCHandler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	log.Printf("[AMQP] serving requests on %s", queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrBrokerClosed
			}
			if d.ReplyTo == "" {
				log.Printf("[AMQP] dropping request %s without reply-to", d.CorrelationId)
				_ = d.Nack(false, false)
				continue
			}
			reply := rpcReply(ctx, handler, d.CorrelationId, d.Body)
			if err := ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, reply); err != nil {
				log.Printf("[AMQP] failed to reply to %s: %v", d.CorrelationId, err)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func rpcReply(ctx context.Context, handler RPCHandler, correlationID string, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Body:          handler(ctx, body),
	}
}

// Call publishes body to queue and waits for the correlated reply.
func (r *RabbitMQ) Call(ctx context.Context, queue string, body []byte) ([]byte, error) {
	if err := r.ensureReplyQueue(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	wait := make(chan []byte, 1)
	r.pendingMu.Lock()
	r.pending[id] = wait
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
	}()

	r.pubMu.Lock()
	err := r.channel.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: id,
		ReplyTo:       r.replyQueue,
		Body:          body,
	})
	r.pubMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-wait:
		if !ok {
			return nil, ErrBrokerClosed
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *RabbitMQ) ensureReplyQueue() error {
	r.replyOnce.Do(func() {
		q, err := r.channel.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			r.replyErr = err
			return
		}
		replies, err := r.channel.Consume(q.Name, "", true, true, false, false, nil)
		if err != nil {
			r.replyErr = err
			return
		}
		r.replyQueue = q.Name
		go func() {
			for d := range replies {
				r.deliverReply(d.CorrelationId, d.Body)
			}
			r.closePending()
		}()
	})
	return r.replyErr
}

func (r *RabbitMQ) deliverReply(correlationID string, body []byte) {
	r.pendingMu.Lock()
	wait, ok := r.pending[correlationID]
	r.pendingMu.Unlock()
	if !ok {
		log.Printf("[AMQP] discarding reply for unknown request %s", correlationID)
		return
	}
	select {
	case wait <- body:
	default:
	}
}

func (r *RabbitMQ) closePending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, wait := range r.pending {
		close(wait)
		delete(r.pending, id)
	}
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
