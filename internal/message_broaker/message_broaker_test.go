package message_broaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitMQImplementsMessageBroker(t *testing.T) {
	var _ MessageBroker = (*RabbitMQ)(nil)
}

func TestRPCReply_CarriesCorrelationID(t *testing.T) {
	handler := func(ctx context.Context, body []byte) []byte {
		return append([]byte("re:"), body...)
	}

	reply := rpcReply(context.Background(), handler, "abc", []byte("ping"))
	assert.Equal(t, "abc", reply.CorrelationId)
	assert.Equal(t, "application/json", reply.ContentType)
	assert.Equal(t, []byte("re:ping"), reply.Body)
}

func newPendingBroker() *RabbitMQ {
	return &RabbitMQ{pending: make(map[string]chan []byte)}
}

func TestDeliverReply_RoutesByCorrelationID(t *testing.T) {
	r := newPendingBroker()
	first := make(chan []byte, 1)
	second := make(chan []byte, 1)
	r.pending["1"] = first
	r.pending["2"] = second

	r.deliverReply("2", []byte("two"))
	r.deliverReply("1", []byte("one"))
	r.deliverReply("unknown", []byte("lost"))

	select {
	case got := <-first:
		assert.Equal(t, []byte("one"), got)
	case <-time.After(time.Second):
		t.Fatal("reply 1 not delivered")
	}
	assert.Equal(t, []byte("two"), <-second)
}

func TestDeliverReply_DuplicateDoesNotBlock(t *testing.T) {
	r := newPendingBroker()
	wait := make(chan []byte, 1)
	r.pending["1"] = wait

	r.deliverReply("1", []byte("a"))
	r.deliverReply("1", []byte("b"))
	assert.Equal(t, []byte("a"), <-wait)
}

func TestClosePending_ReleasesWaiters(t *testing.T) {
	r := newPendingBroker()
	wait := make(chan []byte, 1)
	r.pending["1"] = wait

	r.closePending()
	_, ok := <-wait
	require.False(t, ok)
	assert.Empty(t, r.pending)
}
