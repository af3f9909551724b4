package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/gateway"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store/memory"
	"github.com/RezaEskandarii/hpcfire/internal/submission"
	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T, opts ...gateway.ServiceOption) string {
	t.Helper()
	s := memory.NewMemoryJobStore()
	srv := gateway.NewServer("127.0.0.1:0", gateway.NewService(submission.NewSubmitter(s), s, opts...))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func dialGateway(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func spec(name string, parents ...string) types.JobSpec {
	return types.JobSpec{
		Name:      name,
		Exec:      types.ExecSpec{Command: "echo " + name},
		Resources: types.ResourceRequest{Nodes: 1},
		Parents:   parents,
	}
}

func TestClient_SubmitQueryCancel(t *testing.T) {
	c := dialGateway(t, startGateway(t))
	ctx := context.Background()

	ids, err := c.Submit(ctx, spec("a"), spec("b", "a"))
	require.NoError(t, err)
	require.Len(t, ids, 2)

	st, err := c.Query(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, state.StateCreated, st.State)

	st, err = c.Cancel(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, state.StateCancelled, st.State)

	listed, err := c.List(ctx, types.JobFilter{States: []state.JobState{state.StateCancelled}})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, listed)
}

func TestClient_Errors(t *testing.T) {
	c := dialGateway(t, startGateway(t))
	ctx := context.Background()

	_, err := c.Query(ctx, "ghost")
	assert.ErrorIs(t, err, custom_errors.ErrNotFound)

	_, err = c.Submit(ctx, spec("a", "a"))
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, gateway.KindValidation, gwErr.Kind)
	assert.NotEmpty(t, gwErr.Details)
}

func TestClient_ConcurrentPipelinedCalls(t *testing.T) {
	c := dialGateway(t, startGateway(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := c.Submit(ctx, spec(""))
			if err != nil {
				errs <- err
				return
			}
			st, err := c.Query(ctx, ids[0])
			if err != nil {
				errs <- err
				return
			}
			if st.JobID != ids[0] {
				errs <- assert.AnError
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClient_Auth(t *testing.T) {
	clients := memory.NewMemoryClientStore()
	_, err := clients.Create(context.Background(), "alice", "pw")
	require.NoError(t, err)
	addr := startGateway(t, gateway.WithAuthenticator(gateway.NewClientStoreAuthenticator(clients, time.Minute)))
	ctx := context.Background()

	anon := dialGateway(t, addr)
	_, err = anon.List(ctx, types.JobFilter{})
	assert.ErrorIs(t, err, custom_errors.ErrUnauthorized)
	require.NoError(t, anon.Auth(ctx, "alice", "pw"))
	_, err = anon.List(ctx, types.JobFilter{})
	assert.NoError(t, err)

	withCreds := dialGateway(t, addr, WithCredentials("alice", "pw"))
	_, err = withCreds.Submit(ctx, spec("x"))
	assert.NoError(t, err)
}

func TestClient_ServerGoneFailsPendingCalls(t *testing.T) {
	server, clientConn := net.Pipe()
	c := NewClient(clientConn)
	go func() {
		buf := make([]byte, 1024)
		_, _ = server.Read(buf)
		server.Close()
	}()

	_, err := c.Query(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	c.Close()
}
