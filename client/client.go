package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/gateway"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/types"
)

var ErrClosed = errors.New("client connection closed")

// Error is a rejection reported by the gateway.
type Error struct {
	Kind    string
	Message string
	Details []string
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, strings.Join(e.Details, "; "))
}

// Unwrap maps the error kind onto the matching sentinel so callers can use
// errors.Is against custom_errors.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case gateway.KindNotFound:
		return custom_errors.ErrNotFound
	case gateway.KindRateLimited:
		return custom_errors.ErrRateLimited
	case gateway.KindUnauthorized:
		return custom_errors.ErrUnauthorized
	}
	return nil
}

// Status is the answer to QUERY and CANCEL.
type Status struct {
	JobID       string
	State       state.JobState
	ExitStatus  *int
	Reason      string
	RetryCount  int
	ErrorDetail string
	// WillRetry marks a FAILED job that is going to be re-queued.
	WillRetry bool
}

// Client talks to a gateway over one TCP connection. Calls may be issued
// concurrently; they are pipelined and matched to replies by request id.
type Client struct {
	conn   net.Conn
	name   string
	token  string
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan gateway.Response
	err     error
	done    chan struct{}
}

type Option func(*Client)

// WithCredentials sends client name and token with every request.
func WithCredentials(name, token string) Option {
	return func(c *Client) {
		c.name = name
		c.token = token
	}
}

func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway %s: %w", addr, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan gateway.Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	reader := bufio.NewReader(c.conn)
	for {
		var resp gateway.Response
		if err := gateway.ReadMessage(reader, &resp); err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		wait, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			wait <- resp
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	for id, wait := range c.pending {
		close(wait)
		delete(c.pending, id)
	}
}

func (c *Client) do(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	req.ID = strconv.FormatUint(c.nextID.Add(1), 10)
	if req.Client == "" {
		req.Client = c.name
	}
	if req.Token == "" {
		req.Token = c.token
	}

	wait := make(chan gateway.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return gateway.Response{}, err
	}
	c.pending[req.ID] = wait
	c.mu.Unlock()

	c.writeMu.Lock()
	err := gateway.WriteFrame(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return gateway.Response{}, fmt.Errorf("failed to send %s: %w", req.Type, err)
	}

	select {
	case resp, ok := <-wait:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return gateway.Response{}, err
		}
		if resp.Error != nil {
			return resp, &Error{Kind: resp.Error.Kind, Message: resp.Error.Message, Details: resp.Error.Details}
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return gateway.Response{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Auth authenticates the connection once; later requests may omit credentials.
func (c *Client) Auth(ctx context.Context, name, token string) error {
	_, err := c.do(ctx, gateway.Request{Type: gateway.TypeAuth, Client: name, Token: token})
	return err
}

// Submit sends one or more specs as a single batch and returns their ids in
// input order.
func (c *Client) Submit(ctx context.Context, specs ...types.JobSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, errors.New("no job specs to submit")
	}
	resp, err := c.do(ctx, gateway.Request{Type: gateway.TypeSubmit, JobSpecs: specs})
	if err != nil {
		return nil, err
	}
	return resp.JobIDs, nil
}

func (c *Client) Query(ctx context.Context, jobID string) (*Status, error) {
	resp, err := c.do(ctx, gateway.Request{Type: gateway.TypeQuery, JobID: jobID})
	if err != nil {
		return nil, err
	}
	return statusOf(resp), nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) (*Status, error) {
	resp, err := c.do(ctx, gateway.Request{Type: gateway.TypeCancel, JobID: jobID})
	if err != nil {
		return nil, err
	}
	return statusOf(resp), nil
}

func (c *Client) List(ctx context.Context, filter types.JobFilter) ([]string, error) {
	resp, err := c.do(ctx, gateway.Request{Type: gateway.TypeList, Filter: &filter})
	if err != nil {
		return nil, err
	}
	return resp.JobIDs, nil
}

func statusOf(resp gateway.Response) *Status {
	return &Status{
		JobID:       resp.JobID,
		State:       resp.State,
		ExitStatus:  resp.ExitStatus,
		Reason:      resp.Reason,
		RetryCount:  resp.RetryCount,
		ErrorDetail: resp.ErrorDetail,
		WillRetry:   resp.WillRetry,
	}
}
