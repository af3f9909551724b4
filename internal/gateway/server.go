package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/RezaEskandarii/hpcfire/internal/metrics"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxInFlight  = 16
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultWriteTimeout = 10 * time.Second
)

// Server speaks the framed protocol over TCP. Requests on one connection
// are handled concurrently and replies are written as they complete, so
// clients match them by ID.
type Server struct {
	addr         string
	service      *Service
	maxInFlight  int64
	idleTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	ready    chan struct{}
}

type ServerOption func(*Server)

// WithMaxInFlight bounds concurrent requests per connection.
func WithMaxInFlight(n int64) ServerOption {
	return func(s *Server) { s.maxInFlight = n }
}

// WithIdleTimeout drops connections that send nothing for d.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.idleTimeout = d }
}

func NewServer(addr string, service *Service, opts ...ServerOption) *Server {
	s := &Server{
		addr:         addr,
		service:      service,
		maxInFlight:  DefaultMaxInFlight,
		idleTimeout:  DefaultIdleTimeout,
		writeTimeout: DefaultWriteTimeout,
		conns:        make(map[net.Conn]struct{}),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Addr blocks until the server listens and returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	log.Printf("[GATEWAY] listening on %s", ln.Addr())
	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeConns()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			backoff = nextBackoff(backoff)
			metrics.GatewayAcceptErrorsTotal.Inc()
			log.Printf("[GATEWAY] accept error: %v; retrying in %v", err, backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if !s.track(ctx, conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// track registers conn for shutdown. It refuses connections accepted after
// shutdown began, since closeConns has already run.
func (s *Server) track(ctx context.Context, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	metrics.GatewayConnections.Inc()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		metrics.GatewayConnections.Dec()
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[GATEWAY] panic on connection %s: %v", conn.RemoteAddr(), r)
		}
	}()

	var (
		sess     = NewSession(remoteHost(conn.RemoteAddr()))
		writeMu  sync.Mutex
		inFlight sync.WaitGroup
		sem      = semaphore.NewWeighted(s.maxInFlight)
		reader   = bufio.NewReader(conn)
	)
	defer inFlight.Wait()

	reply := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if s.writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
		if err := WriteFrame(conn, resp); err != nil {
			log.Printf("[GATEWAY] dropping connection %s: write failed: %v", conn.RemoteAddr(), err)
			conn.Close()
		}
	}

	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		body, err := ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("[GATEWAY] dropping connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			reply(errorResponse("", KindBadRequest, "malformed request: "+err.Error()))
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		inFlight.Add(1)
		go func(req Request) {
			defer inFlight.Done()
			defer sem.Release(1)
			reply(s.service.Handle(ctx, req, sess))
		}(req)
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
