package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/die-net/ruleproxy/internal/connector"
	"github.com/die-net/ruleproxy/internal/stream"
)

// Server accepts client connections and runs one Session per connection.
type Server struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool

	sessions sync.WaitGroup
}

// NewServer returns a server whose sessions run until ctx ends or Close is
// called.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Server{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections on ln until Close is called, then returns nil.
// Any other accept error is returned.
func (s *Server) Serve(ln net.Listener) error {
	if !s.track(ln) {
		_ = ln.Close()
		return nil
	}
	defer s.untrack(ln)

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			if isTemporaryAcceptErr(err) {
				backoff = nextBackoff(backoff)
				s.cfg.Logger.Warn("accept", slog.Any("error", err), slog.Duration("retry_in", backoff))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		s.sessions.Go(func() {
			s.serveConn(c)
		})
	}
}

func (s *Server) serveConn(c net.Conn) {
	sess := NewSession(stream.New(c), c.RemoteAddr().String(), s.cfg)
	err := sess.Serve(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		sess.log.Debug("session canceled")
	case errors.Is(err, connector.ErrNoRule):
		sess.log.Error("no rule matched", slog.Any("error", err))
	default:
		sess.log.Debug("session error", slog.Any("error", err))
	}
}

// Close stops all Serve loops and cancels running sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var errs []error
	for ln := range s.listeners {
		errs = append(errs, ln.Close())
	}
	s.mu.Unlock()

	s.cancel()
	return errors.Join(errs...)
}

// Wait blocks until every session has finished.
func (s *Server) Wait() {
	s.sessions.Wait()
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrack(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func isTemporaryAcceptErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ECONNABORTED)
}

func nextBackoff(d time.Duration) time.Duration {
	const maxBackoff = time.Second
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, maxBackoff)
}
