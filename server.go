package framing

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Handler is the interface for handling incoming TCP connections.
// Implementations should handle the connection lifecycle and message processing.
type Handler interface {
	// Handle is called for each new connection on its own goroutine.
	// ctx is canceled when the server gives up draining connections.
	// A returned error ends only this connection and is logged by the server.
	Handle(ctx context.Context, conn *net.TCPConn) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn *net.TCPConn) error

// Handle calls f(ctx, conn).
func (f HandlerFunc) Handle(ctx context.Context, conn *net.TCPConn) error {
	return f(ctx, conn)
}

// Server represents a TCP server that listens for incoming connections.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	maxConns        int

	mu        sync.Mutex
	shutdown  bool
	conns     map[*net.TCPConn]struct{}
	closeOnce sync.Once
	// shutdownNow is closed to skip the remaining drain timeout.
	shutdownNow chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled the server stops accepting at once, then waits
// up to this duration for running handlers to finish before canceling their
// context and closing their connections.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerMaxConnsOption limits the number of connections handled at once.
// Connections accepted beyond the limit are closed immediately.
// Zero or negative means no limit.
func ServerMaxConnsOption(n int) ServerOption {
	return func(s *Server) {
		s.maxConns = n
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		conns:       make(map[*net.TCPConn]struct{}),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and runs handler for each one on its own
// goroutine, so a slow or misbehaving peer never delays the others.
// It blocks until the context is canceled or an unrecoverable accept error
// occurs, then drains the running handlers (see ServerShutdownTimeoutOption)
// before returning.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	stopAccept := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	})
	defer stopAccept()

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	var group errgroup.Group
	if s.maxConns > 0 {
		group.SetLimit(s.maxConns)
	}

	err := s.acceptLoop(ctx, connCtx, handler, &group)

	if drainErr := s.drain(&group, cancelConns); drainErr != nil {
		s.logger.Warn("connection drain", "error", drainErr)
	}
	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return err
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, handler Handler, group *errgroup.Group) error {
	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				return ctx.Err()
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		s.trackConn(conn)
		started := group.TryGo(func() error {
			defer s.untrackConn(conn)
			if err := handler.Handle(connCtx, conn); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("connection handler failed", "remote_addr", conn.RemoteAddr(),
					"kind", KindOf(err).String(), "error", err)
			}
			return nil
		})
		if !started {
			s.logger.Warn("connection limit reached, rejecting", "remote_addr", conn.RemoteAddr(), "limit", s.maxConns)
			s.untrackConn(conn)
		}
	}
}

// drain waits for running handlers, bounded by the shutdown timeout, then
// forces the remaining connections closed.
func (s *Server) drain(group *errgroup.Group, cancelConns context.CancelFunc) error {
	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	if s.shutdownTimeout > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout, "active", s.ActiveConns())
		timer := time.NewTimer(s.shutdownTimeout)
		defer timer.Stop()

		select {
		case err := <-done:
			return err
		case <-timer.C:
			// Timeout expired, proceed with shutdown
		case <-s.shutdownNow:
			// Close() was called, skip remaining timeout
			s.logger.Debug("shutdown timeout bypassed via Close()")
		}
	}

	cancelConns()
	closeErr := s.closeConns()
	return multierr.Append(<-done, closeErr)
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) trackConn(conn *net.TCPConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn *net.TCPConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	_ = conn.Close()
}

// closeConns closes every tracked connection.
func (s *Server) closeConns() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for conn := range s.conns {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// ActiveConns returns the number of connections currently being handled.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the server by closing the listener and every active connection.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
// Any blocked Accept calls will return with an error.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	s.closeOnce.Do(func() {
		close(s.shutdownNow)
	})

	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return multierr.Combine(err, s.closeConns())
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
