package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("relay: server closed")

// Server accepts relay connections and serves each on its own goroutine.
type Server struct {
	handler *Handler
	reg     *Registry
	log     *slog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	shutdown  bool
	wg        sync.WaitGroup
}

// NewServer returns a Server dispatching connections to h. reg is closed
// on Shutdown.
func NewServer(h *Handler, reg *Registry, log *slog.Logger) *Server {
	return &Server{
		handler:   h,
		reg:       reg,
		log:       log,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ln fails or Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	s.log.Info("relay listening", slog.String("addr", ln.Addr().String()))

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.Warn("accept error; retrying", slog.String("error", err.Error()), slog.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		if !s.trackConn(conn, true) {
			conn.Close()
			return ErrServerClosed
		}
		s.log.Debug("connection accepted", slog.String("remote", addrString(conn.RemoteAddr())))
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			s.handler.ServeConn(conn)
		}()
	}
}

// Shutdown stops accepting, closes every publishing point and live
// connection, then waits for connection goroutines until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	s.reg.CloseAll()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutdown {
			return false
		}
		s.listeners[ln] = struct{}{}
		return true
	}
	delete(s.listeners, ln)
	return true
}

// trackConn registers conn for Shutdown. Adding also counts the serving
// goroutine in s.wg, under the same lock Shutdown takes.
func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutdown {
			return false
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		return true
	}
	delete(s.conns, conn)
	return true
}
