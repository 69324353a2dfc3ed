// Package server accepts RTMP and RTMPS connections and runs one session
// per connection until shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zsiec/rtmp-relay/internal/observe"
	"github.com/zsiec/rtmp-relay/internal/session"
	"github.com/zsiec/rtmp-relay/internal/stream"
)

// maxAcceptDelay caps the backoff after a failed Accept.
const maxAcceptDelay = time.Second

// Config configures a Server.
type Config struct {
	// Addr is the plain RTMP listen address.
	Addr string
	// TLSAddr enables an RTMPS listener when set; TLS must be non-nil.
	TLSAddr        string
	TLS            *tls.Config
	MaxConnections int
	Session        session.Config
}

// Server accepts connections and hands each one to a session bound to the
// shared stream registry.
type Server struct {
	log      *slog.Logger
	root     *slog.Logger
	cfg      Config
	registry *stream.Registry
	sink     observe.Sink
	sem      *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New creates a Server. If log is nil, slog.Default() is used.
func New(cfg Config, registry *stream.Registry, sink observe.Sink, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "rtmp-server"),
		root:     log,
		cfg:      cfg,
		registry: registry,
		sink:     observe.OrNop(sink),
		sem:      semaphore.NewWeighted(int64(max(cfg.MaxConnections, 1))),
		sessions: make(map[string]*session.Session),
	}
}

// Start listens on the configured addresses and serves until ctx is
// cancelled. It returns once every session has finished.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("RTMP listen on %s: %w", s.cfg.Addr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(ctx, ln) })

	if s.cfg.TLSAddr != "" {
		if s.cfg.TLS == nil {
			ln.Close()
			return errors.New("RTMPS listener requires a TLS config")
		}
		tln, err := tls.Listen("tcp", s.cfg.TLSAddr, s.cfg.TLS)
		if err != nil {
			ln.Close()
			return fmt.Errorf("RTMPS listen on %s: %w", s.cfg.TLSAddr, err)
		}
		g.Go(func() error { return s.Serve(ctx, tln) })
	}
	return g.Wait()
}

// Serve accepts connections from ln until ctx is cancelled, then closes ln
// and waits for active sessions to end. Connections beyond the limit are
// closed immediately.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.log.Info("listening", "addr", ln.Addr().String())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
			}
			delay = min(max(2*delay, 5*time.Millisecond), maxAcceptDelay)
			s.log.Warn("accept error", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		if !s.sem.TryAcquire(1) {
			s.log.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr().String(), "limit", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, s.registry, s.cfg.Session, s.sink, s.root)
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	defer func() {
		s.sem.Release(1)
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
	}()

	if err := sess.Serve(ctx); err != nil {
		s.log.Debug("session ended with error", "session", sess.ID(), "error", err)
	}
}

// Sessions returns a snapshot of every active session.
func (s *Server) Sessions() []session.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Stats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Stats())
	}
	return out
}
