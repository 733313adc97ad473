package audiosocket

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
)

// ServerConfig configures the AudioSocket listener
type ServerConfig struct {
	Address     string
	MaxSessions int64
	Session     SessionConfig
}

// Validate validates the configuration
func (c ServerConfig) Validate() error {
	if c.Address == "" {
		return errors.New("listen address is required")
	}
	if c.MaxSessions < 0 {
		return errors.New("max sessions cannot be negative")
	}
	return nil
}

// Server accepts AudioSocket connections and runs one Session per call
type Server struct {
	config ServerConfig
	deps   Dependencies
	logger *zap.Logger

	slots *semaphore.Weighted

	mu       sync.RWMutex
	listener net.Listener
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewServer creates a server
func NewServer(config ServerConfig, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if config.MaxSessions == 0 {
		config.MaxSessions = 200
		logger.Info("Using default session limit", zap.Int64("maxSessions", config.MaxSessions))
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		config:   config,
		deps:     deps,
		logger:   logger.With(zap.String("component", "audiosocket_server")),
		slots:    semaphore.NewWeighted(config.MaxSessions),
		sessions: make(map[*Session]struct{}),
	}, nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Shutdown is called
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("AudioSocket server listening", zap.String("address", ln.Addr().String()),
		zap.Int64("maxSessions", s.config.MaxSessions))

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
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
				s.logger.Warn("Accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		if !s.slots.TryAcquire(1) {
			s.reject(conn)
			continue
		}
		s.handle(ctx, conn)
	}
}

func (s *Server) reject(conn net.Conn) {
	s.deps.Metrics.SessionRejected()
	s.logger.Warn("Rejecting connection",
		zap.String("remoteAddr", conn.RemoteAddr().String()),
		zap.Error(domain.ErrResourceExhausted))
	go func() {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.Write(Encode(ErrorFrame(ErrorCodeMemory)))
		conn.Close()
	}()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	session := NewSession(conn, s.config.Session, s.deps, s.logger)
	session.onEnd = s.unregister

	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.slots.Release(1)
		if err := session.Run(ctx); err != nil {
			s.logger.Warn("Session closed with error", zap.String("callID", session.ID()), zap.Error(err))
		}
	}()
}

func (s *Server) unregister(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

// Lookup finds a live session by call ID
func (s *Server) Lookup(callID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for session := range s.sessions {
		if session.ID() == callID {
			return session, true
		}
	}
	return nil, false
}

// Snapshots returns the state of every live call
func (s *Server) Snapshots() []entities.CallSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entities.CallSnapshot, 0, len(s.sessions))
	for session := range s.sessions {
		out = append(out, session.Call().Snapshot())
	}
	return out
}

// ActiveSessions returns the number of live sessions
func (s *Server) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Addr returns the listener address once serving
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, ends every session and waits for them to finish
// or for ctx to expire
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("AudioSocket server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
