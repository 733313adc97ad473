package audiosocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/audio"
	"github.com/satriahrh/callbridge/internal/metrics"
)

// Error frame codes as understood by the switch.
const (
	ErrorCodeFrame  byte = 0x02
	ErrorCodeMemory byte = 0x04
)

// End reasons
const (
	ReasonHangup          = "hangup"
	ReasonDisconnected    = "disconnected"
	ReasonTransferred     = "transferred"
	ReasonTransferTimeout = "transfer_timeout"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonProtocolError   = "protocol_error"
	ReasonPeerError       = "peer_error"
	ReasonIOError         = "io_error"
	ReasonAttachFailed    = "attach_failed"
	ReasonShutdown        = "shutdown"
)

// Media consumes the inbound side of a streaming call
type Media interface {
	HandleAudio(pcm []byte)
	HandleDTMF(digit byte)
	// Close is called once when the session ends
	Close()
}

// Bridge connects a freshly streaming session to the speech and routing
// pipeline
type Bridge interface {
	Attach(ctx context.Context, session *Session) (Media, error)
}

// Publisher receives call events
type Publisher interface {
	Publish(callID string, ev entities.Event)
	Deregister(callID string)
}

// Transferer hands calls over to the switch
type Transferer interface {
	RequestTransfer(callID, destination string) error
	Cancel(callID string) error
}

// SessionConfig holds per-call timing parameters
type SessionConfig struct {
	MaxPayload      int
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	TransferTimeout time.Duration
	FlushTimeout    time.Duration
	// OutboundQueue is the number of frames buffered ahead of the pacer
	OutboundQueue int
}

func (c *SessionConfig) applyDefaults(logger *zap.Logger) {
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
		logger.Info("Using default max payload", zap.Int("maxPayload", c.MaxPayload))
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
		logger.Info("Using default idle timeout", zap.Duration("idleTimeout", c.IdleTimeout))
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 30 * time.Second
		logger.Info("Using default transfer timeout", zap.Duration("transferTimeout", c.TransferTimeout))
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 3 * time.Second
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 100
	}
}

// Dependencies are the collaborators shared by every session
type Dependencies struct {
	Bridge     Bridge
	Publisher  Publisher
	Transferer Transferer
	Metrics    *metrics.Collector
}

// Session drives one AudioSocket connection through the call state machine.
type Session struct {
	conn   net.Conn
	call   *entities.CallSession
	config SessionConfig
	deps   Dependencies
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	decoder *Decoder
	media   Media

	outbound chan []byte
	pending  atomic.Int64
	pacer    *rate.Limiter
	writeMu  sync.Mutex

	mu          sync.Mutex
	replyCtx    context.Context
	replyCancel context.CancelFunc
	watchdog    *time.Timer

	endOnce sync.Once
	onEnd   func(*Session)
}

// NewSession wraps an accepted connection. The session starts in
// connecting; Run drives it until it ends.
func NewSession(conn net.Conn, config SessionConfig, deps Dependencies, logger *zap.Logger) *Session {
	config.applyDefaults(logger)

	call := entities.NewCallSession(uuid.NewString(), conn.RemoteAddr().String())
	replyCtx, replyCancel := context.WithCancel(context.Background())
	replyCancel()

	return &Session{
		conn:        conn,
		call:        call,
		config:      config,
		deps:        deps,
		logger:      logger.With(zap.String("component", "audio_session"), zap.String("remoteAddr", conn.RemoteAddr().String())),
		decoder:     NewDecoder(config.MaxPayload),
		outbound:    make(chan []byte, config.OutboundQueue),
		pacer:       rate.NewLimiter(rate.Limit(audio.BytesPerSecond), audio.FrameBytes),
		replyCtx:    replyCtx,
		replyCancel: replyCancel,
	}
}

// ID returns the call identifier
func (s *Session) ID() string { return s.call.ID() }

// Call returns the call state
func (s *Session) Call() *entities.CallSession { return s.call }

// State returns the current call state
func (s *Session) State() entities.CallState { return s.call.State() }

// ReplyContext is cancelled as soon as the call leaves streaming. AI replies
// and transcription requests run under it.
func (s *Session) ReplyContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyCtx
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Done()
}

// Run serves the connection until the call ends
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	g, gctx := errgroup.WithContext(s.ctx)
	stop := context.AfterFunc(gctx, func() { s.conn.Close() })
	defer stop()

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	err := g.Wait()
	reason := s.reasonFor(ctx, err)
	s.end(reason)

	if reason == ReasonProtocolError || reason == ReasonIOError {
		return err
	}
	return nil
}

// sessionEnd carries the reason a loop stopped
type sessionEnd struct {
	reason string
	err    error
}

func (e *sessionEnd) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func (e *sessionEnd) Unwrap() error { return e.err }

func (s *Session) reasonFor(parent context.Context, err error) string {
	var se *sessionEnd
	if errors.As(err, &se) {
		return se.reason
	}
	if parent.Err() != nil {
		return ReasonShutdown
	}
	return ReasonDisconnected
}

func (s *Session) readLoop(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.decoder.Write(buf[:n])
			if ferr := s.drainFrames(); ferr != nil {
				return ferr
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			s.logger.Warn("No inbound frames, hanging up", zap.String("callID", s.ID()),
				zap.Duration("idleTimeout", s.config.IdleTimeout))
			s.writeFrame(HangupFrame())
			return &sessionEnd{reason: ReasonIdleTimeout}
		case errors.Is(err, io.EOF):
			if cerr := s.decoder.Close(); cerr != nil {
				s.logger.Warn("Peer closed mid-frame", zap.String("callID", s.ID()), zap.Error(cerr))
			}
			return &sessionEnd{reason: ReasonDisconnected}
		default:
			return &sessionEnd{reason: ReasonIOError, err: err}
		}
	}
}

func (s *Session) drainFrames() error {
	for {
		frame, ok, err := s.decoder.Next()
		if err != nil {
			s.logger.Error("Malformed frame, closing connection", zap.String("callID", s.ID()), zap.Error(err))
			s.writeFrame(ErrorFrame(ErrorCodeFrame))
			return &sessionEnd{reason: ReasonProtocolError, err: err}
		}
		if !ok {
			return nil
		}
		if err := s.handleFrame(frame); err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(frame Frame) error {
	s.deps.Metrics.FrameIn()
	s.call.Touch()

	if s.call.State() == entities.CallStateConnecting {
		if err := s.start(frame); err != nil {
			return err
		}
		if frame.Kind == KindID {
			return nil
		}
	}

	switch frame.Kind {
	case KindAudio:
		if media := s.currentMedia(); media != nil && s.call.State() == entities.CallStateStreaming {
			media.HandleAudio(frame.Payload)
		}
	case KindDTMF:
		if media := s.currentMedia(); media != nil {
			media.HandleDTMF(frame.Payload[0])
		}
	case KindHangup:
		return &sessionEnd{reason: ReasonHangup}
	case KindError:
		code := byte(0)
		if len(frame.Payload) == 1 {
			code = frame.Payload[0]
		}
		s.logger.Warn("Peer reported an error", zap.String("callID", s.ID()), zap.Uint8("code", code))
		return &sessionEnd{reason: ReasonPeerError}
	case KindID:
		s.logger.Warn("Ignoring repeated id frame", zap.String("callID", s.ID()))
	}
	return nil
}

// start leaves connecting on the first valid frame
func (s *Session) start(frame Frame) error {
	switch frame.Kind {
	case KindHangup:
		return &sessionEnd{reason: ReasonHangup}
	case KindError:
		return &sessionEnd{reason: ReasonPeerError}
	case KindID:
		id, err := frame.CallID()
		if err != nil {
			s.writeFrame(ErrorFrame(ErrorCodeFrame))
			return &sessionEnd{reason: ReasonProtocolError, err: domain.ProtocolErrorf("%v", err)}
		}
		if err := s.call.SetID(id); err != nil {
			return &sessionEnd{reason: ReasonProtocolError, err: err}
		}
	default:
		s.logger.Warn("First frame carried no call id, using generated id",
			zap.String("callID", s.ID()), zap.String("kind", frame.Kind.String()))
	}

	if err := s.transition(entities.CallStateStreaming, "connected"); err != nil {
		return &sessionEnd{reason: ReasonProtocolError, err: err}
	}
	s.openReplies()
	s.deps.Metrics.SessionStarted()

	if s.deps.Bridge == nil {
		return nil
	}
	media, err := s.deps.Bridge.Attach(s.ctx, s)
	if err != nil {
		s.logger.Error("Failed to attach call pipeline", zap.String("callID", s.ID()), zap.Error(err))
		s.writeFrame(ErrorFrame(ErrorCodeMemory))
		return &sessionEnd{reason: ReasonAttachFailed, err: err}
	}
	s.mu.Lock()
	s.media = media
	s.mu.Unlock()
	return nil
}

func (s *Session) currentMedia() Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pcm := <-s.outbound:
			if err := s.pacer.WaitN(ctx, len(pcm)); err != nil {
				s.pending.Add(-1)
				return err
			}
			err := s.writeFrame(AudioFrame(pcm))
			s.pending.Add(-1)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &sessionEnd{reason: ReasonIOError, err: err}
			}
			s.deps.Metrics.FrameOut()
		}
	}
}

func (s *Session) writeFrame(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	_, err := s.conn.Write(Encode(f))
	return err
}

// Enqueue queues PCM for playback, split into wire frames. It blocks while
// the outbound queue is full. Audio is refused once the call has left
// streaming.
func (s *Session) Enqueue(ctx context.Context, pcm []byte) error {
	for _, chunk := range audio.Split(pcm, audio.FrameBytes) {
		if s.call.State() != entities.CallStateStreaming {
			return domain.ErrSessionClosed.WithOp("enqueue")
		}
		s.pending.Add(1)
		select {
		case s.outbound <- chunk:
		case <-ctx.Done():
			s.pending.Add(-1)
			return ctx.Err()
		case <-s.Done():
			s.pending.Add(-1)
			return domain.ErrSessionClosed.WithOp("enqueue")
		}
	}
	return nil
}

// DiscardOutbound drops audio that is queued but not yet written
func (s *Session) DiscardOutbound() int {
	dropped := 0
	for {
		select {
		case <-s.outbound:
			s.pending.Add(-1)
			dropped++
		default:
			return dropped
		}
	}
}

// Pending returns the number of frames queued or being written
func (s *Session) Pending() int {
	return int(s.pending.Load())
}

// flush waits for queued audio to play out
func (s *Session) flush(ctx context.Context) {
	if s.pending.Load() == 0 {
		return
	}
	deadline := time.NewTimer(s.config.FlushTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-deadline.C:
			dropped := s.DiscardOutbound()
			s.logger.Warn("Flush timed out, discarding audio", zap.String("callID", s.ID()), zap.Int("frames", dropped))
			return
		case <-ticker.C:
		}
	}
}

// BeginTransfer moves the call to the switch. Replies are stopped, queued
// audio is played out and the marker is written. If the marker cannot be
// written the call resumes streaming and the error is returned.
func (s *Session) BeginTransfer(ctx context.Context, decision entities.RoutingDecision, destination string) error {
	if err := s.transition(entities.CallStateRoutingPending, decision.Route); err != nil {
		return err
	}
	s.call.SetDecision(decision)
	s.closeReplies()
	s.flush(ctx)

	if s.call.State() != entities.CallStateRoutingPending {
		return domain.ErrSessionClosed.WithOp("transfer")
	}

	if err := s.deps.Transferer.RequestTransfer(s.ID(), destination); err != nil {
		s.logger.Error("Failed to request transfer, resuming call",
			zap.String("callID", s.ID()),
			zap.String("route", decision.Route),
			zap.String("destination", destination),
			zap.Error(err))
		s.publish(entities.AlertEvent(s.ID(), entities.PriorityCritical,
			fmt.Sprintf("transfer to %s failed: %v", decision.Route, err)))
		if terr := s.transition(entities.CallStateStreaming, "transfer_failed"); terr == nil {
			s.openReplies()
		}
		return err
	}

	if err := s.transition(entities.CallStateTransferring, destination); err != nil {
		return err
	}
	s.deps.Metrics.TransferRequested(decision.Route)
	s.logger.Info("Transfer requested",
		zap.String("callID", s.ID()),
		zap.String("route", decision.Route),
		zap.String("destination", destination))

	s.mu.Lock()
	s.watchdog = time.AfterFunc(s.config.TransferTimeout, s.transferTimedOut)
	s.mu.Unlock()
	return nil
}

func (s *Session) transferTimedOut() {
	if s.call.State() != entities.CallStateTransferring {
		return
	}
	s.logger.Error("Switch did not take over the call",
		zap.String("callID", s.ID()),
		zap.Duration("transferTimeout", s.config.TransferTimeout))
	s.deps.Metrics.TransferLost("timeout")
	s.publish(entities.AlertEvent(s.ID(), entities.PriorityCritical, "transfer was not picked up by the switch"))
	s.writeFrame(HangupFrame())
	s.end(ReasonTransferTimeout)
}

func (s *Session) openReplies() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyCtx, s.replyCancel = context.WithCancel(s.ctx)
}

func (s *Session) closeReplies() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyCancel()
}

func (s *Session) transition(next entities.CallState, reason string) error {
	prev, err := s.call.Transition(next)
	if err != nil {
		return err
	}
	s.deps.Metrics.StateTransition(string(prev), string(next))
	s.publish(entities.LifecycleEvent(s.ID(), next, reason))
	return nil
}

func (s *Session) publish(ev entities.Event) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(s.ID(), ev)
	}
}

// end runs the cleanup sequence exactly once
func (s *Session) end(reason string) {
	s.endOnce.Do(func() {
		if s.call.State() == entities.CallStateTransferring &&
			(reason == ReasonHangup || reason == ReasonDisconnected) {
			reason = ReasonTransferred
		}
		prev, _ := s.call.End(reason)
		callID := s.ID()

		s.mu.Lock()
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.replyCancel()
		media := s.media
		s.mu.Unlock()

		s.deps.Metrics.StateTransition(string(prev), string(entities.CallStateEnded))
		if prev != entities.CallStateConnecting {
			s.deps.Metrics.SessionEnded(reason)
		}
		s.publish(entities.LifecycleEvent(callID, entities.CallStateEnded, reason))

		if s.cancel != nil {
			s.cancel()
		}
		if media != nil {
			media.Close()
		}
		if s.deps.Transferer != nil {
			if err := s.deps.Transferer.Cancel(callID); err != nil {
				s.logger.Warn("Failed to clean up transfer marker", zap.String("callID", callID), zap.Error(err))
			}
		}
		if s.deps.Publisher != nil {
			s.deps.Publisher.Deregister(callID)
		}
		s.conn.Close()

		s.logger.Info("Call ended",
			zap.String("callID", callID),
			zap.String("reason", reason),
			zap.String("previousState", string(prev)),
			zap.Int("utterances", len(s.call.History(0))))

		if s.onEnd != nil {
			s.onEnd(s)
		}
	})
}
