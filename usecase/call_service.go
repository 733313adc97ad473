package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audiosocket"
	"github.com/satriahrh/callbridge/internal/metrics"
	"github.com/satriahrh/callbridge/internal/routing"
	"github.com/satriahrh/callbridge/internal/speech"
	"github.com/satriahrh/callbridge/internal/synth"
)

// ErrCallNotFound is returned for calls that are not active
var ErrCallNotFound = errors.New("call not found")

// Line is the audio session surface the call service drives
type Line interface {
	ID() string
	Call() *entities.CallSession
	ReplyContext() context.Context
	Enqueue(ctx context.Context, pcm []byte) error
	DiscardOutbound() int
	BeginTransfer(ctx context.Context, decision entities.RoutingDecision, destination string) error
}

// Speaker plays text on a line
type Speaker interface {
	Speak(ctx context.Context, callID string, out synth.Output, text string) error
}

// Advisor produces supervisor hints
type Advisor interface {
	Advise(ctx context.Context, callID, utterance string, history []entities.Utterance) (entities.Event, error)
}

// Publisher receives call events
type Publisher interface {
	Publish(callID string, ev entities.Event)
	SubscriberCount(callID string) int
}

// CallServiceConfig holds per-call orchestration settings
type CallServiceConfig struct {
	// Greeting is spoken when the call starts; empty disables it
	Greeting string
	// TransferFailedPhrase is spoken when a handoff could not be arranged
	TransferFailedPhrase string
	Speech               speech.Config
	TurnQueue            int
	SaveTimeout          time.Duration
}

func (c *CallServiceConfig) applyDefaults(logger *zap.Logger) {
	if c.TransferFailedPhrase == "" {
		c.TransferFailedPhrase = "К сожалению, сейчас не получается соединить вас со специалистом. Давайте продолжим."
	}
	if c.TurnQueue <= 0 {
		c.TurnQueue = 8
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Second
		logger.Info("Using default call record timeout", zap.Duration("saveTimeout", c.SaveTimeout))
	}
}

// CallServiceDeps are the collaborators of the call service. Advisor and
// Calls may be nil.
type CallServiceDeps struct {
	SpeechToText repositories.SpeechToText
	Router       *routing.Router
	Speaker      Speaker
	Advisor      Advisor
	Publisher    Publisher
	Calls        repositories.CallRepository
	Metrics      *metrics.Collector
}

// CallService connects streaming calls to speech recognition, routing,
// replies and supervisor hints
type CallService struct {
	deps   CallServiceDeps
	config CallServiceConfig
	logger *zap.Logger
	// base is handed to per-call components that name themselves
	base *zap.Logger

	mu     sync.RWMutex
	active map[string]*callHandle
}

var _ audiosocket.Bridge = (*CallService)(nil)

// NewCallService creates a new call service
func NewCallService(deps CallServiceDeps, config CallServiceConfig, logger *zap.Logger) (*CallService, error) {
	if deps.SpeechToText == nil {
		return nil, errors.New("speech-to-text service is required")
	}
	if deps.Router == nil {
		return nil, errors.New("router is required")
	}
	if deps.Speaker == nil {
		return nil, errors.New("speaker is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if err := config.Speech.Validate(); err != nil {
		return nil, err
	}
	base := logger
	logger = logger.With(zap.String("component", "call_service"))
	config.applyDefaults(logger)

	return &CallService{
		deps:   deps,
		config: config,
		logger: logger,
		base:   base,
		active: make(map[string]*callHandle),
	}, nil
}

// Attach starts the per-call workers for a session that entered streaming
func (s *CallService) Attach(ctx context.Context, session *audiosocket.Session) (audiosocket.Media, error) {
	return s.attach(ctx, session)
}

func (s *CallService) attach(ctx context.Context, line Line) (*callHandle, error) {
	callID := line.ID()

	s.mu.Lock()
	if _, exists := s.active[callID]; exists {
		s.mu.Unlock()
		return nil, errors.New("call " + callID + " is already attached")
	}
	h := newCallHandle(ctx, s, line)
	s.active[callID] = h
	s.mu.Unlock()

	h.start()
	s.logger.Info("Call attached", zap.String("callID", callID))
	return h, nil
}

func (s *CallService) lookup(callID string) (*callHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.active[callID]
	return h, ok
}

func (s *CallService) release(h *callHandle) {
	s.mu.Lock()
	if s.active[h.callID] == h {
		delete(s.active, h.callID)
	}
	s.mu.Unlock()
}

// ActiveCalls returns the number of attached calls
func (s *CallService) ActiveCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// RequestSuggestion produces a hint for the caller's latest utterance now
func (s *CallService) RequestSuggestion(ctx context.Context, callID string) error {
	if s.deps.Advisor == nil {
		return errors.New("suggestions are not enabled")
	}
	h, ok := s.lookup(callID)
	if !ok {
		return ErrCallNotFound
	}
	utterance, history, ok := h.lastCallerUtterance()
	if !ok {
		return errors.New("caller has not spoken yet")
	}
	_, err := s.deps.Advisor.Advise(ctx, callID, utterance.Text, history)
	return err
}

// record persists the final call state
func (s *CallService) record(snap entities.CallSnapshot) {
	if s.deps.Calls == nil {
		return
	}
	if err := snap.Validate(); err != nil {
		s.logger.Error("Refusing to save invalid call record", zap.String("callID", snap.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SaveTimeout)
	defer cancel()
	if err := s.deps.Calls.Save(ctx, snap); err != nil {
		s.logger.Error("Failed to save call record", zap.String("callID", snap.ID), zap.Error(err))
		return
	}
	s.logger.Debug("Call record saved", zap.String("callID", snap.ID), zap.String("endReason", snap.EndReason))
}
