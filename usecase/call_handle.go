package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/routing"
	"github.com/satriahrh/callbridge/internal/speech"
)

// turn is one unit of work for the turn worker: a caller utterance to route
// or a line for the AI to say
type turn struct {
	utterance entities.Utterance
	history   []entities.Utterance
	say       string
}

// callHandle is the per-call media sink. It feeds the speech pipeline and
// runs caller turns one at a time.
type callHandle struct {
	service      *CallService
	line         Line
	callID       string
	pipeline     *speech.Pipeline
	conversation *routing.Conversation
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	turns  chan turn
	advice chan turn
	wg     sync.WaitGroup

	mu       sync.Mutex
	speaking context.CancelFunc

	closeOnce sync.Once
}

func newCallHandle(ctx context.Context, s *CallService, line Line) *callHandle {
	ctx, cancel := context.WithCancel(ctx)
	callID := line.ID()
	h := &callHandle{
		service:      s,
		line:         line,
		callID:       callID,
		conversation: s.deps.Router.NewConversation(callID),
		logger:       s.logger.With(zap.String("callID", callID)),
		ctx:          ctx,
		cancel:       cancel,
		turns:        make(chan turn, s.config.TurnQueue),
		advice:       make(chan turn, s.config.TurnQueue),
	}
	h.pipeline = speech.NewPipeline(callID, s.deps.SpeechToText, s.config.Speech, h, s.deps.Metrics, s.base)
	return h
}

func (h *callHandle) start() {
	if greeting := h.service.config.Greeting; greeting != "" {
		h.turns <- turn{say: greeting}
	}
	h.pipeline.Start(h.ctx)

	h.wg.Add(1)
	go h.turnLoop()
	if h.service.deps.Advisor != nil {
		h.wg.Add(1)
		go h.adviceLoop()
	}
}

// HandleAudio implements audiosocket.Media
func (h *callHandle) HandleAudio(pcm []byte) {
	h.pipeline.Push(pcm)
}

// HandleDTMF implements audiosocket.Media
func (h *callHandle) HandleDTMF(digit byte) {
	h.logger.Debug("DTMF received", zap.String("digit", string(rune(digit))))
}

// Close implements audiosocket.Media. It stops the pipeline and the workers
// and saves the call record.
func (h *callHandle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.pipeline.Close()
		close(h.turns)
		close(h.advice)
		h.wg.Wait()

		h.service.release(h)
		h.service.record(h.line.Call().Snapshot())
		h.logger.Info("Call detached")
	})
}

// SpeechStarted implements speech.Handler. Caller speech interrupts the AI.
func (h *callHandle) SpeechStarted() {
	h.mu.Lock()
	stop := h.speaking
	h.speaking = nil
	h.mu.Unlock()
	if stop != nil {
		stop()
	}
	// Queued audio of a handover announcement is left to play out
	if h.line.ReplyContext().Err() != nil {
		return
	}
	if dropped := h.line.DiscardOutbound(); dropped > 0 || stop != nil {
		h.logger.Debug("Caller barged in", zap.Int("framesDropped", dropped))
	}
}

// Utterance implements speech.Handler
func (h *callHandle) Utterance(u entities.Utterance) {
	call := h.line.Call()
	history := call.History(0)
	call.AddUtterance(u)
	h.service.deps.Publisher.Publish(h.callID, entities.TranscriptEvent(h.callID, u))

	t := turn{utterance: u, history: history}
	select {
	case h.turns <- t:
	default:
		h.logger.Warn("Turn queue full, dropping utterance", zap.String("text", u.Text))
	}

	if h.service.deps.Advisor == nil || h.service.deps.Publisher.SubscriberCount(h.callID) == 0 {
		return
	}
	select {
	case h.advice <- t:
	default:
		h.logger.Debug("Advisor is behind, skipping utterance")
	}
}

// Degraded implements speech.Handler
func (h *callHandle) Degraded(err error) {
	h.logger.Warn("Caller speech was not recognized", zap.Error(err))
}

func (h *callHandle) turnLoop() {
	defer h.wg.Done()
	for t := range h.turns {
		if h.ctx.Err() != nil {
			continue
		}
		if t.say != "" {
			h.say(t.say)
			continue
		}
		h.route(t)
	}
}

func (h *callHandle) route(t turn) {
	ctx := h.line.ReplyContext()
	if ctx.Err() != nil {
		return
	}

	outcome := h.conversation.Handle(ctx, t.utterance, t.history)
	switch {
	case outcome.Ignored:
		return
	case outcome.Transfer != nil:
		h.handover(outcome.Transfer)
	case outcome.Reply != "":
		h.say(outcome.Reply)
	}
}

// handover announces the transfer and asks the session to carry it out
func (h *callHandle) handover(tr *routing.Transfer) {
	h.say(tr.Announcement)

	err := h.line.BeginTransfer(h.ctx, tr.Decision, tr.Destination)
	if err == nil {
		return
	}
	if h.ctx.Err() != nil {
		return
	}
	h.logger.Warn("Transfer could not be started",
		zap.String("route", tr.Decision.Route),
		zap.Error(err))
	h.conversation.Reopen()
	h.say(h.service.config.TransferFailedPhrase)
}

// say records text as an AI line and plays it. Caller speech cancels it.
func (h *callHandle) say(text string) {
	ctx, cancel := context.WithCancel(h.line.ReplyContext())
	defer cancel()
	if ctx.Err() != nil {
		return
	}

	u := entities.Utterance{Speaker: entities.SpeakerAI, Text: text, StartedAt: time.Now()}
	h.line.Call().AddUtterance(u)
	h.service.deps.Publisher.Publish(h.callID, entities.TranscriptEvent(h.callID, u))

	h.mu.Lock()
	h.speaking = cancel
	h.mu.Unlock()

	err := h.service.deps.Speaker.Speak(ctx, h.callID, h.line, text)

	h.mu.Lock()
	h.speaking = nil
	h.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Reply was not played", zap.Error(err))
	}
}

func (h *callHandle) adviceLoop() {
	defer h.wg.Done()
	for t := range h.advice {
		if h.ctx.Err() != nil {
			continue
		}
		if _, err := h.service.deps.Advisor.Advise(h.ctx, h.callID, t.utterance.Text, t.history); err != nil {
			h.logger.Debug("No suggestion for utterance", zap.Error(err))
		}
	}
}

// lastCallerUtterance returns the caller's latest utterance and the
// transcript before it
func (h *callHandle) lastCallerUtterance() (entities.Utterance, []entities.Utterance, bool) {
	history := h.line.Call().History(0)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker == entities.SpeakerCaller {
			return history[i], history[:i], true
		}
	}
	return entities.Utterance{}, nil, false
}
