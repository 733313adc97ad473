// Package whisper generates operator hints for supervisors listening in on a
// call.
package whisper

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/metrics"
)

// DefaultCriticalKeywords mark an utterance that needs the operator's
// attention now
var DefaultCriticalKeywords = []string{
	"отказ", "отмена", "жалоба", "возврат", "недоволен",
	"плохо", "ужасно", "проблема", "не работает",
}

// Renderer renders hint text as a playable clip
type Renderer interface {
	Clip(ctx context.Context, text string) ([]byte, error)
}

// Audience is where suggestions are published
type Audience interface {
	Publish(callID string, ev entities.Event)
	WantsAudio(callID string, critical bool) bool
}

// Config tunes the advisor
type Config struct {
	Timeout          time.Duration
	HistoryTurns     int
	CriticalKeywords []string
	// ClipPath prefixes clip ids in audio_url
	ClipPath string
}

// Advisor produces suggestion events
type Advisor struct {
	llm      repositories.Advisor
	renderer Renderer
	clips    *ClipStore
	audience Audience
	config   Config
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewAdvisor creates an advisor. renderer and clips may be nil, in which
// case suggestions are text only.
func NewAdvisor(llm repositories.Advisor, renderer Renderer, clips *ClipStore, audience Audience,
	config Config, metrics *metrics.Collector, logger *zap.Logger) *Advisor {
	logger = logger.With(zap.String("component", "advisor"))
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
		logger.Info("Using default suggestion timeout", zap.Duration("timeout", config.Timeout))
	}
	if config.HistoryTurns <= 0 {
		config.HistoryTurns = 5
	}
	if len(config.CriticalKeywords) == 0 {
		config.CriticalKeywords = DefaultCriticalKeywords
	}
	if config.ClipPath == "" {
		config.ClipPath = "/api/v1/audio/"
	}
	return &Advisor{
		llm:      llm,
		renderer: renderer,
		clips:    clips,
		audience: audience,
		config:   config,
		metrics:  metrics,
		logger:   logger,
	}
}

// PriorityOf returns critical when text contains a critical keyword
func (a *Advisor) PriorityOf(text string) entities.Priority {
	text = strings.ToLower(text)
	for _, kw := range a.config.CriticalKeywords {
		if strings.Contains(text, kw) {
			return entities.PriorityCritical
		}
	}
	return entities.PriorityNormal
}

// Advise asks for a hint on utterance and publishes it. Failures drop the
// hint and are returned for logging.
func (a *Advisor) Advise(ctx context.Context, callID, utterance string, history []entities.Utterance) (entities.Event, error) {
	if a.llm == nil {
		return entities.Event{}, errors.New("no advisor model configured")
	}
	logger := a.logger.With(zap.String("callID", callID))
	if n := a.config.HistoryTurns; len(history) > n {
		history = history[len(history)-n:]
	}

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	hint, err := a.llm.Suggest(attemptCtx, utterance, history)
	cancel()
	if err != nil {
		err = domain.Upstream("suggest", err)
	}
	a.metrics.ObserveUpstream("llm_suggest", time.Since(start), string(domain.CodeOf(err)))
	if err != nil {
		logger.Warn("Suggestion failed, dropping", zap.Error(err))
		return entities.Event{}, err
	}
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return entities.Event{}, errors.New("empty suggestion")
	}

	ev := entities.NewEvent(callID, entities.EventSuggestion, hint)
	ev.Priority = a.PriorityOf(utterance)
	critical := ev.Priority == entities.PriorityCritical

	if a.renderer != nil && a.clips != nil && a.audience.WantsAudio(callID, critical) {
		wav, err := a.renderer.Clip(ctx, hint)
		if err != nil {
			logger.Warn("Failed to render suggestion clip, sending text", zap.Error(err))
		} else {
			ev.AudioURL = a.config.ClipPath + a.clips.Put(wav) + ".wav"
			ev.Mode = entities.ModeAudio
			if critical {
				ev.Mode = entities.ModeHybrid
			}
		}
	}

	a.audience.Publish(callID, ev)
	logger.Debug("Suggestion published",
		zap.String("priority", string(ev.Priority)),
		zap.Bool("audio", ev.HasAudio()))
	return ev, nil
}
