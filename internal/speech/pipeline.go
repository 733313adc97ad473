// Package speech turns a call's inbound audio into caller utterances. Audio
// is gated by energy into utterance windows; each window is streamed to the
// speech-to-text service and finalized in order.
package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
	"github.com/satriahrh/callbridge/internal/metrics"
)

// Window close reasons
const (
	CloseSilence        = "silence"
	CloseMaxWindow      = "max_window"
	CloseEndOfUtterance = "end_of_utterance"
	CloseStopped        = "stopped"
)

// Config tunes utterance detection and the upstream deadline
type Config struct {
	Language        string
	EnergyThreshold float64
	EndSilence      time.Duration
	MaxWindow       time.Duration
	RequestTimeout  time.Duration
	RetryBackoff    time.Duration
	// QueueFrames bounds audio waiting for the pipeline
	QueueFrames int
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.EnergyThreshold < 0 {
		return errors.New("energy threshold cannot be negative")
	}
	if c.MaxWindow > 0 && c.EndSilence > c.MaxWindow {
		return errors.New("end silence must be shorter than the max window")
	}
	return nil
}

func (c *Config) applyDefaults(logger *zap.Logger) {
	if c.Language == "" {
		c.Language = "ru-RU"
		logger.Info("Using default recognition language", zap.String("language", c.Language))
	}
	if c.EnergyThreshold == 0 {
		c.EnergyThreshold = 500
	}
	if c.EndSilence <= 0 {
		c.EndSilence = 700 * time.Millisecond
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
		logger.Info("Using default transcription timeout", zap.Duration("requestTimeout", c.RequestTimeout))
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.QueueFrames <= 0 {
		c.QueueFrames = 100
	}
}

// Handler receives the pipeline's output. Calls are made from a single
// goroutine per callback kind, in production order.
type Handler interface {
	// SpeechStarted fires when a new window opens
	SpeechStarted()
	// Utterance delivers a completed transcript
	Utterance(u entities.Utterance)
	// Degraded reports a dropped window
	Degraded(err error)
}

type window struct {
	ctx       context.Context
	cancel    context.CancelFunc
	stream    repositories.SpeechToTextStreaming
	buf       []byte
	startedAt time.Time
	lastVoice time.Time
	reason    string
}

func (w *window) duration() time.Duration {
	return audio.Duration(len(w.buf))
}

func (w *window) endOfUtterance() <-chan struct{} {
	if w == nil || w.stream == nil {
		return nil
	}
	return w.stream.EndOfUtterance()
}

// Pipeline is the per-call speech adapter
type Pipeline struct {
	callID  string
	stt     repositories.SpeechToText
	config  Config
	handler Handler
	metrics *metrics.Collector
	logger  *zap.Logger

	frames    chan []byte
	finalize  chan *window
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	now       func() time.Time
}

// NewPipeline creates a pipeline for callID. Start must be called before Push.
func NewPipeline(callID string, stt repositories.SpeechToText, config Config, handler Handler, metrics *metrics.Collector, logger *zap.Logger) *Pipeline {
	logger = logger.With(zap.String("component", "speech_pipeline"), zap.String("callID", callID))
	config.applyDefaults(logger)
	return &Pipeline{
		callID:   callID,
		stt:      stt,
		config:   config,
		handler:  handler,
		metrics:  metrics,
		logger:   logger,
		frames:   make(chan []byte, config.QueueFrames),
		finalize: make(chan *window, 8),
		now:      time.Now,
	}
}

// Start launches the pipeline goroutines. They stop when ctx is cancelled or
// Close is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(2)
	go p.run()
	go p.finalizeLoop()
}

// Push hands one inbound frame to the pipeline. It never blocks; when the
// pipeline is behind the frame is dropped and false is returned.
func (p *Pipeline) Push(pcm []byte) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.frames <- pcm:
		return true
	default:
		p.logger.Warn("Speech pipeline is behind, dropping frame")
		return false
	}
}

// Close cancels in-flight transcription and waits for the goroutines
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	defer close(p.finalize)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var w *window
	for {
		select {
		case <-p.ctx.Done():
			if w != nil {
				w.cancel()
				p.metrics.WindowClosed(CloseStopped)
			}
			return

		case pcm := <-p.frames:
			w = p.consume(w, pcm)

		case <-w.endOfUtterance():
			w = p.close(w, CloseEndOfUtterance)

		case <-ticker.C:
			// frames stopped arriving mid-window
			if w != nil && p.now().Sub(w.lastVoice) >= p.config.EndSilence {
				w = p.close(w, CloseSilence)
			}
		}
	}
}

func (p *Pipeline) consume(w *window, pcm []byte) *window {
	voiced := audio.RMS(pcm) >= p.config.EnergyThreshold
	now := p.now()

	if w == nil {
		if !voiced {
			return nil
		}
		w = p.open(now)
		p.handler.SpeechStarted()
	}

	w.buf = append(w.buf, pcm...)
	if voiced {
		w.lastVoice = now
	}
	if w.stream != nil {
		if err := w.stream.Stream(pcm); err != nil {
			p.logger.Warn("Streaming to STT failed, falling back to batch", zap.Error(err))
			w.stream = nil
		}
	}

	switch {
	case w.duration() >= p.config.MaxWindow:
		return p.close(w, CloseMaxWindow)
	case now.Sub(w.lastVoice) >= p.config.EndSilence:
		return p.close(w, CloseSilence)
	}
	return w
}

func (p *Pipeline) open(now time.Time) *window {
	ctx, cancel := context.WithCancel(p.ctx)
	w := &window{ctx: ctx, cancel: cancel, startedAt: now, lastVoice: now}

	stream, err := p.stt.InitTranscribeStreaming(ctx, p.audioConfig())
	if err != nil {
		p.logger.Warn("Failed to open STT stream, window will be transcribed in batch", zap.Error(err))
	} else {
		w.stream = stream
	}
	p.logger.Debug("Speech window opened")
	return w
}

func (p *Pipeline) close(w *window, reason string) *window {
	w.reason = reason
	p.metrics.WindowClosed(reason)
	select {
	case p.finalize <- w:
	case <-p.ctx.Done():
		w.cancel()
	}
	return nil
}

func (p *Pipeline) audioConfig() repositories.AudioConfig {
	return repositories.AudioConfig{
		CallID:     p.callID,
		SampleRate: audio.SampleRate,
		Encoding:   audio.EncodingLinear16,
		Language:   p.config.Language,
	}
}

func (p *Pipeline) finalizeLoop() {
	defer p.wg.Done()
	for w := range p.finalize {
		p.finalizeWindow(w)
	}
}

func (p *Pipeline) finalizeWindow(w *window) {
	defer w.cancel()

	start := p.now()
	tr, err := p.transcribe(w)
	p.metrics.ObserveUpstream("stt", time.Since(start), string(domain.CodeOf(err)))

	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Warn("Dropping speech window",
			zap.String("closeReason", w.reason),
			zap.Duration("window", w.duration()),
			zap.Error(err))
		p.handler.Degraded(err)
		return
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	p.handler.Utterance(entities.Utterance{
		Speaker:    entities.SpeakerCaller,
		Text:       text,
		Confidence: tr.Confidence,
		StartedAt:  w.startedAt,
	})
}

// transcribe finalizes the streamed window. A failed stream gets one retry as
// a batch request over the buffered audio; timeouts are not retried.
func (p *Pipeline) transcribe(w *window) (repositories.Transcription, error) {
	attempt := 0
	op := func() (repositories.Transcription, error) {
		attempt++
		var (
			tr  repositories.Transcription
			err error
		)
		if attempt == 1 && w.stream != nil {
			tr, err = p.awaitStream(w)
		} else {
			tr, err = p.batch(w)
		}
		if err == nil {
			return tr, nil
		}
		classified := domain.Upstream("stt", err)
		if !classified.Retryable {
			return tr, backoff.Permanent(classified)
		}
		return tr, classified
	}

	return backoff.Retry(w.ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.config.RetryBackoff)),
		backoff.WithMaxTries(2))
}

func (p *Pipeline) awaitStream(w *window) (repositories.Transcription, error) {
	type result struct {
		tr  repositories.Transcription
		err error
	}
	done := make(chan result, 1)
	go func() {
		tr, err := w.stream.End()
		done <- result{tr, err}
	}()

	timer := time.NewTimer(p.config.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.tr, r.err
	case <-timer.C:
		w.cancel()
		return repositories.Transcription{}, domain.Upstream("stt", context.DeadlineExceeded)
	case <-p.ctx.Done():
		return repositories.Transcription{}, p.ctx.Err()
	}
}

func (p *Pipeline) batch(w *window) (repositories.Transcription, error) {
	ctx, cancel := context.WithTimeout(w.ctx, p.config.RequestTimeout)
	defer cancel()
	return p.stt.TranscribeAudio(ctx, w.buf, p.audioConfig())
}
