// Package synth renders AI replies into call audio.
package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
	"github.com/satriahrh/callbridge/internal/metrics"
)

// Output accepts codec audio for playback. Enqueue blocks at the playback
// rate.
type Output interface {
	Enqueue(ctx context.Context, pcm []byte) error
}

// Config configures the synthesizer
type Config struct {
	Voice          string
	RequestTimeout time.Duration
	RetryBackoff   time.Duration
	// FallbackPath points to raw 8 kHz signed linear audio played when
	// synthesis fails
	FallbackPath string
}

// Synthesizer turns text into paced call audio
type Synthesizer struct {
	tts      repositories.TextToSpeech
	config   Config
	fallback []byte
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewSynthesizer creates a synthesizer and loads the fallback phrase
func NewSynthesizer(tts repositories.TextToSpeech, config Config, metrics *metrics.Collector, logger *zap.Logger) (*Synthesizer, error) {
	if tts == nil {
		return nil, errors.New("text-to-speech service is required")
	}
	logger = logger.With(zap.String("component", "synthesizer"))
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
		logger.Info("Using default synthesis timeout", zap.Duration("requestTimeout", config.RequestTimeout))
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 200 * time.Millisecond
	}

	s := &Synthesizer{tts: tts, config: config, metrics: metrics, logger: logger}
	if config.FallbackPath != "" {
		data, err := os.ReadFile(config.FallbackPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback phrase: %w", err)
		}
		s.fallback = data[:len(data)-len(data)%audio.BytesPerSample]
		logger.Info("Loaded fallback phrase",
			zap.String("path", config.FallbackPath),
			zap.Duration("length", audio.Duration(len(s.fallback))))
	}
	return s, nil
}

// Speak synthesizes text and queues it on out. Timeouts drop the reply;
// failures that survive the retry play the fallback phrase. Cancelling ctx
// abandons the reply.
func (s *Synthesizer) Speak(ctx context.Context, callID string, out Output, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	logger := s.logger.With(zap.String("callID", callID))

	pcm, err := s.Render(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if domain.CodeOf(err) == domain.CodeUpstreamTimeout || len(s.fallback) == 0 {
			logger.Warn("Dropping reply", zap.Error(err))
			return err
		}
		logger.Warn("Synthesis failed, playing fallback phrase", zap.Error(err))
		if qerr := out.Enqueue(ctx, s.fallback); qerr != nil {
			return qerr
		}
		return err
	}

	logger.Debug("Reply synthesized",
		zap.Int("chars", len(text)),
		zap.Duration("length", audio.Duration(len(pcm))))
	return out.Enqueue(ctx, pcm)
}

// Render returns text as codec PCM
func (s *Synthesizer) Render(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	pcm, err := backoff.Retry(ctx, func() ([]byte, error) {
		pcm, err := s.synthesize(ctx, text)
		if err == nil {
			return pcm, nil
		}
		var de *domain.Error
		if errors.As(err, &de) && de.Code == domain.CodeProtocol {
			return nil, backoff.Permanent(err)
		}
		classified := domain.Upstream("tts", err)
		if !classified.Retryable {
			return nil, backoff.Permanent(classified)
		}
		return nil, classified
	}, backoff.WithBackOff(backoff.NewConstantBackOff(s.config.RetryBackoff)), backoff.WithMaxTries(2))
	s.metrics.ObserveUpstream("tts", time.Since(start), string(domain.CodeOf(err)))
	return pcm, err
}

// Clip renders text as a WAV file for supervisors
func (s *Synthesizer) Clip(ctx context.Context, text string) ([]byte, error) {
	pcm, err := s.Render(ctx, text)
	if err != nil {
		return nil, err
	}
	return audio.WAV(pcm), nil
}

func (s *Synthesizer) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	chunks, err := s.tts.ConvertTextToSpeech(ctx, text, s.config.Voice)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for done := false; !done; {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				done = true
				break
			}
			buf.Write(chunk)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if buf.Len() == 0 {
		return nil, errors.New("synthesizer returned no audio")
	}

	format := s.tts.OutputFormat()
	pcm, err := audio.ToCodec(buf.Bytes(), format.Encoding, format.SampleRate)
	if err != nil {
		return nil, domain.ProtocolErrorf("transcode: %v", err)
	}
	return pcm, nil
}
