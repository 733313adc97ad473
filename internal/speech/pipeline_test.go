package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
)

func tone(amplitude int16) []byte {
	pcm := make([]byte, audio.FrameBytes)
	for i := 0; i < len(pcm); i += 2 {
		v := amplitude
		if (i/2)%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(v))
	}
	return pcm
}

var (
	voiced  = tone(3000)
	silence = tone(0)
)

type fakeStream struct {
	mu    sync.Mutex
	bytes int
	eou   chan struct{}
	end   func() (repositories.Transcription, error)
}

func (s *fakeStream) Stream(data []byte) error {
	s.mu.Lock()
	s.bytes += len(data)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) EndOfUtterance() <-chan struct{} { return s.eou }

func (s *fakeStream) End() (repositories.Transcription, error) { return s.end() }

type fakeSTT struct {
	mu         sync.Mutex
	streams    []*fakeStream
	endFor     func(n int) func() (repositories.Transcription, error)
	batch      func(audio []byte) (repositories.Transcription, error)
	batchCalls int
}

func (f *fakeSTT) TranscribeAudio(ctx context.Context, data []byte, config repositories.AudioConfig) (repositories.Transcription, error) {
	f.mu.Lock()
	f.batchCalls++
	batch := f.batch
	f.mu.Unlock()
	if batch == nil {
		return repositories.Transcription{}, errors.New("batch unavailable")
	}
	return batch(data)
}

func (f *fakeSTT) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{eou: make(chan struct{}), end: f.endFor(len(f.streams))}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSTT) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeSTT) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

type recorder struct {
	started    chan struct{}
	utterances chan entities.Utterance
	degraded   chan error
}

func newRecorder() *recorder {
	return &recorder{
		started:    make(chan struct{}, 16),
		utterances: make(chan entities.Utterance, 16),
		degraded:   make(chan error, 16),
	}
}

func (r *recorder) SpeechStarted()                 { r.started <- struct{}{} }
func (r *recorder) Utterance(u entities.Utterance) { r.utterances <- u }
func (r *recorder) Degraded(err error)             { r.degraded <- err }

func (r *recorder) nextUtterance(t *testing.T) entities.Utterance {
	t.Helper()
	select {
	case u := <-r.utterances:
		return u
	case err := <-r.degraded:
		t.Fatalf("window degraded: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("no utterance")
	}
	return entities.Utterance{}
}

func (r *recorder) nextDegraded(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.degraded:
		return err
	case u := <-r.utterances:
		t.Fatalf("unexpected utterance %q", u.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("window was not dropped")
	}
	return nil
}

func text(s string) func() (repositories.Transcription, error) {
	return func() (repositories.Transcription, error) {
		return repositories.Transcription{Text: s, Confidence: 0.9}, nil
	}
}

func testConfig() Config {
	return Config{
		EndSilence:     60 * time.Millisecond,
		MaxWindow:      2 * time.Second,
		RequestTimeout: 100 * time.Millisecond,
		RetryBackoff:   10 * time.Millisecond,
	}
}

func startPipeline(t *testing.T, stt *fakeSTT, config Config) (*Pipeline, *recorder) {
	t.Helper()
	rec := newRecorder()
	p := NewPipeline("call-1", stt, config, rec, nil, zap.NewNop())
	p.Start(context.Background())
	t.Cleanup(p.Close)
	return p, rec
}

func speak(p *Pipeline, frames int) {
	for i := 0; i < frames; i++ {
		p.Push(voiced)
	}
	p.Push(silence)
}

func TestPipeline_SilenceOpensNoWindow(t *testing.T) {
	stt := &fakeSTT{endFor: func(int) func() (repositories.Transcription, error) { return text("x") }}
	p, rec := startPipeline(t, stt, testConfig())

	for i := 0; i < 20; i++ {
		p.Push(silence)
	}
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 0, stt.streamCount())
	assert.Empty(t, rec.started)
}

func TestPipeline_UtteranceAfterSilence(t *testing.T) {
	stt := &fakeSTT{endFor: func(int) func() (repositories.Transcription, error) { return text("  какая цена  ") }}
	p, rec := startPipeline(t, stt, testConfig())

	speak(p, 5)

	u := rec.nextUtterance(t)
	assert.Equal(t, "какая цена", u.Text)
	assert.Equal(t, entities.SpeakerCaller, u.Speaker)
	assert.InDelta(t, 0.9, u.Confidence, 1e-9)
	assert.False(t, u.StartedAt.IsZero())
	assert.Len(t, rec.started, 1)

	stream := stt.stream(0)
	stream.mu.Lock()
	assert.GreaterOrEqual(t, stream.bytes, 5*audio.FrameBytes)
	stream.mu.Unlock()
}

func TestPipeline_EndOfUtteranceClosesWindow(t *testing.T) {
	stt := &fakeSTT{endFor: func(int) func() (repositories.Transcription, error) { return text("оператор") }}
	config := testConfig()
	config.EndSilence = time.Minute
	config.MaxWindow = 2 * time.Minute
	p, rec := startPipeline(t, stt, config)

	p.Push(voiced)
	require.Eventually(t, func() bool { return stt.streamCount() == 1 }, time.Second, 5*time.Millisecond)
	close(stt.stream(0).eou)

	assert.Equal(t, "оператор", rec.nextUtterance(t).Text)
}

func TestPipeline_MaxWindowForcesClose(t *testing.T) {
	stt := &fakeSTT{endFor: func(int) func() (repositories.Transcription, error) { return text("long") }}
	config := testConfig()
	config.EndSilence = time.Minute
	config.MaxWindow = 10 * audio.FrameDuration
	p, rec := startPipeline(t, stt, config)

	for i := 0; i < 10; i++ {
		p.Push(voiced)
	}
	assert.Equal(t, "long", rec.nextUtterance(t).Text)
}

func TestPipeline_TimeoutDropsWindowAndKeepsListening(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	stt := &fakeSTT{endFor: func(n int) func() (repositories.Transcription, error) {
		if n == 0 {
			return func() (repositories.Transcription, error) {
				<-block
				return repositories.Transcription{}, nil
			}
		}
		return text("второе")
	}}
	p, rec := startPipeline(t, stt, testConfig())

	speak(p, 3)
	err := rec.nextDegraded(t)
	assert.True(t, errors.Is(err, domain.ErrUpstreamTimeout))

	stt.mu.Lock()
	assert.Equal(t, 0, stt.batchCalls, "timeouts are not retried")
	stt.mu.Unlock()

	speak(p, 3)
	assert.Equal(t, "второе", rec.nextUtterance(t).Text)
}

func TestPipeline_FailureRetriesOnceInBatch(t *testing.T) {
	stt := &fakeSTT{
		endFor: func(int) func() (repositories.Transcription, error) {
			return func() (repositories.Transcription, error) {
				return repositories.Transcription{}, errors.New("stream reset")
			}
		},
		batch: func(data []byte) (repositories.Transcription, error) {
			return repositories.Transcription{Text: "из буфера", Confidence: 0.8}, nil
		},
	}
	p, rec := startPipeline(t, stt, testConfig())

	speak(p, 4)
	assert.Equal(t, "из буфера", rec.nextUtterance(t).Text)

	stt.mu.Lock()
	assert.Equal(t, 1, stt.batchCalls)
	stt.mu.Unlock()
}

func TestPipeline_FailureAfterRetrySkipsWindow(t *testing.T) {
	stt := &fakeSTT{
		endFor: func(int) func() (repositories.Transcription, error) {
			return func() (repositories.Transcription, error) {
				return repositories.Transcription{}, errors.New("stream reset")
			}
		},
	}
	p, rec := startPipeline(t, stt, testConfig())

	speak(p, 4)
	err := rec.nextDegraded(t)
	assert.True(t, errors.Is(err, domain.ErrUpstreamFailure))

	stt.mu.Lock()
	assert.Equal(t, 1, stt.batchCalls)
	stt.mu.Unlock()
}

func TestPipeline_UtterancesKeepOrder(t *testing.T) {
	stt := &fakeSTT{endFor: func(n int) func() (repositories.Transcription, error) {
		if n == 0 {
			return func() (repositories.Transcription, error) {
				// slower than the second window
				time.Sleep(50 * time.Millisecond)
				return repositories.Transcription{Text: "первое"}, nil
			}
		}
		return text("второе")
	}}
	config := testConfig()
	config.RequestTimeout = time.Second
	p, rec := startPipeline(t, stt, config)

	speak(p, 3)
	require.Eventually(t, func() bool { return stt.streamCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	speak(p, 3)

	assert.Equal(t, "первое", rec.nextUtterance(t).Text)
	assert.Equal(t, "второе", rec.nextUtterance(t).Text)
}

func TestPipeline_PushAfterCloseIsRejected(t *testing.T) {
	stt := &fakeSTT{endFor: func(int) func() (repositories.Transcription, error) { return text("x") }}
	p, _ := startPipeline(t, stt, testConfig())
	p.Close()
	assert.False(t, p.Push(voiced))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{EnergyThreshold: -1}.Validate())
	assert.Error(t, Config{EndSilence: time.Second, MaxWindow: time.Millisecond}.Validate())
}
