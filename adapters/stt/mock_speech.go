package stt

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/repositories"
)

// MockSpeechToText cycles through canned caller phrases. It lets the engine
// run end to end without cloud credentials.
type MockSpeechToText struct {
	logger  *zap.Logger
	mu      sync.Mutex
	phrases []string
	next    int
}

// MockSpeechToTextStream is a mock implementation of streaming speech recognition
type MockSpeechToTextStream struct {
	parent   *MockSpeechToText
	logger   *zap.Logger
	received int
	eou      chan struct{}
}

var _ repositories.SpeechToText = (*MockSpeechToText)(nil)

// DefaultMockPhrases are the phrases the mock recognizer returns in turn
var DefaultMockPhrases = []string{
	"Здравствуйте, расскажите о ваших услугах",
	"Какая цена подключения?",
}

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger, phrases ...string) *MockSpeechToText {
	if len(phrases) == 0 {
		phrases = DefaultMockPhrases
	}
	return &MockSpeechToText{
		logger:  logger.With(zap.String("component", "mock_stt")),
		phrases: phrases,
	}
}

func (s *MockSpeechToText) phrase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.phrases[s.next%len(s.phrases)]
	s.next++
	return p
}

// InitTranscribeStreaming creates a new mock streaming session
func (s *MockSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	s.logger.Debug("Initializing mock streaming transcription",
		zap.String("callID", config.CallID),
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	return &MockSpeechToTextStream{
		parent: s,
		logger: s.logger,
		eou:    make(chan struct{}),
	}, nil
}

// Stream implements mock streaming audio processing
func (m *MockSpeechToTextStream) Stream(data []byte) error {
	m.received += len(data)
	return nil
}

// EndOfUtterance never fires; the pipeline closes windows on silence
func (m *MockSpeechToTextStream) EndOfUtterance() <-chan struct{} {
	return m.eou
}

// End returns the next canned phrase
func (m *MockSpeechToTextStream) End() (repositories.Transcription, error) {
	if m.received == 0 {
		return repositories.Transcription{}, errors.New("no audio data received")
	}
	text := m.parent.phrase()
	m.logger.Debug("Ending mock transcription stream", zap.String("result", text))
	return repositories.Transcription{Text: text, Confidence: 0.9, EndOfUtterance: true}, nil
}

// TranscribeAudio implements repositories.SpeechToText
func (s *MockSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (repositories.Transcription, error) {
	if len(audioData) == 0 {
		return repositories.Transcription{}, errors.New("no audio data received")
	}
	return repositories.Transcription{Text: s.phrase(), Confidence: 0.9, EndOfUtterance: true}, nil
}
