package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/repositories"
)

// MockTextToSpeech renders a quiet tone, 60 ms per character, as 8 kHz
// linear PCM
type MockTextToSpeech struct {
	logger *zap.Logger
}

var _ repositories.TextToSpeech = (*MockTextToSpeech)(nil)

// NewMockTextToSpeech creates a new mock text-to-speech service
func NewMockTextToSpeech(logger *zap.Logger) *MockTextToSpeech {
	return &MockTextToSpeech{logger: logger.With(zap.String("component", "mock_tts"))}
}

func (m *MockTextToSpeech) OutputFormat() repositories.AudioFormat {
	return repositories.AudioFormat{Encoding: "LINEAR16", SampleRate: 8000}
}

func (m *MockTextToSpeech) ConvertTextToSpeech(ctx context.Context, text string, voice string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	samples := len([]rune(text)) * 480
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(1000 * math.Sin(2*math.Pi*440*float64(i)/8000))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	m.logger.Debug("Rendering mock speech", zap.Int("chars", len(text)), zap.Int("bytes", len(pcm)))

	out := make(chan []byte, 1)
	out <- pcm
	close(out)
	return out, nil
}
