package repositories

import "context"

// AudioFormat describes the audio a synthesizer produces
type AudioFormat struct {
	Encoding   string `json:"encoding"` // LINEAR16 or MULAW
	SampleRate int    `json:"sample_rate"`
}

type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string, voice string) (<-chan []byte, error)
	OutputFormat() AudioFormat
}
