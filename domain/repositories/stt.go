package repositories

import "context"

// SpeechToText abstracts speech recognition services
type SpeechToText interface {
	// TranscribeAudio transcribes a complete audio window in one request
	TranscribeAudio(ctx context.Context, audioData []byte, config AudioConfig) (Transcription, error)
	// InitTranscribeStreaming initializes a streaming transcription session
	InitTranscribeStreaming(ctx context.Context, config AudioConfig) (SpeechToTextStreaming, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	CallID     string `json:"call_id"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// Transcription is the result of recognizing one window
type Transcription struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	EndOfUtterance bool    `json:"end_of_utterance"`
}

type SpeechToTextStreaming interface {
	Stream(data []byte) error
	// EndOfUtterance is closed when the recognizer detects the end of the
	// speaker's utterance. It may be nil if the backend never signals.
	EndOfUtterance() <-chan struct{}
	End() (Transcription, error)
}
