package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/repositories"
)

// GoogleSpeechToText implements SpeechToText for Google Cloud. One client is
// shared by every call.
type GoogleSpeechToText struct {
	client *speech.Client
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates the Google Cloud Speech client using
// application default credentials
func NewGoogleSpeechToText(ctx context.Context, logger *zap.Logger) (*GoogleSpeechToText, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleSpeechToText{
		client: client,
		logger: logger.With(zap.String("component", "google_stt")),
	}, nil
}

// Close releases the client
func (g *GoogleSpeechToText) Close() error {
	return g.client.Close()
}

func (g *GoogleSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	recognitionConfig, err := recognitionConfig(config)
	if err != nil {
		return nil, err
	}

	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create streaming recognize: %w", err))
	}

	// Send initial configuration
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          recognitionConfig,
				InterimResults:  false,
				SingleUtterance: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		return nil, classify(fmt.Errorf("failed to send streaming config: %w", err))
	}

	s := &GoogleSpeechToTextStream{
		stream:  stream,
		ctx:     ctx,
		eou:     make(chan struct{}),
		results: make(chan streamResult, 1),
		logger:  g.logger.With(zap.String("callID", config.CallID)),
	}
	go s.receiveResults()
	return s, nil
}

type streamResult struct {
	tr  repositories.Transcription
	err error
}

// GoogleSpeechToTextStream is one single-utterance recognition stream
type GoogleSpeechToTextStream struct {
	stream        speechpb.Speech_StreamingRecognizeClient
	ctx           context.Context
	audioReceived bool
	eou           chan struct{}
	eouOnce       sync.Once
	results       chan streamResult
	logger        *zap.Logger
}

func (g *GoogleSpeechToTextStream) Stream(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	g.audioReceived = true
	if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		// The recognizer closes its side after the end of utterance; the
		// result is still collected by End.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return classify(fmt.Errorf("failed to send audio data: %w", err))
	}
	return nil
}

func (g *GoogleSpeechToTextStream) EndOfUtterance() <-chan struct{} {
	return g.eou
}

func (g *GoogleSpeechToTextStream) End() (repositories.Transcription, error) {
	if !g.audioReceived {
		g.stream.CloseSend()
		return repositories.Transcription{}, errors.New("no audio data received")
	}

	if err := g.stream.CloseSend(); err != nil {
		return repositories.Transcription{}, classify(fmt.Errorf("failed to close send stream: %w", err))
	}

	select {
	case <-g.ctx.Done():
		return repositories.Transcription{}, g.ctx.Err()
	case res := <-g.results:
		return res.tr, res.err
	}
}

func (g *GoogleSpeechToTextStream) receiveResults() {
	var (
		texts      []string
		confidence float64
		eou        bool
	)
	for {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			g.results <- streamResult{tr: repositories.Transcription{
				Text:           strings.Join(texts, " "),
				Confidence:     confidence,
				EndOfUtterance: eou,
			}}
			return
		}
		if err != nil {
			g.results <- streamResult{err: classify(fmt.Errorf("failed to receive response: %w", err))}
			return
		}

		if resp.SpeechEventType == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			eou = true
			g.eouOnce.Do(func() { close(g.eou) })
			g.logger.Debug("Recognizer detected end of utterance")
		}
		for _, result := range resp.Results {
			if result.IsFinal && len(result.Alternatives) > 0 {
				best := result.Alternatives[0]
				texts = append(texts, strings.TrimSpace(best.Transcript))
				confidence = float64(best.Confidence)
			}
		}
	}
}

// TranscribeAudio recognizes a complete window with one request
func (g *GoogleSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (repositories.Transcription, error) {
	if len(audioData) == 0 {
		return repositories.Transcription{}, errors.New("no audio data received")
	}
	recognitionConfig, err := recognitionConfig(config)
	if err != nil {
		return repositories.Transcription{}, err
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: recognitionConfig,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audioData},
		},
	})
	if err != nil {
		return repositories.Transcription{}, classify(fmt.Errorf("recognize failed: %w", err))
	}

	var (
		texts      []string
		confidence float64
	)
	for _, result := range resp.Results {
		if len(result.Alternatives) > 0 {
			texts = append(texts, strings.TrimSpace(result.Alternatives[0].Transcript))
			confidence = float64(result.Alternatives[0].Confidence)
		}
	}
	return repositories.Transcription{
		Text:           strings.Join(texts, " "),
		Confidence:     confidence,
		EndOfUtterance: true,
	}, nil
}

func recognitionConfig(config repositories.AudioConfig) (*speechpb.RecognitionConfig, error) {
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}
	return &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(config.SampleRate),
		LanguageCode:               config.Language,
		EnableAutomaticPunctuation: true,
	}, nil
}

// classify maps gRPC deadline errors onto the engine's timeout code
func classify(err error) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.DeadlineExceeded {
		return domain.ErrUpstreamTimeout.WithOp("stt").WithCause(err)
	}
	return err
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16", "":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
