package stt

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/repositories"
)

var _ repositories.SpeechToText = &GoogleSpeechToText{}

func TestClassify(t *testing.T) {
	deadline := fmt.Errorf("recognize failed: %w", status.Error(codes.DeadlineExceeded, "deadline"))
	assert.ErrorIs(t, classify(deadline), domain.ErrUpstreamTimeout)

	unavailable := fmt.Errorf("recognize failed: %w", status.Error(codes.Unavailable, "down"))
	assert.False(t, errors.Is(classify(unavailable), domain.ErrUpstreamTimeout))

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}

func TestGetAudioEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want speechpb.RecognitionConfig_AudioEncoding
		ok   bool
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16, true},
		{"", speechpb.RecognitionConfig_LINEAR16, true},
		{"MULAW", speechpb.RecognitionConfig_MULAW, true},
		{"MP3", speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, false},
	}
	for _, tt := range tests {
		got, err := getAudioEncoding(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
		} else {
			require.Error(t, err, tt.in)
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestMockSpeechToText_CyclesPhrases(t *testing.T) {
	mock := NewMockSpeechToText(zap.NewNop(), "раз", "два")
	ctx := context.Background()

	stream, err := mock.InitTranscribeStreaming(ctx, repositories.AudioConfig{CallID: "call-1"})
	require.NoError(t, err)
	_, err = stream.End()
	assert.Error(t, err, "a stream without audio has nothing to recognize")

	require.NoError(t, stream.Stream(make([]byte, 320)))
	tr, err := stream.End()
	require.NoError(t, err)
	assert.Equal(t, "раз", tr.Text)

	tr, err = mock.TranscribeAudio(ctx, make([]byte, 320), repositories.AudioConfig{})
	require.NoError(t, err)
	assert.Equal(t, "два", tr.Text)

	tr, err = mock.TranscribeAudio(ctx, make([]byte, 320), repositories.AudioConfig{})
	require.NoError(t, err)
	assert.Equal(t, "раз", tr.Text)
}
