package audiosocket

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/satriahrh/callbridge/domain"
)

const testMaxPayload = 1024

func frameGen() *rapid.Generator[Frame] {
	return rapid.Custom(func(t *rapid.T) Frame {
		kind := rapid.SampledFrom([]Kind{KindHangup, KindID, KindDTMF, KindAudio, KindError}).Draw(t, "kind")
		var payload []byte
		switch kind {
		case KindHangup:
		case KindError:
			payload = rapid.SliceOfN(rapid.Byte(), 0, 1).Draw(t, "code")
		case KindDTMF:
			payload = rapid.SliceOfN(rapid.Byte(), 1, 1).Draw(t, "digit")
		case KindID:
			payload = rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "id")
		case KindAudio:
			payload = rapid.SliceOfN(rapid.Byte(), 0, testMaxPayload).Draw(t, "pcm")
		}
		if len(payload) == 0 {
			payload = nil
		}
		return Frame{Kind: kind, Payload: payload}
	})
}

func TestFrame_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := frameGen().Draw(t, "frame")
		encoded := Encode(f)

		got, n, err := Decode(encoded, testMaxPayload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != len(encoded) {
			t.Fatalf("consumed %d of %d bytes", n, len(encoded))
		}
		if got.Kind != f.Kind || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("round trip mismatch: %+v != %+v", got, f)
		}
	})
}

func TestDecoder_ChunkingInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frames := rapid.SliceOfN(frameGen(), 1, 20).Draw(t, "frames")
		var stream []byte
		for _, f := range frames {
			stream = AppendFrame(stream, f)
		}

		whole := decodeAll(t, stream, len(stream))
		byteWise := decodeAll(t, stream, 1)
		chunk := rapid.IntRange(1, 64).Draw(t, "chunk")
		chunked := decodeAll(t, stream, chunk)

		if len(whole) != len(frames) || len(byteWise) != len(frames) || len(chunked) != len(frames) {
			t.Fatalf("frame counts differ: want %d, whole %d, bytewise %d, chunked %d",
				len(frames), len(whole), len(byteWise), len(chunked))
		}
		for i := range frames {
			for _, seq := range [][]Frame{whole, byteWise, chunked} {
				if seq[i].Kind != frames[i].Kind || !bytes.Equal(seq[i].Payload, frames[i].Payload) {
					t.Fatalf("frame %d differs: %+v != %+v", i, seq[i], frames[i])
				}
			}
		}
	})
}

func decodeAll(t *rapid.T, stream []byte, chunk int) []Frame {
	d := NewDecoder(testMaxPayload)
	var out []Frame
	for len(stream) > 0 {
		n := chunk
		if n > len(stream) {
			n = len(stream)
		}
		d.Write(stream[:n])
		stream = stream[n:]
		for {
			f, ok, err := d.Next()
			if err != nil {
				t.Fatalf("decoder: %v", err)
			}
			if !ok {
				break
			}
			out = append(out, f)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return out
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name      string
		buf       []byte
		truncated bool
	}{
		{name: "empty", buf: nil, truncated: true},
		{name: "short header", buf: []byte{0x10, 0x00}, truncated: true},
		{name: "short payload", buf: []byte{0x10, 0x00, 0x04, 1, 2}, truncated: true},
		{name: "unknown type", buf: []byte{0x42, 0x00, 0x00}},
		{name: "oversize", buf: []byte{0x10, 0xff, 0xff}},
		{name: "hangup with payload", buf: []byte{0x00, 0x00, 0x01, 0x00}},
		{name: "error with long payload", buf: []byte{0xff, 0x00, 0x02, 0x01, 0x02}},
		{name: "dtmf without digit", buf: []byte{0x03, 0x00, 0x00}},
		{name: "empty id", buf: []byte{0x01, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := Decode(tt.buf, testMaxPayload)
			require.Error(t, err)
			assert.Zero(t, n)
			assert.True(t, errors.Is(err, domain.ErrProtocol), "expected protocol error, got %v", err)
			assert.Equal(t, tt.truncated, errors.Is(err, ErrTruncated))
		})
	}
}

func TestDecoder_RejectsHostileLength(t *testing.T) {
	d := NewDecoder(320)
	d.Write([]byte{0x10, 0x10, 0x00})
	_, ok, err := d.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestDecoder_CloseMidFrame(t *testing.T) {
	d := NewDecoder(0)
	d.Write([]byte{0x10, 0x00, 0x05, 0x01})
	_, ok, err := d.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 4, d.Buffered())
	assert.ErrorIs(t, d.Close(), domain.ErrProtocol)
}

func TestDecode_CopiesPayload(t *testing.T) {
	buf := Encode(AudioFrame([]byte{1, 2, 3, 4}))
	f, _, err := Decode(buf, 0)
	require.NoError(t, err)
	buf[HeaderSize] = 9
	assert.Equal(t, byte(1), f.Payload[0])
}

func TestFrame_CallID(t *testing.T) {
	id := uuid.New()
	got, err := IDFrame(id).CallID()
	require.NoError(t, err)
	assert.Equal(t, id.String(), got)

	got, err = Frame{Kind: KindID, Payload: []byte(" 1700000000.42 ")}.CallID()
	require.NoError(t, err)
	assert.Equal(t, "1700000000.42", got)

	_, err = AudioFrame(nil).CallID()
	assert.Error(t, err)
}

func TestEncode_Header(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x00, 0x00}, Encode(HangupFrame()))
	assert.Equal(t, []byte{0xff, 0x00, 0x01, 0x04}, Encode(ErrorFrame(0x04)))
	assert.Equal(t, []byte{0x10, 0x00, 0x02, 0xaa, 0xbb}, Encode(AudioFrame([]byte{0xaa, 0xbb})))
}
