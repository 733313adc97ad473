// Package audio holds the narrow-band codec parameters used on the audio
// socket and the small transforms needed to bring synthesized audio into it.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// SampleRate of the audio socket codec (signed linear, mono).
	SampleRate = 8000
	// BytesPerSample for 16-bit PCM.
	BytesPerSample = 2
	// FrameDuration is the nominal duration of one audio frame.
	FrameDuration = 20 * time.Millisecond
	// FrameBytes is the payload size of one 20 ms frame.
	FrameBytes = SampleRate * BytesPerSample * int(FrameDuration/time.Millisecond) / 1000
	// BytesPerSecond is the real-time playback rate.
	BytesPerSecond = SampleRate * BytesPerSample
)

const (
	EncodingLinear16 = "LINEAR16"
	EncodingMulaw    = "MULAW"
)

// Duration returns the playback length of n bytes of codec audio.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / BytesPerSecond
}

// Split cuts pcm into frame-sized chunks. The last chunk may be shorter.
func Split(pcm []byte, size int) [][]byte {
	if size <= 0 {
		size = FrameBytes
	}
	frames := make([][]byte, 0, (len(pcm)+size-1)/size)
	for len(pcm) > 0 {
		n := size
		if len(pcm) < n {
			n = len(pcm)
		}
		frames = append(frames, pcm[:n:n])
		pcm = pcm[n:]
	}
	return frames
}

// RMS returns the root-mean-square level of little-endian 16-bit samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// MulawToLinear16 decodes G.711 μ-law samples to little-endian 16-bit PCM.
func MulawToLinear16(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawDecode(b)))
	}
	return out
}

func mulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0f
	sample := ((int32(mantissa) << 3) + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// Decimate downsamples little-endian 16-bit PCM by an integer factor,
// averaging each group of samples.
func Decimate(pcm []byte, factor int) []byte {
	if factor <= 1 {
		return pcm
	}
	n := len(pcm) / BytesPerSample / factor
	out := make([]byte, n*BytesPerSample)
	for i := 0; i < n; i++ {
		var sum int32
		for j := 0; j < factor; j++ {
			off := (i*factor + j) * BytesPerSample
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(factor))))
	}
	return out
}

// ToCodec converts audio in the given encoding and sample rate into the
// socket codec.
func ToCodec(data []byte, encoding string, sampleRate int) ([]byte, error) {
	switch encoding {
	case EncodingMulaw:
		if sampleRate != SampleRate {
			return nil, fmt.Errorf("mulaw at %d Hz is not supported", sampleRate)
		}
		return MulawToLinear16(data), nil
	case EncodingLinear16, "":
		if sampleRate == SampleRate || sampleRate == 0 {
			return data[:len(data)-len(data)%BytesPerSample], nil
		}
		if sampleRate%SampleRate != 0 {
			return nil, fmt.Errorf("cannot resample %d Hz to %d Hz", sampleRate, SampleRate)
		}
		return Decimate(data, sampleRate/SampleRate), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// WAV wraps codec PCM in a RIFF/WAVE container for browser playback.
func WAV(pcm []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(BytesPerSecond))
	binary.Write(&buf, binary.LittleEndian, uint16(BytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
