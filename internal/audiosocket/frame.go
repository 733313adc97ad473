package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/satriahrh/callbridge/domain"
)

// Kind is the frame type tag
type Kind byte

// Frame kinds as used by the Asterisk AudioSocket protocol
const (
	KindHangup Kind = 0x00
	KindID     Kind = 0x01
	KindDTMF   Kind = 0x03
	KindAudio  Kind = 0x10
	KindError  Kind = 0xff
)

const (
	// HeaderSize is type (1 byte) plus big-endian payload length (2 bytes).
	HeaderSize = 3
	// MaxWirePayload is the largest length the header can express.
	MaxWirePayload = 0xffff
	// DefaultMaxPayload bounds inbound payloads unless configured otherwise.
	DefaultMaxPayload = 4096
)

// ErrTruncated reports that the buffer ends before a complete frame.
var ErrTruncated = domain.NewError(domain.CodeProtocol, "truncated frame")

func (k Kind) String() string {
	switch k {
	case KindHangup:
		return "hangup"
	case KindID:
		return "id"
	case KindDTMF:
		return "dtmf"
	case KindAudio:
		return "audio"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

func (k Kind) known() bool {
	switch k {
	case KindHangup, KindID, KindDTMF, KindAudio, KindError:
		return true
	}
	return false
}

// IsControl reports whether the frame carries signalling rather than audio
func (k Kind) IsControl() bool {
	return k == KindID || k == KindDTMF
}

// Frame is one decoded protocol unit
type Frame struct {
	Kind    Kind
	Payload []byte
}

// AudioFrame wraps a PCM payload
func AudioFrame(pcm []byte) Frame { return Frame{Kind: KindAudio, Payload: pcm} }

// HangupFrame requests the peer to end the call
func HangupFrame() Frame { return Frame{Kind: KindHangup} }

// ErrorFrame carries an optional one-byte application error code
func ErrorFrame(code byte) Frame { return Frame{Kind: KindError, Payload: []byte{code}} }

// IDFrame carries the call identifier as a binary UUID
func IDFrame(id uuid.UUID) Frame {
	b := id
	return Frame{Kind: KindID, Payload: b[:]}
}

// CallID extracts the identifier from an ID frame. Binary 16-byte UUIDs are
// the Asterisk form; textual identifiers are accepted as sent.
func (f Frame) CallID() (string, error) {
	if f.Kind != KindID {
		return "", fmt.Errorf("frame kind %s carries no call id", f.Kind)
	}
	if len(f.Payload) == 16 {
		id, err := uuid.FromBytes(f.Payload)
		if err == nil {
			return id.String(), nil
		}
	}
	id := strings.TrimSpace(string(f.Payload))
	if id == "" {
		return "", errors.New("empty call id")
	}
	return id, nil
}

// Encode serializes a frame. Payloads longer than MaxWirePayload are not
// well-formed and are truncated to the expressible length.
func Encode(f Frame) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// AppendFrame appends the encoded frame to dst
func AppendFrame(dst []byte, f Frame) []byte {
	payload := f.Payload
	if len(payload) > MaxWirePayload {
		payload = payload[:MaxWirePayload]
	}
	dst = append(dst, byte(f.Kind))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...)
}

// Decode parses one frame from the head of buf. It returns the number of
// bytes consumed. A short buffer yields ErrTruncated; the other failures are
// protocol errors the connection cannot recover from.
func Decode(buf []byte, maxPayload int) (Frame, int, error) {
	if maxPayload <= 0 || maxPayload > MaxWirePayload {
		maxPayload = MaxWirePayload
	}
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrTruncated
	}

	kind := Kind(buf[0])
	if !kind.known() {
		return Frame{}, 0, domain.ProtocolErrorf("unknown frame type 0x%02x", buf[0])
	}

	length := int(binary.BigEndian.Uint16(buf[1:3]))
	if length > maxPayload {
		return Frame{}, 0, domain.ProtocolErrorf("%s payload of %d bytes exceeds limit %d", kind, length, maxPayload)
	}
	if err := checkLength(kind, length); err != nil {
		return Frame{}, 0, err
	}

	if len(buf) < HeaderSize+length {
		return Frame{}, 0, ErrTruncated
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, buf[HeaderSize:HeaderSize+length])
	}
	return Frame{Kind: kind, Payload: payload}, HeaderSize + length, nil
}

func checkLength(kind Kind, length int) error {
	switch kind {
	case KindHangup:
		if length != 0 {
			return domain.ProtocolErrorf("hangup frame with %d byte payload", length)
		}
	case KindError:
		if length > 1 {
			return domain.ProtocolErrorf("error frame with %d byte payload", length)
		}
	case KindDTMF:
		if length != 1 {
			return domain.ProtocolErrorf("dtmf frame with %d byte payload", length)
		}
	case KindID:
		if length == 0 {
			return domain.ProtocolErrorf("empty id frame")
		}
	}
	return nil
}

// Decoder reassembles frames from a byte stream delivered in arbitrary chunks
type Decoder struct {
	buf        []byte
	maxPayload int
}

// NewDecoder creates a decoder enforcing maxPayload
func NewDecoder(maxPayload int) *Decoder {
	return &Decoder{maxPayload: maxPayload}
}

// Write buffers stream bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame. ok is false when more bytes are
// needed. A non-nil error is fatal for the stream.
func (d *Decoder) Next() (Frame, bool, error) {
	f, n, err := Decode(d.buf, d.maxPayload)
	if errors.Is(err, ErrTruncated) {
		return Frame{}, false, nil
	}
	if err != nil {
		return Frame{}, false, err
	}
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return f, true, nil
}

// Buffered returns the number of bytes held for an incomplete frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Close reports a protocol error if the stream ended mid-frame
func (d *Decoder) Close() error {
	if len(d.buf) > 0 {
		return domain.ProtocolErrorf("stream closed with %d bytes of partial frame", len(d.buf))
	}
	return nil
}
