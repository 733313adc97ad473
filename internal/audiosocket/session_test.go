package audiosocket

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/audio"
)

type fakeTransferer struct {
	mu       sync.Mutex
	requests map[string]string
	cancels  map[string]int
	fail     error
}

func newFakeTransferer() *fakeTransferer {
	return &fakeTransferer{requests: map[string]string{}, cancels: map[string]int{}}
}

func (f *fakeTransferer) RequestTransfer(callID, destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.requests[callID] = destination
	return nil
}

func (f *fakeTransferer) Cancel(callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[callID]++
	return nil
}

func (f *fakeTransferer) cancelCount(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[callID]
}

type fakePublisher struct {
	mu          sync.Mutex
	events      []entities.Event
	deregisters map[string]int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{deregisters: map[string]int{}}
}

func (p *fakePublisher) Publish(callID string, ev entities.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.CallID = callID
	p.events = append(p.events, ev)
}

func (p *fakePublisher) Deregister(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deregisters[callID]++
}

func (p *fakePublisher) alerts() []entities.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []entities.Event
	for _, ev := range p.events {
		if ev.Kind == entities.EventAlert {
			out = append(out, ev)
		}
	}
	return out
}

type fakeMedia struct {
	mu     sync.Mutex
	audio  int
	dtmf   []byte
	closed int
}

func (m *fakeMedia) HandleAudio(pcm []byte) {
	m.mu.Lock()
	m.audio++
	m.mu.Unlock()
}

func (m *fakeMedia) HandleDTMF(digit byte) {
	m.mu.Lock()
	m.dtmf = append(m.dtmf, digit)
	m.mu.Unlock()
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
}

type fakeBridge struct {
	media *fakeMedia
	err   error
}

func (b *fakeBridge) Attach(ctx context.Context, session *Session) (Media, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.media, nil
}

// peer is the switch side of a piped connection
type peer struct {
	conn   net.Conn
	frames chan Frame
}

func newPeer(conn net.Conn) *peer {
	p := &peer{conn: conn, frames: make(chan Frame, 1024)}
	go func() {
		defer close(p.frames)
		dec := NewDecoder(MaxWirePayload)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				dec.Write(buf[:n])
				for {
					f, ok, ferr := dec.Next()
					if ferr != nil || !ok {
						break
					}
					p.frames <- f
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *peer) send(t *testing.T, f Frame) {
	t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := p.conn.Write(Encode(f))
	require.NoError(t, err)
}

func (p *peer) expect(t *testing.T, kind Kind) Frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				t.Fatalf("connection closed before %s frame", kind)
			}
			if f.Kind == kind {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s frame", kind)
		}
	}
}

type harness struct {
	session    *Session
	peer       *peer
	transferer *fakeTransferer
	publisher  *fakePublisher
	media      *fakeMedia
	done       chan error
	callID     string
}

func startSession(t *testing.T, config SessionConfig) *harness {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	h := &harness{
		peer:       newPeer(clientConn),
		transferer: newFakeTransferer(),
		publisher:  newFakePublisher(),
		media:      &fakeMedia{},
		done:       make(chan error, 1),
		callID:     uuid.NewString(),
	}
	h.session = NewSession(serverConn, config, Dependencies{
		Bridge:     &fakeBridge{media: h.media},
		Publisher:  h.publisher,
		Transferer: h.transferer,
	}, zap.NewNop())

	go func() { h.done <- h.session.Run(context.Background()) }()
	t.Cleanup(func() { clientConn.Close() })
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.peer.send(t, IDFrame(uuid.MustParse(h.callID)))
	require.Eventually(t, func() bool {
		return h.session.State() == entities.CallStateStreaming
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestSession_HangupEndsCallAndCleansUpOnce(t *testing.T) {
	h := startSession(t, SessionConfig{})
	h.connect(t)
	assert.Equal(t, h.callID, h.session.ID())

	h.peer.send(t, AudioFrame(make([]byte, audio.FrameBytes)))
	h.peer.send(t, Frame{Kind: KindDTMF, Payload: []byte{'5'}})
	h.peer.send(t, HangupFrame())

	require.NoError(t, h.wait(t))

	snap := h.session.Call().Snapshot()
	assert.Equal(t, entities.CallStateEnded, snap.State)
	assert.Equal(t, ReasonHangup, snap.EndReason)
	assert.NotNil(t, snap.EndedAt)

	assert.Equal(t, 1, h.transferer.cancelCount(h.callID))
	assert.Equal(t, 1, h.publisher.deregisters[h.callID])

	h.media.mu.Lock()
	assert.Equal(t, 1, h.media.audio)
	assert.Equal(t, []byte{'5'}, h.media.dtmf)
	assert.Equal(t, 1, h.media.closed)
	h.media.mu.Unlock()

	// a late end must not repeat the cleanup
	h.session.end(ReasonShutdown)
	assert.Equal(t, 1, h.transferer.cancelCount(h.callID))
}

func TestSession_HangupBeforeIDEndsFromConnecting(t *testing.T) {
	h := startSession(t, SessionConfig{})
	h.peer.send(t, HangupFrame())

	require.NoError(t, h.wait(t))
	assert.Equal(t, entities.CallStateEnded, h.session.State())
	assert.Equal(t, 1, h.transferer.cancelCount(h.session.ID()))
}

func TestSession_FirstAudioFrameStartsWithGeneratedID(t *testing.T) {
	h := startSession(t, SessionConfig{})
	h.peer.send(t, AudioFrame(make([]byte, audio.FrameBytes)))

	require.Eventually(t, func() bool {
		return h.session.State() == entities.CallStateStreaming
	}, 2*time.Second, 5*time.Millisecond)
	_, err := uuid.Parse(h.session.ID())
	assert.NoError(t, err)

	h.peer.send(t, HangupFrame())
	require.NoError(t, h.wait(t))

	h.media.mu.Lock()
	assert.Equal(t, 1, h.media.audio)
	h.media.mu.Unlock()
}

func TestSession_MalformedFrameIsProtocolError(t *testing.T) {
	h := startSession(t, SessionConfig{})
	h.connect(t)

	h.peer.conn.Write([]byte{0x42, 0x00, 0x01, 0x00})

	f := h.peer.expect(t, KindError)
	assert.Equal(t, []byte{ErrorCodeFrame}, f.Payload)

	err := h.wait(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProtocol))
	assert.Equal(t, ReasonProtocolError, h.session.Call().Snapshot().EndReason)
	assert.Equal(t, 1, h.transferer.cancelCount(h.callID))
}

func TestSession_IdleTimeoutHangsUp(t *testing.T) {
	h := startSession(t, SessionConfig{IdleTimeout: 100 * time.Millisecond})
	h.connect(t)

	h.peer.expect(t, KindHangup)
	require.NoError(t, h.wait(t))
	assert.Equal(t, ReasonIdleTimeout, h.session.Call().Snapshot().EndReason)
}

func TestSession_OutboundIsPacedToRealTime(t *testing.T) {
	h := startSession(t, SessionConfig{})
	h.connect(t)

	const frames = 10
	start := time.Now()
	require.NoError(t, h.session.Enqueue(context.Background(), make([]byte, frames*audio.FrameBytes)))

	for i := 0; i < frames; i++ {
		f := h.peer.expect(t, KindAudio)
		assert.Len(t, f.Payload, audio.FrameBytes)
	}
	elapsed := time.Since(start)

	// the first frame leaves immediately, each following one waits a frame
	assert.GreaterOrEqual(t, elapsed, (frames-1)*audio.FrameDuration-10*time.Millisecond)

	h.peer.send(t, HangupFrame())
	require.NoError(t, h.wait(t))
}

func TestSession_DiscardOutboundDropsQueuedAudio(t *testing.T) {
	h := startSession(t, SessionConfig{})
	h.connect(t)

	require.NoError(t, h.session.Enqueue(context.Background(), make([]byte, 50*audio.FrameBytes)))
	dropped := h.session.DiscardOutbound()
	assert.Greater(t, dropped, 40)
	assert.LessOrEqual(t, h.session.Pending(), 1)

	h.peer.send(t, HangupFrame())
	require.NoError(t, h.wait(t))
}

func TestSession_TransferStopsRepliesAndWaitsForPeer(t *testing.T) {
	h := startSession(t, SessionConfig{})
	h.connect(t)

	replies := h.session.ReplyContext()
	decision := entities.RoutingDecision{Route: "sales", Source: entities.DecisionSourceRule}
	require.NoError(t, h.session.BeginTransfer(context.Background(), decision, "PJSIP/101"))

	assert.Equal(t, entities.CallStateTransferring, h.session.State())
	assert.Equal(t, "PJSIP/101", h.transferer.requests[h.callID])
	assert.Error(t, replies.Err())

	err := h.session.Enqueue(context.Background(), make([]byte, audio.FrameBytes))
	assert.True(t, errors.Is(err, domain.ErrSessionClosed))

	got, ok := h.session.Call().Decision()
	require.True(t, ok)
	assert.Equal(t, "sales", got.Route)

	// the switch hangs up this leg once it dials the target
	h.peer.conn.Close()
	require.NoError(t, h.wait(t))
	assert.Equal(t, ReasonTransferred, h.session.Call().Snapshot().EndReason)
	assert.Equal(t, 1, h.transferer.cancelCount(h.callID))
}

func TestSession_TransferIsRefusedOutsideStreaming(t *testing.T) {
	h := startSession(t, SessionConfig{})
	h.connect(t)

	decision := entities.RoutingDecision{Route: "support"}
	require.NoError(t, h.session.BeginTransfer(context.Background(), decision, "PJSIP/102"))

	err := h.session.BeginTransfer(context.Background(), decision, "PJSIP/102")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	h.peer.conn.Close()
	h.wait(t)
}

func TestSession_FailedMarkerWriteResumesStreaming(t *testing.T) {
	h := startSession(t, SessionConfig{})
	h.transferer.fail = errors.New("disk full")
	h.connect(t)

	err := h.session.BeginTransfer(context.Background(), entities.RoutingDecision{Route: "billing"}, "PJSIP/103")
	require.Error(t, err)

	assert.Equal(t, entities.CallStateStreaming, h.session.State())
	assert.NoError(t, h.session.ReplyContext().Err())
	assert.NoError(t, h.session.Enqueue(context.Background(), make([]byte, audio.FrameBytes)))

	alerts := h.publisher.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, entities.PriorityCritical, alerts[0].Priority)

	h.peer.send(t, HangupFrame())
	require.NoError(t, h.wait(t))
}

func TestSession_TransferTimeoutHangsUp(t *testing.T) {
	h := startSession(t, SessionConfig{TransferTimeout: 100 * time.Millisecond})
	h.connect(t)

	require.NoError(t, h.session.BeginTransfer(context.Background(), entities.RoutingDecision{Route: "sales"}, "PJSIP/101"))

	h.peer.expect(t, KindHangup)
	require.NoError(t, h.wait(t))
	assert.Equal(t, ReasonTransferTimeout, h.session.Call().Snapshot().EndReason)
	assert.Equal(t, 1, h.transferer.cancelCount(h.callID))
	assert.NotEmpty(t, h.publisher.alerts())
}

func TestSession_AttachFailureEndsCall(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	p := newPeer(clientConn)

	session := NewSession(serverConn, SessionConfig{}, Dependencies{
		Bridge:     &fakeBridge{err: errors.New("stt unavailable")},
		Transferer: newFakeTransferer(),
	}, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	p.send(t, IDFrame(uuid.New()))
	p.expect(t, KindError)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, ReasonAttachFailed, session.Call().Snapshot().EndReason)
}

func TestSession_ShutdownEndsCall(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	p := newPeer(clientConn)

	session := NewSession(serverConn, SessionConfig{}, Dependencies{Transferer: newFakeTransferer()}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	p.send(t, IDFrame(uuid.New()))
	require.Eventually(t, func() bool {
		return session.State() == entities.CallStateStreaming
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, ReasonShutdown, session.Call().Snapshot().EndReason)
}
