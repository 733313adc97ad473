package whisper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/websocket"
)

type fakeLLM struct {
	hint    string
	err     error
	block   bool
	history []entities.Utterance
}

func (f *fakeLLM) Suggest(ctx context.Context, utterance string, history []entities.Utterance) (string, error) {
	f.history = history
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.hint, f.err
}

type fakeRenderer struct {
	calls int
	err   error
}

func (f *fakeRenderer) Clip(ctx context.Context, text string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("RIFF" + text), nil
}

type fakeAudience struct {
	mu        sync.Mutex
	events    []entities.Event
	wantAudio func(critical bool) bool
}

func (f *fakeAudience) Publish(callID string, ev entities.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeAudience) WantsAudio(callID string, critical bool) bool {
	if f.wantAudio == nil {
		return false
	}
	return f.wantAudio(critical)
}

func (f *fakeAudience) published() []entities.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func TestClipStore_PutGetExpire(t *testing.T) {
	store := NewClipStore(time.Minute, zap.NewNop())
	now := time.Now()
	store.now = func() time.Time { return now }

	id := store.Put([]byte("wav"))
	data, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, []byte("wav"), data)

	_, ok = store.Get("missing")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = store.Get(id)
	assert.False(t, ok, "expired clips are not served")
	assert.Equal(t, 1, store.Len())

	assert.Equal(t, 1, store.Expire())
	assert.Zero(t, store.Len())
}

func TestClipStore_Janitor(t *testing.T) {
	store := NewClipStore(40*time.Millisecond, zap.NewNop())
	store.Put([]byte("a"))
	store.Start()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	store.Stop()
	store.Stop()
}

func TestAdvisor_PriorityOf(t *testing.T) {
	a := NewAdvisor(&fakeLLM{}, nil, nil, &fakeAudience{}, Config{}, nil, zap.NewNop())

	assert.Equal(t, entities.PriorityCritical, a.PriorityOf("Это УЖАСНО, хочу возврат"))
	assert.Equal(t, entities.PriorityCritical, a.PriorityOf("у меня ничего не работает"))
	assert.Equal(t, entities.PriorityNormal, a.PriorityOf("какой у вас адрес"))
}

func TestAdvisor_TextSuggestion(t *testing.T) {
	llm := &fakeLLM{hint: "  Спросите номер заказа  "}
	renderer := &fakeRenderer{}
	audience := &fakeAudience{}
	a := NewAdvisor(llm, renderer, NewClipStore(time.Minute, zap.NewNop()), audience, Config{}, nil, zap.NewNop())

	ev, err := a.Advise(context.Background(), "call-1", "где мой заказ", nil)
	require.NoError(t, err)
	assert.Equal(t, entities.EventSuggestion, ev.Kind)
	assert.Equal(t, "Спросите номер заказа", ev.Text)
	assert.Equal(t, entities.PriorityNormal, ev.Priority)
	assert.False(t, ev.HasAudio())
	assert.Zero(t, renderer.calls)
	assert.Equal(t, []entities.Event{ev}, audience.published())
}

func TestAdvisor_RendersClipWhenWanted(t *testing.T) {
	clips := NewClipStore(time.Minute, zap.NewNop())
	renderer := &fakeRenderer{}
	audience := &fakeAudience{wantAudio: func(critical bool) bool { return critical }}
	a := NewAdvisor(&fakeLLM{hint: "Предложите компенсацию"}, renderer, clips, audience, Config{}, nil, zap.NewNop())

	ev, err := a.Advise(context.Background(), "call-1", "я недоволен", nil)
	require.NoError(t, err)
	assert.Equal(t, entities.PriorityCritical, ev.Priority)
	assert.Equal(t, entities.ModeHybrid, ev.Mode)
	require.True(t, strings.HasPrefix(ev.AudioURL, "/api/v1/audio/"))
	require.True(t, strings.HasSuffix(ev.AudioURL, ".wav"))

	id := strings.TrimSuffix(strings.TrimPrefix(ev.AudioURL, "/api/v1/audio/"), ".wav")
	data, ok := clips.Get(id)
	require.True(t, ok)
	assert.Equal(t, []byte("RIFFПредложите компенсацию"), data)

	// Normal priority: hybrid listeners are not worth a clip
	ev, err = a.Advise(context.Background(), "call-1", "какой адрес", nil)
	require.NoError(t, err)
	assert.False(t, ev.HasAudio())
	assert.Equal(t, 1, renderer.calls)
}

func TestAdvisor_RenderFailureFallsBackToText(t *testing.T) {
	renderer := &fakeRenderer{err: errors.New("tts down")}
	audience := &fakeAudience{wantAudio: func(bool) bool { return true }}
	a := NewAdvisor(&fakeLLM{hint: "Уточните адрес"}, renderer, NewClipStore(time.Minute, zap.NewNop()), audience, Config{}, nil, zap.NewNop())

	ev, err := a.Advise(context.Background(), "call-1", "куда доставка", nil)
	require.NoError(t, err)
	assert.False(t, ev.HasAudio())
	assert.Equal(t, entities.ModeText, ev.Mode)
	assert.Len(t, audience.published(), 1)
}

func TestAdvisor_FailureDropsHint(t *testing.T) {
	audience := &fakeAudience{}
	a := NewAdvisor(&fakeLLM{err: errors.New("quota")}, nil, nil, audience, Config{}, nil, zap.NewNop())

	_, err := a.Advise(context.Background(), "call-1", "алло", nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamFailure)

	a = NewAdvisor(&fakeLLM{block: true}, nil, nil, audience, Config{Timeout: 20 * time.Millisecond}, nil, zap.NewNop())
	_, err = a.Advise(context.Background(), "call-1", "алло", nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)

	a = NewAdvisor(&fakeLLM{hint: "   "}, nil, nil, audience, Config{}, nil, zap.NewNop())
	_, err = a.Advise(context.Background(), "call-1", "алло", nil)
	assert.Error(t, err)

	assert.Empty(t, audience.published())
}

func TestAdvisor_BoundsHistory(t *testing.T) {
	llm := &fakeLLM{hint: "ok"}
	a := NewAdvisor(llm, nil, nil, &fakeAudience{}, Config{HistoryTurns: 2}, nil, zap.NewNop())

	history := []entities.Utterance{{Text: "1"}, {Text: "2"}, {Text: "3"}}
	_, err := a.Advise(context.Background(), "call-1", "алло", history)
	require.NoError(t, err)
	assert.Equal(t, history[1:], llm.history)
}

func TestAdvisor_ThroughHub(t *testing.T) {
	hub := websocket.NewHub(nil, zap.NewNop())
	text, err := hub.Subscribe("call-1", entities.ModeText)
	require.NoError(t, err)
	audio, err := hub.Subscribe("call-1", entities.ModeAudio)
	require.NoError(t, err)

	a := NewAdvisor(&fakeLLM{hint: "Извинитесь"}, &fakeRenderer{}, NewClipStore(time.Minute, zap.NewNop()), hub, Config{}, nil, zap.NewNop())
	_, err = a.Advise(context.Background(), "call-1", "жалоба", nil)
	require.NoError(t, err)

	got := <-audio.Events()
	assert.True(t, got.HasAudio())
	got = <-text.Events()
	assert.False(t, got.HasAudio())
	assert.Equal(t, "Извинитесь", got.Text)
}
