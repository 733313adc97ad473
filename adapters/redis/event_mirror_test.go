package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/websocket"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestEventMirror_PublishesPerCallChannel(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	mirror := NewEventMirror(client, Config{}, zap.NewNop())
	assert.Equal(t, "callbridge:events:call-1", mirror.Channel("call-1"))

	sub := client.Subscribe(ctx, mirror.Channel("call-1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	mirror.Start()
	defer mirror.Stop()

	mirror.Publish(entities.AlertEvent("call-1", entities.PriorityCritical, "клиент недоволен"))
	mirror.Publish(entities.AlertEvent("call-2", entities.PriorityNormal, "другой звонок"))

	select {
	case msg := <-sub.Channel():
		var ev entities.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "call-1", ev.CallID)
		assert.Equal(t, entities.EventAlert, ev.Kind)
		assert.Equal(t, entities.PriorityCritical, ev.Priority)
		assert.Equal(t, "клиент недоволен", ev.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("mirrored event not received")
	}
}

func TestEventMirror_DropsWhenFull(t *testing.T) {
	_, client := setupTestRedis(t)
	mirror := NewEventMirror(client, Config{BufferSize: 2}, zap.NewNop())

	for i := 0; i < 5; i++ {
		mirror.Publish(entities.NewEvent("call-1", entities.EventTranscript, "текст"))
	}
	assert.Equal(t, int64(3), mirror.Dropped())

	mirror.Start()
	mirror.Stop()
	assert.Empty(t, mirror.queue, "stop drains queued events")
}

func TestEventMirror_AsHubSink(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	mirror := NewEventMirror(client, Config{ChannelPrefix: "test:"}, zap.NewNop())
	hub := websocket.NewHub(nil, zap.NewNop(), mirror)

	sub := client.Subscribe(ctx, "test:call-9")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	mirror.Start()
	defer mirror.Stop()

	hub.Publish("call-9", entities.LifecycleEvent("call-9", entities.CallStateStreaming, "connected"))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"state":"streaming"`)
	case <-time.After(2 * time.Second):
		t.Fatal("hub event was not mirrored")
	}
}
