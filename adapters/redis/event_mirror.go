package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/websocket"
)

const (
	defaultChannelPrefix = "callbridge:events:"
	defaultBufferSize    = 1024
	publishTimeout       = 2 * time.Second
)

// Config holds the Redis connection and mirror settings
type Config struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	BufferSize    int
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, config Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// EventMirror republishes hub events on Redis pub/sub, one channel per call
// ("<prefix><callID>"). Publish never blocks the hub: events queue in a
// bounded buffer drained by a single worker, and overflow is dropped.
type EventMirror struct {
	client  *redis.Client
	prefix  string
	queue   chan entities.Event
	dropped atomic.Int64
	logger  *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var _ websocket.EventSink = (*EventMirror)(nil)

// NewEventMirror creates a mirror; call Start to begin draining
func NewEventMirror(client *redis.Client, config Config, logger *zap.Logger) *EventMirror {
	logger = logger.With(zap.String("component", "redis_mirror"))

	prefix := config.ChannelPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
		logger.Info("Using default channel prefix", zap.String("prefix", prefix))
	}

	size := config.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}

	return &EventMirror{
		client:   client,
		prefix:   prefix,
		queue:    make(chan entities.Event, size),
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Channel returns the pub/sub channel for callID
func (m *EventMirror) Channel(callID string) string {
	return m.prefix + callID
}

// Publish implements websocket.EventSink
func (m *EventMirror) Publish(ev entities.Event) {
	select {
	case m.queue <- ev:
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			m.logger.Warn("Mirror buffer full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Dropped returns the number of events dropped on overflow
func (m *EventMirror) Dropped() int64 {
	return m.dropped.Load()
}

// Start begins draining the queue
func (m *EventMirror) Start() {
	go m.run()
	m.logger.Info("Redis event mirror started", zap.String("prefix", m.prefix))
}

// Stop drains what is already queued and stops the worker
func (m *EventMirror) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	<-m.done
	m.logger.Info("Redis event mirror stopped")
}

func (m *EventMirror) run() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stopChan:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *EventMirror) send(ev entities.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to encode event", zap.String("callID", ev.CallID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.client.Publish(ctx, m.Channel(ev.CallID), payload).Err(); err != nil {
		m.logger.Warn("Failed to mirror event",
			zap.String("callID", ev.CallID),
			zap.String("type", string(ev.Kind)),
			zap.Error(err))
	}
}
