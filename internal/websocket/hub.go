package websocket

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/metrics"
)

// Size of each subscriber's outbound buffer. A subscriber that falls this far
// behind starts missing events.
const subscriberBuffer = 256

// EventSink receives a copy of every published event. Publish must not block.
type EventSink interface {
	Publish(ev entities.Event)
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id      string
	callID  string
	monitor bool

	mode    atomic.Value // entities.DeliveryMode
	send    chan entities.Event
	dropped atomic.Int64

	closeOnce sync.Once
}

func (s *Subscription) ID() string     { return s.id }
func (s *Subscription) CallID() string { return s.callID }

// Events is closed when the subscription ends
func (s *Subscription) Events() <-chan entities.Event { return s.send }

func (s *Subscription) Mode() entities.DeliveryMode {
	return s.mode.Load().(entities.DeliveryMode)
}

// Dropped returns how many events were discarded for this subscriber
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.send) })
}

// callSubscribers is the per-call subscriber set with its own lock
type callSubscribers struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// Hub maintains per-call supervisor subscriptions and fans out events.
type Hub struct {
	// Registered subscriptions by call ID.
	calls map[string]*callSubscribers

	// Monitors receive lifecycle and alert events of every call.
	monitors *callSubscribers

	// Mutex for the calls map only; delivery holds the per-call lock
	mu sync.RWMutex

	sinks   []EventSink
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewHub creates a broadcast hub. metrics may be nil.
func NewHub(metrics *metrics.Collector, logger *zap.Logger, sinks ...EventSink) *Hub {
	return &Hub{
		calls:    make(map[string]*callSubscribers),
		monitors: &callSubscribers{subs: make(map[string]*Subscription)},
		sinks:    sinks,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "hub")),
	}
}

func newSubscription(callID string, mode entities.DeliveryMode, monitor bool) *Subscription {
	s := &Subscription{
		id:      uuid.NewString(),
		callID:  callID,
		monitor: monitor,
		send:    make(chan entities.Event, subscriberBuffer),
	}
	s.mode.Store(mode)
	return s
}

// Subscribe registers a subscriber for callID
func (h *Hub) Subscribe(callID string, mode entities.DeliveryMode) (*Subscription, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	if _, err := entities.ParseDeliveryMode(string(mode)); err != nil {
		return nil, err
	}

	sub := newSubscription(callID, mode, false)

	h.mu.Lock()
	set, ok := h.calls[callID]
	if !ok {
		set = &callSubscribers{subs: make(map[string]*Subscription)}
		h.calls[callID] = set
	}
	set.mu.Lock()
	set.subs[sub.id] = sub
	set.mu.Unlock()
	h.mu.Unlock()

	h.logger.Info("Supervisor subscribed",
		zap.String("callID", callID),
		zap.String("subscriptionID", sub.id),
		zap.String("mode", string(mode)))
	return sub, nil
}

// SubscribeAll registers a monitor that sees lifecycle and alert events of
// all calls
func (h *Hub) SubscribeAll() *Subscription {
	sub := newSubscription("", entities.ModeText, true)
	h.monitors.mu.Lock()
	h.monitors.subs[sub.id] = sub
	h.monitors.mu.Unlock()
	h.logger.Info("Monitor subscribed", zap.String("subscriptionID", sub.id))
	return sub
}

// SetMode changes a subscriber's delivery preference in place
func (h *Hub) SetMode(sub *Subscription, mode entities.DeliveryMode) error {
	if sub == nil {
		return errors.New("nil subscription")
	}
	if _, err := entities.ParseDeliveryMode(string(mode)); err != nil {
		return err
	}
	sub.mode.Store(mode)
	h.logger.Info("Supervisor mode changed",
		zap.String("callID", sub.callID),
		zap.String("subscriptionID", sub.id),
		zap.String("mode", string(mode)))
	return nil
}

// Unsubscribe removes the subscriber and closes its channel. It is safe to
// call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if sub.monitor {
		h.monitors.mu.Lock()
		delete(h.monitors.subs, sub.id)
		sub.close()
		h.monitors.mu.Unlock()
		return
	}

	h.mu.Lock()
	if set, ok := h.calls[sub.callID]; ok {
		set.mu.Lock()
		delete(set.subs, sub.id)
		sub.close()
		empty := len(set.subs) == 0
		set.mu.Unlock()
		if empty {
			delete(h.calls, sub.callID)
		}
	} else {
		sub.close()
	}
	h.mu.Unlock()

	h.logger.Info("Supervisor unsubscribed",
		zap.String("callID", sub.callID),
		zap.String("subscriptionID", sub.id))
}

// Deregister drops every subscription of an ended call
func (h *Hub) Deregister(callID string) {
	h.mu.Lock()
	set, ok := h.calls[callID]
	delete(h.calls, callID)
	h.mu.Unlock()
	if !ok {
		return
	}

	set.mu.Lock()
	for id, sub := range set.subs {
		sub.close()
		delete(set.subs, id)
	}
	set.mu.Unlock()
	h.logger.Info("Call deregistered from hub", zap.String("callID", callID))
}

// Publish delivers ev to the call's subscribers, filtered by mode. Delivery
// never blocks; a full subscriber buffer drops the event.
func (h *Hub) Publish(callID string, ev entities.Event) {
	ev.CallID = callID

	h.mu.RLock()
	set := h.calls[callID]
	h.mu.RUnlock()

	if set != nil {
		set.mu.Lock()
		for _, sub := range set.subs {
			h.deliver(sub, ev)
		}
		set.mu.Unlock()
	}

	if ev.Kind == entities.EventLifecycle || ev.Kind == entities.EventAlert {
		h.monitors.mu.Lock()
		for _, sub := range h.monitors.subs {
			h.deliver(sub, ev)
		}
		h.monitors.mu.Unlock()
	}

	for _, sink := range h.sinks {
		sink.Publish(ev)
	}
}

// deliver must be called with the owning set's lock held
func (h *Hub) deliver(sub *Subscription, ev entities.Event) {
	shaped, ok := ev.ForMode(sub.Mode())
	if !ok {
		return
	}
	select {
	case sub.send <- shaped:
	default:
		sub.dropped.Add(1)
		h.metrics.EventDropped()
		h.logger.Warn("Subscriber buffer full, event dropped",
			zap.String("callID", ev.CallID),
			zap.String("subscriptionID", sub.id),
			zap.String("type", string(ev.Kind)))
	}
}

// SubscriberCount returns the number of subscribers for callID
func (h *Hub) SubscriberCount(callID string) int {
	h.mu.RLock()
	set := h.calls[callID]
	h.mu.RUnlock()
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}

// WantsAudio reports whether rendering an audio reference is useful for
// callID. critical events also reach hybrid subscribers.
func (h *Hub) WantsAudio(callID string, critical bool) bool {
	h.mu.RLock()
	set := h.calls[callID]
	h.mu.RUnlock()
	if set == nil {
		return false
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, sub := range set.subs {
		switch sub.Mode() {
		case entities.ModeAudio:
			return true
		case entities.ModeHybrid:
			if critical {
				return true
			}
		}
	}
	return false
}
