// Package metrics exposes the engine's Prometheus series. A nil *Collector is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds the metric vectors
type Collector struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsStarted  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	sessionsRejected prometheus.Counter
	stateTransitions *prometheus.CounterVec

	framesIn  prometheus.Counter
	framesOut prometheus.Counter

	transfersRequested *prometheus.CounterVec
	transfersLost      *prometheus.CounterVec

	upstreamDuration *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec

	hubDropped   prometheus.Counter
	windowsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the engine metrics on a private registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.sessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of audio sessions currently connected",
	})
	c.sessionsStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Total number of accepted audio sessions",
	})
	c.sessionsEnded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Total number of ended sessions by reason",
	}, []string{"reason"})
	c.sessionsRejected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_rejected_total",
		Help:      "Connections refused because the session limit was reached",
	})
	c.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_state_transitions_total",
		Help:      "Session state transitions",
	}, []string{"from", "to"})

	c.framesIn = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Audio frames received from the switch",
	})
	c.framesOut = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_sent_total",
		Help:      "Audio frames written to the switch",
	})

	c.transfersRequested = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_requested_total",
		Help:      "Transfer markers written by route",
	}, []string{"route"})
	c.transfersLost = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_lost_total",
		Help:      "Transfers never picked up by the switch",
	}, []string{"cause"})

	c.upstreamDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_request_duration_seconds",
		Help:      "Collaborator request duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service"})
	c.upstreamErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_errors_total",
		Help:      "Collaborator errors by service and code",
	}, []string{"service", "code"})

	c.hubDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_events_dropped_total",
		Help:      "Events dropped because a subscriber buffer was full",
	})
	c.windowsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "utterance_windows_total",
		Help:      "Closed utterance windows by close reason",
	}, []string{"reason"})

	c.logger.Info("Metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsStarted.Inc()
	c.sessionsActive.Inc()
}

func (c *Collector) SessionEnded(reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(reason).Inc()
	c.sessionsActive.Dec()
}

func (c *Collector) SessionRejected() {
	if c == nil {
		return
	}
	c.sessionsRejected.Inc()
}

func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) FrameIn() {
	if c == nil {
		return
	}
	c.framesIn.Inc()
}

func (c *Collector) FrameOut() {
	if c == nil {
		return
	}
	c.framesOut.Inc()
}

func (c *Collector) TransferRequested(route string) {
	if c == nil {
		return
	}
	c.transfersRequested.WithLabelValues(route).Inc()
}

// TransferLost counts a transfer the switch never acted on
func (c *Collector) TransferLost(cause string) {
	if c == nil {
		return
	}
	c.transfersLost.WithLabelValues(cause).Inc()
}

// ObserveUpstream records one collaborator round-trip. code is empty on success.
func (c *Collector) ObserveUpstream(service string, d time.Duration, code string) {
	if c == nil {
		return
	}
	c.upstreamDuration.WithLabelValues(service).Observe(d.Seconds())
	if code != "" {
		c.upstreamErrors.WithLabelValues(service, code).Inc()
	}
}

func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.hubDropped.Inc()
}

func (c *Collector) WindowClosed(reason string) {
	if c == nil {
		return
	}
	c.windowsTotal.WithLabelValues(reason).Inc()
}
