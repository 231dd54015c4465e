// Package metrics provides Prometheus instrumentation for the sync engine.
//
// Collectors are registered on a caller-supplied registry so tests can build
// fresh instances. Every method is safe on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the courier collectors.
type Metrics struct {
	ConnectionState    prometheus.Gauge
	ReconnectAttempts  prometheus.Counter
	FramesReceived     *prometheus.CounterVec
	FramesSent         *prometheus.CounterVec
	RetryQueueDepth    prometheus.Gauge
	OperationsDropped  *prometheus.CounterVec
	HandlerPanics      prometheus.Counter
	CachedConversation prometheus.Gauge
	CacheEvictions     *prometheus.CounterVec
}

// New registers the courier collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "courier_connection_state",
			Help: "Current connection state (0=disconnected 1=connecting 2=connected 3=reconnecting)",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled after unintentional closes",
		}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_frames_received_total",
			Help: "Inbound frames by protocol type or event name",
		}, []string{"type"}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_frames_sent_total",
			Help: "Outbound frames by command and action",
		}, []string{"command", "action"}),
		RetryQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "courier_retry_queue_depth",
			Help: "Pending operations awaiting delivery",
		}),
		OperationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_operations_dropped_total",
			Help: "Retry-queue entries abandoned after max retries",
		}, []string{"action"}),
		HandlerPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "courier_handler_panics_total",
			Help: "Event handler invocations that panicked",
		}),
		CachedConversation: f.NewGauge(prometheus.GaugeOpts{
			Name: "courier_cache_conversations",
			Help: "Conversations held by the cache",
		}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_cache_evictions_total",
			Help: "Cache entries removed by reason",
		}, []string{"reason"}),
	}
}

// SetConnectionState records the numeric connection state.
func (m *Metrics) SetConnectionState(v int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(v))
}

// IncReconnectAttempt counts one scheduled reconnection.
func (m *Metrics) IncReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// IncFrameReceived counts one inbound frame.
func (m *Metrics) IncFrameReceived(typ string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(typ).Inc()
}

// IncFrameSent counts one outbound frame.
func (m *Metrics) IncFrameSent(command, action string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(command, action).Inc()
}

// SetRetryQueueDepth records the retry-queue length.
func (m *Metrics) SetRetryQueueDepth(n int) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(n))
}

// IncOperationDropped counts one abandoned operation.
func (m *Metrics) IncOperationDropped(action string) {
	if m == nil {
		return
	}
	m.OperationsDropped.WithLabelValues(action).Inc()
}

// IncHandlerPanic counts one recovered handler panic.
func (m *Metrics) IncHandlerPanic() {
	if m == nil {
		return
	}
	m.HandlerPanics.Inc()
}

// SetCachedConversations records the cache size.
func (m *Metrics) SetCachedConversations(n int) {
	if m == nil {
		return
	}
	m.CachedConversation.Set(float64(n))
}

// IncCacheEviction counts one eviction ("capacity", "stale", "manual").
func (m *Metrics) IncCacheEviction(reason string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(reason).Inc()
}
