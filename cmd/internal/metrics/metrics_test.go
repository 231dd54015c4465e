package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordsOnFreshRegistry(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.SetConnectionState(2)
	m.IncReconnectAttempt()
	m.IncReconnectAttempt()
	m.IncOperationDropped("send_message")
	m.SetRetryQueueDepth(4)
	m.IncCacheEviction("stale")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionState))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsDropped.WithLabelValues("send_message")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RetryQueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictions.WithLabelValues("stale")))
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnectionState(1)
		m.IncReconnectAttempt()
		m.IncFrameReceived("ping")
		m.IncFrameSent("message", "send_message")
		m.SetRetryQueueDepth(1)
		m.IncOperationDropped("x")
		m.IncHandlerPanic()
		m.SetCachedConversations(1)
		m.IncCacheEviction("manual")
	})
}
