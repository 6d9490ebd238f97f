package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetQueueDepth(3)
	m.Enqueued("orders", "create")
	m.Enqueued("orders", "create")
	m.Replayed("orders", OutcomeRetry)
	m.ObserveDrain(20 * time.Millisecond)
	m.SetOnline(true)
	m.Optimistic("update_order_status", "success")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.enqueued.WithLabelValues("orders", "create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replays.WithLabelValues("orders", OutcomeRetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))

	m.SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.online))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetQueueDepth(1)
		m.Enqueued("orders", "create")
		m.Replayed("orders", OutcomeSuccess)
		m.ObserveDrain(time.Second)
		m.SetOnline(true)
		m.Optimistic("x", "failed")
	})
}
