// Package metrics holds the Prometheus collectors for the offline queue and
// the optimistic-update coordinator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storesync"

// Replay outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomePermanent = "permanent"
)

// Metrics is the set of collectors registered for one process.
type Metrics struct {
	queueDepth       prometheus.Gauge
	enqueued         *prometheus.CounterVec
	replays          *prometheus.CounterVec
	drainDuration    prometheus.Histogram
	online           prometheus.Gauge
	optimisticStatus *prometheus.CounterVec
}

// New registers the collectors with reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of actions waiting in the offline queue",
		}),
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Actions added to the offline queue",
		}, []string{"resource", "type"}),
		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "replays_total",
			Help:      "Replay attempts by outcome",
		}, []string{"resource", "outcome"}),
		drainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "drain_duration_seconds",
			Help:      "Duration of one drain pass",
			Buckets:   prometheus.DefBuckets,
		}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the last observed network state was connected",
		}),
		optimisticStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimistic",
			Name:      "updates_total",
			Help:      "Optimistic updates by final status",
		}, []string{"type", "status"}),
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Enqueued(resource, actionType string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(resource, actionType).Inc()
}

func (m *Metrics) Replayed(resource, outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(resource, outcome).Inc()
}

func (m *Metrics) ObserveDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

func (m *Metrics) Optimistic(updateType, status string) {
	if m == nil {
		return
	}
	m.optimisticStatus.WithLabelValues(updateType, status).Inc()
}
