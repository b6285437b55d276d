package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "munchkin"

// Metrics holds the game server collectors on a private registry.
// All record methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	frameErrors       *prometheus.CounterVec
	joins             *prometheus.CounterVec
	rateLimited       prometheus.Counter
	players           prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_active",
			Help:      "Currently connected peers.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_total",
			Help:      "Accepted peer connections.",
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "requests_total",
				Help:      "Handled requests by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "request_duration_seconds",
				Help:      "Request handling duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		frameErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "frame_errors_total",
				Help:      "Framing errors by reason.",
			},
			[]string{"reason"},
		),
		joins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "game",
				Name:      "joins_total",
				Help:      "Join attempts by status.",
			},
			[]string{"status"},
		),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-peer rate limiter.",
		}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "players",
			Help:      "Players in the roster.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsActive,
		m.connectionsTotal,
		m.requests,
		m.requestDuration,
		m.frameErrors,
		m.joins,
		m.rateLimited,
		m.players,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) RecordRequest(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(action, outcome).Inc()
	m.requestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

func (m *Metrics) RecordFrameError(reason string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordJoin(status string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) SetPlayers(n int) {
	if m == nil {
		return
	}
	m.players.Set(float64(n))
}
