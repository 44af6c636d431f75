package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on a private registry so several hubs can live in
// one process.
type Metrics struct {
	registry *prometheus.Registry

	rooms            prometheus.Gauge
	replicas         prometheus.Gauge
	messages         *prometheus.CounterVec
	awarenessExpired prometheus.Counter
	slowConsumers    prometheus.Counter
	sinkFailures     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pagesync_relay_rooms",
			Help: "Rooms currently held by the relay",
		}),
		replicas: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pagesync_relay_replicas",
			Help: "Replica connections currently joined to a room",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesync_relay_messages_total",
			Help: "Room messages handled by type and origin",
		}, []string{"type", "origin"}),
		awarenessExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "pagesync_relay_awareness_expired_total",
			Help: "Presence entries removed after missing heartbeats",
		}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Name: "pagesync_relay_slow_consumers_total",
			Help: "Connections dropped because their outbound queue was full",
		}),
		sinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesync_relay_snapshot_sink_failures_total",
			Help: "Control messages the snapshot sink failed to record",
		}, []string{"action"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
