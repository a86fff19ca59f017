// Package metrics registers the Prometheus collectors the pipelines and
// sinks report into.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the process exports.
type Metrics struct {
	registry *prometheus.Registry

	Reconnects      *prometheus.CounterVec
	BatchesApplied  *prometheus.CounterVec
	BatchOps        *prometheus.CounterVec
	ItemsRejected   *prometheus.CounterVec
	HydratedRows    *prometheus.CounterVec
	SessionsOpened  prometheus.Counter
	SessionsDropped *prometheus.CounterVec
	PipelineState   *prometheus.GaugeVec
}

// New builds and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsync_reconnects_total",
			Help: "Reconnection attempts per pipeline.",
		}, []string{"view", "sink"}),
		BatchesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsync_batches_applied_total",
			Help: "Flush batches applied to a sink.",
		}, []string{"view", "sink"}),
		BatchOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsync_batch_ops_total",
			Help: "Net operations applied to a sink.",
		}, []string{"view", "sink", "op"}),
		ItemsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsync_sink_items_rejected_total",
			Help: "Bulk items dropped after the per-item retry.",
		}, []string{"view"}),
		HydratedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsync_hydrated_rows_total",
			Help: "Snapshot rows written during hydration.",
		}, []string{"view", "sink"}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamsync_broadcast_sessions_opened_total",
			Help: "WebSocket sessions accepted.",
		}),
		SessionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsync_broadcast_sessions_dropped_total",
			Help: "WebSocket sessions terminated by the server.",
		}, []string{"reason"}),
		PipelineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamsync_pipeline_state",
			Help: "Current supervisor state per pipeline (enum value).",
		}, []string{"view", "sink"}),
	}

	reg.MustRegister(
		m.Reconnects,
		m.BatchesApplied,
		m.BatchOps,
		m.ItemsRejected,
		m.HydratedRows,
		m.SessionsOpened,
		m.SessionsDropped,
		m.PipelineState,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
