// Package metrics holds the Prometheus registry for the pipeline. Metrics
// fall in two groups: counters the components increment directly, and
// mirrored counters fed from component stat snapshots by the app's sync
// loop (see Observe*).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Registry holds all pipeline metrics.
type Registry struct {
	EventsPublished *prometheus.CounterVec
	HandlerLatency  *prometheus.HistogramVec

	BusPublished  prometheus.Counter
	BusDropped    prometheus.Counter
	HandlerErrors prometheus.Counter
	BusQueueDepth prometheus.Gauge

	WSFrames            prometheus.Counter
	WSMalformed         prometheus.Counter
	WSConnected         prometheus.Gauge
	WSReconnectAttempts prometheus.Gauge

	DocsWritten prometheus.Counter
	DocsFailed  prometheus.Counter

	JobRuns     *prometheus.CounterVec
	JobFailures *prometheus.CounterVec

	SignalsEmitted *prometheus.CounterVec
	WhaleAlerts    *prometheus.CounterVec
	TrackedTraders prometheus.Gauge

	ArchivedRows prometheus.Counter

	// high-water marks for the mirrored counters
	lastBusPublished uint64
	lastBusDropped   uint64
	lastBusErrors    uint64
	lastWSFrames     uint64
	lastWSMalformed  uint64
	lastDocsWritten  uint64
	lastDocsFailed   uint64
	lastArchivedRows uint64

	registry *prometheus.Registry
}

// New creates and registers the full metric set on a private registry.
func New() *Registry {
	r := &Registry{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whalewatch_events_published_total",
				Help: "Events observed on the bus by type",
			},
			[]string{"event_type"},
		),
		HandlerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whalewatch_handler_latency_seconds",
				Help:    "Processor latency per event type",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"event_type"},
		),
		BusPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whalewatch_bus_published_total",
				Help: "Events accepted by the bus queue",
			},
		),
		BusDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whalewatch_bus_dropped_total",
				Help: "Events dropped because the bus queue was saturated",
			},
		),
		HandlerErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whalewatch_handler_errors_total",
				Help: "Handler invocations that returned an error",
			},
		),
		BusQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "whalewatch_bus_queue_depth",
				Help: "Events waiting in the bus queue",
			},
		),
		WSFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whalewatch_ws_frames_total",
				Help: "WebSocket frames received",
			},
		),
		WSMalformed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whalewatch_ws_malformed_frames_total",
				Help: "WebSocket frames dropped as malformed",
			},
		),
		WSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "whalewatch_ws_connected",
				Help: "1 while the WebSocket connection is established",
			},
		),
		WSReconnectAttempts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "whalewatch_ws_reconnect_attempts",
				Help: "Consecutive failed reconnect attempts, 0 while connected",
			},
		),
		DocsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whalewatch_docs_written_total",
				Help: "Documents written to the repository",
			},
		),
		DocsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whalewatch_docs_failed_total",
				Help: "Documents that failed to persist",
			},
		),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whalewatch_job_runs_total",
				Help: "Scheduled job runs by job name",
			},
			[]string{"job"},
		),
		JobFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whalewatch_job_failures_total",
				Help: "Scheduled job failures by job name",
			},
			[]string{"job"},
		),
		SignalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whalewatch_signals_emitted_total",
				Help: "Aggregated signals emitted by recommendation",
			},
			[]string{"recommendation"},
		),
		WhaleAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whalewatch_whale_alerts_total",
				Help: "Whale alerts emitted by priority",
			},
			[]string{"priority"},
		),
		TrackedTraders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "whalewatch_tracked_traders",
				Help: "Size of the currently tracked trader set",
			},
		),
		ArchivedRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whalewatch_archived_rows_total",
				Help: "Rows exported to archive files",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	r.registry.MustRegister(
		r.EventsPublished, r.HandlerLatency,
		r.BusPublished, r.BusDropped, r.HandlerErrors, r.BusQueueDepth,
		r.WSFrames, r.WSMalformed, r.WSConnected, r.WSReconnectAttempts,
		r.DocsWritten, r.DocsFailed,
		r.JobRuns, r.JobFailures,
		r.SignalsEmitted, r.WhaleAlerts, r.TrackedTraders,
		r.ArchivedRows,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveBus mirrors cumulative bus counters into the registry. Safe to call
// repeatedly with monotonically growing inputs.
func (r *Registry) ObserveBus(published, dropped, errors uint64, queueDepth int) {
	r.lastBusPublished = addDelta(r.BusPublished, r.lastBusPublished, published)
	r.lastBusDropped = addDelta(r.BusDropped, r.lastBusDropped, dropped)
	r.lastBusErrors = addDelta(r.HandlerErrors, r.lastBusErrors, errors)
	r.BusQueueDepth.Set(float64(queueDepth))
}

// ObserveWS mirrors the WebSocket manager status into the registry.
func (r *Registry) ObserveWS(frames, malformed uint64, connected bool, reconnectAttempts int) {
	r.lastWSFrames = addDelta(r.WSFrames, r.lastWSFrames, frames)
	r.lastWSMalformed = addDelta(r.WSMalformed, r.lastWSMalformed, malformed)
	if connected {
		r.WSConnected.Set(1)
	} else {
		r.WSConnected.Set(0)
	}
	r.WSReconnectAttempts.Set(float64(reconnectAttempts))
}

// ObservePersister mirrors the persister's written/failed totals.
func (r *Registry) ObservePersister(written, failed uint64) {
	r.lastDocsWritten = addDelta(r.DocsWritten, r.lastDocsWritten, written)
	r.lastDocsFailed = addDelta(r.DocsFailed, r.lastDocsFailed, failed)
}

// ObserveArchiver mirrors the archiver's exported row total.
func (r *Registry) ObserveArchiver(rows uint64) {
	r.lastArchivedRows = addDelta(r.ArchivedRows, r.lastArchivedRows, rows)
}

// ErrorRate reads the mirrored bus counters back out of the registry and
// returns handler errors per published event, 0 before any publish.
func (r *Registry) ErrorRate() float64 {
	published := counterValue(r.BusPublished)
	if published == 0 {
		return 0
	}
	return counterValue(r.HandlerErrors) / published
}

// addDelta advances a mirrored counter to the new cumulative total.
func addDelta(c prometheus.Counter, last, current uint64) uint64 {
	if current > last {
		c.Add(float64(current - last))
		return current
	}
	return last
}

func counterValue(c prometheus.Counter) float64 {
	m := &io_prometheus_client.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
