package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	OutcomeConfirmed           = "confirmed"
	OutcomeReverted            = "reverted"
	OutcomeMinedWithoutReceipt = "mined_without_receipt"
	OutcomeAbandoned           = "abandoned"
)

// Metrics holds all Prometheus metrics of the bot. All recording methods
// are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Gauges (current values)
	CursorBlock         prometheus.Gauge
	CursorLogIndex      prometheus.Gauge
	ChainHead           prometheus.Gauge
	PendingTx           prometheus.Gauge
	PendingReplacements prometheus.Gauge
	PendingAgeBlocks    prometheus.Gauge
	DedupWindowSize     prometheus.Gauge
	QueuedEvents        prometheus.Gauge

	// Counters (cumulative values)
	EventsSeenTotal      prometheus.Counter
	EventsSkippedTotal   *prometheus.CounterVec
	OutcomesTotal        *prometheus.CounterVec
	BroadcastsTotal      *prometheus.CounterVec
	ScanRetriesTotal     prometheus.Counter
	TickErrorsTotal      *prometheus.CounterVec
	StateWritesTotal     *prometheus.CounterVec
	RPCErrorsTotal       *prometheus.CounterVec
	SideEffectErrorTotal *prometheus.CounterVec

	// Histograms (distributions)
	ScanDuration prometheus.Histogram
	TickDuration *prometheus.HistogramVec
	RPCDuration  *prometheus.HistogramVec
}

// New creates all metrics on a private registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pingpong"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Gauges
		CursorBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cursor_block",
			Help:      "Block of the last fully resolved position",
		}),
		CursorLogIndex: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cursor_log_index",
			Help:      "Log index of the last fully resolved position, -1 for none",
		}),
		ChainHead: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "chain_head",
			Help:      "Latest block number observed from the node",
		}),
		PendingTx: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "pending",
			Help:      "1 while a pong transaction is outstanding",
		}),
		PendingReplacements: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "pending_replacements",
			Help:      "Replacement count of the outstanding pong transaction",
		}),
		PendingAgeBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "pending_age_blocks",
			Help:      "Blocks elapsed since the outstanding pong was last broadcast",
		}),
		DedupWindowSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "dedup_window_size",
			Help:      "Number of event keys held in the dedup window",
		}),
		QueuedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queued_events",
			Help:      "Scanned events waiting for dispatch",
		}),

		// Counters
		EventsSeenTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "events_seen_total",
			Help:      "Total number of Ping events returned by scans",
		}),
		EventsSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "events_skipped_total",
			Help:      "Total number of events skipped without a broadcast",
		}, []string{"reason"}),
		OutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "outcomes_total",
			Help:      "Total number of terminal pong outcomes",
		}, []string{"outcome"}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "broadcasts_total",
			Help:      "Total number of pong broadcasts by kind and result",
		}, []string{"kind", "result"}),
		ScanRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "retries_total",
			Help:      "Total number of retried log queries",
		}),
		TickErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_errors_total",
			Help:      "Total number of failed ticks by stage",
		}, []string{"stage"}),
		StateWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "writes_total",
			Help:      "Total number of state file writes by result",
		}, []string{"result"}),
		RPCErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Total number of failed RPC calls",
		}, []string{"method"}),
		SideEffectErrorTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "side_effect_errors_total",
			Help:      "Total number of failed journal writes or alert publishes",
		}, []string{"sink"}),

		// Histograms
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Duration of a block range scan including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}),
		TickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one engine tick by stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		RPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Handler returns the HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRPC records one RPC call
func (m *Metrics) ObserveRPC(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.RPCDuration.WithLabelValues(method).Observe(duration.Seconds())
	if err != nil {
		m.RPCErrorsTotal.WithLabelValues(method).Inc()
	}
}

// ObserveScan records a completed scan
func (m *Metrics) ObserveScan(duration time.Duration, events int) {
	if m == nil {
		return
	}
	m.ScanDuration.Observe(duration.Seconds())
	m.EventsSeenTotal.Add(float64(events))
}

// ObserveTick records the duration of a tick
func (m *Metrics) ObserveTick(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// SetPendingAge updates the age of the outstanding pong in blocks
func (m *Metrics) SetPendingAge(blocks uint64) {
	if m == nil {
		return
	}
	m.PendingAgeBlocks.Set(float64(blocks))
}

// RecordScanRetry increments the scan retry counter
func (m *Metrics) RecordScanRetry() {
	if m == nil {
		return
	}
	m.ScanRetriesTotal.Inc()
}

// RecordSkipped increments the skipped events counter
func (m *Metrics) RecordSkipped(reason string) {
	if m == nil {
		return
	}
	m.EventsSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordOutcome increments the terminal outcome counter
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordBroadcast increments the broadcast counter
func (m *Metrics) RecordBroadcast(kind, result string) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues(kind, result).Inc()
}

// RecordTickError increments the tick error counter
func (m *Metrics) RecordTickError(stage string) {
	if m == nil {
		return
	}
	m.TickErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordStateWrite counts a state file write
func (m *Metrics) RecordStateWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StateWritesTotal.WithLabelValues(result).Inc()
}

// RecordSideEffectError counts a failed journal write or alert publish
func (m *Metrics) RecordSideEffectError(sink string) {
	if m == nil {
		return
	}
	m.SideEffectErrorTotal.WithLabelValues(sink).Inc()
}

// SetChainHead updates the chain head gauge
func (m *Metrics) SetChainHead(block uint64) {
	if m == nil {
		return
	}
	m.ChainHead.Set(float64(block))
}

// UpdateState refreshes the gauges describing the engine state
func (m *Metrics) UpdateState(cursorBlock int64, cursorLogIndex int64, dedupSize int, queued int, pending bool, replacements int) {
	if m == nil {
		return
	}
	m.CursorBlock.Set(float64(cursorBlock))
	m.CursorLogIndex.Set(float64(cursorLogIndex))
	m.DedupWindowSize.Set(float64(dedupSize))
	m.QueuedEvents.Set(float64(queued))
	if pending {
		m.PendingTx.Set(1)
		m.PendingReplacements.Set(float64(replacements))
	} else {
		m.PendingTx.Set(0)
		m.PendingReplacements.Set(0)
		m.PendingAgeBlocks.Set(0)
	}
}
