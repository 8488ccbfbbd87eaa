// Package metrics holds the Prometheus instrumentation for the audit
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the audit subsystem.
type Metrics struct {
	EntriesLogged         prometheus.Counter
	FallbackWrites        *prometheus.CounterVec
	FallbackWriteFailures prometheus.Counter
	ChainConflicts        prometheus.Counter
	ReplayedEntries       prometheus.Counter
	ReplayFailures        prometheus.Counter
	VerifyViolations      prometheus.Counter
	StoreLatency          prometheus.Histogram
	MirrorFailures        prometheus.Counter
}

// New creates and registers all audit metrics on the given registerer.
// Pass nil to use the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EntriesLogged: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainlog_entries_logged_total",
			Help: "Total audit entries appended to the chain store",
		}),
		FallbackWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainlog_fallback_writes_total",
			Help: "Total events diverted to the fallback log, by reason",
		}, []string{"reason"}),
		FallbackWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainlog_fallback_write_failures_total",
			Help: "Fallback writes rejected by the local filesystem; events at risk of loss",
		}),
		ChainConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainlog_chain_conflicts_total",
			Help: "Appends that lost the chain-head compare-and-swap",
		}),
		ReplayedEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainlog_replayed_entries_total",
			Help: "Fallback records successfully replayed into the chain store",
		}),
		ReplayFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainlog_replay_failures_total",
			Help: "Fallback lines that failed to parse during replay",
		}),
		VerifyViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainlog_verify_violations_total",
			Help: "Integrity violations found by chain verification",
		}),
		StoreLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainlog_store_append_duration_seconds",
			Help:    "Latency of chain store appends",
			Buckets: prometheus.DefBuckets,
		}),
		MirrorFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainlog_mirror_failures_total",
			Help: "Entries that could not be produced to the mirror topic",
		}),
	}
}
