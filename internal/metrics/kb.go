// Package metrics exposes the Knowledge Base's operational counters and
// histogram over Prometheus, the same instrumentation the Python ancestor
// wired via prometheus_client (kb/metrics.py): per-outcome counters for
// STORE/GET plus an operation-duration histogram labeled by op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KB collects the Knowledge Base's counters and histogram. The registered
// metric names (kb_store_ok and the rest below) mirror the exact names
// spec.md §6 calls out so dashboards
// built against the original prototype keep working.
type KB struct {
	storeOK       prometheus.Counter
	storeConflict prometheus.Counter
	storeFail     prometheus.Counter
	getOK         prometheus.Counter
	getNotFound   prometheus.Counter
	getFail       prometheus.Counter
	opSeconds     *prometheus.HistogramVec
}

// NewKB registers the KB metric family against reg (pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry()
// in tests to avoid collisions between test runs).
func NewKB(reg prometheus.Registerer) *KB {
	factory := promauto.With(reg)
	return &KB{
		storeOK:       factory.NewCounter(prometheus.CounterOpts{Name: "kb_store_ok", Help: "Successful KB STORE operations."}),
		storeConflict: factory.NewCounter(prometheus.CounterOpts{Name: "kb_store_conflict", Help: "KB STORE operations rejected by optimistic concurrency."}),
		storeFail:     factory.NewCounter(prometheus.CounterOpts{Name: "kb_store_fail", Help: "KB STORE operations that failed for any other reason."}),
		getOK:         factory.NewCounter(prometheus.CounterOpts{Name: "kb_get_ok", Help: "Successful KB GET operations."}),
		getNotFound:   factory.NewCounter(prometheus.CounterOpts{Name: "kb_get_not_found", Help: "KB GET operations that missed."}),
		getFail:       factory.NewCounter(prometheus.CounterOpts{Name: "kb_get_fail", Help: "KB GET operations that failed for any other reason."}),
		opSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "kb_op_seconds",
			Help: "KB operation latency in seconds.",
		}, []string{"op"}),
	}
}

// ObserveStore records the outcome of a STORE ("ok", "conflict",
// "unauthorized", or "fail") and its latency.
func (m *KB) ObserveStore(outcome string, d time.Duration) {
	switch outcome {
	case "ok":
		m.storeOK.Inc()
	case "conflict":
		m.storeConflict.Inc()
	default:
		m.storeFail.Inc()
	}
	m.opSeconds.WithLabelValues("store").Observe(d.Seconds())
}

// ObserveGet records the outcome of a GET ("ok", "not_found", or "fail")
// and its latency.
func (m *KB) ObserveGet(outcome string, d time.Duration) {
	switch outcome {
	case "ok":
		m.getOK.Inc()
	case "not_found":
		m.getNotFound.Inc()
	default:
		m.getFail.Inc()
	}
	m.opSeconds.WithLabelValues("get").Observe(d.Seconds())
}
