package index

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// indexMetrics are the per-index counters, exported in Prometheus format by the
// default VictoriaMetrics set.
type indexMetrics struct {
	persists        *metrics.Counter
	persistRetries  *metrics.Counter
	persistErrors   *metrics.Counter
	coalesced       *metrics.Counter
	lookups         *metrics.Counter
	persistDuration *metrics.Histogram
}

func newIndexMetrics(name string) *indexMetrics {
	label := fmt.Sprintf("{index=%q}", name)
	return &indexMetrics{
		persists:        metrics.GetOrCreateCounter("didx_bucket_persist_total" + label),
		persistRetries:  metrics.GetOrCreateCounter("didx_bucket_persist_retries_total" + label),
		persistErrors:   metrics.GetOrCreateCounter("didx_bucket_persist_errors_total" + label),
		coalesced:       metrics.GetOrCreateCounter("didx_bucket_group_commit_coalesced_total" + label),
		lookups:         metrics.GetOrCreateCounter("didx_lookup_total" + label),
		persistDuration: metrics.GetOrCreateHistogram("didx_bucket_persist_duration_seconds" + label),
	}
}
