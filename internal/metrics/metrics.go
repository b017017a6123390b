// Package metrics instruments the harvesting engine with Prometheus
// counters and histograms on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics carries every instrument the engine feeds.
type Metrics struct {
	pagesNavigated   *prometheus.CounterVec
	scrollCycles     prometheus.Counter
	scrollStalls     prometheus.Counter
	pageAdvances     prometheus.Counter
	recordsExtracted prometheus.Counter
	recordsDropped   *prometheus.CounterVec
	recordsMerged    prometheus.Counter
	duplicates       prometheus.Counter
	authAttempts     *prometheus.CounterVec
	detailOutcomes   *prometheus.CounterVec
	checkpointWrites prometheus.Counter
	navigateDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	m := &Metrics{
		pagesNavigated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silkworm_pages_navigated_total",
				Help: "Total page navigations by outcome",
			},
			[]string{"outcome"},
		),
		scrollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silkworm_scroll_cycles_total",
			Help: "Total scroll-to-bottom cycles",
		}),
		scrollStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silkworm_scroll_stalls_total",
			Help: "Total scroll samples with unchanged page height",
		}),
		pageAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silkworm_page_advances_total",
			Help: "Total pagination advances",
		}),
		recordsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silkworm_records_extracted_total",
			Help: "Total product records extracted from listings",
		}),
		recordsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silkworm_records_dropped_total",
				Help: "Candidate anchors dropped during extraction, by reason",
			},
			[]string{"reason"},
		),
		recordsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silkworm_records_merged_total",
			Help: "Records accepted into the accumulator",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silkworm_records_duplicate_total",
			Help: "Merge attempts rejected by the seen set",
		}),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silkworm_auth_attempts_total",
				Help: "Authentication strategy attempts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		detailOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silkworm_detail_enrichment_total",
				Help: "Detail enrichment attempts by outcome",
			},
			[]string{"outcome"},
		),
		checkpointWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silkworm_checkpoint_writes_total",
			Help: "Checkpoint artifacts written",
		}),
		navigateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "silkworm_navigate_duration_seconds",
			Help:    "Navigation duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.pagesNavigated,
		m.scrollCycles,
		m.scrollStalls,
		m.pageAdvances,
		m.recordsExtracted,
		m.recordsDropped,
		m.recordsMerged,
		m.duplicates,
		m.authAttempts,
		m.detailOutcomes,
		m.checkpointWrites,
		m.navigateDuration,
	)
	return m
}

func (m *Metrics) RecordNavigation(outcome string, seconds float64) {
	m.pagesNavigated.WithLabelValues(outcome).Inc()
	m.navigateDuration.Observe(seconds)
}

func (m *Metrics) RecordScrollCycle() { m.scrollCycles.Inc() }

func (m *Metrics) RecordScrollStall() { m.scrollStalls.Inc() }

func (m *Metrics) RecordPageAdvance() { m.pageAdvances.Inc() }

func (m *Metrics) RecordExtracted(n int) { m.recordsExtracted.Add(float64(n)) }

func (m *Metrics) RecordDropped(reason string) { m.recordsDropped.WithLabelValues(reason).Inc() }

func (m *Metrics) RecordMerged() { m.recordsMerged.Inc() }

func (m *Metrics) RecordDuplicate() { m.duplicates.Inc() }

func (m *Metrics) RecordCheckpoint() { m.checkpointWrites.Inc() }

func (m *Metrics) RecordAuthAttempt(strategy, outcome string) {
	m.authAttempts.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) RecordDetail(outcome string) {
	m.detailOutcomes.WithLabelValues(outcome).Inc()
}

// Handler exposes the private registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
