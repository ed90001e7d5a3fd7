package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "casafeed"

// Registry is the private Prometheus registry served on /metrics.
var Registry = prometheus.NewRegistry()

// AppInfo exposes build information as labels (value is always 1).
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// Run lifecycle metrics
var (
	RunsStarted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of scrape runs dispatched",
		},
	)

	// RunsFinalized counts terminal transitions. state: succeeded|failed
	RunsFinalized = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finalized_total",
			Help:      "Total number of runs reaching a terminal state",
		},
		[]string{"state"},
	)

	FinalizeConflicts = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_conflicts_total",
			Help:      "Finalize attempts on terminal runs with different counts",
		},
	)
)

// Reconciliation metrics
var (
	// ReconcileItems counts processed items. outcome: new|linked|foreign|invalid
	ReconcileItems = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_items_total",
			Help:      "Total number of scraped items reconciled, by outcome",
		},
		[]string{"outcome"},
	)

	ListingsNew = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_new_total",
			Help:      "Ownership links created for the first time",
		},
	)

	ReconcileDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of one reconciliation pass",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

// Scraper API metrics
var (
	// ApifyRequests counts calls to the scraper API. endpoint: dispatch|run|dataset
	ApifyRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apify_requests_total",
			Help:      "Total number of scraper API requests",
		},
		[]string{"endpoint", "status"},
	)

	ApifyLatency = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apify_latency_seconds",
			Help:      "Scraper API request latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)
)

var initOnce sync.Once

// Init registers runtime collectors and sets version information.
func Init(version, commit, buildDate string) {
	initOnce.Do(func() {
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
