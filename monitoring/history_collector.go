package monitoring

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	historyCollectorName = "history"

	// recentRuns is the number of runs inspected on every scrape.
	recentRuns = 50
)

// historyCollector is a Prometheus collector that exports the minted amounts
// of the most recent runs recorded in the database.
type historyCollector struct {
	collectMx sync.Mutex

	cfg      *PrometheusConfig
	registry *prometheus.Registry

	mintedAmount  *prometheus.GaugeVec
	mintedWorkers *prometheus.GaugeVec
}

func newHistoryCollector(cfg *PrometheusConfig,
	registry *prometheus.Registry) *historyCollector {

	return &historyCollector{
		cfg:      cfg,
		registry: registry,
		mintedAmount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catmint_recent_minted_amount",
				Help: "Token units minted by the recent runs",
			},
			[]string{"token_id"},
		),
		mintedWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catmint_recent_minted_workers",
				Help: "Successful workers of the recent runs",
			},
			[]string{"token_id"},
		),
	}
}

// Name is the name of the metric group.
//
// NOTE: Part of the MetricGroup interface.
func (h *historyCollector) Name() string {
	return historyCollectorName
}

// Describe sends the super-set of all possible descriptors of metrics
// collected by this Collector to the provided channel and returns once the
// last descriptor has been sent.
//
// NOTE: Part of the prometheus.Collector interface.
func (h *historyCollector) Describe(ch chan<- *prometheus.Desc) {
	h.collectMx.Lock()
	defer h.collectMx.Unlock()

	h.mintedAmount.Describe(ch)
	h.mintedWorkers.Describe(ch)
}

// Collect is called by the Prometheus registry when collecting metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (h *historyCollector) Collect(ch chan<- prometheus.Metric) {
	h.collectMx.Lock()
	defer h.collectMx.Unlock()

	ctxdb, cancel := context.WithTimeout(context.Background(), promTimeout)
	defer cancel()

	runs, err := h.cfg.History.ListRuns(ctxdb, recentRuns)
	if err != nil {
		log.Errorf("unable to list runs: %v", err)
		return
	}

	// The runs are aggregated per token on every pass, so start from a
	// clean slate.
	h.mintedAmount.Reset()
	h.mintedWorkers.Reset()

	for _, run := range runs {
		h.mintedAmount.WithLabelValues(run.TokenID).Add(
			float64(run.Amount),
		)
		h.mintedWorkers.WithLabelValues(run.TokenID).Add(
			float64(run.Minted),
		)
	}

	h.mintedAmount.Collect(ch)
	h.mintedWorkers.Collect(ch)
}

// RegisterMetricFuncs signals to the underlying hybrid collector that it
// should register all metrics that it aims to export with the registry.
//
// NOTE: Part of the MetricGroup interface.
func (h *historyCollector) RegisterMetricFuncs() error {
	// Without a database there's nothing to export.
	if h.cfg.History == nil {
		return nil
	}

	return h.registry.Register(h)
}

func init() {
	metricsMtx.Lock()
	defer metricsMtx.Unlock()

	metricGroups[historyCollectorName] = func(cfg *PrometheusConfig,
		registry *prometheus.Registry) (MetricGroup, error) {

		return newHistoryCollector(cfg, registry), nil
	}
}
