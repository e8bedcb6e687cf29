package monitoring

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	mintCollectorName = "mint"
)

var (
	runsDesc = prometheus.NewDesc(
		"catmint_runs_total", "Total number of mint runs", nil, nil,
	)
	timedOutRunsDesc = prometheus.NewDesc(
		"catmint_timed_out_runs_total",
		"Total number of mint runs whose workers missed the deadline",
		nil, nil,
	)
	workersDesc = prometheus.NewDesc(
		"catmint_workers_launched_total",
		"Total number of mint workers launched", nil, nil,
	)
	activeWorkersDesc = prometheus.NewDesc(
		"catmint_active_workers", "Number of running mint workers",
		nil, nil,
	)
	attemptsDesc = prometheus.NewDesc(
		"catmint_mint_attempts_total",
		"Total number of mint transactions built", nil, nil,
	)
	outcomesDesc = prometheus.NewDesc(
		"catmint_worker_outcomes_total",
		"Total number of finished workers by outcome",
		[]string{"outcome"}, nil,
	)
)

// mintCollector is a Prometheus collector that exports the counters of the
// mint orchestrator.
type mintCollector struct {
	collectMx sync.Mutex

	cfg      *PrometheusConfig
	registry *prometheus.Registry
}

func newMintCollector(cfg *PrometheusConfig,
	registry *prometheus.Registry) (*mintCollector, error) {

	if cfg == nil {
		return nil, errors.New("mint collector prometheus cfg is nil")
	}

	if cfg.Orchestrator == nil {
		return nil, errors.New("mint collector orchestrator is nil")
	}

	return &mintCollector{
		cfg:      cfg,
		registry: registry,
	}, nil
}

// Name is the name of the metric group.
//
// NOTE: Part of the MetricGroup interface.
func (m *mintCollector) Name() string {
	return mintCollectorName
}

// Describe sends the super-set of all possible descriptors of metrics
// collected by this Collector to the provided channel and returns once the
// last descriptor has been sent.
//
// NOTE: Part of the prometheus.Collector interface.
func (m *mintCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- runsDesc
	ch <- timedOutRunsDesc
	ch <- workersDesc
	ch <- activeWorkersDesc
	ch <- attemptsDesc
	ch <- outcomesDesc
}

// Collect is called by the Prometheus registry when collecting metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (m *mintCollector) Collect(ch chan<- prometheus.Metric) {
	m.collectMx.Lock()
	defer m.collectMx.Unlock()

	stats := m.cfg.Orchestrator.Stats()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(
			desc, prometheus.CounterValue, float64(v), labels...,
		)
	}

	counter(runsDesc, stats.Runs)
	counter(timedOutRunsDesc, stats.TimedOutRuns)
	counter(workersDesc, stats.WorkersLaunched)
	counter(attemptsDesc, stats.MintAttempts)
	counter(outcomesDesc, stats.Minted, "minted")
	counter(outcomesDesc, stats.Exhausted, "exhausted")
	counter(outcomesDesc, stats.Fatal, "fatal")

	ch <- prometheus.MustNewConstMetric(
		activeWorkersDesc, prometheus.GaugeValue,
		float64(stats.ActiveWorkers),
	)
}

// RegisterMetricFuncs signals to the underlying hybrid collector that it
// should register all metrics that it aims to export with the registry.
//
// NOTE: Part of the MetricGroup interface.
func (m *mintCollector) RegisterMetricFuncs() error {
	return m.registry.Register(m)
}

func init() {
	metricsMtx.Lock()
	defer metricsMtx.Unlock()

	metricGroups[mintCollectorName] = func(cfg *PrometheusConfig,
		registry *prometheus.Registry) (MetricGroup, error) {

		return newMintCollector(cfg, registry)
	}
}
