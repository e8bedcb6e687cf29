package monitoring

import (
	"context"

	"github.com/catmint/catmint/catdb"
	"github.com/catmint/catmint/mintgarden"
)

// StatsSource exposes the counters of the mint orchestrator.
type StatsSource interface {
	// Stats returns a snapshot of the orchestrator's counters.
	Stats() mintgarden.Stats
}

// RunLister lists the most recent mint runs.
type RunLister interface {
	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*catdb.RunRecord, error)
}

// PrometheusConfig is the set of configuration data that specifies if
// Prometheus metric exporting is activated, and if so the listening address of
// the Prometheus server.
type PrometheusConfig struct {
	// Active, if true, then Prometheus metrics will be exported.
	Active bool `long:"active" description:"if true prometheus metrics will be exported"`

	// ListenAddr is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	ListenAddr string `long:"listenaddr" description:"the interface we should listen on for prometheus"`

	// Orchestrator is used to collect the mint counters.
	Orchestrator StatsSource

	// History is used to collect stats of the recent runs. It is
	// optional.
	History RunLister
}

// DefaultPrometheusConfig is the default configuration for the Prometheus
// metrics exporter.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		ListenAddr: "127.0.0.1:8989",
		Active:     false,
	}
}
