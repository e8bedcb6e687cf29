package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/catmint/catmint/catdb"
	"github.com/catmint/catmint/mintgarden"
	"github.com/stretchr/testify/require"
)

type mockStats struct {
	stats mintgarden.Stats
}

func (m *mockStats) Stats() mintgarden.Stats {
	return m.stats
}

type mockRuns struct {
	runs []*catdb.RunRecord
}

func (m *mockRuns) ListRuns(_ context.Context,
	limit int) ([]*catdb.RunRecord, error) {

	if len(m.runs) > limit {
		return m.runs[:limit], nil
	}

	return m.runs, nil
}

// scrape registers the exporter's metrics and returns a scrape of them.
func scrape(t *testing.T, cfg *PrometheusConfig) string {
	exporter, err := NewPrometheusExporter(cfg)
	require.NoError(t, err)
	require.NoError(t, exporter.registerMetrics())

	srv := httptest.NewServer(exporter.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(body)
}

// TestPrometheusExporter tests that the orchestrator counters and the run
// history are exported.
func TestPrometheusExporter(t *testing.T) {
	cfg := &PrometheusConfig{
		Active: true,
		Orchestrator: &mockStats{
			stats: mintgarden.Stats{
				Runs:            3,
				TimedOutRuns:    1,
				WorkersLaunched: 7,
				ActiveWorkers:   2,
				MintAttempts:    9,
				Minted:          4,
				Exhausted:       1,
			},
		},
		History: &mockRuns{
			runs: []*catdb.RunRecord{{
				RunID:   "b",
				TokenID: "tok_0",
				Workers: 3,
				Minted:  2,
				Amount:  1000,
			}, {
				RunID:   "a",
				TokenID: "tok_0",
				Workers: 2,
				Minted:  1,
				Amount:  500,
			}, {
				RunID:   "c",
				TokenID: "tok_1",
				Workers: 1,
				Minted:  1,
				Amount:  5,
			}},
		},
	}

	body := scrape(t, cfg)

	for _, line := range []string{
		"catmint_runs_total 3",
		"catmint_timed_out_runs_total 1",
		"catmint_workers_launched_total 7",
		"catmint_active_workers 2",
		"catmint_mint_attempts_total 9",
		`catmint_worker_outcomes_total{outcome="minted"} 4`,
		`catmint_worker_outcomes_total{outcome="exhausted"} 1`,
		`catmint_worker_outcomes_total{outcome="fatal"} 0`,
		`catmint_recent_minted_amount{token_id="tok_0"} 1500`,
		`catmint_recent_minted_amount{token_id="tok_1"} 5`,
		`catmint_recent_minted_workers{token_id="tok_0"} 3`,
	} {
		require.Contains(t, body, line)
	}
}

// TestPrometheusExporterNoHistory tests that the exporter works without a
// database.
func TestPrometheusExporterNoHistory(t *testing.T) {
	body := scrape(t, &PrometheusConfig{
		Active: true,
		Orchestrator: &mockStats{
			stats: mintgarden.Stats{Runs: 1},
		},
	})

	require.Contains(t, body, "catmint_runs_total 1")
	require.NotContains(t, body, "catmint_recent_minted_amount")
}

// TestPrometheusExporterInactive tests that an inactive exporter doesn't
// start a server.
func TestPrometheusExporterInactive(t *testing.T) {
	exporter, err := NewPrometheusExporter(&PrometheusConfig{})
	require.NoError(t, err)

	require.NoError(t, exporter.Start())
	require.Nil(t, exporter.server)
	require.NoError(t, exporter.Stop())
}
