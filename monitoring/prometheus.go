package monitoring

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// promTimeout bounds the database queries of a single scrape.
	promTimeout = 5 * time.Second

	// readHeaderTimeout bounds reading the request headers of a scrape.
	readHeaderTimeout = 10 * time.Second
)

var (
	// metricGroups is a global variable of all registered metrics
	// projected by the mutex below. All new MetricGroups should add
	// themselves to this map within the init() method of their file.
	metricGroups = make(map[string]metricGroupFactory)

	// metricsMtx is a global mutex that should be held when accessing the
	// global map.
	metricsMtx sync.Mutex
)

// PrometheusExporter is a metric exporter that uses Prometheus directly. The
// daemon will interact with this struct in order to export relevant metrics.
type PrometheusExporter struct {
	config *PrometheusConfig

	registry *prometheus.Registry

	// activeGroups are the metric groups registered by Start.
	activeGroups map[string]MetricGroup

	server *http.Server
}

// NewPrometheusExporter makes a new instance of the PrometheusExporter given
// the config.
func NewPrometheusExporter(cfg *PrometheusConfig) (*PrometheusExporter,
	error) {

	if cfg == nil {
		return nil, errors.New("prometheus cfg is nil")
	}

	return &PrometheusExporter{
		config:       cfg,
		registry:     prometheus.NewRegistry(),
		activeGroups: make(map[string]MetricGroup),
	}, nil
}

// Start registers all relevant metrics with the Prometheus library, then
// launches the HTTP server that Prometheus will hit to scrape our metrics.
func (p *PrometheusExporter) Start() error {
	// If we're not active, then there's nothing more to do.
	if !p.config.Active {
		return nil
	}

	// Next, we'll attempt to register all our metrics. If we fail to
	// register ANY metric, then we'll fail all together.
	if err := p.registerMetrics(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())

	p.server = &http.Server{
		Addr:              p.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// Finally, we'll launch the HTTP server that Prometheus will use to
	// scape our metrics.
	go func() {
		log.Infof("Prometheus exporter listening on %v",
			p.config.ListenAddr)

		err := p.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("prometheus server exited with err: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (p *PrometheusExporter) Stop() error {
	if p.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), promTimeout)
	defer cancel()

	return p.server.Shutdown(ctx)
}

// Handler returns the HTTP handler serving the exporter's registry.
func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// registerMetrics iterates through all the registered metric groups and
// attempts to register each one. If any of the MetricGroups fail to register,
// then an error will be returned.
func (p *PrometheusExporter) registerMetrics() error {
	metricsMtx.Lock()
	defer metricsMtx.Unlock()

	for _, metricGroupFunc := range metricGroups {
		metricGroup, err := metricGroupFunc(p.config, p.registry)
		if err != nil {
			return err
		}

		if err := metricGroup.RegisterMetricFuncs(); err != nil {
			return err
		}

		p.activeGroups[metricGroup.Name()] = metricGroup
	}

	return nil
}
