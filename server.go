package catmint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/catmint/catmint/catdb"
	"github.com/catmint/catmint/cattx"
	"github.com/catmint/catmint/fn"
	"github.com/catmint/catmint/mintgarden"
	"github.com/catmint/catmint/monitoring"
	"github.com/catmint/catmint/token"
	"github.com/catmint/catmint/tracker"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/ticker"
)

// drainTimeout bounds how long Stop waits for mint workers that are still
// running.
const drainTimeout = 2 * time.Minute

// Server wires all components of catmint together. It owns the database, the
// connections to the tracker, the covenant builder and the chain backend, and
// the mint orchestrator running on top of them.
type Server struct {
	started  int32
	shutdown int32

	cfg *Config

	db           catdb.Backing
	chainBridge  *RpcChainBridge
	tracker      *tracker.Client
	tokens       *catdb.TokenCache
	history      *catdb.MintHistory
	orchestrator *mintgarden.MintOrchestrator
	exporter     *monitoring.PrometheusExporter
	progress     ticker.Ticker

	// runMtx serializes mint runs. Two concurrent runs would compete for
	// the same fee inputs.
	runMtx sync.Mutex
}

// NewServer creates a new server given the passed config.
func NewServer(cfg *Config) *Server {
	return &Server{
		cfg: cfg,
	}
}

// openDatabase opens the configured database backend.
func openDatabase(cfg *Config) (catdb.Backing, error) {
	switch cfg.DatabaseBackend {
	case DatabaseBackendSqlite:
		srvrLog.Infof("Opening sqlite3 database at: %v",
			cfg.Sqlite.DatabaseFileName)

		return catdb.NewSqliteStore(cfg.Sqlite)

	case DatabaseBackendPostgres:
		srvrLog.Infof("Opening postgres database at: %v",
			cfg.Postgres.DSN(true))

		return catdb.NewPostgresStore(cfg.Postgres)

	default:
		return nil, fmt.Errorf("unknown database backend: %s",
			cfg.DatabaseBackend)
	}
}

// Start opens the database, connects to all remote services and starts the
// metrics exporter if enabled.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	// Show version at startup.
	srvrLog.Infof("Version: %s, build=%s, logging=%s, debuglevel=%s",
		Version(), build.Deployment, build.LoggingType,
		s.cfg.DebugLevel)

	srvrLog.Infof("Active network: %v", s.cfg.ActiveNetParams.Name)

	// Depending on how far we got in initializing the server, we might need
	// to clean up certain services that were already started. Keep track of
	// them with this map of service name to shutdown function.
	shutdownFuncs := make(map[string]func() error)
	defer func() {
		for serviceName, shutdownFn := range shutdownFuncs {
			if err := shutdownFn(); err != nil {
				srvrLog.Errorf("Error shutting down %s "+
					"service: %v", serviceName, err)
			}
		}
	}()

	db, err := openDatabase(s.cfg)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}
	shutdownFuncs["database"] = db.Close

	chainBridge, err := NewRpcChainBridge(s.cfg.Bitcoind)
	if err != nil {
		return fmt.Errorf("unable to connect to bitcoind: %w", err)
	}
	shutdownFuncs["chainBridge"] = func() error {
		chainBridge.Stop()
		return nil
	}

	wallet, err := NewKeyWalletAnchor(
		s.cfg.WalletKey, &s.cfg.ActiveNetParams,
	)
	if err != nil {
		return err
	}
	srvrLog.Infof("Fee inputs are held by %v", wallet.Address())

	userAgent := UserAgent("cli")
	defaultClock := clock.NewDefaultClock()

	trackerClient := tracker.NewClient(&tracker.Config{
		Host:      s.cfg.Tracker.Host,
		Timeout:   s.cfg.Tracker.Timeout,
		Retry:     fn.DefaultRetryConfig(),
		UserAgent: userAgent,
	})
	tokens := catdb.NewTokenCache(db, trackerClient, defaultClock)
	history := catdb.NewMintHistory(db)

	builder := cattx.NewMintBuilder(&cattx.MintBuilderConfig{
		Covenant: cattx.NewRemoteCovenant(&cattx.CovenantConfig{
			Host:      s.cfg.Builder.Host,
			Timeout:   s.cfg.Builder.Timeout,
			Retry:     fn.DefaultRetryConfig(),
			UserAgent: userAgent,
		}),
		Signer:         wallet.Signer(),
		Broadcaster:    chainBridge,
		MaxFeeMultiple: s.cfg.Builder.MaxFeeMultiple,
	})

	mintCfg := s.cfg.Mint
	var progressTicker ticker.Ticker
	if mintCfg.ProgressInterval > 0 {
		progressTicker = ticker.New(mintCfg.ProgressInterval)
	}

	// The configured fee rate is in sat/vB.
	fixedFeeRate := chainfee.SatPerKVByte(mintCfg.FeeRate * 1000)

	workerCfg := mintgarden.DefaultWorkerConfig()
	workerCfg.MaxRetries = mintCfg.MaxRetries
	workerCfg.RetryBackoff = mintCfg.RetryBackoff
	workerCfg.SupplyBackoff = mintCfg.SupplyBackoff
	workerCfg.Clock = defaultClock

	orchestrator := mintgarden.NewMintOrchestrator(
		&mintgarden.OrchestratorConfig{
			Wallet:         wallet,
			ChainBridge:    chainBridge,
			Minters:        trackerClient,
			Tokens:         tokens,
			Builder:        builder,
			Spends:         catdb.NewSpendStore(db, defaultClock),
			MintLog:        history,
			ChainParams:    &s.cfg.ActiveNetParams,
			BatchCeiling:   btcutil.Amount(mintCfg.BatchCeiling),
			DustLimit:      btcutil.Amount(mintCfg.DustLimit),
			WaitTimeout:    mintCfg.WaitTimeout,
			FeeConfTarget:  mintCfg.FeeConfTarget,
			FeeRate:        fixedFeeRate,
			Worker:         workerCfg,
			ProgressTicker: progressTicker,

			KeepWorkersOnTimeout: mintCfg.KeepWorkers,
		},
	)

	// With the orchestrator in place, we can start exporting its
	// counters.
	var exporter *monitoring.PrometheusExporter
	if s.cfg.Prometheus.Active {
		promCfg := s.cfg.Prometheus
		promCfg.Orchestrator = orchestrator
		promCfg.History = history

		exporter, err = monitoring.NewPrometheusExporter(&promCfg)
		if err != nil {
			return fmt.Errorf("unable to create prometheus "+
				"exporter: %w", err)
		}

		srvrLog.Infof("Prometheus exporter listening on %v",
			promCfg.ListenAddr)

		if err := exporter.Start(); err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}
	}

	s.db = db
	s.chainBridge = chainBridge
	s.tracker = trackerClient
	s.tokens = tokens
	s.history = history
	s.orchestrator = orchestrator
	s.exporter = exporter
	s.progress = progressTicker

	// Everything is up, nothing needs to be cleaned up anymore.
	shutdownFuncs = nil

	srvrLog.Infof("Catmint fully started")

	return nil
}

// Stop closes all connections and the database.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}

	srvrLog.Infof("Stopping catmint")

	// Workers that outlived a timed out run still broadcast and record
	// their outcomes, so they need the database.
	if s.orchestrator != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), drainTimeout,
		)
		err := s.orchestrator.Drain(ctx)
		cancel()
		if err != nil {
			srvrLog.Warnf("Stopping with %d mint workers still "+
				"running", s.orchestrator.Stats().ActiveWorkers)
		}
	}

	if s.exporter != nil {
		if err := s.exporter.Stop(); err != nil {
			srvrLog.Errorf("Unable to stop prometheus exporter: "+
				"%v", err)
		}
	}

	if s.progress != nil {
		s.progress.Stop()
	}

	if s.chainBridge != nil {
		s.chainBridge.Stop()
	}

	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Mint runs a single mint run for the passed request.
func (s *Server) Mint(ctx context.Context,
	req *mintgarden.RunRequest) (*mintgarden.RunSummary, error) {

	s.runMtx.Lock()
	defer s.runMtx.Unlock()

	return s.orchestrator.Run(ctx, req)
}

// PlanBatches returns the batches the next run would use.
func (s *Server) PlanBatches(
	ctx context.Context) ([]*mintgarden.InputBatch, error) {

	return s.orchestrator.PlanBatches(ctx)
}

// FetchToken returns the metadata of a token.
func (s *Server) FetchToken(ctx context.Context,
	tokenID string) (*token.Metadata, error) {

	return s.tokens.FetchToken(ctx, tokenID)
}

// CountMinters returns the number of unspent minter outputs of a token.
func (s *Server) CountMinters(ctx context.Context,
	tokenID string) (uint64, error) {

	return s.tracker.CountMinters(ctx, tokenID)
}

// ListRuns returns the most recent mint runs.
func (s *Server) ListRuns(ctx context.Context,
	limit int) ([]*catdb.RunRecord, error) {

	return s.history.ListRuns(ctx, limit)
}

// ListOutcomes returns the worker outcomes of a single run.
func (s *Server) ListOutcomes(ctx context.Context,
	runID string) ([]*catdb.StoredOutcome, error) {

	return s.history.ListOutcomes(ctx, runID)
}
