package mintgarden

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/catmint/catmint/address"
	"github.com/catmint/catmint/fn"
	"github.com/catmint/catmint/token"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultTimeout is the timeout used for bookkeeping calls that must
	// complete even if the run itself was cancelled.
	DefaultTimeout = 30 * time.Second

	// DefaultWaitTimeout is how long a run waits for all of its workers.
	DefaultWaitTimeout = 120 * time.Second

	// DefaultFeeConfTarget is the confirmation target used for fee
	// estimation.
	DefaultFeeConfTarget = 6

	// DefaultProgressInterval is the interval at which a waiting run logs
	// the number of outstanding workers.
	DefaultProgressInterval = 10 * time.Second

	// maxSpendLookups bounds the concurrent spend state queries while
	// planning batches.
	maxSpendLookups = 8
)

// OrchestratorConfig is the main config of the MintOrchestrator.
type OrchestratorConfig struct {
	// Wallet owns the fee inputs.
	Wallet WalletAnchor

	// ChainBridge lists fee inputs and estimates fees.
	ChainBridge ChainBridge

	// Minters resolves the minter outputs of a token.
	Minters MinterSource

	// Tokens resolves token metadata.
	Tokens TokenStore

	// Builder creates and broadcasts mint transactions.
	Builder MintTxBuilder

	// Spends filters fee inputs used by earlier runs.
	Spends SpendTracker

	// MintLog, if set, persists all worker outcomes.
	MintLog MintLog

	// ChainParams is the network recipient addresses are derived for.
	ChainParams *chaincfg.Params

	// BatchCeiling is the fee input value at which a batch is sealed.
	BatchCeiling btcutil.Amount

	// DustLimit is the value at or below which fee inputs are ignored.
	DustLimit btcutil.Amount

	// WaitTimeout bounds how long a run waits for its workers. Once it
	// elapses, outstanding workers are cancelled unless
	// KeepWorkersOnTimeout is set.
	WaitTimeout time.Duration

	// KeepWorkersOnTimeout lets the workers of a timed out run finish in
	// the background. Their outcomes are still counted and logged, but are
	// not part of the returned summary.
	KeepWorkersOnTimeout bool

	// FeeConfTarget is the confirmation target for fee estimation.
	FeeConfTarget uint32

	// FeeRate, if non-zero, is used instead of a fee estimate.
	FeeRate chainfee.SatPerKVByte

	// Worker is the retry policy of all workers.
	Worker WorkerConfig

	// ProgressTicker, if set, triggers progress log lines while a run
	// waits for its workers.
	ProgressTicker ticker.Ticker
}

// Stats is a snapshot of the orchestrator's counters.
type Stats struct {
	Runs            uint64
	TimedOutRuns    uint64
	WorkersLaunched uint64
	ActiveWorkers   int64
	MintAttempts    uint64
	Minted          uint64
	Exhausted       uint64
	Fatal           uint64
}

// MintOrchestrator runs mints of a token over all fee inputs of the wallet.
// The inputs are split into batches, and every batch is handed to its own
// MintWorker. All workers run concurrently, the orchestrator only waits for
// their completion with an overall deadline.
type MintOrchestrator struct {
	cfg *OrchestratorConfig

	runs         atomic.Uint64
	timedOutRuns atomic.Uint64
	launched     atomic.Uint64
	active       atomic.Int64
	attempts     atomic.Uint64
	minted       atomic.Uint64
	exhausted    atomic.Uint64
	fatal        atomic.Uint64

	// inflight tracks the workers of all runs, including those that
	// outlived a timed out run.
	inflight *fn.CompletionBarrier
}

// NewMintOrchestrator creates a new orchestrator given the passed config.
func NewMintOrchestrator(cfg *OrchestratorConfig) *MintOrchestrator {
	defaults := DefaultWorkerConfig()
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = defaults.MaxRetries
	}
	if cfg.Worker.Clock == nil {
		cfg.Worker.Clock = defaults.Clock
	}
	if cfg.Worker.PickOffset == nil {
		cfg.Worker.PickOffset = defaults.PickOffset
	}
	if cfg.BatchCeiling == 0 {
		cfg.BatchCeiling = DefaultBatchCeiling
	}
	if cfg.DustLimit == 0 {
		cfg.DustLimit = DefaultDustLimit
	}
	if cfg.FeeConfTarget == 0 {
		cfg.FeeConfTarget = DefaultFeeConfTarget
	}

	return &MintOrchestrator{
		cfg:      cfg,
		inflight: fn.NewCompletionBarrier(),
	}
}

// Drain blocks until no worker of any run is active anymore or the context
// is done.
func (o *MintOrchestrator) Drain(ctx context.Context) error {
	return o.inflight.WaitCtx(ctx)
}

// Stats returns a snapshot of the orchestrator's counters.
func (o *MintOrchestrator) Stats() Stats {
	return Stats{
		Runs:            o.runs.Load(),
		TimedOutRuns:    o.timedOutRuns.Load(),
		WorkersLaunched: o.launched.Load(),
		ActiveWorkers:   o.active.Load(),
		MintAttempts:    o.attempts.Load(),
		Minted:          o.minted.Load(),
		Exhausted:       o.exhausted.Load(),
		Fatal:           o.fatal.Load(),
	}
}

// PlanBatches lists the wallet's fee inputs, drops those already spent by
// earlier mints and splits the rest into batches.
func (o *MintOrchestrator) PlanBatches(
	ctx context.Context) ([]*InputBatch, error) {

	addr := o.cfg.Wallet.Address()
	inputs, err := o.cfg.ChainBridge.ListUnspent(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("unable to list fee inputs of %v: %w",
			addr, err)
	}

	// Look up the spend state of all inputs in parallel.
	unspent, err := fn.ParMap(
		ctx, inputs, maxSpendLookups,
		func(ctx context.Context, in *SpendableInput) (bool, error) {
			return o.cfg.Spends.IsUnspent(ctx, in.OutPoint)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to check spend state: %w", err)
	}

	filtered := make([]*SpendableInput, 0, len(inputs))
	for i, in := range inputs {
		if unspent[i] {
			filtered = append(filtered, in)
		}
	}

	log.Debugf("Found %d fee inputs, %d of them unspent", len(inputs),
		len(filtered))

	return BatchInputs(filtered, o.cfg.BatchCeiling, o.cfg.DustLimit), nil
}

// Run mints the requested token with one worker per fee input batch. Errors
// are only returned for failed preconditions, in which case no worker was
// started, or if the passed context is cancelled. The outcome of each worker
// is part of the returned summary.
func (o *MintOrchestrator) Run(ctx context.Context,
	req *RunRequest) (*RunSummary, error) {

	if err := req.Validate(); err != nil {
		return nil, preconditionErr(err)
	}

	var recipient *address.Derived
	if req.ReceiverPubKey != "" {
		derived, err := address.ValidateRecipient(
			req.ReceiverPubKey, req.ReceiverAddr, o.cfg.ChainParams,
		)
		if err != nil {
			return nil, preconditionErr(err)
		}
		recipient = derived
	}

	meta, err := o.cfg.Tokens.FetchToken(ctx, req.TokenID)
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return nil, preconditionErr(
			fmt.Errorf("no token for tokenId %v: %w", req.TokenID,
				err),
		)

	case err != nil:
		return nil, fmt.Errorf("unable to fetch token: %w", err)
	}

	scaled, err := token.ScaleConfig(&meta.Info)
	if err != nil {
		return nil, preconditionErr(err)
	}

	var requested *token.Amount
	if req.Amount != "" {
		amount, err := token.ScaleAmount(req.Amount, scaled.Decimals)
		if err != nil {
			return nil, preconditionErr(err)
		}
		requested = &amount
	}

	batches, err := o.PlanBatches(ctx)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{
		RunID:   uuid.New(),
		TokenID: meta.TokenID,
		Batches: batches,
		DryRun:  req.DryRun,
		Started: o.cfg.Worker.Clock.Now(),
	}
	o.runs.Add(1)

	if len(batches) == 0 {
		log.Warnf("Run(%v): insufficient satoshis balance, nothing "+
			"to mint", summary.RunID)

		summary.Finished = o.cfg.Worker.Clock.Now()
		return summary, nil
	}

	if req.DryRun {
		log.Infof("Run(%v): dry run with %d batches worth %v",
			summary.RunID, len(batches), summary.FeeValue())

		summary.Finished = o.cfg.Worker.Clock.Now()
		return summary, nil
	}

	feeRate, err := o.feeRate(ctx)
	if err != nil {
		return nil, err
	}

	log.Infof("Run(%v): minting %v [%v] with %d workers at %v",
		summary.RunID, meta.TokenID, scaled.Symbol, len(batches),
		feeRate)

	var (
		runID     = summary.RunID.String()
		barrier   = fn.NewCompletionBarrier()
		collector outcomeCollector

		keepWorkers bool
	)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer func() {
		if !keepWorkers {
			cancelWorkers()
			return
		}

		// The workers outlive the run, their context is released once
		// the last one is done.
		go func() {
			_ = barrier.WaitCtx(context.Background())
			cancelWorkers()
		}()
	}()

	for _, batch := range batches {
		workerID := fmt.Sprintf("%v/%d", runID[:8], batch.Index)
		worker := NewMintWorker(&MintWorkerConfig{
			WorkerConfig: o.cfg.Worker,
			ID:           workerID,
			Batch:        batch,
			Token:        meta,
			Scaled:       scaled,
			Requested:    requested,
			FeeRate:      feeRate,
			ChangeAddr:   o.cfg.Wallet.Address(),
			Recipient:    recipient,
			Minters:      o.cfg.Minters,
			Builder:      o.cfg.Builder,
			Spends:       o.cfg.Spends,
			OnAttempt: func() {
				o.attempts.Add(1)
			},
		})

		// The worker must be registered before it is able to signal
		// its completion.
		barrier.Add(1)
		o.inflight.Add(1)
		o.launched.Add(1)
		o.active.Add(1)

		go func() {
			defer o.inflight.Done()
			defer barrier.Done()
			defer o.active.Add(-1)

			outcome := worker.Run(workerCtx)
			o.recordOutcome(runID, meta.TokenID, outcome)
			collector.add(outcome)
		}()
	}

	err = o.waitForWorkers(ctx, barrier, len(batches))
	switch {
	case errors.Is(err, fn.ErrBarrierTimeout):
		keepWorkers = o.cfg.KeepWorkersOnTimeout

		action := "cancelling them"
		if keepWorkers {
			action = "leaving them running"
		}
		log.Warnf("Run(%v): timed out after %v with %d of %d workers "+
			"outstanding, %v", summary.RunID, o.cfg.WaitTimeout,
			barrier.Outstanding(), len(batches), action)

		summary.TimedOut = true
		o.timedOutRuns.Add(1)
		err = nil

	case err != nil:
		err = fmt.Errorf("run interrupted: %w", err)
	}

	summary.Outcomes = collector.snapshot()
	summary.Finished = o.cfg.Worker.Clock.Now()

	log.Infof("Run(%v): finished in %v, %d minted, %d exhausted, "+
		"%d fatal", summary.RunID,
		summary.Finished.Sub(summary.Started),
		summary.Count(OutcomeMinted), summary.Count(OutcomeExhausted),
		summary.Count(OutcomeFatal))

	return summary, err
}

// feeRate returns the configured fee rate or a fresh estimate.
func (o *MintOrchestrator) feeRate(
	ctx context.Context) (chainfee.SatPerKVByte, error) {

	if o.cfg.FeeRate != 0 {
		return o.cfg.FeeRate, nil
	}

	feeRate, err := o.cfg.ChainBridge.EstimateFee(ctx, o.cfg.FeeConfTarget)
	if err != nil {
		return 0, fmt.Errorf("unable to estimate fee: %w", err)
	}

	return feeRate, nil
}

// waitForWorkers blocks until the barrier resolves, the wait timeout elapses
// or the context is cancelled. While waiting, the number of outstanding
// workers is logged on every progress tick.
func (o *MintOrchestrator) waitForWorkers(ctx context.Context,
	barrier *fn.CompletionBarrier, numWorkers int) error {

	waitCtx, cancel := ctx, func() {}
	if o.cfg.WaitTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, o.cfg.WaitTimeout)
	}
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- barrier.WaitCtx(waitCtx)
	}()

	var ticks <-chan time.Time
	if o.cfg.ProgressTicker != nil {
		o.cfg.ProgressTicker.Resume()
		defer o.cfg.ProgressTicker.Pause()

		ticks = o.cfg.ProgressTicker.Ticks()
	}

	for {
		select {
		case err := <-errChan:
			// Only our own wait timeout is a timeout of the run, a
			// deadline of the caller interrupts it.
			if errors.Is(err, fn.ErrBarrierTimeout) &&
				ctx.Err() != nil {

				return ctx.Err()
			}

			return err

		case <-ticks:
			log.Infof("Waiting for %d of %d workers",
				barrier.Outstanding(), numWorkers)
		}
	}
}

// recordOutcome updates the counters and persists the outcome.
func (o *MintOrchestrator) recordOutcome(runID, tokenID string,
	outcome *WorkerOutcome) {

	switch outcome.Kind {
	case OutcomeMinted:
		o.minted.Add(1)
	case OutcomeExhausted:
		o.exhausted.Add(1)
	case OutcomeFatal:
		o.fatal.Add(1)
	}

	if o.cfg.MintLog == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	err := o.cfg.MintLog.LogOutcome(ctx, runID, tokenID, outcome)
	if err != nil {
		log.Errorf("Unable to log outcome of %v: %v", outcome.WorkerID,
			err)
	}
}

// outcomeCollector gathers worker outcomes in completion order.
type outcomeCollector struct {
	mu       sync.Mutex
	outcomes []*WorkerOutcome
}

func (c *outcomeCollector) add(outcome *WorkerOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes = append(c.outcomes, outcome)
}

func (c *outcomeCollector) snapshot() []*WorkerOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	return fn.CopySlice(c.outcomes)
}
