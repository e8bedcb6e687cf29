package mintgarden

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/catmint/catmint/address"
	"github.com/catmint/catmint/fn"
	"github.com/catmint/catmint/token"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// DefaultMaxRetries is the default number of minter selections a
	// worker makes before giving up.
	DefaultMaxRetries = 10

	// DefaultRetryBackoff is how long a worker waits after a mint attempt
	// failed with a retryable error.
	DefaultRetryBackoff = 6 * time.Second

	// DefaultSupplyBackoff is how long a worker waits after it found no
	// usable minter.
	DefaultSupplyBackoff = time.Second
)

// OffsetPicker returns an offset in [0, count). count is always positive.
type OffsetPicker func(count uint64) uint64

// RandomOffset picks an offset uniformly at random. Spreading concurrent
// workers over all available minters lowers the chance that two of them spend
// the same minter output.
func RandomOffset(count uint64) uint64 {
	return uint64(rand.Int63n(int64(count))) // nolint:gosec
}

// WorkerConfig holds the retry policy shared by all workers of a run.
type WorkerConfig struct {
	// MaxRetries bounds the number of minter selections.
	MaxRetries int

	// RetryBackoff is the delay after a retryable mint failure.
	RetryBackoff time.Duration

	// SupplyBackoff is the delay after no usable minter was found.
	SupplyBackoff time.Duration

	// PickOffset selects the minter offset. Defaults to RandomOffset.
	PickOffset OffsetPicker

	// Clock is used for all backoff timers.
	Clock clock.Clock
}

// DefaultWorkerConfig returns the default retry policy.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxRetries:    DefaultMaxRetries,
		RetryBackoff:  DefaultRetryBackoff,
		SupplyBackoff: DefaultSupplyBackoff,
		PickOffset:    RandomOffset,
		Clock:         clock.NewDefaultClock(),
	}
}

// MintWorkerConfig is the full configuration of a single MintWorker.
type MintWorkerConfig struct {
	WorkerConfig

	// ID is used to prefix all log lines of the worker.
	ID string

	// Batch is the set of fee inputs owned by this worker.
	Batch *InputBatch

	// Token is the token to mint.
	Token *token.Metadata

	// Scaled is the token's minter configuration in base units.
	Scaled *token.ScaledInfo

	// Requested is the amount requested by the user, nil to mint as much
	// as allowed.
	Requested *token.Amount

	// FeeRate is the fee rate for the mint transaction.
	FeeRate chainfee.SatPerKVByte

	// ChangeAddr receives the fee change.
	ChangeAddr btcutil.Address

	// Recipient optionally overrides the token receiver.
	Recipient *address.Derived

	// Minters resolves minter outputs.
	Minters MinterSource

	// Builder creates and broadcasts the mint transaction.
	Builder MintTxBuilder

	// Spends is updated with the fee inputs of a successful mint.
	Spends SpendTracker

	// OnAttempt, if set, is called for every mint handed to the builder.
	OnAttempt func()
}

// MintWorker drives the mint of a single input batch. It repeatedly selects a
// minter, validates the amount against the token's premine and limit and
// attempts the mint until it either succeeds or runs out of attempts.
type MintWorker struct {
	cfg *MintWorkerConfig

	// attempts counts the minter selections so far.
	attempts int

	// minter is the minter selected in the current iteration.
	minter *MinterResource

	// amount is the validated amount of the current iteration.
	amount token.Amount

	outcome *WorkerOutcome
}

// NewMintWorker creates a new worker for the passed config.
func NewMintWorker(cfg *MintWorkerConfig) *MintWorker {
	if cfg.PickOffset == nil {
		cfg.PickOffset = RandomOffset
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &MintWorker{
		cfg: cfg,
	}
}

// Run executes the worker state machine until a terminal state is reached and
// returns the outcome. Cancelling the context stops any further retries.
func (w *MintWorker) Run(ctx context.Context) *WorkerOutcome {
	log.Infof("MintWorker(%v): starting with %d inputs worth %v",
		w.cfg.ID, len(w.cfg.Batch.Inputs), w.cfg.Batch.TotalValue())

	if len(w.cfg.Batch.Inputs) == 0 {
		log.Warnf("MintWorker(%v): insufficient satoshis balance",
			w.cfg.ID)
		w.exhausted(ReasonInsufficient)

		return w.outcome
	}

	state := WorkerStateSelectMinter
	for {
		nextState := w.stateStep(ctx, state)

		log.Tracef("MintWorker(%v): transition from %v to %v",
			w.cfg.ID, state, nextState)

		// The state machine loops back to the current state once it
		// reached a terminal state.
		if nextState == state {
			break
		}
		state = nextState
	}

	log.Infof("MintWorker(%v): done after %d attempts, %v", w.cfg.ID,
		w.attempts, w.outcome)

	return w.outcome
}

// stateStep attempts to transition the worker from one state to the next.
func (w *MintWorker) stateStep(ctx context.Context,
	currentState WorkerState) WorkerState {

	switch currentState {
	case WorkerStateSelectMinter:
		return w.selectMinter(ctx)

	case WorkerStateValidate:
		return w.validate(ctx)

	case WorkerStateAttempt:
		return w.attempt(ctx)

	// Both terminal states loop back to themselves.
	case WorkerStateSuccess, WorkerStateAbort:
		return currentState

	default:
		w.fatal(&FatalError{
			Reason: fmt.Sprintf("unknown state: %v", currentState),
		})

		return WorkerStateAbort
	}
}

// selectMinter picks a random minter output of the token.
func (w *MintWorker) selectMinter(ctx context.Context) WorkerState {
	if ctx.Err() != nil {
		w.exhausted(ReasonCancelled)
		return WorkerStateAbort
	}

	if w.attempts >= w.cfg.MaxRetries {
		log.Warnf("MintWorker(%v): %v", w.cfg.ID, ReasonMaxRetries)
		w.exhausted(ReasonMaxRetries)

		return WorkerStateAbort
	}
	w.attempts++
	finalAttempt := w.attempts >= w.cfg.MaxRetries

	tokenID := w.cfg.Token.TokenID
	count, err := w.cfg.Minters.CountMinters(ctx, tokenID)
	if err != nil {
		return w.collaboratorErr(ctx, "unable to count minters", err)
	}

	if count == 0 {
		if finalAttempt {
			log.Errorf("MintWorker(%v): no available minter UTXO "+
				"found", w.cfg.ID)
			w.exhausted(ReasonNoMinter)

			return WorkerStateAbort
		}

		log.Warnf("MintWorker(%v): no minter found on attempt %d",
			w.cfg.ID, w.attempts)

		return w.backoff(ctx, w.cfg.SupplyBackoff)
	}

	offset := w.cfg.PickOffset(count)
	minter, err := w.cfg.Minters.FetchMinter(ctx, tokenID, offset)
	if err != nil {
		return w.collaboratorErr(ctx, "unable to fetch minter", err)
	}

	// The minter at this offset was spent by someone else between the
	// count and the fetch, just pick a new one.
	if minter == nil {
		log.Debugf("MintWorker(%v): minter at offset %d of %d gone",
			w.cfg.ID, offset, count)

		return WorkerStateSelectMinter
	}

	log.Debugf("MintWorker(%v): selected minter %v at offset %d of %d",
		w.cfg.ID, minter.OutPoint, offset, count)
	log.Tracef("MintWorker(%v): minter state: %v", w.cfg.ID,
		spew.Sdump(minter))

	w.minter = minter

	return WorkerStateValidate
}

// validate derives the amount to mint from the request, the token's premine
// and limit and the state of the selected minter.
func (w *MintWorker) validate(ctx context.Context) WorkerState {
	scaled := w.cfg.Scaled
	minter := w.minter

	if !scaled.MinterMd5.IsOpenMinter() {
		w.fatal(&FatalError{
			Reason: fmt.Sprintf("%v: %v", ReasonUnknownMinter,
				scaled.MinterMd5),
		})

		return WorkerStateAbort
	}

	requested := w.cfg.Requested
	if minter.IsPremined && requested != nil && *requested > scaled.Limit {
		log.Errorf("MintWorker(%v): the number of minted tokens "+
			"exceeds the limit", w.cfg.ID)
		w.fatal(&FatalError{
			Reason: fmt.Sprintf("%v: %d > %d", ReasonExceedsLimit,
				*requested, scaled.Limit),
		})

		return WorkerStateAbort
	}

	// The very first mint of a token with a premine has to mint exactly
	// the premine amount.
	if !minter.IsPremined && scaled.Premine > 0 {
		if requested != nil && *requested != scaled.Premine {
			w.fatal(&FatalError{
				Reason: fmt.Sprintf("%v %d", ReasonPremineAmount,
					scaled.Premine),
			})

			return WorkerStateAbort
		}

		w.amount = scaled.Premine

		return WorkerStateAttempt
	}

	amount := scaled.Limit
	if requested != nil && *requested > 0 {
		amount = *requested
	}

	switch scaled.MinterMd5 {
	case token.OpenMinterV1:
		if minter.RemainingSupply < scaled.Limit {
			log.Warnf("MintWorker(%v): small limit of %v in the "+
				"minter UTXO, retrying", w.cfg.ID,
				minter.RemainingSupply.Format(scaled.Decimals))

			return w.backoff(ctx, w.cfg.SupplyBackoff)
		}

		if amount > minter.RemainingSupply {
			amount = minter.RemainingSupply
		}

	case token.OpenMinterV2:
		if amount != scaled.Limit {
			log.Warnf("MintWorker(%v): can only mint at the exact "+
				"amount of %v at once", w.cfg.ID,
				scaled.Limit.Format(scaled.Decimals))

			amount = scaled.Limit
		}
	}

	w.amount = amount

	return WorkerStateAttempt
}

// attempt hands the mint to the builder and classifies the result.
func (w *MintWorker) attempt(ctx context.Context) WorkerState {
	if w.cfg.OnAttempt != nil {
		w.cfg.OnAttempt()
	}

	symbol := w.cfg.Scaled.Symbol
	log.Infof("MintWorker(%v): minting %v %v with minter %v", w.cfg.ID,
		w.amount.Format(w.cfg.Scaled.Decimals), symbol,
		w.minter.OutPoint)

	txid, err := w.cfg.Builder.BuildAndBroadcast(ctx, &MintParams{
		Token:      w.cfg.Token,
		Minter:     w.minter,
		Amount:     w.amount,
		FeeInputs:  w.cfg.Batch.Inputs,
		FeeRate:    w.cfg.FeeRate,
		ChangeAddr: w.cfg.ChangeAddr,
		Recipient:  w.cfg.Recipient,
	})
	switch {
	case errors.Is(err, ErrNeedRetry):
		log.Infof("MintWorker(%v): retry to mint token [%v]: %v",
			w.cfg.ID, symbol, err)

		return w.backoff(ctx, w.cfg.RetryBackoff)

	case err != nil:
		return w.collaboratorErr(
			ctx, fmt.Sprintf("mint token [%v] failed", symbol), err,
		)

	case txid == nil:
		return w.collaboratorErr(
			ctx, fmt.Sprintf("mint token [%v] failed", symbol),
			ErrMissingTxid,
		)
	}

	log.Infof("MintWorker(%v): minting %v %v tokens in txid: %v",
		w.cfg.ID, w.amount.Format(w.cfg.Scaled.Decimals), symbol, txid)

	w.markSpent(*txid)

	w.outcome = w.newOutcome(OutcomeMinted)
	w.outcome.Txid = txid
	w.outcome.Amount = w.amount

	return WorkerStateSuccess
}

// markSpent records the fee inputs as spent. Failures are only logged, the
// mint itself already happened.
func (w *MintWorker) markSpent(txid chainhash.Hash) {
	if w.cfg.Spends == nil {
		return
	}

	ops := make([]wire.OutPoint, 0, len(w.cfg.Batch.Inputs))
	for _, in := range w.cfg.Batch.Inputs {
		ops = append(ops, in.OutPoint)
	}

	// The run context may already be cancelled at this point, the record
	// should still be written.
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	if err := w.cfg.Spends.MarkSpent(ctx, txid, ops...); err != nil {
		log.Errorf("MintWorker(%v): unable to mark inputs spent: %v",
			w.cfg.ID, err)
	}
}

// backoff waits for the given duration before the worker selects a new
// minter. The wait is interrupted if the context is cancelled.
func (w *MintWorker) backoff(ctx context.Context,
	d time.Duration) WorkerState {

	select {
	case <-w.cfg.Clock.TickAfter(d):
		return WorkerStateSelectMinter

	case <-ctx.Done():
		w.exhausted(ReasonCancelled)
		return WorkerStateAbort
	}
}

// collaboratorErr turns an error of one of the worker's collaborators into an
// outcome. A cancelled context ends the worker as exhausted, anything else is
// fatal.
func (w *MintWorker) collaboratorErr(ctx context.Context, reason string,
	err error) WorkerState {

	if fn.IsCanceled(err) || ctx.Err() != nil {
		w.exhausted(ReasonCancelled)
		return WorkerStateAbort
	}

	log.Errorf("MintWorker(%v): %v: %v", w.cfg.ID, reason, err)
	w.fatal(&FatalError{
		Reason: reason,
		Err:    err,
	})

	return WorkerStateAbort
}

func (w *MintWorker) exhausted(reason string) {
	w.outcome = w.newOutcome(OutcomeExhausted)
	w.outcome.Reason = reason
}

func (w *MintWorker) fatal(err *FatalError) {
	w.outcome = w.newOutcome(OutcomeFatal)
	w.outcome.Err = err
}

func (w *MintWorker) newOutcome(kind OutcomeKind) *WorkerOutcome {
	return &WorkerOutcome{
		WorkerID:   w.cfg.ID,
		BatchIndex: w.cfg.Batch.Index,
		Kind:       kind,
		Attempts:   w.attempts,
		Finished:   w.cfg.Clock.Now(),
	}
}
