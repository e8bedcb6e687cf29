package mintgarden

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/catmint/catmint/address"
	"github.com/catmint/catmint/fn"
	"github.com/catmint/catmint/internal/test"
	"github.com/catmint/catmint/token"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// blockedMint is a mint attempt that waits for the test to release it.
type blockedMint struct {
	params  *MintParams
	release chan struct{}
}

type orchestratorHarness struct {
	t *testing.T

	cfg     *OrchestratorConfig
	minters *MockMinterSource
	builder *MockMintTxBuilder
	spends  *MockSpendTracker
	chain   *MockChainBridge
	mintLog *MockMintLog

	orchestrator *MintOrchestrator
}

func newOrchestratorHarness(t *testing.T,
	values ...btcutil.Amount) *orchestratorHarness {

	params := &chaincfg.RegressionNetParams
	walletAddr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(test.RandPubKey(t)), params,
	)
	require.NoError(t, err)

	h := &orchestratorHarness{
		t: t,
		minters: NewMockMinterSource(
			newTestMinter(0, true, 100_000),
			newTestMinter(1, true, 100_000),
		),
		builder: &MockMintTxBuilder{},
		spends:  NewMockSpendTracker(),
		chain: &MockChainBridge{
			Inputs:  makeInputs(values...),
			FeeRate: 2_000,
		},
		mintLog: NewMockMintLog(),
	}

	tokens := NewMockTokenStore(newTestToken(token.OpenMinterV2, 5, 0))
	h.cfg = &OrchestratorConfig{
		Wallet:       &MockWalletAnchor{Addr: walletAddr},
		ChainBridge:  h.chain,
		Minters:      h.minters,
		Tokens:       tokens,
		Builder:      h.builder,
		Spends:       h.spends,
		MintLog:      h.mintLog,
		ChainParams:  params,
		BatchCeiling: 5_000_000,
		DustLimit:    DefaultDustLimit,
		WaitTimeout:  5 * time.Second,
		Worker: WorkerConfig{
			MaxRetries:    DefaultMaxRetries,
			RetryBackoff:  time.Millisecond,
			SupplyBackoff: time.Millisecond,
			Clock:         clock.NewDefaultClock(),
		},
	}
	h.orchestrator = NewMintOrchestrator(h.cfg)

	return h
}

// blockMints makes every mint attempt wait until the test releases it.
func (h *orchestratorHarness) blockMints() chan *blockedMint {
	started := make(chan *blockedMint, 100)
	h.builder.BuildFunc = func(ctx context.Context,
		params *MintParams) (*chainhash.Hash, error) {

		mint := &blockedMint{
			params:  params,
			release: make(chan struct{}),
		}
		started <- mint

		select {
		case <-mint.release:
			return MockTxid(params.Minter.OutPoint, 1), nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return started
}

type runResult struct {
	summary *RunSummary
	err     error
}

func (h *orchestratorHarness) runAsync(req *RunRequest) chan runResult {
	resultChan := make(chan runResult, 1)
	go func() {
		summary, err := h.orchestrator.Run(context.Background(), req)
		resultChan <- runResult{summary: summary, err: err}
	}()

	return resultChan
}

func (h *orchestratorHarness) awaitResult(c chan runResult) runResult {
	h.t.Helper()

	result, err := fn.RecvOrTimeout(c, 10*time.Second)
	require.NoError(h.t, err)

	return *result
}

// TestOrchestratorRun runs twelve workers' worth of inputs through the
// orchestrator and makes sure all three workers are awaited, no matter in
// which order they finish.
func TestOrchestratorRun(t *testing.T) {
	t.Parallel()

	values := make([]btcutil.Amount, 12)
	for i := range values {
		values[i] = 1_000_000
	}
	h := newOrchestratorHarness(t, values...)

	progress := ticker.NewForce(time.Hour)
	defer progress.Stop()
	h.cfg.ProgressTicker = progress

	started := h.blockMints()
	resultChan := h.runAsync(&RunRequest{TokenID: testTokenID})

	// All three workers are started without waiting for each other.
	var mints []*blockedMint
	for i := 0; i < 3; i++ {
		mint, err := fn.RecvOrTimeout(started, 5*time.Second)
		require.NoError(t, err)
		mints = append(mints, *mint)
	}
	require.Equal(t, int64(3), h.orchestrator.Stats().ActiveWorkers)

	sizes := fn.Map(mints, func(m *blockedMint) int {
		return len(m.params.FeeInputs)
	})
	require.ElementsMatch(t, []int{5, 5, 2}, sizes)

	// While waiting, the run reports its progress on every tick.
	select {
	case progress.Force <- time.Now():
	case <-time.After(5 * time.Second):
		t.Fatalf("progress tick not consumed")
	}

	// Release the workers in reverse order. The run must only return
	// once the last one is done.
	for i := len(mints) - 1; i >= 0; i-- {
		select {
		case <-resultChan:
			t.Fatalf("run returned with %d workers outstanding",
				i+1)
		default:
		}

		close(mints[i].release)
	}

	result := h.awaitResult(resultChan)
	require.NoError(t, result.err)

	summary := result.summary
	require.False(t, summary.TimedOut)
	require.Equal(t, []int{5, 5, 2}, batchSizes(summary.Batches))
	require.Len(t, summary.Outcomes, 3)
	require.Equal(t, 3, summary.Count(OutcomeMinted))
	require.Equal(t, btcutil.Amount(12_000_000), summary.FeeValue())

	for _, outcome := range summary.Outcomes {
		require.Equal(t, token.Amount(5), outcome.Amount)
	}

	require.Equal(t, 12, h.spends.NumSpent())
	require.Equal(t, 3, h.mintLog.NumOutcomes(summary.RunID.String()))

	stats := h.orchestrator.Stats()
	require.Equal(t, uint64(1), stats.Runs)
	require.Equal(t, uint64(3), stats.WorkersLaunched)
	require.Equal(t, uint64(3), stats.MintAttempts)
	require.Equal(t, uint64(3), stats.Minted)
	require.Zero(t, stats.ActiveWorkers)

	// A second run finds all inputs spent and has nothing to do.
	summary, err := h.orchestrator.Run(
		context.Background(), &RunRequest{TokenID: testTokenID},
	)
	require.NoError(t, err)
	require.Empty(t, summary.Batches)
	require.Equal(t, 3, h.builder.NumCalls())
}

// TestOrchestratorTimeout tests that a run stops waiting after its deadline
// and cancels the outstanding workers.
func TestOrchestratorTimeout(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t, 5_000_000, 5_000_000)
	h.cfg.WaitTimeout = 100 * time.Millisecond
	h.blockMints()

	start := time.Now()
	summary, err := h.orchestrator.Run(
		context.Background(), &RunRequest{TokenID: testTokenID},
	)
	require.NoError(t, err)
	require.True(t, summary.TimedOut)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.Zero(t, summary.Count(OutcomeMinted))

	// The cancelled workers wind down on their own.
	require.Eventually(t, func() bool {
		stats := h.orchestrator.Stats()
		return stats.ActiveWorkers == 0 && stats.Exhausted == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, uint64(1), h.orchestrator.Stats().TimedOutRuns)
	require.Zero(t, h.spends.NumSpent())
}

// TestOrchestratorKeepWorkers tests that the workers of a timed out run can
// be left running and finish on their own.
func TestOrchestratorKeepWorkers(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t, 5_000_000, 5_000_000)
	h.cfg.WaitTimeout = 100 * time.Millisecond
	h.cfg.KeepWorkersOnTimeout = true
	started := h.blockMints()

	summary, err := h.orchestrator.Run(
		context.Background(), &RunRequest{TokenID: testTokenID},
	)
	require.NoError(t, err)
	require.True(t, summary.TimedOut)
	require.Empty(t, summary.Outcomes)
	require.EqualValues(t, 2, h.orchestrator.Stats().ActiveWorkers)

	// The run returned, yet its workers are still able to mint.
	for i := 0; i < 2; i++ {
		mint, err := fn.RecvOrTimeout(started, 5*time.Second)
		require.NoError(t, err)
		close((*mint).release)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orchestrator.Drain(ctx))

	stats := h.orchestrator.Stats()
	require.Zero(t, stats.ActiveWorkers)
	require.Equal(t, uint64(2), stats.Minted)
	require.Zero(t, stats.Exhausted)
}

// TestOrchestratorCallerDeadline tests that a deadline of the caller's
// context interrupts the run instead of being reported as a run timeout.
func TestOrchestratorCallerDeadline(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t, 5_000_000)
	h.cfg.WaitTimeout = time.Hour
	h.blockMints()

	ctx, cancel := context.WithTimeout(
		context.Background(), 100*time.Millisecond,
	)
	defer cancel()

	summary, err := h.orchestrator.Run(
		ctx, &RunRequest{TokenID: testTokenID},
	)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "run interrupted")
	require.False(t, summary.TimedOut)
	require.Zero(t, h.orchestrator.Stats().TimedOutRuns)
}

// TestOrchestratorPreconditions tests that invalid requests are rejected
// before any worker is started.
func TestOrchestratorPreconditions(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	recipientKey := test.RandPubKey(t)
	recipient, err := address.Derive(recipientKey, params)
	require.NoError(t, err)
	keyHex := hex.EncodeToString(recipient.XOnlyKey[:])
	other, err := address.Derive(test.RandPubKey(t), params)
	require.NoError(t, err)

	testCases := []struct {
		name string
		req  *RunRequest
		err  error
	}{{
		name: "missing token id",
		req:  &RunRequest{},
	}, {
		name: "unknown token",
		req:  &RunRequest{TokenID: "unknown_0"},
		err:  ErrTokenNotFound,
	}, {
		name: "malformed amount",
		req:  &RunRequest{TokenID: testTokenID, Amount: "abc"},
		err:  token.ErrInvalidAmount,
	}, {
		name: "leading decimal point without decimals",
		req:  &RunRequest{TokenID: testTokenID, Amount: ".5"},
		err:  token.ErrInvalidAmount,
	}, {
		name: "fractional amount",
		req:  &RunRequest{TokenID: testTokenID, Amount: "1.5"},
		err:  token.ErrInvalidAmount,
	}, {
		name: "receiver key without address",
		req: &RunRequest{
			TokenID:        testTokenID,
			ReceiverPubKey: keyHex,
		},
	}, {
		name: "receiver address mismatch",
		req: &RunRequest{
			TokenID:        testTokenID,
			ReceiverPubKey: keyHex,
			ReceiverAddr:   other.Taproot,
		},
		err: address.ErrAddressMismatch,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newOrchestratorHarness(t, 1_000_000)
			_, err := h.orchestrator.Run(context.Background(), tc.req)
			require.ErrorIs(t, err, ErrPrecondition)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			}

			require.Zero(t, h.builder.NumCalls())
			require.Zero(t, h.orchestrator.Stats().Runs)
		})
	}
}

// TestOrchestratorRecipient makes sure a validated recipient override is
// handed to every mint.
func TestOrchestratorRecipient(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t, 1_000_000)

	recipient, err := address.Derive(test.RandPubKey(t), h.cfg.ChainParams)
	require.NoError(t, err)

	summary, err := h.orchestrator.Run(context.Background(), &RunRequest{
		TokenID:        testTokenID,
		Amount:         "5",
		ReceiverPubKey: hex.EncodeToString(recipient.XOnlyKey[:]),
		ReceiverAddr:   recipient.NativeSegwit,
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Count(OutcomeMinted))

	require.Equal(t, 1, h.builder.NumCalls())
	require.Equal(t, recipient, h.builder.Calls[0].Recipient)
	require.Equal(t, h.cfg.Wallet.Address(), h.builder.Calls[0].ChangeAddr)
}

// TestOrchestratorNothingToDo tests the runs that don't start any worker.
func TestOrchestratorNothingToDo(t *testing.T) {
	t.Parallel()

	// Only dust inputs result in zero batches, which isn't an error.
	h := newOrchestratorHarness(t, 546, 300)
	summary, err := h.orchestrator.Run(
		context.Background(), &RunRequest{TokenID: testTokenID},
	)
	require.NoError(t, err)
	require.Empty(t, summary.Batches)
	require.Empty(t, summary.Outcomes)
	require.Zero(t, h.builder.NumCalls())

	// A dry run plans the batches without minting.
	h = newOrchestratorHarness(t, 3_000_000, 3_000_000, 1_000_000)
	summary, err = h.orchestrator.Run(context.Background(), &RunRequest{
		TokenID: testTokenID,
		DryRun:  true,
	})
	require.NoError(t, err)
	require.True(t, summary.DryRun)
	require.Equal(t, []int{2, 1}, batchSizes(summary.Batches))
	require.Zero(t, h.builder.NumCalls())
	require.Zero(t, h.orchestrator.Stats().WorkersLaunched)
}

// TestOrchestratorCancel tests that cancelling the run context interrupts the
// run and its workers.
func TestOrchestratorCancel(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t, 5_000_000)
	started := h.blockMints()

	ctx, cancel := context.WithCancel(context.Background())
	resultChan := make(chan runResult, 1)
	go func() {
		summary, err := h.orchestrator.Run(
			ctx, &RunRequest{TokenID: testTokenID},
		)
		resultChan <- runResult{summary: summary, err: err}
	}()

	_, err := fn.RecvOrTimeout(started, 5*time.Second)
	require.NoError(t, err)
	cancel()

	result := h.awaitResult(resultChan)
	require.True(t, errors.Is(result.err, context.Canceled))
	require.NotNil(t, result.summary)
	require.False(t, result.summary.TimedOut)
}
