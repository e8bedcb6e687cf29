package catdb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/catmint/catmint/internal/test"
	"github.com/catmint/catmint/mintgarden"
	"github.com/catmint/catmint/token"
	"github.com/stretchr/testify/require"
)

// TestMintHistory tests logging and reading back the outcomes of runs.
func TestMintHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	history := NewMintHistory(NewTestDB(t))

	finished := time.Unix(1700000000, 0).UTC()
	txid := test.RandHash()

	const (
		runA  = "run-a"
		runB  = "run-b"
		tokID = "tok_0"
	)

	outcomes := []*mintgarden.WorkerOutcome{{
		WorkerID:   "run-a/0",
		BatchIndex: 0,
		Kind:       mintgarden.OutcomeMinted,
		Txid:       &txid,
		Amount:     500,
		Attempts:   1,
		Finished:   finished,
	}, {
		WorkerID:   "run-a/1",
		BatchIndex: 1,
		Kind:       mintgarden.OutcomeExhausted,
		Reason:     mintgarden.ReasonNoMinter,
		Attempts:   10,
		Finished:   finished,
	}, {
		WorkerID:   "run-a/2",
		BatchIndex: 2,
		Kind:       mintgarden.OutcomeFatal,
		Err:        errors.New("boom"),
		Attempts:   2,
		Finished:   finished,
	}}

	// Log in reverse order, the listing is sorted by batch index.
	for i := len(outcomes) - 1; i >= 0; i-- {
		err := history.LogOutcome(ctx, runA, tokID, outcomes[i])
		require.NoError(t, err)
	}

	err := history.LogOutcome(ctx, runB, tokID, outcomes[0])
	require.NoError(t, err)

	// Logging a worker twice for the same run is rejected.
	err = history.LogOutcome(ctx, runA, tokID, outcomes[0])
	require.ErrorIs(t, err, ErrDuplicateOutcome)

	stored, err := history.ListOutcomes(ctx, runA)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	require.Equal(t, "minted", stored[0].Kind)
	require.NotNil(t, stored[0].Txid)
	require.Equal(t, txid, *stored[0].Txid)
	require.Equal(t, token.Amount(500), stored[0].Amount)
	require.True(t, finished.Equal(stored[0].Finished))

	require.Equal(t, "exhausted", stored[1].Kind)
	require.Nil(t, stored[1].Txid)
	require.Equal(t, mintgarden.ReasonNoMinter, stored[1].Reason)
	require.Equal(t, 10, stored[1].Attempts)

	require.Equal(t, "fatal", stored[2].Kind)
	require.Equal(t, "boom", stored[2].Reason)

	for i, o := range stored {
		require.Equal(t, tokID, o.TokenID)
		require.Equal(t, i, o.BatchIndex)
		require.Equal(t, fmt.Sprintf("run-a/%d", i), o.WorkerID)
	}

	runs, err := history.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest run first.
	require.Equal(t, runB, runs[0].RunID)
	require.EqualValues(t, 1, runs[0].Workers)
	require.EqualValues(t, 1, runs[0].Minted)

	require.Equal(t, runA, runs[1].RunID)
	require.EqualValues(t, 3, runs[1].Workers)
	require.EqualValues(t, 1, runs[1].Minted)
	require.Equal(t, token.Amount(500), runs[1].Amount)

	runs, err = history.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
