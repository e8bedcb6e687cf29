package catdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/catmint/catmint/mintgarden"
	"github.com/catmint/catmint/token"
)

var (
	// ErrDuplicateOutcome is returned if the outcome of a worker was
	// already logged for a run.
	ErrDuplicateOutcome = errors.New("outcome already logged")
)

const (
	insertMintOutcome = `
INSERT INTO mint_outcomes (
    run_id, token_id, worker_id, batch_index, outcome, txid, amount,
    reason, attempts, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	selectRunOutcomes = `
SELECT token_id, worker_id, batch_index, outcome, txid, amount, reason,
    attempts, finished_at
FROM mint_outcomes
WHERE run_id = $1
ORDER BY batch_index`

	selectRuns = `
SELECT run_id, token_id, COUNT(*),
    SUM(CASE WHEN outcome = 'minted' THEN 1 ELSE 0 END),
    SUM(CASE WHEN outcome = 'minted' THEN amount ELSE 0 END)
FROM mint_outcomes
GROUP BY run_id, token_id
ORDER BY MAX(id) DESC
LIMIT $1`
)

// StoredOutcome is a worker outcome read back from the history.
type StoredOutcome struct {
	// TokenID is the token the run minted.
	TokenID string

	// WorkerID identifies the worker within its run.
	WorkerID string

	// BatchIndex is the index of the batch the worker was given.
	BatchIndex int

	// Kind tags the outcome.
	Kind string

	// Txid is set for minted outcomes.
	Txid *chainhash.Hash

	// Amount is the minted amount.
	Amount token.Amount

	// Reason is the exhaustion reason or the fatal error.
	Reason string

	// Attempts is the number of minter selections of the worker.
	Attempts int

	// Finished is when the worker terminated.
	Finished time.Time
}

// RunRecord aggregates the outcomes of a single run.
type RunRecord struct {
	RunID   string
	TokenID string
	Workers int64
	Minted  int64
	Amount  token.Amount
}

// MintHistory is a mintgarden.MintLog that persists the outcome of every
// worker.
type MintHistory struct {
	db *TransactionExecutor[Querier]
}

// NewMintHistory creates a new mint history on top of the given database.
func NewMintHistory(db BatchedQuerier) *MintHistory {
	return &MintHistory{
		db: newQuerierExecutor(db),
	}
}

// LogOutcome records the outcome of a single worker of a run.
func (h *MintHistory) LogOutcome(ctx context.Context, runID, tokenID string,
	outcome *mintgarden.WorkerOutcome) error {

	var txid []byte
	if outcome.Txid != nil {
		txid = outcome.Txid[:]
	}

	reason := outcome.Reason
	if outcome.Kind == mintgarden.OutcomeFatal && outcome.Err != nil {
		reason = outcome.Err.Error()
	}

	err := h.db.ExecTx(ctx, WriteTxOption(), func(q Querier) error {
		_, err := q.ExecContext(
			ctx, insertMintOutcome, runID, tokenID,
			outcome.WorkerID, int64(outcome.BatchIndex),
			outcome.Kind.String(), txid, int64(outcome.Amount),
			reason, int64(outcome.Attempts),
			outcome.Finished.UTC(),
		)
		return err
	})

	switch {
	case IsUniqueViolation(err):
		return fmt.Errorf("%w: run=%v worker=%v", ErrDuplicateOutcome,
			runID, outcome.WorkerID)

	case err != nil:
		return fmt.Errorf("unable to log outcome: %w", err)
	}

	return nil
}

// ListOutcomes returns all outcomes of a run ordered by batch index.
func (h *MintHistory) ListOutcomes(ctx context.Context,
	runID string) ([]*StoredOutcome, error) {

	var outcomes []*StoredOutcome
	err := h.db.ExecTx(ctx, ReadTxOption(), func(q Querier) error {
		rows, err := q.QueryContext(ctx, selectRunOutcomes, runID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				o                    StoredOutcome
				txid                 []byte
				index, amt, attempts int64
			)
			err := rows.Scan(
				&o.TokenID, &o.WorkerID, &index, &o.Kind,
				&txid, &amt, &o.Reason, &attempts, &o.Finished,
			)
			if err != nil {
				return err
			}

			if len(txid) > 0 {
				o.Txid, err = chainhash.NewHash(txid)
				if err != nil {
					return err
				}
			}
			o.BatchIndex = int(index)
			o.Amount = token.Amount(amt)
			o.Attempts = int(attempts)

			outcomes = append(outcomes, &o)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list outcomes of run %v: %w",
			runID, err)
	}

	return outcomes, nil
}

// ListRuns returns the most recent runs, newest first.
func (h *MintHistory) ListRuns(ctx context.Context,
	limit int) ([]*RunRecord, error) {

	var runs []*RunRecord
	err := h.db.ExecTx(ctx, ReadTxOption(), func(q Querier) error {
		rows, err := q.QueryContext(ctx, selectRuns, int64(limit))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r      RunRecord
				amount int64
			)
			err := rows.Scan(
				&r.RunID, &r.TokenID, &r.Workers, &r.Minted,
				&amount,
			)
			if err != nil {
				return err
			}
			r.Amount = token.Amount(amount)

			runs = append(runs, &r)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list runs: %w", err)
	}

	return runs, nil
}

// A compile-time assertion to ensure MintHistory meets the mintgarden.MintLog
// interface.
var _ mintgarden.MintLog = (*MintHistory)(nil)
