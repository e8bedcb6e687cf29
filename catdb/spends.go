package catdb

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/catmint/catmint/mintgarden"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	countSpentInput = `
SELECT COUNT(*) FROM spent_inputs
WHERE txid = $1 AND output_index = $2`

	insertSpentInput = `
INSERT INTO spent_inputs (txid, output_index, spending_txid, spent_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (txid, output_index) DO NOTHING`

	selectSpentBy = `
SELECT txid, output_index FROM spent_inputs
WHERE spending_txid = $1
ORDER BY id`
)

// SpendStore is a persistent mintgarden.SpendTracker. It remembers the fee
// inputs of broadcast mint transactions so a later run doesn't try to spend
// them again before they confirm.
type SpendStore struct {
	db *TransactionExecutor[Querier]

	clock clock.Clock
}

// NewSpendStore creates a new spend store on top of the given database.
func NewSpendStore(db BatchedQuerier, clock clock.Clock) *SpendStore {
	return &SpendStore{
		db:    newQuerierExecutor(db),
		clock: clock,
	}
}

// IsUnspent returns true if the outpoint wasn't used by a previous mint.
func (s *SpendStore) IsUnspent(ctx context.Context,
	op wire.OutPoint) (bool, error) {

	var count int64
	err := s.db.ExecTx(ctx, ReadTxOption(), func(q Querier) error {
		return q.QueryRowContext(
			ctx, countSpentInput, op.Hash[:], int64(op.Index),
		).Scan(&count)
	})
	if err != nil {
		return false, fmt.Errorf("unable to query spent input %v: %w",
			op, err)
	}

	return count == 0, nil
}

// MarkSpent records the outpoints as spent by the given transaction. Marking
// an outpoint twice is a no-op.
func (s *SpendStore) MarkSpent(ctx context.Context, txid chainhash.Hash,
	ops ...wire.OutPoint) error {

	now := s.clock.Now().UTC()
	err := s.db.ExecTx(ctx, WriteTxOption(), func(q Querier) error {
		for _, op := range ops {
			_, err := q.ExecContext(
				ctx, insertSpentInput, op.Hash[:],
				int64(op.Index), txid[:], now,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to mark inputs spent by %v: %w",
			txid, MapSQLError(err))
	}

	log.Debugf("Marked %d input(s) as spent by %v", len(ops), txid)

	return nil
}

// SpentBy returns the inputs that were recorded as spent by the given mint
// transaction.
func (s *SpendStore) SpentBy(ctx context.Context,
	txid chainhash.Hash) ([]wire.OutPoint, error) {

	var ops []wire.OutPoint
	err := s.db.ExecTx(ctx, ReadTxOption(), func(q Querier) error {
		rows, err := q.QueryContext(ctx, selectSpentBy, txid[:])
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				hashBytes []byte
				index     int64
			)
			if err := rows.Scan(&hashBytes, &index); err != nil {
				return err
			}

			hash, err := chainhash.NewHash(hashBytes)
			if err != nil {
				return err
			}

			ops = append(ops, wire.OutPoint{
				Hash:  *hash,
				Index: uint32(index),
			})
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("unable to query inputs spent by %v: %w",
			txid, err)
	}

	return ops, nil
}

// A compile-time assertion to ensure SpendStore meets the
// mintgarden.SpendTracker interface.
var _ mintgarden.SpendTracker = (*SpendStore)(nil)
