package catdb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// DefaultStoreTimeout is the default timeout used for any interaction
	// with the storage/database.
	DefaultStoreTimeout = time.Second * 10
)

const (
	// DefaultNumTxRetries is the default number of times we'll retry a
	// transaction if it fails with an error that permits transaction
	// repetition.
	DefaultNumTxRetries = 10

	// DefaultRetryDelay is the default delay between retries.
	DefaultRetryDelay = time.Millisecond * 50
)

// TxOptions represents a set of options one can use to control what type of
// database transaction is created. Transaction can wither be read or write.
type TxOptions interface {
	// ReadOnly returns true if the transaction should be read only.
	ReadOnly() bool
}

// txOptions is the default TxOptions implementation.
type txOptions struct {
	readOnly bool
}

// ReadOnly returns true if the transaction should be read only.
func (t *txOptions) ReadOnly() bool {
	return t.readOnly
}

// ReadTxOption returns options for a read-only transaction.
func ReadTxOption() TxOptions {
	return &txOptions{readOnly: true}
}

// WriteTxOption returns options for a read-write transaction.
func WriteTxOption() TxOptions {
	return &txOptions{}
}

// Querier is the set of query methods shared by a database handle and a
// database transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string,
		args ...any) (sql.Result, error)

	QueryContext(ctx context.Context, query string,
		args ...any) (*sql.Rows, error)

	QueryRowContext(ctx context.Context, query string,
		args ...any) *sql.Row
}

// BatchedQuerier is a Querier that can also create database transactions.
type BatchedQuerier interface {
	Querier

	// BeginTx creates a new database transaction given the set of
	// transaction options.
	BeginTx(ctx context.Context, options TxOptions) (*sql.Tx, error)
}

// QueryCreator is a generic function that's used to create a query object
// from a database transaction. This allows callers to apply multiple
// modifications in a single atomic transaction.
type QueryCreator[Q any] func(*sql.Tx) Q

// TransactionExecutor is a generic struct that abstracts away from the type of
// query a type needs to run under a database transaction. The QueryCreator is
// used to create a query given a database transaction created by the
// BatchedQuerier.
type TransactionExecutor[Query any] struct {
	BatchedQuerier

	createQuery QueryCreator[Query]
}

// NewTransactionExecutor creates a new instance of a TransactionExecutor given
// a query creator.
func NewTransactionExecutor[Query any](db BatchedQuerier,
	createQuery QueryCreator[Query]) *TransactionExecutor[Query] {

	return &TransactionExecutor[Query]{
		BatchedQuerier: db,
		createQuery:    createQuery,
	}
}

// ExecTx is a wrapper for txBody to abstract the creation and commit of a db
// transaction. Transactions that fail because they couldn't be serialized
// with other concurrent transactions are retried.
func (t *TransactionExecutor[Q]) ExecTx(ctx context.Context,
	txOptions TxOptions, txBody func(Q) error) error {

	for i := 0; i < DefaultNumTxRetries; i++ {
		err := t.execTxOnce(ctx, txOptions, txBody)

		var serializationErr *ErrSerializationError
		if !errors.As(MapSQLError(err), &serializationErr) {
			return err
		}

		log.Debugf("Retrying transaction due to serialization error, "+
			"attempt %d", i+1)

		select {
		case <-time.After(DefaultRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return ErrRetriesExceeded
}

// execTxOnce runs txBody in a single database transaction.
func (t *TransactionExecutor[Q]) execTxOnce(ctx context.Context,
	txOptions TxOptions, txBody func(Q) error) error {

	// Create the db transaction.
	tx, err := t.BatchedQuerier.BeginTx(ctx, txOptions)
	if err != nil {
		return err
	}

	// Rollback is safe to call even if the tx is already closed, so if the
	// tx commits successfully, this is a no-op.
	defer func() {
		_ = tx.Rollback()
	}()

	if err := txBody(t.createQuery(tx)); err != nil {
		return err
	}

	return tx.Commit()
}

// newQuerierExecutor creates a TransactionExecutor that hands the raw
// transaction to the transaction body.
func newQuerierExecutor(db BatchedQuerier) *TransactionExecutor[Querier] {
	return NewTransactionExecutor(db, func(tx *sql.Tx) Querier {
		return tx
	})
}
