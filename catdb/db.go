package catdb

import (
	"context"
	"database/sql"
)

// BackendType is the type of the database backend.
type BackendType uint8

const (
	// BackendSqlite is an embedded sqlite database.
	BackendSqlite BackendType = iota

	// BackendPostgres is a remote postgres database.
	BackendPostgres
)

// String returns a human-readable name of the backend.
func (b BackendType) String() string {
	switch b {
	case BackendSqlite:
		return "sqlite"

	case BackendPostgres:
		return "postgres"

	default:
		return "unknown"
	}
}

// BaseDB is the base database struct that each implementation can embed to
// gain some common functionality.
type BaseDB struct {
	*sql.DB

	// Backend is the type of the database.
	Backend BackendType
}

// BeginTx wraps the normal sql specific BeginTx method with the TxOptions
// interface. This interface is then mapped to the concrete sql tx options
// struct.
func (s *BaseDB) BeginTx(ctx context.Context, opts TxOptions) (*sql.Tx, error) {
	sqlOptions := sql.TxOptions{
		ReadOnly: opts.ReadOnly(),
	}
	return s.DB.BeginTx(ctx, &sqlOptions)
}

// Backing is implemented by every concrete store.
type Backing interface {
	BatchedQuerier

	// Close closes the database.
	Close() error
}
