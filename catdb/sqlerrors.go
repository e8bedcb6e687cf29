package catdb

import (
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrRetriesExceeded is returned when a transaction is retried more
	// than the max allowed valued without a success.
	ErrRetriesExceeded = errors.New("db tx retries exceeded")
)

// sqlErrorKind is the backend independent class of a database error.
type sqlErrorKind uint8

const (
	sqlErrUnknown sqlErrorKind = iota
	sqlErrUnique
	sqlErrForeignKey
	sqlErrSerialization
)

// sqliteErrKinds maps the extended sqlite result codes we care about.
var sqliteErrKinds = map[int]sqlErrorKind{
	sqlite3.SQLITE_CONSTRAINT_UNIQUE:     sqlErrUnique,
	sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY: sqlErrUnique,
	sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY: sqlErrForeignKey,
	sqlite3.SQLITE_BUSY:                  sqlErrSerialization,
	sqlite3.SQLITE_LOCKED:                sqlErrSerialization,
}

// postgresErrKinds maps the postgres error codes we care about.
var postgresErrKinds = map[string]sqlErrorKind{
	pgerrcode.UniqueViolation:      sqlErrUnique,
	pgerrcode.ForeignKeyViolation:  sqlErrForeignKey,
	pgerrcode.SerializationFailure: sqlErrSerialization,
	pgerrcode.DeadlockDetected:     sqlErrSerialization,
}

// MapSQLError turns a sqlite or postgres error into one of the backend
// independent error types of this package. Errors of any other origin are
// returned unchanged.
func MapSQLError(err error) error {
	if err == nil {
		return nil
	}

	var (
		dbErr   error
		kind    sqlErrorKind
		backend string
	)

	var sqliteErr *sqlite.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &sqliteErr):
		dbErr, kind, backend = sqliteErr, sqliteErrKinds[sqliteErr.Code()],
			"sqlite"

	case errors.As(err, &pgErr):
		dbErr, kind, backend = pgErr, postgresErrKinds[pgErr.Code],
			"postgres"

	default:
		return err
	}

	switch kind {
	case sqlErrUnique:
		return &ErrSqlUniqueConstraintViolation{DbError: dbErr}

	case sqlErrForeignKey:
		return &ErrSqlForeignKeyViolation{DbError: dbErr}

	case sqlErrSerialization:
		return &ErrSerializationError{DbError: dbErr}

	default:
		return fmt.Errorf("unknown %s error: %w", backend, dbErr)
	}
}

// IsUniqueViolation returns true if err is a unique constraint violation of
// either backend.
func IsUniqueViolation(err error) bool {
	var uniqueErr *ErrSqlUniqueConstraintViolation
	return errors.As(MapSQLError(err), &uniqueErr)
}

// ErrSqlUniqueConstraintViolation is a unique or primary key constraint
// violation.
type ErrSqlUniqueConstraintViolation struct {
	DbError error
}

// Error returns the error message.
func (e *ErrSqlUniqueConstraintViolation) Error() string {
	return fmt.Sprintf("sql unique constraint violation: %v", e.DbError)
}

// Unwrap returns the wrapped error.
func (e *ErrSqlUniqueConstraintViolation) Unwrap() error {
	return e.DbError
}

// ErrSqlForeignKeyViolation is a foreign key constraint violation.
type ErrSqlForeignKeyViolation struct {
	DbError error
}

// Error returns the error message.
func (e *ErrSqlForeignKeyViolation) Error() string {
	return fmt.Sprintf("sql foreign key violation: %v", e.DbError)
}

// Unwrap returns the wrapped error.
func (e *ErrSqlForeignKeyViolation) Unwrap() error {
	return e.DbError
}

// ErrSerializationError means a transaction conflicted with a concurrent one
// and can be retried.
type ErrSerializationError struct {
	DbError error
}

// Error returns the error message.
func (e *ErrSerializationError) Error() string {
	return e.DbError.Error()
}

// Unwrap returns the wrapped error.
func (e *ErrSerializationError) Unwrap() error {
	return e.DbError
}
