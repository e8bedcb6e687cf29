package catdb

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	postgres_migrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/jackc/pgx/v4/stdlib" // Register the pgx driver.
)

const (
	defaultPostgresPort = 5432

	defaultMaxConns        = 25
	defaultMaxIdleConns    = 6
	defaultConnMaxLifetime = 10 * time.Minute
)

// PostgresConfig holds the postgres database configuration.
type PostgresConfig struct {
	SkipMigrations     bool          `long:"skipmigrations" description:"Skip applying migrations on startup."`
	Host               string        `long:"host" description:"Database server hostname."`
	Port               int           `long:"port" description:"Database server port."`
	User               string        `long:"user" description:"Database user."`
	Password           string        `long:"password" description:"Database user's password."`
	DBName             string        `long:"dbname" description:"Database name to use."`
	SSLMode            string        `long:"sslmode" description:"The SSL mode of the connection." choice:"disable" choice:"require" choice:"verify-full"`
	MaxOpenConnections int           `long:"maxconnections" description:"Max open connections to the database server."`
	MaxIdleConnections int           `long:"maxidleconnections" description:"Max idle connections kept in the pool."`
	ConnMaxLifetime    time.Duration `long:"connmaxlifetime" description:"Max time a connection is reused before it is closed."`
}

// DSN returns the connection string of the database. The password is masked
// if hidePassword is set so the result can be logged.
func (s *PostgresConfig) DSN(hidePassword bool) string {
	password := s.Password
	if hidePassword {
		password = "****"
	}

	port := s.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := s.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.User, password),
		Host:     fmt.Sprintf("%s:%d", s.Host, port),
		Path:     s.DBName,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}

	return dsn.String()
}

// configurePool applies the connection limits of the config, falling back to
// the defaults for unset values.
func (s *PostgresConfig) configurePool(db *sql.DB) {
	maxConns, maxIdle := defaultMaxConns, defaultMaxIdleConns
	lifetime := defaultConnMaxLifetime

	if s.MaxOpenConnections > 0 {
		maxConns = s.MaxOpenConnections
	}
	if s.MaxIdleConnections > 0 {
		maxIdle = s.MaxIdleConnections
	}
	if s.ConnMaxLifetime > 0 {
		lifetime = s.ConnMaxLifetime
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(min(maxIdle, maxConns))
	db.SetConnMaxLifetime(lifetime)
}

// postgresSchemaReplacements maps sqlite specific types of the migration
// files to their postgres counterparts.
var postgresSchemaReplacements = map[string]string{
	"BLOB":                "BYTEA",
	"INTEGER PRIMARY KEY": "SERIAL PRIMARY KEY",
	"TIMESTAMP":           "TIMESTAMP WITHOUT TIME ZONE",
}

// PostgresStore is a store backed by a postgres database.
type PostgresStore struct {
	cfg *PostgresConfig

	*BaseDB
}

// NewPostgresStore connects to the postgres database of the config and
// migrates it to the latest schema unless migrations are skipped.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	log.Infof("Using SQL database '%s'", cfg.DSN(true))

	rawDb, err := sql.Open("pgx", cfg.DSN(false))
	if err != nil {
		return nil, err
	}
	cfg.configurePool(rawDb)

	if !cfg.SkipMigrations {
		driver, err := postgres_migrate.WithInstance(
			rawDb, &postgres_migrate.Config{},
		)
		if err != nil {
			return nil, fmt.Errorf("unable to create migration "+
				"driver: %w", err)
		}

		postgresFS := newReplacerFS(
			sqlSchemas, postgresSchemaReplacements,
		)
		err = applyMigrations(
			postgresFS, driver, migrationsPath, cfg.DBName,
		)
		if err != nil {
			return nil, err
		}
	}

	return &PostgresStore{
		cfg: cfg,
		BaseDB: &BaseDB{
			DB:      rawDb,
			Backend: BackendPostgres,
		},
	}, nil
}
