package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// sqlxIn expands slice arguments (for an IN (?) clause) into individual
// bind placeholders ahead of driver-specific rebinding.
func sqlxIn(query string, args ...any) (string, []any, error) {
	return sqlx.In(query, args...)
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a pooled *sqlx.DB with the driver it was opened with, since the
// two profiles diverge on pragma/session setup and placeholder style.
type DB struct {
	*sqlx.DB
	Driver Driver
}

// Connect opens and pings a pooled connection for the configured driver,
// applying the pool and session parameters from spec §6.4.
func Connect(ctx context.Context, cfg *Config, log *slog.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid config: %w", err)
	}

	var sqlDB *sql.DB
	var err error

	switch cfg.Driver {
	case DriverSQLite:
		sqlDB, err = sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_cache_size=-64000")
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite %s: %w", cfg.Path, err)
		}
		// SQLite has a single writer; keep the pool small regardless of config.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	case DriverPostgres:
		connCfg, perr := pgx.ParseConfig(cfg.ConnectionString())
		if perr != nil {
			return nil, fmt.Errorf("store: parse postgres dsn: %w", perr)
		}
		// The describe-exec mode re-describes every statement instead of
		// caching it by SQL text, so a migration run that alters the schema
		// while this pool is live never hits a stale plan (SQLSTATE 0A000).
		connCfg.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
		sqlDB = stdlib.OpenDB(*connCfg)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: ping %s: %w", cfg.Driver, err)
	}

	driverName := "sqlite3"
	if cfg.Driver == DriverPostgres {
		driverName = "pgx"
	}
	log.Info("database connected", "driver", cfg.Driver, "max_open_conns", sqlDB.Stats().MaxOpenConnections)
	return &DB{DB: sqlx.NewDb(sqlDB, driverName), Driver: cfg.Driver}, nil
}

// Migrate runs all embedded goose migrations against the connection.
func Migrate(ctx context.Context, db *DB) error {
	goose.SetBaseFS(migrationsFS)
	dialect := "sqlite3"
	if db.Driver == DriverPostgres {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("store: set goose dialect %s: %w", dialect, err)
	}
	if err := goose.UpContext(ctx, db.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

// rebind rewrites a "?"-style query to the target driver's placeholder style.
func (db *DB) rebind(query string) string {
	return db.Rebind(query)
}
