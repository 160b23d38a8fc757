package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes the stores branch on.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// PostgresPoolConfig sizes the database/sql pool shared by the orchestrator
// stores. Zero values take the defaults below.
type PostgresPoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// PingTimeout bounds each startup ping; PingAttempts pings are made
	// PingBackoff apart before giving up (Postgres may still be starting).
	PingTimeout  time.Duration
	PingAttempts int
	PingBackoff  time.Duration
}

func (c PostgresPoolConfig) withDefaults() PostgresPoolConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.PingAttempts <= 0 {
		c.PingAttempts = 3
	}
	if c.PingBackoff <= 0 {
		c.PingBackoff = time.Second
	}
	return c
}

// OpenPostgres opens the pool and waits until the server answers a ping.
// driverName is "pgx" (callers blank-import github.com/jackc/pgx/v5/stdlib).
// NOTE: dsn carries the password; never log it.
func OpenPostgres(ctx context.Context, driverName, dsn string, pool PostgresPoolConfig) (*sql.DB, error) {
	pool = pool.withDefaults()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := waitForPostgres(ctx, db, pool); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func waitForPostgres(ctx context.Context, db *sql.DB, pool PostgresPoolConfig) error {
	var err error
	for attempt := 1; attempt <= pool.PingAttempts; attempt++ {
		if err = HealthCheck(ctx, db, pool.PingTimeout); err == nil {
			return nil
		}
		if attempt == pool.PingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(pool.PingBackoff):
		}
	}
	return fmt.Errorf("postgres unreachable after %d attempts: %w", pool.PingAttempts, err)
}

// HealthCheck pings the DB with a timeout.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("db ping failed: %w", err)
	}
	return nil
}

// TxFunc is the unit of work executed inside a transaction.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx runs fn inside a transaction: rollback on error or panic (the panic
// is re-raised), commit otherwise.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(ctx, tx)
}

func pgCode(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	_, ok := UniqueViolation(err)
	return ok
}

// UniqueViolation returns the violated constraint when err is a
// unique_violation, e.g. call_records_provider_call_id_key.
func UniqueViolation(err error) (constraint string, ok bool) {
	if pgErr, found := pgCode(err); found && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// IsRetryableTx reports serialization failures and deadlocks: the statement
// can be retried as-is.
func IsRetryableTx(err error) bool {
	pgErr, ok := pgCode(err)
	return ok && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected)
}
