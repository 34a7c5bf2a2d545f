package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/session-telemetry/internal/config"
	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DB couples the connection pool with the dialect its queries are written for
type DB struct {
	Pool         *Pool
	dialect      Dialect
	queryTimeout time.Duration
	handle       *sql.DB
}

// Open creates the pool for the configured driver and verifies connectivity
func Open(ctx context.Context, dbCfg config.DatabaseConfig, poolCfg config.PoolConfig) (*DB, error) {
	dialect, err := NewDialect(dbCfg.Driver)
	if err != nil {
		return nil, err
	}

	var (
		dial   Dialer
		handle *sql.DB
	)
	switch dialect.Name() {
	case config.DriverSQLite:
		dial, handle, err = SQLiteDialer(dbCfg.DSN())
	default:
		dial, err = PostgresDialer(dbCfg.DSN())
	}
	if err != nil {
		return nil, err
	}

	pool, err := NewPool(dial, PoolOptions{
		Size:           poolCfg.PoolSize,
		MaxOverflow:    poolCfg.MaxOverflow,
		Recycle:        poolCfg.RecycleDuration(),
		AcquireTimeout: poolCfg.TimeoutDuration(),
		Clock:          clockwork.NewRealClock(),
	})
	if err != nil {
		return nil, err
	}

	db := New(pool, dialect, poolCfg.QueryTimeoutDuration())
	db.handle = handle

	// Verify connection
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// New wraps an existing pool
func New(pool *Pool, dialect Dialect, queryTimeout time.Duration) *DB {
	return &DB{Pool: pool, dialect: dialect, queryTimeout: queryTimeout}
}

// Dialect returns the SQL dialect of the store
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.handle != nil {
		db.handle.Close()
	}
}

// Ping verifies database connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		return conn.Ping(ctx)
	})
}

// withConn runs fn on a pooled connection. Acquisition is bounded by the
// caller's context and the pool's acquire timeout; the query timeout only
// covers fn. A connection that reported the store as unavailable is not
// reused.
func (db *DB) withConn(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrPoolExhausted) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPoolClosed) {
			return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		return err
	}

	qctx := ctx
	if db.queryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, db.queryTimeout)
		defer cancel()
	}

	err = fn(qctx, conn)
	if errors.Is(err, domain.ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		conn.MarkBroken()
	}
	db.Pool.Release(conn)

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

// withTx runs fn inside a transaction on a single pooled connection. The
// transaction commits when fn returns nil and rolls back otherwise.
func (db *DB) withTx(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	return db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		if _, err := conn.Exec(ctx, db.dialect.Begin()); err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(ctx, conn); err != nil {
			rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthCheckTimeout)
			defer cancel()
			if _, rbErr := conn.Exec(rbCtx, "ROLLBACK"); rbErr != nil {
				log.Warn().Err(rbErr).Msg("Rollback failed, discarding connection")
				// An open transaction must not return to the pool.
				return fmt.Errorf("%w: rollback failed: %w", domain.ErrStoreUnavailable, err)
			}
			return err
		}

		// The outcome of a failed commit is unknown, so the connection is
		// dropped and the caller retries as if the store were unavailable.
		if _, err := conn.Exec(ctx, "COMMIT"); err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				return fmt.Errorf("failed to commit transaction: %w", err)
			}
			return fmt.Errorf("%w: failed to commit transaction: %w", domain.ErrStoreUnavailable, err)
		}
		return nil
	})
}

func (db *DB) rebind(query string) string {
	return db.dialect.Rebind(query)
}
