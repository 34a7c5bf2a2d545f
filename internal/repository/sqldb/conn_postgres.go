package sqldb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialer returns a Dialer producing pgx connections for dsn
func PostgresDialer(dsn string) (Dialer, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, connConfig.Copy())
		if err != nil {
			return nil, classifyPostgres(err)
		}
		return &pgConn{conn: conn}, nil
	}, nil
}

type pgConn struct {
	conn *pgx.Conn
}

func (c *pgConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, classifyPostgres(err)
	}
	return tag.RowsAffected(), nil
}

func (c *pgConn) QueryRow(ctx context.Context, query string, args ...any) Row {
	return pgRow{row: c.conn.QueryRow(ctx, query, args...)}
}

func (c *pgConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	return pgRows{rows: rows}, nil
}

func (c *pgConn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

func (c *pgConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

type pgRow struct {
	row pgx.Row
}

func (r pgRow) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

type pgRows struct {
	rows pgx.Rows
}

func (r pgRows) Next() bool { return r.rows.Next() }

func (r pgRows) Scan(dest ...any) error {
	if err := r.rows.Scan(dest...); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

func (r pgRows) Err() error {
	if err := r.rows.Err(); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

func (r pgRows) Close() { r.rows.Close() }

// classifyPostgres maps SQLSTATE codes and network failures onto domain errors
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %w", domain.ErrDuplicateKey, err)
		case pgErr.Code == "23503":
			return fmt.Errorf("%w: %w", domain.ErrOrphanReference, err)
		case pgErr.Code == "40001",
			strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}
