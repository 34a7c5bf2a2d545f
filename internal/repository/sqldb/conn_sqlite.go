package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/Rrens/session-telemetry/internal/domain"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqlitePragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// SQLiteDialer returns a Dialer handing out dedicated connections from a
// modernc sqlite handle. The handle keeps no idle connections of its own so
// that the pool alone decides what stays open.
func SQLiteDialer(path string) (Dialer, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxIdleConns(0)

	dial := func(ctx context.Context) (Conn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, classifySQLite(err)
		}
		for _, pragma := range sqlitePragmas {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, classifySQLite(err))
			}
		}
		return &sqliteConn{conn: conn}, nil
	}
	return dial, db, nil
}

type sqliteConn struct {
	conn *sql.Conn
}

func (c *sqliteConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classifySQLite(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func (c *sqliteConn) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqliteRow{row: c.conn.QueryRowContext(ctx, query, args...)}
}

func (c *sqliteConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	return sqliteRows{rows: rows}, nil
}

func (c *sqliteConn) Ping(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		return classifySQLite(err)
	}
	return nil
}

func (c *sqliteConn) Close(_ context.Context) error {
	return c.conn.Close()
}

type sqliteRow struct {
	row *sql.Row
}

func (r sqliteRow) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		return classifySQLite(err)
	}
	return nil
}

type sqliteRows struct {
	rows *sql.Rows
}

func (r sqliteRows) Next() bool { return r.rows.Next() }

func (r sqliteRows) Scan(dest ...any) error {
	if err := r.rows.Scan(dest...); err != nil {
		return classifySQLite(err)
	}
	return nil
}

func (r sqliteRows) Err() error {
	if err := r.rows.Err(); err != nil {
		return classifySQLite(err)
	}
	return nil
}

func (r sqliteRows) Close() { r.rows.Close() }

// classifySQLite maps sqlite result codes onto domain errors
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %w", domain.ErrDuplicateKey, err)
		case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: %w", domain.ErrOrphanReference, err)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
	}

	// Primary result codes only carry the class; fall back to the message.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %w", domain.ErrDuplicateKey, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %w", domain.ErrOrphanReference, err)
	case strings.Contains(msg, "database is locked"):
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}
