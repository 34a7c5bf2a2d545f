package sqldb

import "context"

// Conn is a single physical connection to the durable store. Implementations
// translate driver errors into the domain error taxonomy.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Row is the result of QueryRow
type Row interface {
	Scan(dest ...any) error
}

// Rows is a cursor over a multi-row result
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Dialer opens new physical connections for the pool
type Dialer func(ctx context.Context) (Conn, error)
