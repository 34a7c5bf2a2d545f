package sqldb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported stores.
// Queries are written with ? placeholders and rebound per dialect.
type Dialect interface {
	// Name returns the dialect name ("postgres" or "sqlite")
	Name() string

	// Rebind converts ? placeholders to the dialect's format
	Rebind(query string) string

	// ListArg encodes a slice for an array column
	ListArg(v any) (any, error)

	// ListDest wraps a slice pointer so an array column can be scanned into it
	ListDest(dest any) any

	// Begin returns the statement that opens a write transaction
	Begin() string
}

// NewDialect returns the dialect for a configured driver name
func NewDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "pgx":
		return postgresDialect{}, nil
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", driver)
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// pgx encodes slices as native arrays.
func (postgresDialect) ListArg(v any) (any, error) { return v, nil }

func (postgresDialect) ListDest(dest any) any { return dest }

func (postgresDialect) Begin() string { return "BEGIN" }

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string { return query }

// IMMEDIATE takes the write lock up front so concurrent writers queue on
// busy_timeout instead of failing when a read lock is upgraded.
func (sqliteDialect) Begin() string { return "BEGIN IMMEDIATE" }

// SQLite has no array type; lists are stored as JSON text.
func (sqliteDialect) ListArg(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode list: %w", err)
	}
	return string(data), nil
}

func (sqliteDialect) ListDest(dest any) any {
	return &jsonList{dest: dest}
}

// jsonList scans JSON text into the wrapped slice pointer
type jsonList struct {
	dest any
}

var _ sql.Scanner = (*jsonList)(nil)

func (j *jsonList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into list", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, j.dest)
}

// encodeJSON encodes a map column. Empty maps are stored as NULL.
func encodeJSON[M ~map[K]V, K comparable, V any](m M) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(data), nil
}

// decodeJSON decodes a nullable map column scanned as text
func decodeJSON(raw *string, dest any) error {
	if raw == nil || *raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(*raw), dest); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
