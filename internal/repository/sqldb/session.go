package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
)

// SessionRepository handles durable session data access
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

var _ domain.SessionRepository = (*SessionRepository)(nil)

const sessionColumns = `session_id, user_id, start_time, end_time, device_type, metadata`

// Create inserts a new session row
func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	metadata, err := encodeJSON(session.Metadata)
	if err != nil {
		return err
	}

	query := r.db.rebind(`
		INSERT INTO session (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	err = r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx, query,
			session.SessionID,
			session.UserID,
			session.StartTime.UTC(),
			utcPtr(session.EndTime),
			nullString(session.DeviceType),
			metadata,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves a session by ID
func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	query := r.db.rebind(`SELECT ` + sessionColumns + ` FROM session WHERE session_id = ?`)

	var session *domain.Session
	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		var err error
		session, err = scanSession(conn.QueryRow(ctx, query, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// Close sets end_time once. A row already closed reports ErrSessionClosed
// and keeps its original end_time.
func (r *SessionRepository) Close(ctx context.Context, id uuid.UUID, endTime time.Time) error {
	update := r.db.rebind(`UPDATE session SET end_time = ? WHERE session_id = ? AND end_time IS NULL`)
	exists := r.db.rebind(`SELECT COUNT(*) FROM session WHERE session_id = ?`)

	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		n, err := conn.Exec(ctx, update, endTime.UTC(), id)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		var count int
		if err := conn.QueryRow(ctx, exists, id).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrSessionClosed
	})
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", id, err)
	}

	return nil
}

// FindByUser lists a user's sessions ordered by start time
func (r *SessionRepository) FindByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	query := r.db.rebind(`
		SELECT ` + sessionColumns + `
		FROM session
		WHERE user_id = ?
		ORDER BY start_time ASC
	`)

	var sessions []domain.Session
	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		rows, err := conn.Query(ctx, query, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			session, err := scanSession(rows)
			if err != nil {
				return err
			}
			sessions = append(sessions, *session)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, nil
}

func scanSession(row Row) (*domain.Session, error) {
	var (
		session    domain.Session
		endTime    *time.Time
		deviceType *string
		metadata   *string
	)
	if err := row.Scan(
		&session.SessionID,
		&session.UserID,
		&session.StartTime,
		&endTime,
		&deviceType,
		&metadata,
	); err != nil {
		return nil, err
	}

	session.EndTime = endTime
	if deviceType != nil {
		session.DeviceType = *deviceType
	}
	if err := decodeJSON(metadata, &session.Metadata); err != nil {
		return nil, err
	}
	return &session, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
