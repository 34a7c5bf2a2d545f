package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// SessionMirror keeps a copy of active sessions in Redis so that another
// process can rehydrate a session it has not seen yet. Entries expire on
// their own after time_to_live.
type SessionMirror struct {
	client *Client
	ttl    time.Duration
}

// NewSessionMirror creates a new session mirror
func NewSessionMirror(client *Client, ttl time.Duration) *SessionMirror {
	return &SessionMirror{client: client, ttl: ttl}
}

func sessionKey(id uuid.UUID) string {
	return sessionKeyPrefix + id.String()
}

// Available reports whether the mirror should be consulted right now
func (m *SessionMirror) Available() bool {
	return m != nil && m.client.Healthy()
}

// Put stores a session, refreshing its TTL
func (m *SessionMirror) Put(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := m.client.rdb.Set(ctx, sessionKey(session.SessionID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mirror session: %w", err)
	}
	return nil
}

// Get retrieves a mirrored session. A miss returns domain.ErrNotFound.
func (m *SessionMirror) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	data, err := m.client.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read mirrored session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// Delete removes a mirrored session
func (m *SessionMirror) Delete(ctx context.Context, id uuid.UUID) error {
	if err := m.client.rdb.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete mirrored session: %w", err)
	}
	return nil
}
