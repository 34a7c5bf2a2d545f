package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session represents one conversational session of a user
type Session struct {
	SessionID  uuid.UUID       `json:"session_id"`
	UserID     string          `json:"user_id" validate:"required,max=255"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    *time.Time      `json:"end_time,omitempty"`
	DeviceType string          `json:"device_type,omitempty" validate:"max=64"`
	Metadata   SessionMetadata `json:"metadata,omitempty"`
}

// Active reports whether the session has not been closed yet
func (s *Session) Active() bool {
	return s.EndTime == nil
}

// Clone returns a deep copy so cached sessions never leak shared state
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.Metadata != nil {
		c.Metadata = make(SessionMetadata, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Validate checks a session before it is persisted
func (s *Session) Validate() error {
	if s.SessionID == uuid.Nil {
		return invalid("session_id", "must be set")
	}
	if err := validateStruct(s); err != nil {
		return err
	}
	return s.Metadata.Validate()
}

// DeadLetter records a session close that could not be persisted
type DeadLetter struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	EndTime   time.Time `json:"end_time"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRepository defines the interface for durable session storage
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Close(ctx context.Context, id uuid.UUID, endTime time.Time) error
	FindByUser(ctx context.Context, userID string) ([]Session, error)
}

// DeadLetterRepository stores sessions whose close could not be persisted
type DeadLetterRepository interface {
	Record(ctx context.Context, letter *DeadLetter) error
}
