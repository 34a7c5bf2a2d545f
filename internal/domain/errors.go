package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, cache and recorders. Callers branch
// with errors.Is; every layer wraps with context on the way up.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrOrphanReference  = errors.New("orphan reference")
	ErrOrphanSession    = fmt.Errorf("%w: session does not exist", ErrOrphanReference)
	ErrPoolExhausted    = errors.New("connection pool exhausted")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrValidation       = errors.New("validation failed")
	ErrEvictionPersist  = errors.New("eviction persist failure")
	ErrSessionClosed    = errors.New("session already closed")
	ErrUncommitted      = errors.New("turn uncommitted")
)

// ValidationError describes malformed or inconsistent input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrValidation) match any *ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is worth retrying against the store.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrPoolExhausted)
}
