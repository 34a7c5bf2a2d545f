package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// InteractionRecorder writes one interaction per conversational turn
type InteractionRecorder struct {
	repo     domain.InteractionRepository
	sessions domain.SessionRepository
	cache    *SessionCache
	clock    clockwork.Clock
	retries  int
}

// NewInteractionRecorder creates a new interaction recorder
func NewInteractionRecorder(
	repo domain.InteractionRepository,
	sessions domain.SessionRepository,
	cache *SessionCache,
	clock clockwork.Clock,
	retries int,
) *InteractionRecorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InteractionRecorder{
		repo:     repo,
		sessions: sessions,
		cache:    cache,
		clock:    clock,
		retries:  retries,
	}
}

// Append validates and synchronously persists an interaction, returning its
// id. The session must exist, in the cache or in the store.
func (r *InteractionRecorder) Append(ctx context.Context, interaction *domain.Interaction) (uuid.UUID, error) {
	if interaction == nil {
		return uuid.Nil, &domain.ValidationError{Message: "interaction is required"}
	}
	if err := interaction.Validate(); err != nil {
		return uuid.Nil, err
	}

	cached, err := r.ensureSession(ctx, interaction.SessionID)
	if err != nil {
		return uuid.Nil, err
	}

	if interaction.IdempotencyKey != "" {
		existing, err := r.repo.FindByIdempotencyKey(ctx, interaction.SessionID, interaction.IdempotencyKey)
		if err == nil {
			log.Debug().
				Str("interaction_id", existing.InteractionID.String()).
				Str("idempotency_key", interaction.IdempotencyKey).
				Msg("Interaction already recorded")
			return existing.InteractionID, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	if interaction.InteractionID == uuid.Nil {
		interaction.InteractionID = uuid.New()
	}
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = r.clock.Now()
	}

	err = retryCreate(ctx, "append interaction", r.retries, func(ctx context.Context) error {
		return r.repo.Create(ctx, interaction)
	}, func(ctx context.Context) (bool, error) {
		return r.stored(ctx, interaction)
	})
	if err != nil {
		if errors.Is(err, domain.ErrOrphanReference) {
			return uuid.Nil, fmt.Errorf("%w: %s", domain.ErrOrphanSession, interaction.SessionID)
		}
		if errors.Is(err, domain.ErrDuplicateKey) && interaction.IdempotencyKey != "" {
			// A concurrent append with the same key won the race.
			existing, findErr := r.repo.FindByIdempotencyKey(ctx, interaction.SessionID, interaction.IdempotencyKey)
			if findErr == nil {
				return existing.InteractionID, nil
			}
		}
		return uuid.Nil, fmt.Errorf("failed to append interaction: %w", err)
	}

	if cached && r.cache != nil {
		r.cache.Touch(ctx, interaction.SessionID)
	}

	log.Debug().
		Str("interaction_id", interaction.InteractionID.String()).
		Str("session_id", interaction.SessionID.String()).
		Int("turn", interaction.NumberOfTurns).
		Msg("Interaction recorded")

	return interaction.InteractionID, nil
}

// stored reports whether the row under the interaction's id is this
// interaction rather than an unrelated one that reused the id, picking up
// the turn number the store assigned.
func (r *InteractionRecorder) stored(ctx context.Context, interaction *domain.Interaction) (bool, error) {
	existing, err := r.repo.Get(ctx, interaction.InteractionID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if existing.SessionID != interaction.SessionID ||
		existing.UserQuery != interaction.UserQuery ||
		existing.IdempotencyKey != interaction.IdempotencyKey {
		return false, nil
	}
	interaction.NumberOfTurns = existing.NumberOfTurns
	return true, nil
}

// ensureSession reports whether the session is active in the cache. A
// session known only to the store is accepted; an unknown one is an orphan.
func (r *InteractionRecorder) ensureSession(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	if r.cache != nil {
		if _, ok := r.cache.Get(ctx, sessionID); ok {
			return true, nil
		}
	}

	err := retryUnavailable(ctx, "lookup session", r.retries, func(ctx context.Context) error {
		_, err := r.sessions.Get(ctx, sessionID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", domain.ErrOrphanSession, sessionID)
		}
		return false, fmt.Errorf("failed to look up session: %w", err)
	}
	return false, nil
}

// Update applies a feedback or edit patch to an interaction
func (r *InteractionRecorder) Update(ctx context.Context, interactionID uuid.UUID, patch *domain.InteractionPatch) error {
	if patch == nil {
		return &domain.ValidationError{Field: "patch", Message: "no mutable field provided"}
	}
	if err := patch.Validate(); err != nil {
		return err
	}

	err := retryUnavailable(ctx, "update interaction", r.retries, func(ctx context.Context) error {
		return r.repo.Update(ctx, interactionID, patch)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to update interaction: %w", err)
	}
	return nil
}

// Get returns a single interaction
func (r *InteractionRecorder) Get(ctx context.Context, interactionID uuid.UUID) (*domain.Interaction, error) {
	interaction, err := r.repo.Get(ctx, interactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return interaction, nil
}

// History returns the interactions of a session in turn order
func (r *InteractionRecorder) History(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]domain.Interaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	interactions, err := r.repo.ListBySession(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	return interactions, nil
}
