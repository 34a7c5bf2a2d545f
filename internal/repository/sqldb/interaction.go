package sqldb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
)

// InteractionRepository handles interaction data access
type InteractionRepository struct {
	db *DB
}

// NewInteractionRepository creates a new interaction repository
func NewInteractionRepository(db *DB) *InteractionRepository {
	return &InteractionRepository{db: db}
}

var _ domain.InteractionRepository = (*InteractionRepository)(nil)

const interactionColumns = `
	interaction_id, session_id, created_at, user_query, llm_response,
	edited_response, positive_feedback, negative_feedback, feedback_reason,
	rating, interaction_time, clicks, scroll_depth, number_of_turns, idempotency_key`

// Create inserts an interaction. A zero NumberOfTurns takes the next value of
// the session's turn counter; the counter bump and the insert share one
// transaction, so concurrent appends to a session get distinct numbers and a
// failed insert leaves no gap. A caller-supplied number is stored as is and
// does not move the counter.
func (r *InteractionRepository) Create(ctx context.Context, i *domain.Interaction) error {
	query := r.db.rebind(`
		INSERT INTO interaction (` + interactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	counterQuery := r.db.rebind(`
		UPDATE session SET turn_count = turn_count + 1
		WHERE session_id = ?
		RETURNING turn_count
	`)

	turn := i.NumberOfTurns
	err := r.db.withTx(ctx, func(ctx context.Context, conn Conn) error {
		if turn == 0 {
			if err := conn.QueryRow(ctx, counterQuery, i.SessionID).Scan(&turn); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("%w: session %s", domain.ErrOrphanReference, i.SessionID)
				}
				return err
			}
		}

		_, err := conn.Exec(ctx, query,
			i.InteractionID,
			i.SessionID,
			i.CreatedAt.UTC(),
			i.UserQuery,
			i.LLMResponse,
			i.EditedResponse,
			i.PositiveFeedback,
			i.NegativeFeedback,
			i.FeedbackReason,
			i.Rating,
			i.InteractionTime,
			i.Clicks,
			i.ScrollDepth,
			turn,
			nullString(i.IdempotencyKey),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create interaction: %w", err)
	}

	i.NumberOfTurns = turn
	return nil
}

// Get retrieves an interaction by ID
func (r *InteractionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Interaction, error) {
	query := r.db.rebind(`SELECT ` + interactionColumns + ` FROM interaction WHERE interaction_id = ?`)

	var interaction *domain.Interaction
	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		var err error
		interaction, err = scanInteraction(conn.QueryRow(ctx, query, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}

	return interaction, nil
}

// FindByIdempotencyKey returns the interaction appended earlier under key
func (r *InteractionRepository) FindByIdempotencyKey(ctx context.Context, sessionID uuid.UUID, key string) (*domain.Interaction, error) {
	query := r.db.rebind(`
		SELECT ` + interactionColumns + `
		FROM interaction
		WHERE session_id = ? AND idempotency_key = ?
	`)

	var interaction *domain.Interaction
	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		var err error
		interaction, err = scanInteraction(conn.QueryRow(ctx, query, sessionID, key))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find interaction by idempotency key: %w", err)
	}

	return interaction, nil
}

// Update writes only the columns present in the patch, in one statement
func (r *InteractionRepository) Update(ctx context.Context, id uuid.UUID, patch *domain.InteractionPatch) error {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.EditedResponse != nil {
		set("edited_response", *patch.EditedResponse)
	}
	if patch.PositiveFeedback != nil {
		set("positive_feedback", *patch.PositiveFeedback)
	}
	if patch.NegativeFeedback != nil {
		set("negative_feedback", *patch.NegativeFeedback)
	}
	if patch.FeedbackReason != nil {
		set("feedback_reason", *patch.FeedbackReason)
	}
	if patch.Rating != nil {
		set("rating", *patch.Rating)
	}
	if patch.InteractionTime != nil {
		set("interaction_time", *patch.InteractionTime)
	}
	if patch.Clicks != nil {
		set("clicks", *patch.Clicks)
	}
	if patch.ScrollDepth != nil {
		set("scroll_depth", *patch.ScrollDepth)
	}
	if patch.NumberOfTurns != nil {
		set("number_of_turns", *patch.NumberOfTurns)
	}
	if len(sets) == 0 {
		return fmt.Errorf("failed to update interaction: %w", domain.ErrValidation)
	}

	args = append(args, id)
	query := r.db.rebind(`UPDATE interaction SET ` + strings.Join(sets, ", ") + ` WHERE interaction_id = ?`)

	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		n, err := conn.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update interaction %s: %w", id, err)
	}

	return nil
}

// ListBySession returns a session's interactions in creation order
func (r *InteractionRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]domain.Interaction, error) {
	query := r.db.rebind(`
		SELECT ` + interactionColumns + `
		FROM interaction
		WHERE session_id = ?
		ORDER BY created_at ASC, number_of_turns ASC
		LIMIT ? OFFSET ?
	`)

	var interactions []domain.Interaction
	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		rows, err := conn.Query(ctx, query, sessionID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			interaction, err := scanInteraction(rows)
			if err != nil {
				return err
			}
			interactions = append(interactions, *interaction)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}

	return interactions, nil
}

func scanInteraction(row Row) (*domain.Interaction, error) {
	var (
		i              domain.Interaction
		llmResponse    *string
		idempotencyKey *string
	)
	if err := row.Scan(
		&i.InteractionID,
		&i.SessionID,
		&i.CreatedAt,
		&i.UserQuery,
		&llmResponse,
		&i.EditedResponse,
		&i.PositiveFeedback,
		&i.NegativeFeedback,
		&i.FeedbackReason,
		&i.Rating,
		&i.InteractionTime,
		&i.Clicks,
		&i.ScrollDepth,
		&i.NumberOfTurns,
		&idempotencyKey,
	); err != nil {
		return nil, err
	}

	if llmResponse != nil {
		i.LLMResponse = *llmResponse
	}
	if idempotencyKey != nil {
		i.IdempotencyKey = *idempotencyKey
	}
	return &i, nil
}
