package sqldb

import (
	"context"
	"fmt"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
)

// RetrievalRepository handles retrieval telemetry rows
type RetrievalRepository struct {
	db *DB
}

// NewRetrievalRepository creates a new retrieval repository
func NewRetrievalRepository(db *DB) *RetrievalRepository {
	return &RetrievalRepository{db: db}
}

var _ domain.RetrievalRepository = (*RetrievalRepository)(nil)

const retrievalColumns = `
	retrieval_id, interaction_id, invocation_time, document_ids, faiss_time,
	document_count, similarity_scores, latency, document_sources, document_lengths, created_at`

// Create inserts a retrieval row. The unique interaction index rejects a
// second row for the same interaction with ErrDuplicateKey.
func (r *RetrievalRepository) Create(ctx context.Context, rt *domain.Retrieval) error {
	d := r.db.Dialect()

	lists := make([]any, 0, 4)
	for _, v := range []any{rt.DocumentIDs, rt.SimilarityScores, rt.DocumentSources, rt.DocumentLengths} {
		arg, err := d.ListArg(v)
		if err != nil {
			return err
		}
		lists = append(lists, arg)
	}

	query := r.db.rebind(`
		INSERT INTO retrieval (` + retrievalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx, query,
			rt.RetrievalID,
			rt.InteractionID,
			rt.InvocationTime,
			lists[0],
			rt.FaissTime,
			rt.DocumentCount,
			lists[1],
			rt.Latency,
			lists[2],
			lists[3],
			rt.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create retrieval: %w", err)
	}

	return nil
}

// GetByInteraction retrieves the retrieval row of an interaction
func (r *RetrievalRepository) GetByInteraction(ctx context.Context, interactionID uuid.UUID) (*domain.Retrieval, error) {
	d := r.db.Dialect()
	query := r.db.rebind(`SELECT ` + retrievalColumns + ` FROM retrieval WHERE interaction_id = ?`)

	var (
		rt                        domain.Retrieval
		invocationTime, faissTime *float64
		latency                   *float64
		documentCount             *int
	)
	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		return conn.QueryRow(ctx, query, interactionID).Scan(
			&rt.RetrievalID,
			&rt.InteractionID,
			&invocationTime,
			d.ListDest(&rt.DocumentIDs),
			&faissTime,
			&documentCount,
			d.ListDest(&rt.SimilarityScores),
			&latency,
			d.ListDest(&rt.DocumentSources),
			d.ListDest(&rt.DocumentLengths),
			&rt.CreatedAt,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get retrieval: %w", err)
	}

	rt.InvocationTime = deref(invocationTime)
	rt.FaissTime = deref(faissTime)
	rt.Latency = deref(latency)
	rt.DocumentCount = deref(documentCount)
	return &rt, nil
}

// InvocationRepository handles model invocation telemetry rows
type InvocationRepository struct {
	db *DB
}

// NewInvocationRepository creates a new invocation repository
func NewInvocationRepository(db *DB) *InvocationRepository {
	return &InvocationRepository{db: db}
}

var _ domain.InvocationRepository = (*InvocationRepository)(nil)

const invocationColumns = `
	llm_invocation_id, interaction_id, model_name, confidence_score, prompt_tokens,
	completion_tokens, total_tokens, latency, api_errors, temperature, top_p, top_k,
	guardrails_triggered, guardrail_violations, finish_reason, created_at`

// Create inserts an invocation row
func (r *InvocationRepository) Create(ctx context.Context, inv *domain.Invocation) error {
	violations, err := encodeJSON(inv.GuardrailViolations)
	if err != nil {
		return err
	}

	query := r.db.rebind(`
		INSERT INTO invocation (` + invocationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	err = r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx, query,
			inv.LLMInvocationID,
			inv.InteractionID,
			nullString(inv.ModelName),
			inv.ConfidenceScore,
			inv.PromptTokens,
			inv.CompletionTokens,
			inv.TotalTokens,
			inv.Latency,
			inv.APIErrors,
			inv.Temperature,
			inv.TopP,
			inv.TopK,
			inv.GuardrailsTriggered,
			violations,
			nullString(inv.FinishReason),
			inv.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create invocation: %w", err)
	}

	return nil
}

// GetByInteraction retrieves the invocation row of an interaction
func (r *InvocationRepository) GetByInteraction(ctx context.Context, interactionID uuid.UUID) (*domain.Invocation, error) {
	query := r.db.rebind(`SELECT ` + invocationColumns + ` FROM invocation WHERE interaction_id = ?`)

	var (
		inv                     domain.Invocation
		modelName, finishReason *string
		latency                 *float64
		violations              *string
	)
	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		return conn.QueryRow(ctx, query, interactionID).Scan(
			&inv.LLMInvocationID,
			&inv.InteractionID,
			&modelName,
			&inv.ConfidenceScore,
			&inv.PromptTokens,
			&inv.CompletionTokens,
			&inv.TotalTokens,
			&latency,
			&inv.APIErrors,
			&inv.Temperature,
			&inv.TopP,
			&inv.TopK,
			&inv.GuardrailsTriggered,
			&violations,
			&finishReason,
			&inv.CreatedAt,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get invocation: %w", err)
	}

	inv.ModelName = deref(modelName)
	inv.FinishReason = deref(finishReason)
	inv.Latency = deref(latency)
	if err := decodeJSON(violations, &inv.GuardrailViolations); err != nil {
		return nil, err
	}
	return &inv, nil
}

// EvaluationRepository handles evaluation rows
type EvaluationRepository struct {
	db *DB
}

// NewEvaluationRepository creates a new evaluation repository
func NewEvaluationRepository(db *DB) *EvaluationRepository {
	return &EvaluationRepository{db: db}
}

var _ domain.EvaluationRepository = (*EvaluationRepository)(nil)

const evaluationColumns = `
	evaluation_id, interaction_id, accuracy, correctness, relevance, coherence,
	fluency, completeness, helpfulness, toxicity, sentiment, human_eval_score,
	human_eval_notes, factual_consistency, hallucination_score, created_at`

// Create inserts an evaluation row
func (r *EvaluationRepository) Create(ctx context.Context, e *domain.Evaluation) error {
	query := r.db.rebind(`
		INSERT INTO evaluation (` + evaluationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx, query,
			e.EvaluationID,
			e.InteractionID,
			e.Accuracy,
			e.Correctness,
			e.Relevance,
			e.Coherence,
			e.Fluency,
			e.Completeness,
			e.Helpfulness,
			e.Toxicity,
			e.Sentiment,
			e.HumanEvalScore,
			e.HumanEvalNotes,
			e.FactualConsistency,
			e.HallucinationScore,
			e.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create evaluation: %w", err)
	}

	return nil
}

// GetByInteraction retrieves the evaluation row of an interaction
func (r *EvaluationRepository) GetByInteraction(ctx context.Context, interactionID uuid.UUID) (*domain.Evaluation, error) {
	query := r.db.rebind(`SELECT ` + evaluationColumns + ` FROM evaluation WHERE interaction_id = ?`)

	var e domain.Evaluation
	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		return conn.QueryRow(ctx, query, interactionID).Scan(
			&e.EvaluationID,
			&e.InteractionID,
			&e.Accuracy,
			&e.Correctness,
			&e.Relevance,
			&e.Coherence,
			&e.Fluency,
			&e.Completeness,
			&e.Helpfulness,
			&e.Toxicity,
			&e.Sentiment,
			&e.HumanEvalScore,
			&e.HumanEvalNotes,
			&e.FactualConsistency,
			&e.HallucinationScore,
			&e.CreatedAt,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation: %w", err)
	}

	return &e, nil
}

// DeadLetterRepository records session closes that could not be persisted
type DeadLetterRepository struct {
	db *DB
}

// NewDeadLetterRepository creates a new dead-letter repository
func NewDeadLetterRepository(db *DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

var _ domain.DeadLetterRepository = (*DeadLetterRepository)(nil)

// Record inserts a dead-letter row
func (r *DeadLetterRepository) Record(ctx context.Context, letter *domain.DeadLetter) error {
	query := r.db.rebind(`
		INSERT INTO session_dead_letter (id, session_id, end_time, reason, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx, query,
			letter.ID,
			letter.SessionID,
			letter.EndTime.UTC(),
			letter.Reason,
			letter.Attempts,
			letter.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}

	return nil
}

// ListBySession returns the dead letters recorded for a session
func (r *DeadLetterRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]domain.DeadLetter, error) {
	query := r.db.rebind(`
		SELECT id, session_id, end_time, reason, attempts, created_at
		FROM session_dead_letter
		WHERE session_id = ?
		ORDER BY created_at ASC
	`)

	var letters []domain.DeadLetter
	err := r.db.withConn(ctx, func(ctx context.Context, conn Conn) error {
		rows, err := conn.Query(ctx, query, sessionID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var l domain.DeadLetter
			if err := rows.Scan(&l.ID, &l.SessionID, &l.EndTime, &l.Reason, &l.Attempts, &l.CreatedAt); err != nil {
				return err
			}
			letters = append(letters, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	return letters, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
