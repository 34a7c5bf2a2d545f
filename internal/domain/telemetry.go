package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Retrieval records which documents were retrieved for an interaction.
// The document lists are parallel: index i of each list describes the same document.
type Retrieval struct {
	RetrievalID      uuid.UUID `json:"retrieval_id"`
	InteractionID    uuid.UUID `json:"interaction_id"`
	InvocationTime   float64   `json:"invocation_time" validate:"min=0"`
	DocumentIDs      []string  `json:"document_ids"`
	FaissTime        float64   `json:"faiss_time" validate:"min=0"`
	DocumentCount    int       `json:"document_count" validate:"min=0"`
	SimilarityScores []float64 `json:"similarity_scores"`
	Latency          float64   `json:"latency" validate:"min=0"`
	DocumentSources  []string  `json:"document_sources"`
	DocumentLengths  []int     `json:"document_lengths" validate:"dive,min=0"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate enforces the parallel-list invariant
func (r *Retrieval) Validate() error {
	if r.InteractionID == uuid.Nil {
		return invalid("interaction_id", "must be set")
	}
	if err := validateStruct(r); err != nil {
		return err
	}

	n := len(r.DocumentIDs)
	if len(r.SimilarityScores) != n {
		return invalid("similarity_scores", "has %d entries, want %d", len(r.SimilarityScores), n)
	}
	if len(r.DocumentSources) != n {
		return invalid("document_sources", "has %d entries, want %d", len(r.DocumentSources), n)
	}
	if len(r.DocumentLengths) != n {
		return invalid("document_lengths", "has %d entries, want %d", len(r.DocumentLengths), n)
	}
	if r.DocumentCount != 0 && r.DocumentCount != n {
		return invalid("document_count", "is %d but %d documents were listed", r.DocumentCount, n)
	}
	return nil
}

// Invocation records model usage metrics for an interaction
type Invocation struct {
	LLMInvocationID     uuid.UUID      `json:"llm_invocation_id"`
	InteractionID       uuid.UUID      `json:"interaction_id"`
	ModelName           string         `json:"model_name" validate:"max=255"`
	ConfidenceScore     *float64       `json:"confidence_score,omitempty" validate:"omitempty,min=0,max=1"`
	PromptTokens        int            `json:"prompt_tokens" validate:"min=0"`
	CompletionTokens    int            `json:"completion_tokens" validate:"min=0"`
	TotalTokens         int            `json:"total_tokens" validate:"min=0"`
	Latency             float64        `json:"latency" validate:"min=0"`
	APIErrors           int            `json:"api_errors" validate:"min=0"`
	Temperature         *float64       `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	TopP                *float64       `json:"top_p,omitempty" validate:"omitempty,min=0,max=1"`
	TopK                *int           `json:"top_k,omitempty" validate:"omitempty,min=0"`
	GuardrailsTriggered bool           `json:"guardrails_triggered"`
	GuardrailViolations map[string]any `json:"guardrail_violations,omitempty"`
	FinishReason        string         `json:"finish_reason,omitempty" validate:"max=255"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Validate checks token accounting and fills the total when omitted
func (i *Invocation) Validate() error {
	if i.InteractionID == uuid.Nil {
		return invalid("interaction_id", "must be set")
	}
	if err := validateStruct(i); err != nil {
		return err
	}
	if i.TotalTokens == 0 {
		i.TotalTokens = i.PromptTokens + i.CompletionTokens
	}
	if i.TotalTokens < i.PromptTokens+i.CompletionTokens {
		return invalid("total_tokens", "is smaller than prompt plus completion tokens")
	}
	if len(i.GuardrailViolations) > 0 && !i.GuardrailsTriggered {
		return invalid("guardrails_triggered", "must be set when violations are reported")
	}
	return nil
}

// Evaluation records quality scores for an interaction. It may arrive long
// after the turn completed.
type Evaluation struct {
	EvaluationID       uuid.UUID `json:"evaluation_id"`
	InteractionID      uuid.UUID `json:"interaction_id"`
	Accuracy           *float64  `json:"accuracy,omitempty" validate:"omitempty,min=0,max=1"`
	Correctness        *float64  `json:"correctness,omitempty" validate:"omitempty,min=0,max=1"`
	Relevance          *float64  `json:"relevance,omitempty" validate:"omitempty,min=0,max=1"`
	Coherence          *float64  `json:"coherence,omitempty" validate:"omitempty,min=0,max=1"`
	Fluency            *float64  `json:"fluency,omitempty" validate:"omitempty,min=0,max=1"`
	Completeness       *float64  `json:"completeness,omitempty" validate:"omitempty,min=0,max=1"`
	Helpfulness        *float64  `json:"helpfulness,omitempty" validate:"omitempty,min=0,max=1"`
	Toxicity           *float64  `json:"toxicity,omitempty" validate:"omitempty,min=0,max=1"`
	Sentiment          *float64  `json:"sentiment,omitempty" validate:"omitempty,min=-1,max=1"`
	HumanEvalScore     *float64  `json:"human_eval_score,omitempty" validate:"omitempty,min=0"`
	HumanEvalNotes     *string   `json:"human_eval_notes,omitempty" validate:"omitempty,max=4000"`
	FactualConsistency *float64  `json:"factual_consistency,omitempty" validate:"omitempty,min=0,max=1"`
	HallucinationScore *float64  `json:"hallucination_score,omitempty" validate:"omitempty,min=0,max=1"`
	CreatedAt          time.Time `json:"created_at"`
}

// Validate checks score ranges
func (e *Evaluation) Validate() error {
	if e.InteractionID == uuid.Nil {
		return invalid("interaction_id", "must be set")
	}
	return validateStruct(e)
}

// RetrievalRepository stores write-once retrieval rows
type RetrievalRepository interface {
	Create(ctx context.Context, retrieval *Retrieval) error
	GetByInteraction(ctx context.Context, interactionID uuid.UUID) (*Retrieval, error)
}

// InvocationRepository stores write-once invocation rows
type InvocationRepository interface {
	Create(ctx context.Context, invocation *Invocation) error
	GetByInteraction(ctx context.Context, interactionID uuid.UUID) (*Invocation, error)
}

// EvaluationRepository stores write-once evaluation rows
type EvaluationRepository interface {
	Create(ctx context.Context, evaluation *Evaluation) error
	GetByInteraction(ctx context.Context, interactionID uuid.UUID) (*Evaluation, error)
}
