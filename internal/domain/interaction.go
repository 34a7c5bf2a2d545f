package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Interaction is one conversational turn inside a session
type Interaction struct {
	InteractionID    uuid.UUID `json:"interaction_id"`
	SessionID        uuid.UUID `json:"session_id"`
	CreatedAt        time.Time `json:"created_at"`
	UserQuery        string    `json:"user_query" validate:"required"`
	LLMResponse      string    `json:"llm_response"`
	EditedResponse   *string   `json:"edited_response,omitempty"`
	PositiveFeedback *bool     `json:"positive_feedback,omitempty"`
	NegativeFeedback *bool     `json:"negative_feedback,omitempty"`
	FeedbackReason   *string   `json:"feedback_reason,omitempty"`
	Rating           *int      `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	InteractionTime  *int      `json:"interaction_time,omitempty" validate:"omitempty,min=0"`
	Clicks           *int      `json:"clicks,omitempty" validate:"omitempty,min=0"`
	ScrollDepth      *float64  `json:"scroll_depth,omitempty" validate:"omitempty,min=0,max=1"`
	NumberOfTurns    int       `json:"number_of_turns" validate:"min=0"`
	// IdempotencyKey is supplied by callers that retry appends. The core never
	// synthesizes one.
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=128"`
}

// Validate checks an interaction before it is appended
func (i *Interaction) Validate() error {
	if i.SessionID == uuid.Nil {
		return invalid("session_id", "must be set")
	}
	return validateStruct(i)
}

// InteractionPatch carries the post-write mutable fields of an interaction.
// Nil fields are left untouched.
type InteractionPatch struct {
	EditedResponse   *string  `json:"edited_response,omitempty"`
	PositiveFeedback *bool    `json:"positive_feedback,omitempty"`
	NegativeFeedback *bool    `json:"negative_feedback,omitempty"`
	FeedbackReason   *string  `json:"feedback_reason,omitempty" validate:"omitempty,max=2000"`
	Rating           *int     `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	InteractionTime  *int     `json:"interaction_time,omitempty" validate:"omitempty,min=0"`
	Clicks           *int     `json:"clicks,omitempty" validate:"omitempty,min=0"`
	ScrollDepth      *float64 `json:"scroll_depth,omitempty" validate:"omitempty,min=0,max=1"`
	NumberOfTurns    *int     `json:"number_of_turns,omitempty" validate:"omitempty,min=0"`
}

// Empty reports whether the patch changes nothing
func (p *InteractionPatch) Empty() bool {
	return p.EditedResponse == nil &&
		p.PositiveFeedback == nil &&
		p.NegativeFeedback == nil &&
		p.FeedbackReason == nil &&
		p.Rating == nil &&
		p.InteractionTime == nil &&
		p.Clicks == nil &&
		p.ScrollDepth == nil &&
		p.NumberOfTurns == nil
}

// Validate checks the patch values
func (p *InteractionPatch) Validate() error {
	if p.Empty() {
		return invalid("patch", "no mutable field provided")
	}
	return validateStruct(p)
}

// InteractionRepository defines the interface for interaction storage
type InteractionRepository interface {
	Create(ctx context.Context, interaction *Interaction) error
	Get(ctx context.Context, id uuid.UUID) (*Interaction, error)
	FindByIdempotencyKey(ctx context.Context, sessionID uuid.UUID, key string) (*Interaction, error)
	Update(ctx context.Context, id uuid.UUID, patch *InteractionPatch) error
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]Interaction, error)
}
