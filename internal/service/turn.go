package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TurnInput is everything recorded for one conversational turn
type TurnInput struct {
	SessionID      *uuid.UUID             `json:"session_id,omitempty"`
	UserID         string                 `json:"user_id" validate:"required_without=SessionID,max=255"`
	DeviceType     string                 `json:"device_type,omitempty" validate:"max=64"`
	Metadata       domain.SessionMetadata `json:"metadata,omitempty"`
	UserQuery      string                 `json:"user_query" validate:"required"`
	LLMResponse    string                 `json:"llm_response"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty" validate:"max=128"`
	Retrieval      *domain.Retrieval      `json:"retrieval,omitempty" validate:"-"`
	Invocation     *domain.Invocation     `json:"invocation,omitempty" validate:"-"`
	Evaluation     *domain.Evaluation     `json:"evaluation,omitempty" validate:"-"`
}

// TurnResult identifies what a turn committed
type TurnResult struct {
	SessionID     uuid.UUID  `json:"session_id"`
	InteractionID uuid.UUID  `json:"interaction_id"`
	RetrievalID   *uuid.UUID `json:"retrieval_id,omitempty"`
	InvocationID  *uuid.UUID `json:"llm_invocation_id,omitempty"`
	EvaluationID  *uuid.UUID `json:"evaluation_id,omitempty"`
}

// TurnService coordinates the per-turn write path
type TurnService struct {
	cache       *SessionCache
	recorder    *InteractionRecorder
	retrievals  *RetrievalLog
	invocations *InvocationLog
	evaluations *EvaluationLog
	deadline    time.Duration
}

// NewTurnService creates a new turn service
func NewTurnService(
	cache *SessionCache,
	recorder *InteractionRecorder,
	retrievals *RetrievalLog,
	invocations *InvocationLog,
	evaluations *EvaluationLog,
	deadline time.Duration,
) *TurnService {
	return &TurnService{
		cache:       cache,
		recorder:    recorder,
		retrievals:  retrievals,
		invocations: invocations,
		evaluations: evaluations,
		deadline:    deadline,
	}
}

// Record resolves the session, appends the interaction and hands any
// telemetry to the background logs. Only the session and interaction writes
// can fail the turn.
func (s *TurnService) Record(ctx context.Context, in TurnInput) (*TurnResult, error) {
	ctx, span := otel.Tracer("turn-service").Start(ctx, "TurnService.Record")
	defer span.End()

	if s.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deadline)
		defer cancel()
	}

	result, err := s.commit(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", domain.ErrUncommitted, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session_id", result.SessionID.String()),
		attribute.String("interaction_id", result.InteractionID.String()),
	)

	s.appendTelemetry(ctx, in, result)
	return result, nil
}

func (s *TurnService) commit(ctx context.Context, in TurnInput) (*TurnResult, error) {
	var sessionID uuid.UUID
	if in.SessionID != nil && *in.SessionID != uuid.Nil {
		// The recorder verifies the session and touches it when cached.
		sessionID = *in.SessionID
	} else {
		if in.UserID == "" {
			return nil, &domain.ValidationError{Field: "user_id", Message: "field is required"}
		}
		session, err := s.cache.GetOrCreate(ctx, in.UserID, CreateOptions{
			DeviceType: in.DeviceType,
			Metadata:   in.Metadata,
		})
		if err != nil {
			return nil, err
		}
		sessionID = session.SessionID
	}

	interactionID, err := s.recorder.Append(ctx, &domain.Interaction{
		SessionID:      sessionID,
		UserQuery:      in.UserQuery,
		LLMResponse:    in.LLMResponse,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	return &TurnResult{SessionID: sessionID, InteractionID: interactionID}, nil
}

// appendTelemetry never fails the turn; rejected records are only logged
func (s *TurnService) appendTelemetry(ctx context.Context, in TurnInput, result *TurnResult) {
	if in.Retrieval != nil {
		in.Retrieval.InteractionID = result.InteractionID
		if err := s.retrievals.appendRecorded(ctx, in.Retrieval); err != nil {
			logRejected("retrieval", result.InteractionID, err)
		} else {
			result.RetrievalID = &in.Retrieval.RetrievalID
		}
	}
	if in.Invocation != nil {
		in.Invocation.InteractionID = result.InteractionID
		if err := s.invocations.appendRecorded(ctx, in.Invocation); err != nil {
			logRejected("invocation", result.InteractionID, err)
		} else {
			result.InvocationID = &in.Invocation.LLMInvocationID
		}
	}
	if in.Evaluation != nil {
		in.Evaluation.InteractionID = result.InteractionID
		if err := s.evaluations.appendRecorded(ctx, in.Evaluation); err != nil {
			logRejected("evaluation", result.InteractionID, err)
		} else {
			result.EvaluationID = &in.Evaluation.EvaluationID
		}
	}
}

func logRejected(kind string, interactionID uuid.UUID, err error) {
	level := zerolog.ErrorLevel
	if errors.Is(err, domain.ErrValidation) {
		level = zerolog.WarnLevel
	}
	log.WithLevel(level).Err(err).Str("kind", kind).Str("interaction_id", interactionID.String()).Msg("Telemetry record rejected")
}
