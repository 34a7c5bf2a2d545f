package service

import (
	"context"
	"time"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockSessionRepository mocks the SessionRepository interface
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionRepository) Close(ctx context.Context, id uuid.UUID, endTime time.Time) error {
	args := m.Called(ctx, id, endTime)
	return args.Error(0)
}

func (m *MockSessionRepository) FindByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]domain.Session), args.Error(1)
}

// MockDeadLetterRepository mocks the DeadLetterRepository interface
type MockDeadLetterRepository struct {
	mock.Mock
}

func (m *MockDeadLetterRepository) Record(ctx context.Context, letter *domain.DeadLetter) error {
	args := m.Called(ctx, letter)
	return args.Error(0)
}

// MockInteractionRepository mocks the InteractionRepository interface
type MockInteractionRepository struct {
	mock.Mock
}

func (m *MockInteractionRepository) Create(ctx context.Context, interaction *domain.Interaction) error {
	args := m.Called(ctx, interaction)
	return args.Error(0)
}

func (m *MockInteractionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Interaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Interaction), args.Error(1)
}

func (m *MockInteractionRepository) FindByIdempotencyKey(ctx context.Context, sessionID uuid.UUID, key string) (*domain.Interaction, error) {
	args := m.Called(ctx, sessionID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Interaction), args.Error(1)
}

func (m *MockInteractionRepository) Update(ctx context.Context, id uuid.UUID, patch *domain.InteractionPatch) error {
	args := m.Called(ctx, id, patch)
	return args.Error(0)
}

func (m *MockInteractionRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]domain.Interaction, error) {
	args := m.Called(ctx, sessionID, limit, offset)
	return args.Get(0).([]domain.Interaction), args.Error(1)
}

// MockRetrievalRepository mocks the RetrievalRepository interface
type MockRetrievalRepository struct {
	mock.Mock
}

func (m *MockRetrievalRepository) Create(ctx context.Context, retrieval *domain.Retrieval) error {
	args := m.Called(ctx, retrieval)
	return args.Error(0)
}

func (m *MockRetrievalRepository) GetByInteraction(ctx context.Context, interactionID uuid.UUID) (*domain.Retrieval, error) {
	args := m.Called(ctx, interactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Retrieval), args.Error(1)
}

// MockInvocationRepository mocks the InvocationRepository interface
type MockInvocationRepository struct {
	mock.Mock
}

func (m *MockInvocationRepository) Create(ctx context.Context, invocation *domain.Invocation) error {
	args := m.Called(ctx, invocation)
	return args.Error(0)
}

func (m *MockInvocationRepository) GetByInteraction(ctx context.Context, interactionID uuid.UUID) (*domain.Invocation, error) {
	args := m.Called(ctx, interactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Invocation), args.Error(1)
}

// MockEvaluationRepository mocks the EvaluationRepository interface
type MockEvaluationRepository struct {
	mock.Mock
}

func (m *MockEvaluationRepository) Create(ctx context.Context, evaluation *domain.Evaluation) error {
	args := m.Called(ctx, evaluation)
	return args.Error(0)
}

func (m *MockEvaluationRepository) GetByInteraction(ctx context.Context, interactionID uuid.UUID) (*domain.Evaluation, error) {
	args := m.Called(ctx, interactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Evaluation), args.Error(1)
}

// MockSessionMirror mocks the SessionMirror interface
type MockSessionMirror struct {
	mock.Mock
}

func (m *MockSessionMirror) Available() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockSessionMirror) Put(ctx context.Context, session *domain.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionMirror) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionMirror) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
