package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, store *MockSessionRepository, deadLetters *MockDeadLetterRepository, cfg SessionCacheConfig) (*SessionCache, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	if cfg.Capacity == 0 {
		cfg.Capacity = 100
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = time.Hour
	}
	if cfg.EvictRetries == 0 {
		cfg.EvictRetries = 3
	}
	var dl domain.DeadLetterRepository
	if deadLetters != nil {
		dl = deadLetters
	}
	cache, err := NewSessionCache(store, dl, nil, clock, cfg)
	require.NoError(t, err)
	return cache, clock
}

func TestNewSessionCache_InvalidCapacity(t *testing.T) {
	_, err := NewSessionCache(new(MockSessionRepository), nil, nil, nil, SessionCacheConfig{Capacity: 0})
	assert.Error(t, err)
}

func TestSessionCache_GetOrCreateThenGet(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.AnythingOfType("*domain.Session")).Return(nil).Once()

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{})

	created, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{
		DeviceType: "ios",
		Metadata:   domain.SessionMetadata{domain.MetaLocale: "en-GB"},
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", created.UserID)
	assert.True(t, created.Active())

	got, ok := cache.Get(ctx, created.SessionID)
	require.True(t, ok)
	assert.Equal(t, created, got)

	again, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, again.SessionID)

	assert.Equal(t, 1, cache.Size())
	store.AssertNumberOfCalls(t, "Create", 1)
}

func TestSessionCache_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{})
	created, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{
		Metadata: domain.SessionMetadata{domain.MetaChannel: "web"},
	})
	require.NoError(t, err)

	created.Metadata[domain.MetaChannel] = "mutated"

	got, ok := cache.Get(ctx, created.SessionID)
	require.True(t, ok)
	assert.Equal(t, "web", got.Metadata[domain.MetaChannel])
}

func TestSessionCache_GetOrCreateRejectsInvalidMetadata(t *testing.T) {
	store := new(MockSessionRepository)
	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{})

	_, err := cache.GetOrCreate(context.Background(), "user-1", CreateOptions{
		Metadata: domain.SessionMetadata{"favourite_colour": "blue"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSessionCache_GetOrCreateStoreFailureLeavesCacheUntouched(t *testing.T) {
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(domain.ErrStoreUnavailable)

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{CriticalRetries: 2})

	_, err := cache.GetOrCreate(context.Background(), "user-1", CreateOptions{})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 0, cache.Size())
	store.AssertNumberOfCalls(t, "Create", 3)
}

func TestSessionCache_GetOrCreateRetriesUnavailable(t *testing.T) {
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(domain.ErrStoreUnavailable).Once()
	store.On("Create", mock.Anything, mock.Anything).Return(nil).Once()

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{CriticalRetries: 2})

	session, err := cache.GetOrCreate(context.Background(), "user-1", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Size())

	// Both attempts carry the same session id.
	first := store.Calls[0].Arguments.Get(1).(*domain.Session)
	second := store.Calls[1].Arguments.Get(1).(*domain.Session)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, session.SessionID, second.SessionID)
}

func TestSessionCache_GetOrCreateConfirmsDuplicateOnRetry(t *testing.T) {
	closedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		stored    *domain.Session
		storedErr error
		wantErr   error
	}{
		{"earlier attempt committed", &domain.Session{UserID: "user-1"}, nil, nil},
		{"row belongs to another user", &domain.Session{UserID: "user-2"}, nil, domain.ErrDuplicateKey},
		{"row already closed", &domain.Session{UserID: "user-1", EndTime: &closedAt}, nil, domain.ErrDuplicateKey},
		{"nothing stored", nil, domain.ErrNotFound, domain.ErrDuplicateKey},
		{"lookup fails", nil, domain.ErrStoreUnavailable, domain.ErrStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockSessionRepository)
			store.On("Create", mock.Anything, mock.Anything).Return(domain.ErrStoreUnavailable).Once()
			store.On("Create", mock.Anything, mock.Anything).Return(domain.ErrDuplicateKey).Once()
			if tt.stored != nil {
				store.On("Get", mock.Anything, mock.Anything).Return(tt.stored, nil)
			} else {
				store.On("Get", mock.Anything, mock.Anything).Return(nil, tt.storedErr)
			}

			cache, _ := newTestCache(t, store, nil, SessionCacheConfig{CriticalRetries: 2})
			_, err := cache.GetOrCreate(context.Background(), "user-1", CreateOptions{})
			store.AssertNumberOfCalls(t, "Get", 1)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, cache.Size())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, cache.Size())
		})
	}
}

func TestSessionCache_CapacityEvictsLeastRecentlyTouched(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, clock := newTestCache(t, store, nil, SessionCacheConfig{Capacity: 2})

	a, err := cache.GetOrCreate(ctx, "user-a", CreateOptions{})
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := cache.GetOrCreate(ctx, "user-b", CreateOptions{})
	require.NoError(t, err)
	clock.Advance(time.Second)

	store.On("Close", mock.Anything, a.SessionID, clock.Now()).Return(nil).Once()

	c, err := cache.GetOrCreate(ctx, "user-c", CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Size())
	_, ok := cache.Get(ctx, a.SessionID)
	assert.False(t, ok)
	_, ok = cache.Get(ctx, b.SessionID)
	assert.True(t, ok)
	_, ok = cache.Get(ctx, c.SessionID)
	assert.True(t, ok)

	store.AssertExpectations(t)
}

func TestSessionCache_TouchProtectsFromCapacityEviction(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{Capacity: 2})

	a, err := cache.GetOrCreate(ctx, "user-a", CreateOptions{})
	require.NoError(t, err)
	b, err := cache.GetOrCreate(ctx, "user-b", CreateOptions{})
	require.NoError(t, err)

	assert.True(t, cache.Touch(ctx, a.SessionID))

	store.On("Close", mock.Anything, b.SessionID, mock.Anything).Return(nil).Once()

	_, err = cache.GetOrCreate(ctx, "user-c", CreateOptions{})
	require.NoError(t, err)

	_, ok := cache.Get(ctx, a.SessionID)
	assert.True(t, ok)
	_, ok = cache.Get(ctx, b.SessionID)
	assert.False(t, ok)
	store.AssertExpectations(t)
}

func TestSessionCache_TouchAbsentIsNoop(t *testing.T) {
	cache, _ := newTestCache(t, new(MockSessionRepository), nil, SessionCacheConfig{})
	assert.False(t, cache.Touch(context.Background(), uuid.New()))
	assert.Equal(t, 0, cache.Size())
}

func TestSessionCache_Evict(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, clock := newTestCache(t, store, nil, SessionCacheConfig{})
	session, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	store.On("Close", mock.Anything, session.SessionID, clock.Now()).Return(nil).Once()

	require.NoError(t, cache.Evict(ctx, session.SessionID))
	_, ok := cache.Get(ctx, session.SessionID)
	assert.False(t, ok)

	assert.ErrorIs(t, cache.Evict(ctx, session.SessionID), domain.ErrNotFound)

	// A new turn for the same user opens a fresh session.
	next, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, session.SessionID, next.SessionID)
	store.AssertExpectations(t)
}

func TestSessionCache_EvictAlreadyClosedCountsAsSuccess(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{})
	session, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)

	store.On("Close", mock.Anything, session.SessionID, mock.Anything).Return(domain.ErrSessionClosed)

	require.NoError(t, cache.Evict(ctx, session.SessionID))
	assert.Equal(t, 0, cache.Stats().PendingCloses)
}

func TestSessionCache_EvictPersistFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, clock := newTestCache(t, store, nil, SessionCacheConfig{EvictRetries: 3})
	session, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)

	store.On("Close", mock.Anything, session.SessionID, mock.Anything).Return(domain.ErrStoreUnavailable).Once()
	store.On("Close", mock.Anything, session.SessionID, mock.Anything).Return(nil).Once()

	err = cache.Evict(ctx, session.SessionID)
	assert.ErrorIs(t, err, domain.ErrEvictionPersist)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	stats := cache.Stats()
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, 1, stats.PendingCloses)

	clock.Advance(time.Minute)
	cache.RetryPendingCloses(ctx)

	stats = cache.Stats()
	assert.Equal(t, 0, stats.PendingCloses)
	assert.Equal(t, int64(1), stats.Evicted)

	// The retry persists the end time fixed by the first attempt.
	closes := make([]time.Time, 0, 2)
	for _, call := range store.Calls {
		if call.Method == "Close" {
			closes = append(closes, call.Arguments.Get(2).(time.Time))
		}
	}
	require.Len(t, closes, 2)
	assert.Equal(t, closes[0], closes[1])
}

func TestSessionCache_EvictPersistExhaustedGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	deadLetters := new(MockDeadLetterRepository)

	cache, _ := newTestCache(t, store, deadLetters, SessionCacheConfig{EvictRetries: 3})
	session, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)

	store.On("Close", mock.Anything, session.SessionID, mock.Anything).Return(domain.ErrStoreUnavailable)
	deadLetters.On("Record", mock.Anything, mock.MatchedBy(func(l *domain.DeadLetter) bool {
		return l.SessionID == session.SessionID && l.Attempts == 3 && l.Reason != ""
	})).Return(nil).Once()

	assert.ErrorIs(t, cache.Evict(ctx, session.SessionID), domain.ErrEvictionPersist)
	cache.RetryPendingCloses(ctx)
	assert.Equal(t, 1, cache.Stats().PendingCloses)
	deadLetters.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)

	cache.RetryPendingCloses(ctx)

	stats := cache.Stats()
	assert.Equal(t, 0, stats.PendingCloses)
	assert.Equal(t, int64(1), stats.DeadLettered)
	store.AssertNumberOfCalls(t, "Close", 3)
	deadLetters.AssertExpectations(t)
}

func TestSessionCache_CloseUncachedGoesToStore(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{})

	known, unknown := uuid.New(), uuid.New()
	store.On("Close", mock.Anything, known, mock.Anything).Return(nil).Once()
	store.On("Close", mock.Anything, unknown, mock.Anything).Return(domain.ErrNotFound).Once()

	require.NoError(t, cache.Close(ctx, known))
	assert.ErrorIs(t, cache.Close(ctx, unknown), domain.ErrNotFound)
	store.AssertExpectations(t)
}

func TestSessionCache_ClosePendingReportsOutcome(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	deadLetters := new(MockDeadLetterRepository)
	deadLetters.On("Record", mock.Anything, mock.Anything).Return(nil).Once()

	cache, _ := newTestCache(t, store, deadLetters, SessionCacheConfig{EvictRetries: 3})
	session, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)

	store.On("Close", mock.Anything, session.SessionID, mock.Anything).Return(domain.ErrStoreUnavailable)
	assert.ErrorIs(t, cache.Evict(ctx, session.SessionID), domain.ErrEvictionPersist)

	// Still queued after the second attempt.
	err = cache.Close(ctx, session.SessionID)
	assert.ErrorIs(t, err, domain.ErrEvictionPersist)
	assert.Equal(t, 1, cache.Stats().PendingCloses)

	// The third attempt exhausts the budget.
	err = cache.Close(ctx, session.SessionID)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, domain.ErrEvictionPersist)
	assert.Equal(t, 0, cache.Stats().PendingCloses)
	assert.Equal(t, int64(1), cache.Stats().DeadLettered)
	deadLetters.AssertExpectations(t)
}

func TestSessionCache_ClosePendingPersists(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{EvictRetries: 3})
	session, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)

	store.On("Close", mock.Anything, session.SessionID, mock.Anything).Return(domain.ErrStoreUnavailable).Once()
	store.On("Close", mock.Anything, session.SessionID, mock.Anything).Return(nil).Once()
	assert.ErrorIs(t, cache.Evict(ctx, session.SessionID), domain.ErrEvictionPersist)

	require.NoError(t, cache.Close(ctx, session.SessionID))
	assert.Equal(t, 0, cache.Stats().PendingCloses)
	store.AssertNumberOfCalls(t, "Close", 2)
}

func TestSessionCache_ExpiredHonoursExpiry(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, clock := newTestCache(t, store, nil, SessionCacheConfig{Expiry: 60 * time.Second})
	session, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	assert.Empty(t, cache.Expired())

	clock.Advance(time.Second)
	assert.Equal(t, []uuid.UUID{session.SessionID}, cache.Expired())

	// A touch resets the idle clock.
	cache.Touch(ctx, session.SessionID)
	assert.Empty(t, cache.Expired())

	evicted, err := cache.EvictIfIdle(ctx, session.SessionID)
	require.NoError(t, err)
	assert.False(t, evicted)
}

func TestSessionCache_GetDoesNotTouch(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, clock := newTestCache(t, store, nil, SessionCacheConfig{Expiry: time.Minute})
	session, err := cache.GetOrCreate(ctx, "user-1", CreateOptions{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, ok := cache.Get(ctx, session.SessionID)
	require.True(t, ok)
	assert.Len(t, cache.Expired(), 1)
}

func TestSessionCache_ConcurrentGetOrCreateSameUser(t *testing.T) {
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{})

	const workers = 50
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := cache.GetOrCreate(context.Background(), "user-1", CreateOptions{})
			if assert.NoError(t, err) {
				ids[i] = s.SessionID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	store.AssertNumberOfCalls(t, "Create", 1)
}

func TestSessionCache_ConcurrentUsersStayWithinCapacity(t *testing.T) {
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	store.On("Close", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{Capacity: 5})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := cache.GetOrCreate(context.Background(), fmt.Sprintf("user-%d", i), CreateOptions{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Size(), 5)
	assert.Equal(t, int64(40), cache.Stats().Created)
	store.AssertNumberOfCalls(t, "Close", 35)
}

func TestSessionCache_MirrorRehydratesMiss(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	mirror := new(MockSessionMirror)

	remote := &domain.Session{SessionID: uuid.New(), UserID: "user-9", StartTime: time.Now().UTC()}
	mirror.On("Available").Return(true)
	mirror.On("Get", mock.Anything, remote.SessionID).Return(remote, nil).Once()
	mirror.On("Get", mock.Anything, mock.Anything).Return(nil, domain.ErrNotFound)
	mirror.On("Put", mock.Anything, mock.Anything).Return(nil)

	cache, err := NewSessionCache(store, nil, mirror, clockwork.NewFakeClock(), SessionCacheConfig{Capacity: 10, Expiry: time.Hour})
	require.NoError(t, err)

	got, ok := cache.Get(ctx, remote.SessionID)
	require.True(t, ok)
	assert.Equal(t, remote.UserID, got.UserID)
	assert.Equal(t, 1, cache.Size())

	// Subsequent lookups are served locally.
	_, ok = cache.Get(ctx, remote.SessionID)
	assert.True(t, ok)
	mirror.AssertNumberOfCalls(t, "Get", 1)

	_, ok = cache.Get(ctx, uuid.New())
	assert.False(t, ok)
}

func TestSessionCache_MirrorIgnoresClosedSessions(t *testing.T) {
	mirror := new(MockSessionMirror)
	end := time.Now().UTC()
	closed := &domain.Session{SessionID: uuid.New(), UserID: "user-9", StartTime: end.Add(-time.Hour), EndTime: &end}
	mirror.On("Available").Return(true)
	mirror.On("Get", mock.Anything, closed.SessionID).Return(closed, nil)

	cache, err := NewSessionCache(new(MockSessionRepository), nil, mirror, clockwork.NewFakeClock(), SessionCacheConfig{Capacity: 10, Expiry: time.Hour})
	require.NoError(t, err)

	_, ok := cache.Get(context.Background(), closed.SessionID)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Size())
}

func TestSessionCache_Shutdown(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionRepository)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	store.On("Close", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	cache, _ := newTestCache(t, store, nil, SessionCacheConfig{})
	for _, user := range []string{"a", "b", "c"} {
		_, err := cache.GetOrCreate(ctx, user, CreateOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, cache.Shutdown(ctx))
	assert.Equal(t, 0, cache.Size())
	store.AssertNumberOfCalls(t, "Close", 3)
}
