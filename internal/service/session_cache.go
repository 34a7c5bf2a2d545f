package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SessionMirror is the optional remote copy of active sessions
type SessionMirror interface {
	Available() bool
	Put(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// SessionCacheConfig holds the cache limits
type SessionCacheConfig struct {
	Capacity        int
	Expiry          time.Duration
	EvictRetries    int
	CriticalRetries int
}

// CreateOptions describe a session created by GetOrCreate
type CreateOptions struct {
	DeviceType string
	Metadata   domain.SessionMetadata
}

// CacheStats is a snapshot of cache activity
type CacheStats struct {
	Size          int   `json:"size"`
	PendingCloses int   `json:"pending_closes"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Created       int64 `json:"created"`
	Evicted       int64 `json:"evicted"`
	EvictFailures int64 `json:"evict_failures"`
	DeadLettered  int64 `json:"dead_lettered"`
}

type cacheEntry struct {
	session   *domain.Session
	lastTouch time.Time
}

// pendingClose is a session whose close could not be persisted yet. Its
// end time is fixed by the first attempt.
type pendingClose struct {
	session  *domain.Session
	endTime  time.Time
	attempts int
	lastErr  error
}

// SessionCache is the bounded, idle-expiring index of active sessions.
// Operations on one session are serialized by a per-key lock; the table
// itself is only held for map and list updates.
type SessionCache struct {
	store       domain.SessionRepository
	deadLetters domain.DeadLetterRepository
	mirror      SessionMirror
	clock       clockwork.Clock
	cfg         SessionCacheConfig

	keys *keyedMutex

	mu      sync.Mutex
	entries *simplelru.LRU[uuid.UUID, *cacheEntry]
	byUser  map[string]uuid.UUID
	pending map[uuid.UUID]*pendingClose

	hits, misses, created, evicted, evictFailures, deadLettered atomic.Int64

	evictCounter metric.Int64Counter
}

// NewSessionCache creates a session cache. mirror may be nil.
func NewSessionCache(
	store domain.SessionRepository,
	deadLetters domain.DeadLetterRepository,
	mirror SessionMirror,
	clock clockwork.Clock,
	cfg SessionCacheConfig,
) (*SessionCache, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be at least 1, got %d", cfg.Capacity)
	}
	if cfg.EvictRetries < 1 {
		cfg.EvictRetries = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	// The list never evicts on its own; capacity is enforced through Evict
	// so that every removal persists its close.
	entries, err := simplelru.NewLRU[uuid.UUID, *cacheEntry](math.MaxInt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	evictCounter, err := otel.Meter("session-cache").Int64Counter("session_cache.evictions",
		metric.WithDescription("Sessions evicted from the cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to create eviction counter: %w", err)
	}

	return &SessionCache{
		store:        store,
		deadLetters:  deadLetters,
		mirror:       mirror,
		clock:        clock,
		cfg:          cfg,
		keys:         newKeyedMutex(),
		entries:      entries,
		byUser:       make(map[string]uuid.UUID),
		pending:      make(map[uuid.UUID]*pendingClose),
		evictCounter: evictCounter,
	}, nil
}

// Get returns a copy of an active session without touching it. A local miss
// falls back to the mirror and rehydrates the entry.
func (c *SessionCache) Get(ctx context.Context, id uuid.UUID) (*domain.Session, bool) {
	unlock := c.keys.Lock(sessionKey(id.String()))

	c.mu.Lock()
	entry, ok := c.entries.Peek(id)
	c.mu.Unlock()
	if ok {
		unlock()
		c.hits.Add(1)
		return entry.session.Clone(), true
	}

	session := c.rehydrate(ctx, id)
	unlock()

	if session == nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.EnforceCapacity(ctx)
	return session, true
}

// rehydrate loads an active session from the mirror into the table.
// Caller holds the session key lock.
func (c *SessionCache) rehydrate(ctx context.Context, id uuid.UUID) *domain.Session {
	if c.mirror == nil || !c.mirror.Available() {
		return nil
	}

	session, err := c.mirror.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Str("session_id", id.String()).Msg("Failed to read session mirror")
		}
		return nil
	}
	if !session.Active() {
		return nil
	}

	c.mu.Lock()
	if _, closing := c.pending[id]; closing {
		c.mu.Unlock()
		return nil
	}
	c.entries.Add(id, &cacheEntry{session: session, lastTouch: c.clock.Now()})
	if _, ok := c.byUser[session.UserID]; !ok {
		c.byUser[session.UserID] = id
	}
	c.mu.Unlock()

	log.Debug().Str("session_id", id.String()).Msg("Rehydrated session from mirror")
	return session.Clone()
}

// GetOrCreate returns the user's active session, touching it, or creates and
// persists a new one. A store failure leaves the cache untouched.
func (c *SessionCache) GetOrCreate(ctx context.Context, userID string, opts CreateOptions) (*domain.Session, error) {
	session, created, err := c.getOrCreate(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	if created {
		c.EnforceCapacity(ctx)
	}
	return session, nil
}

func (c *SessionCache) getOrCreate(ctx context.Context, userID string, opts CreateOptions) (*domain.Session, bool, error) {
	unlockUser := c.keys.Lock(userKey(userID))
	defer unlockUser()

	c.mu.Lock()
	id, ok := c.byUser[userID]
	c.mu.Unlock()

	if ok {
		if session := c.touchExisting(id); session != nil {
			c.hits.Add(1)
			return session, false, nil
		}
	}

	now := c.clock.Now()
	session := &domain.Session{
		SessionID:  uuid.New(),
		UserID:     userID,
		StartTime:  now,
		DeviceType: opts.DeviceType,
		Metadata:   opts.Metadata,
	}
	if err := session.Validate(); err != nil {
		return nil, false, err
	}

	err := retryCreate(ctx, "create session", c.cfg.CriticalRetries, func(ctx context.Context) error {
		return c.store.Create(ctx, session)
	}, func(ctx context.Context) (bool, error) {
		existing, err := c.store.Get(ctx, session.SessionID)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return existing.UserID == session.UserID && existing.Active(), nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to persist session: %w", err)
	}

	c.mu.Lock()
	c.entries.Add(session.SessionID, &cacheEntry{session: session, lastTouch: now})
	c.byUser[userID] = session.SessionID
	c.mu.Unlock()
	c.created.Add(1)

	c.mirrorPut(ctx, session)

	log.Info().
		Str("session_id", session.SessionID.String()).
		Str("user_id", userID).
		Msg("Session created")

	return session.Clone(), true, nil
}

// touchExisting refreshes a cached session under its key lock, returning nil
// when it was evicted in the meantime.
func (c *SessionCache) touchExisting(id uuid.UUID) *domain.Session {
	unlock := c.keys.Lock(sessionKey(id.String()))
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(id)
	if !ok {
		return nil
	}
	entry.lastTouch = c.clock.Now()
	return entry.session.Clone()
}

// Touch resets the idle clock of a cached session. It reports false when the
// session is not cached.
func (c *SessionCache) Touch(ctx context.Context, id uuid.UUID) bool {
	session := c.touchExisting(id)
	if session == nil {
		return false
	}
	c.mirrorPut(ctx, session)
	return true
}

// Evict persists the close of a cached session and removes it. When the
// close cannot be persisted the session is queued for retry on the next
// sweeps and ErrEvictionPersist is returned.
func (c *SessionCache) Evict(ctx context.Context, id uuid.UUID) error {
	unlock := c.keys.Lock(sessionKey(id.String()))
	defer unlock()

	return c.evictLocked(ctx, id, "explicit")
}

// evictLocked requires the session key lock
func (c *SessionCache) evictLocked(ctx context.Context, id uuid.UUID, reason string) error {
	c.mu.Lock()
	entry, ok := c.entries.Peek(id)
	c.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	endTime := c.clock.Now()
	err := c.store.Close(ctx, id, endTime)
	if errors.Is(err, domain.ErrSessionClosed) {
		err = nil
	}

	c.mu.Lock()
	c.entries.Remove(id)
	if c.byUser[entry.session.UserID] == id {
		delete(c.byUser, entry.session.UserID)
	}
	if err != nil {
		c.pending[id] = &pendingClose{session: entry.session, endTime: endTime, attempts: 1, lastErr: err}
	}
	c.mu.Unlock()

	c.mirrorDelete(ctx, id)

	if err != nil {
		c.evictFailures.Add(1)
		log.Warn().Err(err).
			Str("session_id", id.String()).
			Str("reason", reason).
			Msg("Failed to persist session close, queued for retry")
		if c.cfg.EvictRetries <= 1 {
			_ = c.retryPendingClose(ctx, id)
		}
		return fmt.Errorf("%w: session %s: %w", domain.ErrEvictionPersist, id, err)
	}

	c.evicted.Add(1)
	c.evictCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	log.Debug().Str("session_id", id.String()).Str("reason", reason).Msg("Session evicted")
	return nil
}

// Close ends a session. Cached sessions are evicted; otherwise the close
// goes straight to the store.
func (c *SessionCache) Close(ctx context.Context, id uuid.UUID) error {
	unlock := c.keys.Lock(sessionKey(id.String()))
	defer unlock()

	err := c.evictLocked(ctx, id, "closed")
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	c.mu.Lock()
	_, closing := c.pending[id]
	c.mu.Unlock()
	if closing {
		return c.retryPendingClose(ctx, id)
	}

	err = retryUnavailable(ctx, "close session", c.cfg.CriticalRetries, func(ctx context.Context) error {
		return c.store.Close(ctx, id, c.clock.Now())
	})
	if err != nil {
		return err
	}
	c.mirrorDelete(ctx, id)
	return nil
}

// RetryPendingCloses retries every queued close once. Sessions that run out
// of attempts are written to the dead-letter table.
func (c *SessionCache) RetryPendingCloses(ctx context.Context) {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		unlock := c.keys.Lock(sessionKey(id.String()))
		_ = c.retryPendingClose(ctx, id)
		unlock()
	}
}

// retryPendingClose makes one more attempt at a queued close and requires the
// session key lock. It returns nil once the close is persisted,
// ErrEvictionPersist while it stays queued, or an unavailable error once it
// has been dead-lettered.
func (c *SessionCache) retryPendingClose(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if p.attempts < c.cfg.EvictRetries {
		err := c.store.Close(ctx, id, p.endTime)
		if err == nil || errors.Is(err, domain.ErrSessionClosed) {
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			c.evicted.Add(1)
			c.evictCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "retry")))
			log.Info().Str("session_id", id.String()).Int("attempts", p.attempts+1).Msg("Session close persisted on retry")
			return nil
		}
		p.attempts++
		p.lastErr = err
		if p.attempts < c.cfg.EvictRetries {
			log.Warn().Err(err).Str("session_id", id.String()).Int("attempts", p.attempts).Msg("Session close retry failed")
			return fmt.Errorf("%w: session %s: %w", domain.ErrEvictionPersist, id, err)
		}
	}

	c.deadLetter(ctx, p)
	return fmt.Errorf("%w: close of session %s dead-lettered after %d attempts", domain.ErrStoreUnavailable, id, p.attempts)
}

func (c *SessionCache) deadLetter(ctx context.Context, p *pendingClose) {
	id := p.session.SessionID
	reason := "unknown"
	if p.lastErr != nil {
		reason = p.lastErr.Error()
	}

	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	c.deadLettered.Add(1)

	logEvent := log.Error().
		Str("session_id", id.String()).
		Str("user_id", p.session.UserID).
		Time("end_time", p.endTime).
		Int("attempts", p.attempts).
		Str("reason", reason)

	if c.deadLetters == nil {
		logEvent.Msg("Session close dead-lettered (no dead-letter store)")
		return
	}

	letter := &domain.DeadLetter{
		ID:        uuid.New(),
		SessionID: id,
		EndTime:   p.endTime,
		Reason:    reason,
		Attempts:  p.attempts,
		CreatedAt: c.clock.Now(),
	}
	if err := c.deadLetters.Record(ctx, letter); err != nil {
		logEvent.AnErr("dead_letter_error", err).Msg("Session close dead-lettered but the dead letter could not be stored")
		return
	}
	logEvent.Msg("Session close dead-lettered")
}

// EnforceCapacity evicts least-recently-touched sessions until the cache is
// within capacity.
func (c *SessionCache) EnforceCapacity(ctx context.Context) int {
	evicted := 0
	for {
		c.mu.Lock()
		if c.entries.Len() <= c.cfg.Capacity {
			c.mu.Unlock()
			return evicted
		}
		id, _, ok := c.entries.GetOldest()
		c.mu.Unlock()
		if !ok {
			return evicted
		}

		unlock := c.keys.Lock(sessionKey(id.String()))
		c.mu.Lock()
		oldest, _, _ := c.entries.GetOldest()
		over := c.entries.Len() > c.cfg.Capacity
		c.mu.Unlock()

		if over && oldest == id {
			if err := c.evictLocked(ctx, id, "capacity"); err == nil || errors.Is(err, domain.ErrEvictionPersist) {
				evicted++
			}
		}
		unlock()
	}
}

// Expired lists sessions idle for at least the expiry duration
func (c *SessionCache) Expired() []uuid.UUID {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []uuid.UUID
	for _, id := range c.entries.Keys() {
		entry, ok := c.entries.Peek(id)
		if ok && now.Sub(entry.lastTouch) >= c.cfg.Expiry {
			ids = append(ids, id)
		}
	}
	return ids
}

// EvictIfIdle evicts a session only if it is still idle once its key lock is
// held, so a touch racing the sweep wins.
func (c *SessionCache) EvictIfIdle(ctx context.Context, id uuid.UUID) (bool, error) {
	unlock := c.keys.Lock(sessionKey(id.String()))
	defer unlock()

	c.mu.Lock()
	entry, ok := c.entries.Peek(id)
	idle := ok && c.clock.Since(entry.lastTouch) >= c.cfg.Expiry
	c.mu.Unlock()
	if !idle {
		return false, nil
	}

	if err := c.evictLocked(ctx, id, "ttl"); err != nil {
		return !errors.Is(err, domain.ErrNotFound), err
	}
	return true, nil
}

// Size returns the number of cached sessions
func (c *SessionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns a snapshot of cache activity
func (c *SessionCache) Stats() CacheStats {
	c.mu.Lock()
	size, pending := c.entries.Len(), len(c.pending)
	c.mu.Unlock()

	return CacheStats{
		Size:          size,
		PendingCloses: pending,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Created:       c.created.Load(),
		Evicted:       c.evicted.Load(),
		EvictFailures: c.evictFailures.Load(),
		DeadLettered:  c.deadLettered.Load(),
	}
}

// Shutdown closes every cached session and retries queued closes once
func (c *SessionCache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	ids := c.entries.Keys()
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.Evict(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	c.RetryPendingCloses(ctx)

	log.Info().Int("closed", len(ids)-len(errs)).Int("failed", len(errs)).Msg("Session cache shut down")
	return errors.Join(errs...)
}

func (c *SessionCache) mirrorPut(ctx context.Context, session *domain.Session) {
	if c.mirror == nil || !c.mirror.Available() {
		return
	}
	if err := c.mirror.Put(ctx, session); err != nil {
		log.Warn().Err(err).Str("session_id", session.SessionID.String()).Msg("Failed to mirror session")
	}
}

func (c *SessionCache) mirrorDelete(ctx context.Context, id uuid.UUID) {
	if c.mirror == nil || !c.mirror.Available() {
		return
	}
	if err := c.mirror.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("session_id", id.String()).Msg("Failed to delete mirrored session")
	}
}
