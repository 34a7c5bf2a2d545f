package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// SchedulerState is the state of the cleanup scheduler
type SchedulerState int32

const (
	StateIdle SchedulerState = iota
	StateSweeping
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSweeping:
		return "sweeping"
	default:
		return "unknown"
	}
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Expired       int
	Evicted       int
	Failed        int
	CapacityFreed int
}

// CleanupScheduler periodically expires idle sessions from the cache
type CleanupScheduler struct {
	cache       *SessionCache
	clock       clockwork.Clock
	interval    time.Duration
	parallelism int
	state       atomic.Int32
	sweeps      atomic.Int64
}

// NewCleanupScheduler creates a new cleanup scheduler
func NewCleanupScheduler(cache *SessionCache, clock clockwork.Clock, interval time.Duration, parallelism int) *CleanupScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return &CleanupScheduler{
		cache:       cache,
		clock:       clock,
		interval:    interval,
		parallelism: parallelism,
	}
}

// State returns the current scheduler state
func (s *CleanupScheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Sweeps returns the number of completed sweeps
func (s *CleanupScheduler) Sweeps() int64 {
	return s.sweeps.Load()
}

// Run sweeps on every tick until ctx is done
func (s *CleanupScheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("Cleanup scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cleanup scheduler stopped")
			return
		case <-ticker.Chan():
			s.Sweep(ctx)
		}
	}
}

// Sweep retries pending closes, evicts expired sessions and enforces capacity.
// Concurrent calls are collapsed: a sweep already in progress wins.
func (s *CleanupScheduler) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateSweeping)) {
		return result
	}
	defer s.state.Store(int32(StateIdle))

	start := s.clock.Now()

	s.cache.RetryPendingCloses(ctx)

	expired := s.cache.Expired()
	result.Expired = len(expired)

	var evicted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, id := range expired {
		id := id
		g.Go(func() error {
			ok, err := s.cache.EvictIfIdle(gctx, id)
			switch {
			case err != nil && errors.Is(err, domain.ErrEvictionPersist):
				failed.Add(1)
			case err != nil:
				log.Warn().Err(err).Str("session_id", id.String()).Msg("Failed to evict expired session")
				failed.Add(1)
			case ok:
				evicted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Evicted = int(evicted.Load())
	result.Failed = int(failed.Load())
	result.CapacityFreed = s.cache.EnforceCapacity(ctx)
	s.sweeps.Add(1)

	if result.Expired > 0 || result.CapacityFreed > 0 {
		log.Info().
			Int("expired", result.Expired).
			Int("evicted", result.Evicted).
			Int("failed", result.Failed).
			Int("capacity_freed", result.CapacityFreed).
			Dur("duration", s.clock.Since(start)).
			Msg("Session sweep finished")
	}

	return result
}
