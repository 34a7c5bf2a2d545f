package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TelemetryWriterConfig holds the background writer limits
type TelemetryWriterConfig struct {
	QueueSize    int
	Workers      int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	WriteTimeout time.Duration
}

// TelemetryStats is a snapshot of writer counters
type TelemetryStats struct {
	Enqueued int64 `json:"enqueued"`
	Written  int64 `json:"written"`
	Retried  int64 `json:"retried"`
	Dropped  int64 `json:"dropped"`
	Queued   int   `json:"queued"`
}

type telemetryJob struct {
	kind     string
	id       uuid.UUID
	attempts int
	write    func(ctx context.Context) error
}

type writerCounters struct {
	enqueued metric.Int64Counter
	written  metric.Int64Counter
	retried  metric.Int64Counter
	dropped  metric.Int64Counter
}

// TelemetryWriter persists telemetry records off the critical path. The
// queue is bounded and drops its oldest record when full; failed writes are
// retried with exponential backoff and dropped once out of attempts.
type TelemetryWriter struct {
	cfg   TelemetryWriterConfig
	clock clockwork.Clock
	queue chan *telemetryJob

	mu      sync.Mutex
	timers  map[*telemetryJob]clockwork.Timer
	started bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup

	enqueued, written, retried, dropped atomic.Int64

	counters writerCounters
}

// NewTelemetryWriter creates a writer. Call Start to launch its workers.
func NewTelemetryWriter(cfg TelemetryWriterConfig, clock clockwork.Clock) (*TelemetryWriter, error) {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	counters, err := newWriterCounters(otel.Meter("telemetry-writer"))
	if err != nil {
		return nil, err
	}

	return &TelemetryWriter{
		cfg:      cfg,
		clock:    clock,
		queue:    make(chan *telemetryJob, cfg.QueueSize),
		timers:   make(map[*telemetryJob]clockwork.Timer),
		stop:     make(chan struct{}),
		counters: counters,
	}, nil
}

func newWriterCounters(meter metric.Meter) (writerCounters, error) {
	var c writerCounters
	var err error
	if c.enqueued, err = meter.Int64Counter("telemetry.enqueued"); err != nil {
		return c, err
	}
	if c.written, err = meter.Int64Counter("telemetry.written"); err != nil {
		return c, err
	}
	if c.retried, err = meter.Int64Counter("telemetry.retried"); err != nil {
		return c, err
	}
	if c.dropped, err = meter.Int64Counter("telemetry.dropped"); err != nil {
		return c, err
	}
	return c, nil
}

// Start launches the worker goroutines
func (w *TelemetryWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.work()
	}
	log.Info().Int("workers", w.cfg.Workers).Int("queue_size", w.cfg.QueueSize).Msg("Telemetry writer started")
}

func (w *TelemetryWriter) work() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case job := <-w.queue:
			w.process(job)
		}
	}
}

// Enqueue queues a write without blocking
func (w *TelemetryWriter) Enqueue(kind string, id uuid.UUID, write func(ctx context.Context) error) {
	job := &telemetryJob{kind: kind, id: id, write: write}

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		w.drop(job, "writer stopped")
		return
	}

	w.enqueued.Add(1)
	w.counters.enqueued.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	w.push(job)
}

// push adds a job, discarding the oldest queued one when the queue is full
func (w *TelemetryWriter) push(job *telemetryJob) {
	for {
		select {
		case w.queue <- job:
			return
		default:
		}

		select {
		case oldest := <-w.queue:
			w.drop(oldest, "queue full")
		default:
		}
	}
}

func (w *TelemetryWriter) process(job *telemetryJob) {
	job.attempts++

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	err := job.write(ctx)
	cancel()

	if err == nil {
		w.written.Add(1)
		w.counters.written.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", job.kind)))
		return
	}

	if permanentTelemetryError(err) {
		log.Warn().Err(err).Str("kind", job.kind).Str("id", job.id.String()).Msg("Telemetry record rejected by store")
		w.drop(job, err.Error())
		return
	}

	if job.attempts >= w.cfg.MaxAttempts {
		log.Error().Err(err).Str("kind", job.kind).Str("id", job.id.String()).Int("attempts", job.attempts).Msg("Telemetry write retries exhausted")
		w.drop(job, "retries exhausted")
		return
	}

	delay := w.backoff(job.attempts)
	log.Warn().Err(err).
		Str("kind", job.kind).
		Str("id", job.id.String()).
		Int("attempt", job.attempts).
		Dur("retry_in", delay).
		Msg("Telemetry write failed, scheduling retry")
	w.scheduleRetry(job, delay)
}

// backoff returns base * 2^(attempt-1), capped at the max delay
func (w *TelemetryWriter) backoff(attempt int) time.Duration {
	delay := w.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.cfg.MaxDelay {
			return w.cfg.MaxDelay
		}
	}
	return min(delay, w.cfg.MaxDelay)
}

func (w *TelemetryWriter) scheduleRetry(job *telemetryJob, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.drop(job, "writer stopped")
		return
	}

	w.retried.Add(1)
	w.counters.retried.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", job.kind)))

	w.timers[job] = w.clock.AfterFunc(delay, func() {
		w.mu.Lock()
		_, pending := w.timers[job]
		delete(w.timers, job)
		w.mu.Unlock()
		if pending {
			w.push(job)
		}
	})
}

func (w *TelemetryWriter) drop(job *telemetryJob, reason string) {
	w.dropped.Add(1)
	w.counters.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", job.kind)))
	log.Debug().Str("kind", job.kind).Str("id", job.id.String()).Str("reason", reason).Msg("Telemetry record dropped")
}

func permanentTelemetryError(err error) bool {
	return errors.Is(err, domain.ErrOrphanReference) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrDuplicateKey)
}

// Stats returns a snapshot of the writer counters
func (w *TelemetryWriter) Stats() TelemetryStats {
	return TelemetryStats{
		Enqueued: w.enqueued.Load(),
		Written:  w.written.Load(),
		Retried:  w.retried.Load(),
		Dropped:  w.dropped.Load(),
		Queued:   len(w.queue),
	}
}

// Shutdown stops the workers, cancels pending retries and makes one last
// attempt at every queued record until ctx is done.
func (w *TelemetryWriter) Shutdown(ctx context.Context) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.stop)
	for job, timer := range w.timers {
		timer.Stop()
		delete(w.timers, job)
		w.drop(job, "writer stopped")
	}
	w.mu.Unlock()

	w.wg.Wait()

	flushed := 0
	for {
		select {
		case job := <-w.queue:
			if ctx.Err() != nil {
				w.drop(job, "shutdown deadline")
				continue
			}
			job.attempts = max(job.attempts, w.cfg.MaxAttempts-1)
			w.process(job)
			flushed++
		default:
			log.Info().Int("flushed", flushed).Msg("Telemetry writer stopped")
			return
		}
	}
}

// parentCheck rejects telemetry whose interaction was never recorded
type parentCheck struct {
	interactions domain.InteractionRepository
}

func (p parentCheck) verify(ctx context.Context, interactionID uuid.UUID) error {
	if _, err := p.interactions.Get(ctx, interactionID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: interaction %s does not exist", domain.ErrOrphanReference, interactionID)
		}
		return fmt.Errorf("failed to check interaction %s: %w", interactionID, err)
	}
	return nil
}

// RetrievalLog records retrieval telemetry for interactions
type RetrievalLog struct {
	repo   domain.RetrievalRepository
	parent parentCheck
	writer *TelemetryWriter
	clock  clockwork.Clock
}

// NewRetrievalLog creates a new retrieval log
func NewRetrievalLog(repo domain.RetrievalRepository, interactions domain.InteractionRepository, writer *TelemetryWriter) *RetrievalLog {
	return &RetrievalLog{repo: repo, parent: parentCheck{interactions}, writer: writer, clock: writer.clock}
}

// Append validates a retrieval, checks that its interaction exists, assigns
// its id and queues the write
func (l *RetrievalLog) Append(ctx context.Context, retrieval *domain.Retrieval) error {
	return l.append(ctx, retrieval, true)
}

// appendRecorded skips the interaction lookup; the caller has just
// committed the interaction in the same turn
func (l *RetrievalLog) appendRecorded(ctx context.Context, retrieval *domain.Retrieval) error {
	return l.append(ctx, retrieval, false)
}

func (l *RetrievalLog) append(ctx context.Context, retrieval *domain.Retrieval, checkParent bool) error {
	if retrieval == nil {
		return &domain.ValidationError{Message: "retrieval is required"}
	}
	if err := retrieval.Validate(); err != nil {
		return err
	}
	if checkParent {
		if err := l.parent.verify(ctx, retrieval.InteractionID); err != nil {
			return err
		}
	}
	if retrieval.RetrievalID == uuid.Nil {
		retrieval.RetrievalID = uuid.New()
	}
	if retrieval.CreatedAt.IsZero() {
		retrieval.CreatedAt = l.clock.Now()
	}
	if retrieval.DocumentCount == 0 {
		retrieval.DocumentCount = len(retrieval.DocumentIDs)
	}

	record := *retrieval
	record.DocumentIDs = slices.Clone(retrieval.DocumentIDs)
	record.SimilarityScores = slices.Clone(retrieval.SimilarityScores)
	record.DocumentSources = slices.Clone(retrieval.DocumentSources)
	record.DocumentLengths = slices.Clone(retrieval.DocumentLengths)

	l.writer.Enqueue("retrieval", record.RetrievalID, func(ctx context.Context) error {
		return l.repo.Create(ctx, &record)
	})
	return nil
}

// InvocationLog records model invocation telemetry for interactions
type InvocationLog struct {
	repo   domain.InvocationRepository
	parent parentCheck
	writer *TelemetryWriter
	clock  clockwork.Clock
}

// NewInvocationLog creates a new invocation log
func NewInvocationLog(repo domain.InvocationRepository, interactions domain.InteractionRepository, writer *TelemetryWriter) *InvocationLog {
	return &InvocationLog{repo: repo, parent: parentCheck{interactions}, writer: writer, clock: writer.clock}
}

// Append validates an invocation, checks that its interaction exists, assigns
// its id and queues the write
func (l *InvocationLog) Append(ctx context.Context, invocation *domain.Invocation) error {
	return l.append(ctx, invocation, true)
}

// appendRecorded skips the interaction lookup; the caller has just
// committed the interaction in the same turn
func (l *InvocationLog) appendRecorded(ctx context.Context, invocation *domain.Invocation) error {
	return l.append(ctx, invocation, false)
}

func (l *InvocationLog) append(ctx context.Context, invocation *domain.Invocation, checkParent bool) error {
	if invocation == nil {
		return &domain.ValidationError{Message: "invocation is required"}
	}
	if err := invocation.Validate(); err != nil {
		return err
	}
	if checkParent {
		if err := l.parent.verify(ctx, invocation.InteractionID); err != nil {
			return err
		}
	}
	if invocation.LLMInvocationID == uuid.Nil {
		invocation.LLMInvocationID = uuid.New()
	}
	if invocation.CreatedAt.IsZero() {
		invocation.CreatedAt = l.clock.Now()
	}

	record := *invocation
	if invocation.GuardrailViolations != nil {
		record.GuardrailViolations = make(map[string]any, len(invocation.GuardrailViolations))
		for k, v := range invocation.GuardrailViolations {
			record.GuardrailViolations[k] = v
		}
	}

	l.writer.Enqueue("invocation", record.LLMInvocationID, func(ctx context.Context) error {
		return l.repo.Create(ctx, &record)
	})
	return nil
}

// EvaluationLog records quality scores for interactions
type EvaluationLog struct {
	repo   domain.EvaluationRepository
	parent parentCheck
	writer *TelemetryWriter
	clock  clockwork.Clock
}

// NewEvaluationLog creates a new evaluation log
func NewEvaluationLog(repo domain.EvaluationRepository, interactions domain.InteractionRepository, writer *TelemetryWriter) *EvaluationLog {
	return &EvaluationLog{repo: repo, parent: parentCheck{interactions}, writer: writer, clock: writer.clock}
}

// Append validates an evaluation, checks that its interaction exists, assigns
// its id and queues the write
func (l *EvaluationLog) Append(ctx context.Context, evaluation *domain.Evaluation) error {
	return l.append(ctx, evaluation, true)
}

// appendRecorded skips the interaction lookup; the caller has just
// committed the interaction in the same turn
func (l *EvaluationLog) appendRecorded(ctx context.Context, evaluation *domain.Evaluation) error {
	return l.append(ctx, evaluation, false)
}

func (l *EvaluationLog) append(ctx context.Context, evaluation *domain.Evaluation, checkParent bool) error {
	if evaluation == nil {
		return &domain.ValidationError{Message: "evaluation is required"}
	}
	if err := evaluation.Validate(); err != nil {
		return err
	}
	if checkParent {
		if err := l.parent.verify(ctx, evaluation.InteractionID); err != nil {
			return err
		}
	}
	if evaluation.EvaluationID == uuid.Nil {
		evaluation.EvaluationID = uuid.New()
	}
	if evaluation.CreatedAt.IsZero() {
		evaluation.CreatedAt = l.clock.Now()
	}

	record := *evaluation
	l.writer.Enqueue("evaluation", record.EvaluationID, func(ctx context.Context) error {
		return l.repo.Create(ctx, &record)
	})
	return nil
}
