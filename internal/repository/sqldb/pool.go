package sqldb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("connection pool closed")

const healthCheckTimeout = time.Second

// PoolOptions bounds the connections a Pool may hold
type PoolOptions struct {
	// Size is the number of connections kept open between uses
	Size int
	// MaxOverflow is the number of transient connections allowed beyond Size
	MaxOverflow int
	// Recycle closes connections older than this on their next check-in. Zero disables.
	Recycle time.Duration
	// AcquireTimeout bounds how long Acquire waits for a free slot
	AcquireTimeout time.Duration
	Clock          clockwork.Clock
}

// PoolStats is a snapshot of pool occupancy
type PoolStats struct {
	Size        int `json:"size"`
	MaxOverflow int `json:"max_overflow"`
	Open        int `json:"open"`
	Idle        int `json:"idle"`
	InUse       int `json:"in_use"`
	Waiting     int `json:"waiting"`
	MaxWaiting  int `json:"max_waiting"`
}

// PooledConn is a connection checked out of a Pool
type PooledConn struct {
	Conn
	createdAt time.Time
	broken    bool
}

// MarkBroken makes the pool discard the connection on release
func (c *PooledConn) MarkBroken() {
	c.broken = true
}

// Pool hands out at most Size+MaxOverflow connections at a time. Callers
// beyond that wait up to AcquireTimeout and then fail with ErrPoolExhausted.
type Pool struct {
	dial  Dialer
	opts  PoolOptions
	clock clockwork.Clock
	slots chan struct{}

	mu         sync.Mutex
	idle       []*PooledConn
	open       int
	waiting    int
	maxWaiting int
	closed     bool
}

// NewPool creates a pool over dial. No connection is opened until first use.
func NewPool(dial Dialer, opts PoolOptions) (*Pool, error) {
	if opts.Size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", opts.Size)
	}
	if opts.MaxOverflow < 0 {
		return nil, fmt.Errorf("max overflow must not be negative, got %d", opts.MaxOverflow)
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Pool{
		dial:  dial,
		opts:  opts,
		clock: clock,
		slots: make(chan struct{}, opts.Size+opts.MaxOverflow),
		idle:  make([]*PooledConn, 0, opts.Size),
	}, nil
}

// Acquire checks out a connection, reusing the most recently released idle
// one when possible and dialing otherwise.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.waiting++
	if p.waiting > p.maxWaiting {
		p.maxWaiting = p.waiting
	}
	p.mu.Unlock()

	err := p.waitSlot(ctx)

	p.mu.Lock()
	p.waiting--
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return conn, nil
}

func (p *Pool) waitSlot(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	timer := p.clock.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.Chan():
		return fmt.Errorf("%w: no connection available after %s", domain.ErrPoolExhausted, p.opts.AcquireTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) checkout(ctx context.Context) (*PooledConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		n := len(p.idle)
		if n == 0 {
			p.open++
			p.mu.Unlock()
			break
		}
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		if p.expired(conn) {
			p.discard(conn)
			continue
		}
		return conn, nil
	}

	raw, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	return &PooledConn{Conn: raw, createdAt: p.clock.Now()}, nil
}

// Release returns a connection to the pool. Broken, expired or unhealthy
// connections are closed, as are overflow connections once Size are idle.
func (p *Pool) Release(conn *PooledConn) {
	defer func() { <-p.slots }()

	if conn.broken || p.expired(conn) {
		p.discard(conn)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	err := conn.Ping(ctx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("Discarding connection that failed health check")
		p.discard(conn)
		return
	}

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.opts.Size {
		p.mu.Unlock()
		p.discard(conn)
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *Pool) expired(conn *PooledConn) bool {
	return p.opts.Recycle > 0 && p.clock.Since(conn.createdAt) >= p.opts.Recycle
}

func (p *Pool) discard(conn *PooledConn) {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		log.Debug().Err(err).Msg("Failed to close pooled connection")
	}
}

// Stats returns a snapshot of pool occupancy
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Size:        p.opts.Size,
		MaxOverflow: p.opts.MaxOverflow,
		Open:        p.open,
		Idle:        len(p.idle),
		InUse:       p.open - len(p.idle),
		Waiting:     p.waiting,
		MaxWaiting:  p.maxWaiting,
	}
}

// Close closes idle connections and refuses new acquisitions. Connections in
// use are closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		p.discard(conn)
	}
}
