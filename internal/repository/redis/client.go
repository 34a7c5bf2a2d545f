package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rrens/session-telemetry/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Client wraps the Redis client and tracks its health
type Client struct {
	rdb      *redis.Client
	interval time.Duration
	healthy  atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewClient creates a new Redis client sized to max_connections
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.MaxConnections,
	})

	// Verify connection
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := newClient(rdb, cfg.PollingDuration())
	c.healthy.Store(true)
	return c, nil
}

func newClient(rdb *redis.Client, interval time.Duration) *Client {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Client{
		rdb:      rdb,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// StartHealthMonitor pings Redis every polling interval until Close.
// While unhealthy, the session mirror is skipped.
func (c *Client) StartHealthMonitor() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.checkHealth()
			}
		}
	}()
}

func (c *Client) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	err := c.rdb.Ping(ctx).Err()
	was := c.healthy.Swap(err == nil)
	switch {
	case err != nil && was:
		log.Warn().Err(err).Msg("Redis became unhealthy")
	case err == nil && !was:
		log.Info().Msg("Redis recovered")
	}
}

// Healthy reports the outcome of the most recent health check
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// Ping checks connectivity directly
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close stops the health monitor and closes the Redis connection
func (c *Client) Close() error {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
	return c.rdb.Close()
}

// Client returns the underlying Redis client
func (c *Client) Client() *redis.Client {
	return c.rdb
}
