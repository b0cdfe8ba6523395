package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one bucket shape.
type Config struct {
	// Capacity is the maximum number of stored tokens.
	Capacity int
	// RefillPerSecond is the number of tokens added per elapsed second.
	RefillPerSecond float64
}

// Validate checks bucket shape coherence.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("validate bucket config: capacity must be > 0")
	}
	if c.RefillPerSecond <= 0 {
		return fmt.Errorf("validate bucket config: refill rate must be > 0")
	}

	return nil
}

// PerInterval returns a shape that allows count withdrawals per interval.
func PerInterval(count int, interval time.Duration) Config {
	if count <= 0 || interval <= 0 {
		return Config{}
	}

	return Config{Capacity: count, RefillPerSecond: float64(count) / interval.Seconds()}
}

// Bucket is one token bucket refilled lazily at withdrawal time.
//
// New buckets start full. Refill is computed from the elapsed time since the
// last accepted withdrawal, capped at capacity; no timer runs per bucket.
type Bucket struct {
	limiter *rate.Limiter
	config  Config
}

// NewBucket creates one full bucket.
func NewBucket(cfg Config) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
		config:  cfg,
	}, nil
}

// Withdraw removes n tokens at now when enough are available.
//
// A failed withdrawal leaves the bucket undebited. n above capacity never
// succeeds.
func (b *Bucket) Withdraw(now time.Time, n int) bool {
	if n <= 0 {
		return true
	}

	return b.limiter.AllowN(now, n)
}

// Tokens returns the refilled token count at now without withdrawing.
func (b *Bucket) Tokens(now time.Time) float64 {
	return b.limiter.TokensAt(now)
}

// Wait blocks until n tokens are available or ctx ends.
//
// Wait uses the wall clock.
func (b *Bucket) Wait(ctx context.Context, n int) error {
	if n > b.config.Capacity {
		return fmt.Errorf("wait for %d tokens: exceeds capacity %d", n, b.config.Capacity)
	}
	if err := b.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("wait for %d tokens: %w", n, err)
	}

	return nil
}

// Config returns the current bucket shape.
func (b *Bucket) Config() Config {
	return b.config
}

// reshape applies a new shape in place, keeping accrued tokens.
func (b *Bucket) reshape(now time.Time, cfg Config) {
	b.limiter.SetLimitAt(now, rate.Limit(cfg.RefillPerSecond))
	b.limiter.SetBurstAt(now, cfg.Capacity)
	b.config = cfg
}
