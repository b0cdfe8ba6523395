package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ex-kagura/internal/metrics"
	"ex-kagura/pkg/kagura"
)

const defaultIdleHorizon = 6 * time.Hour

// Key identifies one bucket.
type Key struct {
	Command string
	Scope   kagura.RateScope
	Source  kagura.ConnectorID
	Channel kagura.ChannelID
	User    kagura.UserID
}

// KeyFor derives the key of command in scope for event.
//
// Fields a scope does not distinguish stay empty, so every event shares the
// global bucket and per-channel buckets ignore the sender.
func KeyFor(command string, scope kagura.RateScope, event *kagura.Event) Key {
	key := Key{Command: command, Scope: scope}
	if event == nil {
		return key
	}

	switch scope {
	case kagura.RateScopePerChannel:
		key.Source = event.Source
		key.Channel = event.Channel
	case kagura.RateScopePerUser:
		key.Source = event.Source
		key.Channel = event.Channel
		key.User = event.Sender
	}

	return key
}

// String renders the key for logs.
func (k Key) String() string {
	parts := []string{k.Command, string(k.Scope)}
	if k.Source != "" {
		parts = append(parts, string(k.Source))
	}
	if k.Channel != "" {
		parts = append(parts, string(k.Channel))
	}
	if k.User != "" {
		parts = append(parts, string(k.User))
	}

	return strings.Join(parts, "/")
}

// Limiter owns every bucket, keyed by Key.
//
// Each bucket has its own lock; unrelated keys never contend.
type Limiter struct {
	entries     sync.Map
	count       atomic.Int64
	now         func() time.Time
	idleHorizon time.Duration
	metrics     *metrics.Metrics
}

type entry struct {
	mu       sync.Mutex
	bucket   *Bucket
	lastUsed time.Time
	evicted  bool
}

// Option mutates limiter construction.
type Option func(*Limiter)

// WithClock overrides the time source used by Withdraw and Sweep.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIdleHorizon configures how long an unused bucket survives Sweep.
func WithIdleHorizon(horizon time.Duration) Option {
	return func(l *Limiter) {
		if horizon > 0 {
			l.idleHorizon = horizon
		}
	}
}

// WithMetrics configures the live bucket gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New creates an empty limiter.
func New(options ...Option) *Limiter {
	limiter := &Limiter{
		now:         time.Now,
		idleHorizon: defaultIdleHorizon,
	}
	for _, option := range options {
		option(limiter)
	}

	return limiter
}

// Withdraw removes n tokens from the bucket of key, creating it with cfg
// when absent. It never waits.
func (l *Limiter) Withdraw(key Key, cfg Config, n int) (bool, error) {
	return l.WithdrawAt(l.now(), key, cfg, n)
}

// WithdrawAt is Withdraw at an explicit time.
//
// A time earlier than the bucket's last use is treated as that last use, so
// out-of-order callers never earn refill twice.
func (l *Limiter) WithdrawAt(now time.Time, key Key, cfg Config, n int) (bool, error) {
	for {
		current, err := l.load(key, cfg)
		if err != nil {
			return false, err
		}

		current.mu.Lock()
		if current.evicted {
			current.mu.Unlock()
			continue
		}
		if now.Before(current.lastUsed) {
			now = current.lastUsed
		}
		if current.bucket.Config() != cfg {
			current.bucket.reshape(now, cfg)
		}
		ok := current.bucket.Withdraw(now, n)
		current.lastUsed = now
		current.mu.Unlock()

		return ok, nil
	}
}

// Wait blocks until n tokens are withdrawn from the bucket of key.
//
// This is the opt-in wait-for-capacity mode; it uses the wall clock.
func (l *Limiter) Wait(ctx context.Context, key Key, cfg Config, n int) error {
	current, err := l.load(key, cfg)
	if err != nil {
		return err
	}

	current.mu.Lock()
	now := l.now()
	if now.Before(current.lastUsed) {
		now = current.lastUsed
	}
	if current.bucket.Config() != cfg {
		current.bucket.reshape(now, cfg)
	}
	bucket := current.bucket
	current.lastUsed = now
	current.mu.Unlock()

	if err := bucket.Wait(ctx, n); err != nil {
		return fmt.Errorf("wait bucket %s: %w", key, err)
	}

	return nil
}

// Tokens reports the refilled token count of an existing bucket.
func (l *Limiter) Tokens(key Key) (float64, bool) {
	return l.TokensAt(l.now(), key)
}

// TokensAt is Tokens at an explicit time.
func (l *Limiter) TokensAt(now time.Time, key Key) (float64, bool) {
	loaded, ok := l.entries.Load(key)
	if !ok {
		return 0, false
	}
	current := loaded.(*entry)
	current.mu.Lock()
	defer current.mu.Unlock()

	return current.bucket.Tokens(now), true
}

// Sweep evicts buckets idle for longer than the idle horizon at now and
// returns how many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	l.entries.Range(func(key, value any) bool {
		current := value.(*entry)
		current.mu.Lock()
		if now.Sub(current.lastUsed) > l.idleHorizon {
			current.evicted = true
			l.entries.Delete(key)
			l.count.Add(-1)
			removed++
		}
		current.mu.Unlock()
		return true
	})
	l.metrics.SetBuckets(int(l.count.Load()))

	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	return int(l.count.Load())
}

func (l *Limiter) load(key Key, cfg Config) (*entry, error) {
	if loaded, ok := l.entries.Load(key); ok {
		return loaded.(*entry), nil
	}

	bucket, err := NewBucket(cfg)
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", key, err)
	}
	created := &entry{bucket: bucket, lastUsed: l.now()}
	actual, loaded := l.entries.LoadOrStore(key, created)
	if !loaded {
		l.metrics.SetBuckets(int(l.count.Add(1)))
	}

	return actual.(*entry), nil
}
