package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ex-kagura/internal/fetchcache"
	"ex-kagura/internal/inject"
	"ex-kagura/internal/metrics"
	"ex-kagura/internal/ratelimit"
	"ex-kagura/pkg/kagura"
)

const (
	defaultModuleHookTimeout = 5 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultHandlerTimeout    = 10 * time.Second
	defaultLaneBuffer        = 64
	defaultLaneIdle          = time.Minute
	defaultDegradeGrace      = 5 * time.Minute
	defaultJanitorInterval   = time.Minute
)

// Backpressure selects how a full dispatch lane treats new events.
type Backpressure string

const (
	// BackpressureBlock waits for lane capacity.
	BackpressureBlock Backpressure = "block"
	// BackpressureDropNewest drops the incoming event.
	BackpressureDropNewest Backpressure = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued event.
	BackpressureDropOldest Backpressure = "drop_oldest"
)

// Validate checks whether the policy is supported.
func (b Backpressure) Validate() error {
	switch b {
	case BackpressureBlock, BackpressureDropNewest, BackpressureDropOldest:
		return nil
	default:
		return fmt.Errorf("validate backpressure: unsupported policy %q", b)
	}
}

// config stores resolved kernel runtime settings after option application.
type config struct {
	moduleHookTimeout time.Duration
	shutdownTimeout   time.Duration
	handlerTimeout    time.Duration
	laneBuffer        int
	laneIdle          time.Duration
	backpressure      Backpressure
	degradeGrace      time.Duration
	janitorInterval   time.Duration
	now               func() time.Time
	logger            *slog.Logger
	metrics           *metrics.Metrics
	onAsyncError      func(context.Context, string, error)
	deps              collaborators
}

// Option mutates kernel construction configuration.
type Option func(*config)

// defaultConfig returns production-safe defaults for kernel runtime controls.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		moduleHookTimeout: defaultModuleHookTimeout,
		shutdownTimeout:   defaultShutdownTimeout,
		handlerTimeout:    defaultHandlerTimeout,
		laneBuffer:        defaultLaneBuffer,
		laneIdle:          defaultLaneIdle,
		backpressure:      BackpressureBlock,
		degradeGrace:      defaultDegradeGrace,
		janitorInterval:   defaultJanitorInterval,
		now:               time.Now,
		logger:            logger,
		onAsyncError:      asyncErrorLogger(logger),
	}
}

func asyncErrorLogger(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "kagura async error", "scope", scope, "error", err)
	}
}

// WithModuleHookTimeout bounds OnRegister, Configure, OnStart and OnShutdown.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.moduleHookTimeout = timeout
		}
	}
}

// WithShutdownTimeout configures the overall shutdown grace period.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithHandlerTimeout configures the per-dispatch handler timeout.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithLaneBuffer configures per-channel lane queue depth.
func WithLaneBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.laneBuffer = size
		}
	}
}

// WithLaneIdle configures how long an empty lane lingers before exiting.
func WithLaneIdle(idle time.Duration) Option {
	return func(cfg *config) {
		if idle > 0 {
			cfg.laneIdle = idle
		}
	}
}

// WithBackpressure configures the full-lane policy.
func WithBackpressure(policy Backpressure) Option {
	return func(cfg *config) {
		if policy.Validate() == nil {
			cfg.backpressure = policy
		}
	}
}

// WithDegradeGrace configures how long a module missing a required value is
// kept before it is destroyed.
func WithDegradeGrace(grace time.Duration) Option {
	return func(cfg *config) {
		if grace > 0 {
			cfg.degradeGrace = grace
		}
	}
}

// WithJanitorInterval configures bucket and cache sweeping frequency.
func WithJanitorInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.janitorInterval = interval
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithMetrics configures prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// WithLogger configures logger used by kernel and default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = asyncErrorLogger(logger)
	}
}

// WithAsyncErrorHandler configures asynchronous worker error reporting.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// collaborators are the shared components the kernel wires together.
type collaborators struct {
	injector *inject.Injector
	limiter  *ratelimit.Limiter
	cache    *fetchcache.Cache
	store    kagura.Store
	settings inject.SettingsSource
}

// WithInjector shares an existing injector.
func WithInjector(injector *inject.Injector) Option {
	return func(cfg *config) {
		cfg.deps.injector = injector
	}
}

// WithLimiter shares an existing rate limiter.
func WithLimiter(limiter *ratelimit.Limiter) Option {
	return func(cfg *config) {
		cfg.deps.limiter = limiter
	}
}

// WithCache shares an existing fetch cache.
func WithCache(cache *fetchcache.Cache) Option {
	return func(cfg *config) {
		cfg.deps.cache = cache
	}
}

// WithStore configures the persistence backend handed to handlers.
func WithStore(store kagura.Store) Option {
	return func(cfg *config) {
		cfg.deps.store = store
	}
}

// WithSettings makes Run republish settings changes into the injector.
func WithSettings(source inject.SettingsSource) Option {
	return func(cfg *config) {
		cfg.deps.settings = source
	}
}
