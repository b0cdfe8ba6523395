package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ex-kagura/internal/fetchcache"
	"ex-kagura/internal/inject"
	"ex-kagura/internal/ratelimit"
	"ex-kagura/pkg/kagura"
)

// Kernel is the service core tying connectors, the router and modules
// together.
type Kernel struct {
	cfg config

	injector *inject.Injector
	limiter  *ratelimit.Limiter
	cache    *fetchcache.Cache
	registry *Registry
	router   *Router

	mu             sync.RWMutex
	connectors     map[kagura.ConnectorID]kagura.Connector
	connectorOrder []kagura.ConnectorID

	runMu   sync.Mutex
	running bool
}

// New creates a new kernel runtime.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}
	if cfg.deps.injector == nil {
		cfg.deps.injector = inject.New(inject.WithLogger(cfg.logger))
	}
	if cfg.deps.limiter == nil {
		cfg.deps.limiter = ratelimit.New(ratelimit.WithClock(cfg.now), ratelimit.WithMetrics(cfg.metrics))
	}
	if cfg.deps.cache == nil {
		cfg.deps.cache = fetchcache.New(
			fetchcache.WithClock(cfg.now),
			fetchcache.WithLogger(cfg.logger),
			fetchcache.WithMetrics(cfg.metrics),
		)
	}

	kernelRuntime := &Kernel{
		cfg:        cfg,
		injector:   cfg.deps.injector,
		limiter:    cfg.deps.limiter,
		cache:      cfg.deps.cache,
		connectors: make(map[kagura.ConnectorID]kagura.Connector),
	}
	resolver := kernelRuntime.injector.Resolver()
	kernelRuntime.registry = newRegistry(cfg, kernelRuntime.injector, func(name string) *moduleRuntime {
		return &moduleRuntime{
			moduleName: name,
			services:   resolver,
			replier:    kernelRuntime,
			cache:      kernelRuntime.cache,
			settings:   resolver,
			store:      cfg.deps.store,
			logger:     cfg.logger,
		}
	})
	kernelRuntime.router = newRouter(cfg, routerDeps{
		table:    kernelRuntime.registry.currentTable,
		limiter:  kernelRuntime.limiter,
		cache:    kernelRuntime.cache,
		settings: resolver,
		store:    cfg.deps.store,
		replier:  kernelRuntime,
	})
	kernelRuntime.injector.Provide(kagura.ServiceCommandCatalog, kernelRuntime.registry.Catalog())
	if cfg.deps.store != nil {
		kernelRuntime.injector.Provide(kagura.ServiceStore, cfg.deps.store)
	}

	return kernelRuntime
}

// Injector exposes the dependency injector to integration code.
func (k *Kernel) Injector() *inject.Injector {
	return k.injector
}

// Registry exposes the module registry.
func (k *Kernel) Registry() *Registry {
	return k.registry
}

// Router exposes the command router.
func (k *Kernel) Router() *Router {
	return k.router
}

// ProvideService publishes a service under key.
func (k *Kernel) ProvideService(key string, service any) error {
	if key == "" {
		return fmt.Errorf("provide service: empty key")
	}
	if service == nil {
		return fmt.Errorf("provide service %s: nil service", key)
	}
	k.injector.Provide(key, service)

	return nil
}

// RegisterModule registers one module with the registry.
func (k *Kernel) RegisterModule(ctx context.Context, module kagura.Module) error {
	if err := k.registry.Register(ctx, module); err != nil {
		return err
	}

	return nil
}

// RegisterConnector registers one connector.
func (k *Kernel) RegisterConnector(connector kagura.Connector) error {
	if connector == nil {
		return fmt.Errorf("register connector: nil connector")
	}
	id := connector.ID()
	if id == "" {
		return fmt.Errorf("register connector: empty id")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.connectors[id]; exists {
		return fmt.Errorf("register connector %s: %w", id, kagura.ErrConflict)
	}
	k.connectors[id] = connector
	k.connectorOrder = append(k.connectorOrder, id)

	return nil
}

// Reply routes text to the connector that produced the triggering event.
func (k *Kernel) Reply(ctx context.Context, source kagura.ConnectorID, channel kagura.ChannelID, text string) error {
	k.mu.RLock()
	connector, exists := k.connectors[source]
	k.mu.RUnlock()
	if !exists {
		return fmt.Errorf("reply via %s: %w", source, kagura.ErrNotFound)
	}

	if err := connector.SendReply(ctx, channel, text); err != nil {
		return fmt.Errorf("reply via %s: %w", source, err)
	}

	return nil
}

// Run starts modules and connectors and blocks until ctx ends or a
// connector fails fatally.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.startRun(); err != nil {
		return err
	}
	defer k.finishRun()

	if err := k.startModules(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if k.cfg.deps.settings != nil {
		group.Go(func() error {
			return runSafely("settings follower", func() error {
				return k.injector.Follow(groupCtx, k.cfg.deps.settings)
			})
		})
	}
	group.Go(func() error {
		k.runJanitor(groupCtx)
		return nil
	})
	for _, connector := range k.connectorsInOrder() {
		connector := connector
		group.Go(func() error {
			return runSafely("connector "+string(connector.ID()), func() error {
				return k.runConnector(groupCtx, connector)
			})
		})
	}

	runErr := group.Wait()
	shutdownErr := k.shutdownAll(ctx)

	if isContextCancellation(runErr) {
		runErr = nil
	}
	if runErr != nil && shutdownErr != nil {
		return errors.Join(runErr, shutdownErr)
	}
	if runErr != nil {
		return runErr
	}

	return shutdownErr
}

// startRun serializes Run invocations and rejects concurrent starts.
func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

// finishRun releases the single-run guard set by startRun.
func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

// startModules invokes OnStart in registration order with per-module
// timeouts. Pending modules start once they are constructed.
func (k *Kernel) startModules(ctx context.Context) error {
	for _, record := range k.registry.startable() {
		starter, ok := record.module.(kagura.ModuleStarter)
		if !ok {
			continue
		}
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnStart", func() error {
			return starter.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// runConnector pumps one connector's events into the router until ctx ends.
func (k *Kernel) runConnector(ctx context.Context, connector kagura.Connector) error {
	feed := k.injector.CredentialFeed(connector.ID())
	defer feed.Close()

	events, err := connector.Connect(ctx, feed)
	if err != nil {
		return fmt.Errorf("run connector %s: %w", connector.ID(), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			k.cfg.metrics.InboundEvent(string(connector.ID()))
			if err := k.router.Submit(ctx, event); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				k.cfg.onAsyncError(ctx, "connector "+string(connector.ID())+" submit", err)
			}
		}
	}
}

// runJanitor evicts idle buckets and expired cache entries.
func (k *Kernel) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := k.cfg.now()
			evicted := k.limiter.Sweep(now)
			purged := k.cache.Purge(now)
			k.cfg.metrics.SetBuckets(k.limiter.Len())
			if evicted > 0 || purged > 0 {
				k.cfg.logger.Debug("janitor swept", "buckets", evicted, "cache_entries", purged)
			}
		}
	}
}

// shutdownAll stops dispatching, closes connectors and modules within the
// shutdown timeout. It uses WithoutCancel so cleanup runs after parent
// cancellation.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := k.router.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := k.shutdownConnectors(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := k.registry.close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := k.shutdownModules(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// shutdownConnectors closes connectors in reverse registration order.
func (k *Kernel) shutdownConnectors(ctx context.Context) error {
	connectors := k.connectorsInOrder()

	var shutdownErr error
	for idx := len(connectors) - 1; idx >= 0; idx-- {
		connector := connectors[idx]
		err := runSafely("connector "+string(connector.ID())+" Close", func() error {
			return connector.Close(ctx)
		})
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("close connector %s: %w", connector.ID(), err))
		}
	}

	return shutdownErr
}

// shutdownModules invokes OnShutdown in reverse registration order on every
// module that was constructed.
func (k *Kernel) shutdownModules(ctx context.Context) error {
	records := k.registry.constructedModules()

	var shutdownErr error
	for idx := len(records) - 1; idx >= 0; idx-- {
		record := records[idx]
		stopper, ok := record.module.(kagura.ModuleStopper)
		if !ok {
			continue
		}
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnShutdown", func() error {
			return stopper.OnShutdown(hookCtx)
		})
		cancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}

	return shutdownErr
}

func (k *Kernel) connectorsInOrder() []kagura.Connector {
	k.mu.RLock()
	defer k.mu.RUnlock()

	connectors := make([]kagura.Connector, 0, len(k.connectorOrder))
	for _, id := range k.connectorOrder {
		connectors = append(connectors, k.connectors[id])
	}

	return connectors
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var _ kagura.Replier = (*Kernel)(nil)
