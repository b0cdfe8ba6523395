package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"filippo.io/age"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"ex-kagura/internal/connector"
	"ex-kagura/internal/connector/irc"
	"ex-kagura/internal/connector/push"
	"ex-kagura/internal/connector/telegram"
	"ex-kagura/internal/credentials"
	"ex-kagura/internal/filewatch"
	"ex-kagura/internal/inject"
	"ex-kagura/internal/kernel"
	"ex-kagura/internal/metrics"
	"ex-kagura/internal/script"
	"ex-kagura/internal/settings"
	"ex-kagura/internal/storage"
	"ex-kagura/modules/ask"
	"ex-kagura/modules/currency"
	"ex-kagura/modules/help"
	"ex-kagura/modules/patterns"
	"ex-kagura/modules/ping"
	"ex-kagura/modules/promotions"
	"ex-kagura/modules/shoutout"
	"ex-kagura/pkg/kagura"
	"ex-kagura/pkg/llm"
)

// builtinConnectors lists every connector type the binary can build.
func builtinConnectors() []connector.Descriptor {
	return []connector.Descriptor{
		irc.Descriptor(),
		push.Descriptor(),
		telegram.Descriptor(),
	}
}

// app owns every long-lived collaborator of one process.
type app struct {
	cfg    appConfig
	logger *slog.Logger

	gatherer prometheus.Gatherer
	backend  kagura.Store
	settings *settings.Store
	kernel   *kernel.Kernel
	creds    *credentials.Source

	// fileKeys are the setting keys the config file last defined.
	fileKeys map[string]struct{}
}

func run(args []string) error {
	registry, err := connector.NewRegistry(builtinConnectors())
	if err != nil {
		return fmt.Errorf("new connector registry: %w", err)
	}

	cfg, err := loadConfig(args, registry.Types())
	if errors.Is(err, pflag.ErrHelp) {
		_, _ = fmt.Fprintln(os.Stderr, "usage: kagura [--config path]")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := newApp(ctx, cfg, logger, registry, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer application.close()

	return application.run(ctx)
}

// newApp opens storage, seeds settings and registers connectors, services
// and modules. Nothing runs until app.run.
func newApp(
	ctx context.Context,
	cfg appConfig,
	logger *slog.Logger,
	connectors *connector.Registry,
	promRegistry *prometheus.Registry,
) (*app, error) {
	collectors, err := metrics.New(promRegistry)
	if err != nil {
		return nil, fmt.Errorf("new metrics: %w", err)
	}

	backend, err := storage.Open(ctx, cfg.storage)
	if err != nil {
		return nil, err
	}
	application := &app{cfg: cfg, logger: logger, gatherer: promRegistry, backend: backend}

	application.settings, err = settings.Open(ctx, backend, settings.WithLogger(logger.With("component", "settings")))
	if err != nil {
		application.close()
		return nil, fmt.Errorf("open settings: %w", err)
	}
	if err := seedSettings(ctx, application.settings, cfg.settings); err != nil {
		application.close()
		return nil, err
	}
	application.fileKeys = settingKeys(cfg.settings)

	options := append(cfg.kernel.options(),
		kernel.WithLogger(logger),
		kernel.WithMetrics(collectors),
		kernel.WithStore(backend),
		kernel.WithSettings(application.settings),
	)
	application.kernel = kernel.New(options...)
	if err := primeSettings(ctx, application.settings, application.kernel.Injector()); err != nil {
		application.close()
		return nil, err
	}

	if err := application.registerConnectors(ctx, connectors, collectors); err != nil {
		application.close()
		return nil, err
	}
	if err := application.loadCredentials(ctx); err != nil {
		application.close()
		return nil, err
	}
	if err := application.provideServices(); err != nil {
		application.close()
		return nil, err
	}
	if err := application.registerModules(ctx); err != nil {
		application.close()
		return nil, err
	}

	return application, nil
}

func (a *app) registerConnectors(ctx context.Context, registry *connector.Registry, collectors *metrics.Metrics) error {
	built, err := registry.BuildEnabled(ctx, a.cfg.connectors, connector.Deps{Logger: a.logger, Metrics: collectors})
	if err != nil {
		return fmt.Errorf("build connectors: %w", err)
	}
	for _, runtimeConnector := range built {
		if err := a.kernel.RegisterConnector(runtimeConnector); err != nil {
			return err
		}
	}

	return nil
}

func (a *app) loadCredentials(ctx context.Context) error {
	if a.cfg.credentialsFile == "" {
		a.logger.Warn("no credentials file configured; connectors stay parked")
		return nil
	}

	var identities []age.Identity
	if a.cfg.credentialsIdentity != "" || a.cfg.credentialsPassphrase != "" {
		loaded, err := credentials.LoadIdentities(a.cfg.credentialsIdentity, a.cfg.credentialsPassphrase)
		if err != nil {
			return fmt.Errorf("load credential identities: %w", err)
		}
		identities = loaded
	}

	source, err := credentials.NewSource(a.cfg.credentialsFile, a.kernel.Injector(),
		credentials.WithIdentities(identities...),
		credentials.WithLogger(a.logger.With("component", "credentials")),
	)
	if err != nil {
		return err
	}
	if err := source.Load(ctx); err != nil {
		return err
	}
	a.creds = source

	return nil
}

func (a *app) provideServices() error {
	if len(a.cfg.llm.Providers) == 0 {
		return nil
	}
	providers, err := llm.Build(a.cfg.llm)
	if err != nil {
		return err
	}
	if err := a.kernel.ProvideService(kagura.ServiceLLMProviderRegistry, providers); err != nil {
		return fmt.Errorf("provide llm registry: %w", err)
	}

	return nil
}

func (a *app) modules() ([]kagura.Module, error) {
	modules := []kagura.Module{
		ping.New(),
		help.New(),
		shoutout.New(),
		currency.New(),
		ask.New(),
		promotions.New(),
		patterns.New(),
	}
	if a.cfg.scriptsDir != "" {
		bridge, err := script.New(a.cfg.scriptsDir,
			script.WithBudget(a.cfg.scriptBudget),
			script.WithLogger(a.logger),
		)
		if err != nil {
			return nil, err
		}
		modules = append(modules, bridge)
	}

	return modules, nil
}

// registerModules registers every module. A module whose required settings
// or services are not configured yet stays pending, and a module rejected for
// a conflicting name is skipped; neither stops startup.
func (a *app) registerModules(ctx context.Context) error {
	modules, err := a.modules()
	if err != nil {
		return err
	}
	for _, module := range modules {
		err := a.kernel.RegisterModule(ctx, module)
		if errors.Is(err, kagura.ErrUnsatisfiedDependency) {
			a.logger.Warn("module waiting for dependencies", "module", module.Name(), "error", err)
			continue
		}
		if errors.Is(err, kagura.ErrConflict) {
			a.logger.Warn("module skipped", "module", module.Name(), "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("register module %s: %w", module.Name(), err)
		}
	}

	return nil
}

// run blocks until ctx ends or the kernel stops. Watchers and the admin
// server follow the kernel's lifetime.
func (a *app) run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	watchCtx, cancelWatchers := context.WithCancel(groupCtx)

	group.Go(func() error {
		defer cancelWatchers()
		if err := a.kernel.Run(groupCtx); err != nil {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})
	if a.cfg.adminAddr != "" {
		group.Go(func() error {
			return serveAdmin(watchCtx, a.cfg.adminAddr, a.gatherer, a.kernel.Registry(), a.logger)
		})
	}
	if a.creds != nil {
		group.Go(func() error {
			return a.watchFile(watchCtx, a.cfg.credentialsFile, a.creds.Reload)
		})
	}
	if a.cfg.configFile != "" {
		group.Go(func() error {
			return a.watchFile(watchCtx, a.cfg.configFile, a.reloadSettings)
		})
	}
	if a.cfg.scriptsDir != "" {
		group.Go(func() error {
			return script.WatchDirectory(watchCtx, a.cfg.scriptsDir, a.kernel.Injector(), a.logger.With("component", "scripts"))
		})
	}

	err := group.Wait()
	cancelWatchers()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (a *app) watchFile(ctx context.Context, path string, onChange func(context.Context, []string)) error {
	watcher, err := filewatch.New([]string{path}, filewatch.WithLogger(a.logger))
	if err != nil {
		return err
	}

	return watcher.Run(ctx, onChange)
}

// reloadSettings re-applies the settings section after a config file change
// and deletes keys the file no longer defines. Other sections need a restart.
func (a *app) reloadSettings(ctx context.Context, _ []string) {
	parsed, err := readConfigFile(a.cfg.configFile)
	if err != nil {
		a.logger.Error("reload config failed, keeping previous settings", "error", err)
		return
	}
	if err := seedSettings(ctx, a.settings, parsed.Settings); err != nil {
		a.logger.Error("reload settings failed", "error", err)
		return
	}
	current := settingKeys(parsed.Settings)
	removed := 0
	for key := range a.fileKeys {
		if _, kept := current[key]; kept {
			continue
		}
		if err := a.settings.Delete(ctx, key); err != nil {
			a.logger.Error("delete removed setting failed", "key", key, "error", err)
			current[key] = struct{}{}
			continue
		}
		removed++
	}
	a.fileKeys = current
	a.logger.Info("settings reloaded", "file", a.cfg.configFile, "keys", len(parsed.Settings), "removed", removed)
}

func (a *app) close() {
	if a.backend == nil {
		return
	}
	if err := a.backend.Close(); err != nil {
		a.logger.Error("close storage", "error", err)
	}
}

// seedSettings writes every configured setting. Unchanged values are no-ops
// inside the store, so reapplying a file only notifies changed keys.
func seedSettings(ctx context.Context, store *settings.Store, values map[string]json.RawMessage) error {
	for key, value := range values {
		if _, err := store.Set(ctx, key, value); err != nil {
			return fmt.Errorf("seed setting: %w", err)
		}
	}

	return nil
}

func settingKeys(values map[string]json.RawMessage) map[string]struct{} {
	keys := make(map[string]struct{}, len(values))
	for key := range values {
		keys[key] = struct{}{}
	}

	return keys
}

// primeSettings publishes stored settings into the injector so registration
// sees required keys. The kernel follower republishes them later; replayed
// versions are ignored.
func primeSettings(ctx context.Context, store *settings.Store, injector *inject.Injector) error {
	current, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("prime settings: %w", err)
	}
	for _, setting := range current {
		injector.Publish(setting.Key, setting, setting.Version)
	}

	return nil
}
