package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"ex-kagura/pkg/kagura"
)

// moduleRuntime is the kernel-owned implementation of kagura.ModuleRuntime.
type moduleRuntime struct {
	moduleName string
	services   kagura.ServiceResolver
	replier    kagura.Replier
	cache      kagura.Fetcher
	settings   kagura.SettingsReader
	store      kagura.Store
	logger     *slog.Logger
}

// Services returns injected services visible to the module.
func (r *moduleRuntime) Services() kagura.ServiceResolver {
	return moduleServiceResolver{moduleName: r.moduleName, base: r.services}
}

// Replier returns a replier that attributes failures to the module.
func (r *moduleRuntime) Replier() kagura.Replier {
	if r.replier == nil {
		return nil
	}

	return moduleReplier{moduleName: r.moduleName, base: r.replier}
}

// Cache returns the shared fetch cache.
func (r *moduleRuntime) Cache() kagura.Fetcher {
	return r.cache
}

// Settings returns the current settings view.
func (r *moduleRuntime) Settings() kagura.SettingsReader {
	return r.settings
}

// Store returns the persistence backend, which may be nil.
func (r *moduleRuntime) Store() kagura.Store {
	return r.store
}

// Logger returns a logger tagged with the module name.
func (r *moduleRuntime) Logger() *slog.Logger {
	return r.logger.With("module", r.moduleName)
}

type moduleServiceResolver struct {
	moduleName string
	base       kagura.ServiceResolver
}

func (r moduleServiceResolver) Resolve(name string) (any, error) {
	if r.base == nil {
		return nil, fmt.Errorf("module %s resolve %s: %w", r.moduleName, name, kagura.ErrServiceNotFound)
	}
	service, err := r.base.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", r.moduleName, err)
	}

	return service, nil
}

type moduleReplier struct {
	moduleName string
	base       kagura.Replier
}

func (r moduleReplier) Reply(
	ctx context.Context,
	source kagura.ConnectorID,
	channel kagura.ChannelID,
	text string,
) error {
	if err := r.base.Reply(ctx, source, channel, text); err != nil {
		return fmt.Errorf("module %s reply to %s/%s: %w", r.moduleName, source, channel, err)
	}

	return nil
}

var (
	_ kagura.ModuleRuntime   = (*moduleRuntime)(nil)
	_ kagura.ServiceResolver = moduleServiceResolver{}
	_ kagura.Replier         = moduleReplier{}
)
