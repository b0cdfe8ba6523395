package kagura

import (
	"context"
	"fmt"
	"log/slog"
)

// Dependency declares one injector key a module consumes.
type Dependency struct {
	// Key is the injector key.
	Key string
	// Required marks keys the module cannot be constructed without.
	Required bool
}

// ModuleSpec declares module metadata consumed by the registry.
type ModuleSpec struct {
	// Description is shown in administrative snapshots.
	Description string
	// Dependencies lists every injector key the module subscribes to.
	Dependencies []Dependency
}

// Contribution is the set of triggers a configured module exposes.
type Contribution struct {
	Commands []CommandSpec
	Patterns []PatternSpec
}

// Value is one injected value as observed by a module.
type Value struct {
	// Key is the injector key.
	Key string
	// Data is the current value. Settings arrive as Setting.
	Data any
	// Version is the injector version of Data.
	Version uint64
	// Present is false once the value has been withdrawn.
	Present bool
}

// Values maps injector keys to their current values.
type Values map[string]Value

// Lookup returns a present value.
func (v Values) Lookup(key string) (Value, bool) {
	value, ok := v[key]
	if !ok || !value.Present {
		return Value{}, false
	}

	return value, true
}

// ValueAs returns a present value asserted to T.
func ValueAs[T any](values Values, key string) (T, bool) {
	var zero T
	value, ok := values.Lookup(key)
	if !ok {
		return zero, false
	}
	typed, ok := value.Data.(T)
	if !ok {
		return zero, false
	}

	return typed, true
}

// SettingValue decodes a present setting value into T.
//
// ok is false when the key is absent. An error is returned when the value is
// not a setting or cannot be decoded.
func SettingValue[T any](values Values, key string) (decoded T, ok bool, err error) {
	value, present := values.Lookup(key)
	if !present {
		return decoded, false, nil
	}
	setting, isSetting := value.Data.(Setting)
	if !isSetting {
		return decoded, true, fmt.Errorf("setting value %s: unexpected type %T", key, value.Data)
	}
	decoded, err = DecodeSetting[T](setting)
	if err != nil {
		return decoded, true, err
	}

	return decoded, true, nil
}

// ModuleRuntime exposes kernel facilities to modules during registration.
type ModuleRuntime interface {
	// Services resolves injected services.
	Services() ServiceResolver
	// Replier sends text to connector channels.
	Replier() Replier
	// Cache is the shared fetch cache.
	Cache() Fetcher
	// Settings reads current settings.
	Settings() SettingsReader
	// Store is the persistence backend. It may be nil.
	Store() Store
	// Logger is scoped to the module.
	Logger() *slog.Logger
}

// Module contributes commands and holds injected configuration.
//
// Configure is called at construction and again after every change of a
// dependency. The returned contribution atomically replaces the previous one.
type Module interface {
	Name() string
	Spec() ModuleSpec
	Configure(ctx context.Context, values Values) (Contribution, error)
}

// ModuleRegistrar is implemented by modules that resolve services on registration.
type ModuleRegistrar interface {
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
}

// ModuleStarter is implemented by modules with background work.
type ModuleStarter interface {
	OnStart(ctx context.Context) error
}

// ModuleStopper is implemented by modules that release resources on shutdown.
type ModuleStopper interface {
	OnShutdown(ctx context.Context) error
}

// ModuleEnabledKey returns the setting key toggling one module.
func ModuleEnabledKey(module string) string {
	return "modules." + module + ".enabled"
}
