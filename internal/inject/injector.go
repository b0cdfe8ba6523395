package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"ex-kagura/internal/mailbox"
	"ex-kagura/pkg/kagura"
)

// cell is the state of one injector key.
type cell struct {
	mu          sync.Mutex
	data        any
	version     uint64
	present     bool
	subscribers map[uint64]*Subscription
}

func (c *cell) snapshot(key string) kagura.Value {
	return kagura.Value{Key: key, Data: c.data, Version: c.version, Present: c.present}
}

// deliver runs under c.mu so subscribers observe one key's versions in order.
func (c *cell) deliver(value kagura.Value) {
	for _, subscription := range c.subscribers {
		subscription.box.Push(value)
	}
}

// Injector holds versioned values keyed by name and broadcasts every change
// to the subscriptions of that key.
type Injector struct {
	cells  sync.Map
	nextID atomic.Uint64
	logger *slog.Logger
}

// Option mutates injector construction.
type Option func(*Injector)

// WithLogger configures injector logging.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Injector) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// New creates an empty injector.
func New(options ...Option) *Injector {
	injector := &Injector{logger: slog.Default()}
	for _, option := range options {
		option(injector)
	}

	return injector
}

// Provide installs data as the next version of key and returns that version.
func (i *Injector) Provide(key string, data any) uint64 {
	current := i.cell(key)
	current.mu.Lock()
	defer current.mu.Unlock()

	current.version++
	current.data = data
	current.present = true
	current.deliver(current.snapshot(key))

	return current.version
}

// Publish installs data at an externally assigned version.
//
// Versions not newer than the current one are ignored, so replaying an
// update stream is harmless. It reports whether the value was accepted.
func (i *Injector) Publish(key string, data any, version uint64) bool {
	current := i.cell(key)
	current.mu.Lock()
	defer current.mu.Unlock()

	if version <= current.version {
		return false
	}
	current.version = version
	current.data = data
	current.present = true
	current.deliver(current.snapshot(key))

	return true
}

// Withdraw removes key. Withdrawing an absent key is a no-op.
func (i *Injector) Withdraw(key string) {
	loaded, ok := i.cells.Load(key)
	if !ok {
		return
	}
	current := loaded.(*cell)
	current.mu.Lock()
	defer current.mu.Unlock()

	if !current.present {
		return
	}
	current.withdraw(key, current.version+1)
}

// WithdrawVersion removes key at an externally assigned version.
func (i *Injector) WithdrawVersion(key string, version uint64) bool {
	current := i.cell(key)
	current.mu.Lock()
	defer current.mu.Unlock()

	if version <= current.version {
		return false
	}
	current.withdraw(key, version)

	return true
}

func (c *cell) withdraw(key string, version uint64) {
	wasPresent := c.present
	c.version = version
	c.data = nil
	c.present = false
	if wasPresent {
		c.deliver(c.snapshot(key))
	}
}

// Get returns the current value of key.
func (i *Injector) Get(key string) (kagura.Value, bool) {
	loaded, ok := i.cells.Load(key)
	if !ok {
		return kagura.Value{Key: key}, false
	}
	current := loaded.(*cell)
	current.mu.Lock()
	defer current.mu.Unlock()

	value := current.snapshot(key)

	return value, value.Present
}

// Keys lists present keys with prefix in sorted order.
func (i *Injector) Keys(prefix string) []string {
	keys := make([]string, 0)
	i.cells.Range(func(key, value any) bool {
		name := key.(string)
		if !strings.HasPrefix(name, prefix) {
			return true
		}
		current := value.(*cell)
		current.mu.Lock()
		if current.present {
			keys = append(keys, name)
		}
		current.mu.Unlock()
		return true
	})
	sort.Strings(keys)

	return keys
}

// Subscribe follows keys.
//
// The subscription first yields the current value of every present key, then
// every later update and withdrawal of those keys. Withdrawals arrive as
// values with Present false.
func (i *Injector) Subscribe(keys ...string) *Subscription {
	subscription := &Subscription{
		id:       i.nextID.Add(1),
		box:      mailbox.New[kagura.Value](),
		injector: i,
	}

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		subscription.keys = append(subscription.keys, key)

		current := i.cell(key)
		current.mu.Lock()
		if current.subscribers == nil {
			current.subscribers = make(map[uint64]*Subscription)
		}
		current.subscribers[subscription.id] = subscription
		if current.present {
			subscription.box.Push(current.snapshot(key))
		}
		current.mu.Unlock()
	}

	return subscription
}

// Resolver adapts the injector to service and settings lookups.
func (i *Injector) Resolver() *Resolver {
	return &Resolver{injector: i}
}

// SettingsSource is the settings store surface the injector follows.
type SettingsSource interface {
	List(ctx context.Context) ([]kagura.Setting, error)
	Watch(ctx context.Context) (<-chan kagura.SettingChange, error)
}

// Follow republishes every setting under its own key until ctx ends.
//
// Current settings are published after the watch starts; the version check
// in Publish makes the overlap harmless.
func (i *Injector) Follow(ctx context.Context, source SettingsSource) error {
	changes, err := source.Watch(ctx)
	if err != nil {
		return fmt.Errorf("follow settings watch: %w", err)
	}
	current, err := source.List(ctx)
	if err != nil {
		return fmt.Errorf("follow settings list: %w", err)
	}
	for _, setting := range current {
		i.Publish(setting.Key, setting, setting.Version)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("follow settings: %w", kagura.ErrSubscriptionClosed)
			}
			i.applyChange(change)
		}
	}
}

func (i *Injector) applyChange(change kagura.SettingChange) {
	key := change.Setting.Key
	if change.Deleted {
		i.WithdrawVersion(key, change.Setting.Version)
		return
	}
	if !i.Publish(key, change.Setting, change.Setting.Version) {
		i.logger.Debug("ignore stale setting", "key", key, "version", change.Setting.Version)
	}
}

func (i *Injector) cell(key string) *cell {
	if loaded, ok := i.cells.Load(key); ok {
		return loaded.(*cell)
	}
	actual, _ := i.cells.LoadOrStore(key, &cell{})

	return actual.(*cell)
}

// Subscription is one ordered stream of injector changes.
type Subscription struct {
	id       uint64
	keys     []string
	box      *mailbox.Mailbox[kagura.Value]
	injector *Injector
	once     sync.Once
}

// Keys returns the followed keys.
func (s *Subscription) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Next waits for the next change.
func (s *Subscription) Next(ctx context.Context) (kagura.Value, error) {
	value, err := s.box.Next(ctx)
	if errors.Is(err, mailbox.ErrClosed) {
		return kagura.Value{}, fmt.Errorf("next injected value: %w", kagura.ErrSubscriptionClosed)
	}
	if err != nil {
		return kagura.Value{}, fmt.Errorf("next injected value: %w", err)
	}

	return value, nil
}

// Pending reports queued changes not yet received.
func (s *Subscription) Pending() int {
	return s.box.Len()
}

// Close detaches the subscription. Queued changes remain readable.
func (s *Subscription) Close() {
	s.once.Do(func() {
		for _, key := range s.keys {
			current := s.injector.cell(key)
			current.mu.Lock()
			delete(current.subscribers, s.id)
			current.mu.Unlock()
		}
		s.box.Close()
	})
}

// Resolver serves modules and handlers from injector state.
type Resolver struct {
	injector *Injector
}

// Resolve returns the current value of a service key.
func (r *Resolver) Resolve(name string) (any, error) {
	value, ok := r.injector.Get(name)
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", name, kagura.ErrServiceNotFound)
	}

	return value.Data, nil
}

// LookupSetting returns the current setting published under key.
func (r *Resolver) LookupSetting(key string) (kagura.Setting, bool) {
	value, ok := r.injector.Get(key)
	if !ok {
		return kagura.Setting{}, false
	}
	setting, ok := value.Data.(kagura.Setting)

	return setting, ok
}

var (
	_ kagura.ServiceResolver = (*Resolver)(nil)
	_ kagura.SettingsReader  = (*Resolver)(nil)
)
