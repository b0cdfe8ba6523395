package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"ex-kagura/internal/mailbox"
	"ex-kagura/pkg/kagura"
)

const keyPrefix = "settings/"

// record is the persisted form of one setting.
//
// Deleted records are tombstones that keep the version counter so a key
// removed and set again never reuses a version.
type record struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// cell holds the cached state of one key.
type cell struct {
	mu      sync.Mutex
	setting kagura.Setting
	digest  [32]byte
	present bool
}

// Store is a versioned settings store with change notification.
//
// Writes to one key are serialized by that key's lock; unrelated keys do not
// contend. Every accepted change is delivered to every watcher in version
// order.
type Store struct {
	backend kagura.Store
	cells   sync.Map
	now     func() time.Time
	logger  *slog.Logger

	watchersMu  sync.RWMutex
	watchers    map[uint64]*mailbox.Mailbox[kagura.SettingChange]
	nextWatcher atomic.Uint64
}

// Option mutates store construction.
type Option func(*Store)

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger configures store logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open loads every persisted setting from backend.
func Open(ctx context.Context, backend kagura.Store, options ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("open settings: nil backend")
	}

	store := &Store{
		backend:  backend,
		now:      time.Now,
		logger:   slog.Default(),
		watchers: make(map[uint64]*mailbox.Mailbox[kagura.SettingChange]),
	}
	for _, option := range options {
		option(store)
	}

	entries, err := backend.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("open settings list: %w", err)
	}
	for _, entry := range entries {
		var persisted record
		if err := json.Unmarshal(entry.Value, &persisted); err != nil {
			store.logger.Warn("skip undecodable setting record", "key", entry.Key, "error", err)
			continue
		}
		key := strings.TrimPrefix(entry.Key, keyPrefix)
		loaded := &cell{
			setting: kagura.Setting{
				Key:       key,
				Value:     persisted.Value,
				Version:   persisted.Version,
				UpdatedAt: persisted.UpdatedAt,
			},
			present: !persisted.Deleted,
		}
		if loaded.present {
			loaded.digest = blake3.Sum256(persisted.Value)
		} else {
			loaded.setting.Value = nil
		}
		store.cells.Store(key, loaded)
	}

	return store, nil
}

// Get returns the current setting of key.
func (s *Store) Get(_ context.Context, key string) (kagura.Setting, bool, error) {
	setting, ok := s.LookupSetting(key)
	return setting, ok, nil
}

// LookupSetting returns the cached current setting of key.
func (s *Store) LookupSetting(key string) (kagura.Setting, bool) {
	loaded, ok := s.cells.Load(key)
	if !ok {
		return kagura.Setting{}, false
	}
	current := loaded.(*cell)
	current.mu.Lock()
	defer current.mu.Unlock()

	if !current.present {
		return kagura.Setting{}, false
	}

	return cloneSetting(current.setting), true
}

// Set stores value under key and returns the resulting version.
//
// value must be JSON. Setting a value equal to the current one is a no-op
// that returns the current version and notifies nobody.
func (s *Store) Set(ctx context.Context, key string, value []byte) (uint64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, fmt.Errorf("set setting: empty key")
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, value); err != nil {
		return 0, fmt.Errorf("set setting %s: value is not json: %w", key, err)
	}
	normalized := compacted.Bytes()
	digest := blake3.Sum256(normalized)

	current := s.cell(key)
	current.mu.Lock()
	defer current.mu.Unlock()

	if current.present && current.digest == digest {
		return current.setting.Version, nil
	}

	next := kagura.Setting{
		Key:       key,
		Value:     normalized,
		Version:   current.setting.Version + 1,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.persist(ctx, next, false); err != nil {
		return 0, fmt.Errorf("set setting %s: %w", key, err)
	}
	current.setting = next
	current.digest = digest
	current.present = true
	s.broadcast(kagura.SettingChange{Setting: cloneSetting(next)})

	return next.Version, nil
}

// SetValue JSON-encodes value and stores it.
func (s *Store) SetValue(ctx context.Context, key string, value any) (uint64, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("set setting %s encode: %w", key, err)
	}

	return s.Set(ctx, key, encoded)
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	loaded, ok := s.cells.Load(key)
	if !ok {
		return nil
	}
	current := loaded.(*cell)
	current.mu.Lock()
	defer current.mu.Unlock()

	if !current.present {
		return nil
	}
	tombstone := kagura.Setting{
		Key:       key,
		Version:   current.setting.Version + 1,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.persist(ctx, tombstone, true); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	current.setting = tombstone
	current.digest = [32]byte{}
	current.present = false
	s.broadcast(kagura.SettingChange{Setting: tombstone, Deleted: true})

	return nil
}

// List returns every present setting sorted by key.
func (s *Store) List(_ context.Context) ([]kagura.Setting, error) {
	settings := make([]kagura.Setting, 0)
	s.cells.Range(func(_, value any) bool {
		current := value.(*cell)
		current.mu.Lock()
		if current.present {
			settings = append(settings, cloneSetting(current.setting))
		}
		current.mu.Unlock()
		return true
	})
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })

	return settings, nil
}

// Watch streams every accepted change until ctx ends.
//
// The stream starts empty; callers wanting current state read it first.
// Delivery is unbounded, so a slow watcher never blocks writers.
func (s *Store) Watch(ctx context.Context) (<-chan kagura.SettingChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("watch settings: %w", err)
	}

	id := s.nextWatcher.Add(1)
	box := mailbox.New[kagura.SettingChange]()
	s.watchersMu.Lock()
	s.watchers[id] = box
	s.watchersMu.Unlock()

	changes := make(chan kagura.SettingChange)
	go func() {
		defer close(changes)
		defer func() {
			s.watchersMu.Lock()
			delete(s.watchers, id)
			s.watchersMu.Unlock()
			box.Close()
		}()

		for {
			change, err := box.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					s.logger.Warn("settings watcher stopped", "error", err)
				}
				return
			}
			select {
			case changes <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	return changes, nil
}

func (s *Store) cell(key string) *cell {
	if loaded, ok := s.cells.Load(key); ok {
		return loaded.(*cell)
	}
	actual, _ := s.cells.LoadOrStore(key, &cell{setting: kagura.Setting{Key: key}})

	return actual.(*cell)
}

func (s *Store) persist(ctx context.Context, setting kagura.Setting, deleted bool) error {
	encoded, err := json.Marshal(record{
		Value:     setting.Value,
		Version:   setting.Version,
		UpdatedAt: setting.UpdatedAt,
		Deleted:   deleted,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.backend.Set(ctx, keyPrefix+setting.Key, encoded); err != nil {
		return fmt.Errorf("persist record: %w", err)
	}

	return nil
}

// broadcast runs under the key's lock so watchers see per-key version order.
func (s *Store) broadcast(change kagura.SettingChange) {
	s.watchersMu.RLock()
	defer s.watchersMu.RUnlock()

	for _, box := range s.watchers {
		box.Push(change)
	}
}

func cloneSetting(setting kagura.Setting) kagura.Setting {
	setting.Value = append([]byte(nil), setting.Value...)
	return setting
}

var _ kagura.SettingsReader = (*Store)(nil)
