package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ex-kagura/pkg/kagura"
)

// Memory is an in-process backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("memory get %s: %w", key, kagura.ErrNotFound)
	}

	return append([]byte(nil), value...), nil
}

// Set stores a copy of value.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("memory set: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// List returns entries whose key starts with prefix, sorted by key.
func (m *Memory) List(_ context.Context, prefix string) ([]kagura.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]kagura.Entry, 0)
	for key, value := range m.data {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, kagura.Entry{Key: key, Value: append([]byte(nil), value...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	return entries, nil
}

// Update runs fn against a staged view and commits only when fn succeeds.
//
// Transactions are serialized with every other write.
func (m *Memory) Update(ctx context.Context, fn func(tx kagura.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{base: m.data, writes: make(map[string][]byte), deletes: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return fmt.Errorf("memory update: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory update: %w", err)
	}
	for key := range tx.deletes {
		delete(m.data, key)
	}
	for key, value := range tx.writes {
		m.data[key] = value
	}

	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

type memoryTx struct {
	base    map[string][]byte
	writes  map[string][]byte
	deletes map[string]struct{}
}

func (tx *memoryTx) Get(_ context.Context, key string) ([]byte, error) {
	if value, ok := tx.writes[key]; ok {
		return append([]byte(nil), value...), nil
	}
	if _, deleted := tx.deletes[key]; deleted {
		return nil, fmt.Errorf("memory tx get %s: %w", key, kagura.ErrNotFound)
	}
	value, ok := tx.base[key]
	if !ok {
		return nil, fmt.Errorf("memory tx get %s: %w", key, kagura.ErrNotFound)
	}

	return append([]byte(nil), value...), nil
}

func (tx *memoryTx) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("memory tx set: %w", err)
	}
	delete(tx.deletes, key)
	tx.writes[key] = append([]byte(nil), value...)
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, key string) error {
	delete(tx.writes, key)
	tx.deletes[key] = struct{}{}
	return nil
}

var _ kagura.Store = (*Memory)(nil)
