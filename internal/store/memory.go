// ABOUTME: In-memory HashStore implementation for tests and single-instance mode
// ABOUTME: Supports fault injection so callers can exercise store outages

package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory HashStore.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string // hash -> field -> value
	fail   error
	closed bool
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string]string),
	}
}

// SetFailure makes every subsequent operation return err. Pass nil to recover.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// checkLocked returns the injected failure or ErrClosed. Must be called with mu held.
func (m *MemoryStore) checkLocked() error {
	if m.closed {
		return ErrClosed
	}
	return m.fail
}

// HGet retrieves a single field value.
func (m *MemoryStore) HGet(ctx context.Context, hash, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkLocked(); err != nil {
		return "", err
	}
	value, ok := m.hashes[hash][field]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// HSet creates or replaces a single field value.
func (m *MemoryStore) HSet(ctx context.Context, hash, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(); err != nil {
		return err
	}
	fields, ok := m.hashes[hash]
	if !ok {
		fields = make(map[string]string)
		m.hashes[hash] = fields
	}
	fields[field] = value
	return nil
}

// HDel removes a single field.
func (m *MemoryStore) HDel(ctx context.Context, hash, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(); err != nil {
		return err
	}
	fields, ok := m.hashes[hash]
	if !ok {
		return nil
	}
	delete(fields, field)
	if len(fields) == 0 {
		delete(m.hashes, hash)
	}
	return nil
}

// HDelIf removes field only if its value equals value.
func (m *MemoryStore) HDelIf(ctx context.Context, hash, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(); err != nil {
		return false, err
	}
	current, ok := m.hashes[hash][field]
	if !ok || current != value {
		return false, nil
	}
	delete(m.hashes[hash], field)
	if len(m.hashes[hash]) == 0 {
		delete(m.hashes, hash)
	}
	return true, nil
}

// HLen counts the fields stored under hash.
func (m *MemoryStore) HLen(ctx context.Context, hash string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkLocked(); err != nil {
		return 0, err
	}
	return len(m.hashes[hash]), nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
