// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	settings map[string]Setting
	writes   int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{settings: make(map[string]Setting)}
}

// GetSetting returns the setting for key.
func (m *MockStore) GetSetting(ctx context.Context, key string) (*Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// PutSetting creates or replaces the setting for key.
func (m *MockStore) PutSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[key] = Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	m.writes++
	return nil
}

// DeleteSetting removes the setting for key.
func (m *MockStore) DeleteSetting(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.settings, key)
	return nil
}

// LastURL returns the persisted editor URL.
func (m *MockStore) LastURL(ctx context.Context) (string, error) {
	s, err := m.GetSetting(ctx, LastIframeURLKey)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// SaveLastURL persists the editor URL.
func (m *MockStore) SaveLastURL(ctx context.Context, url string) error {
	return m.PutSetting(ctx, LastIframeURLKey, url)
}

// Writes returns how many PutSetting calls have succeeded.
func (m *MockStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
