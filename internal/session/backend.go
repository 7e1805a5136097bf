package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSnapshot is returned by Backend.Load when nothing is stored for an id.
var ErrNoSnapshot = errors.New("no session snapshot")

// Backend persists session snapshots outside the process so a session
// survives eviction from memory and can be picked up by another replica.
// Implementations can be in-memory or remote; the Store only deals in
// encoded snapshots.
type Backend interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, snapshot []byte, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// MemoryBackend is an in-process Backend.
type MemoryBackend struct {
	mu        sync.Mutex
	snapshots map[string]memorySnapshot
	now       func() time.Time
}

type memorySnapshot struct {
	data    []byte
	expires time.Time
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snapshots: make(map[string]memorySnapshot), now: time.Now}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNoSnapshot
	}
	if !s.expires.IsZero() && !m.now().Before(s.expires) {
		delete(m.snapshots, id)
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), s.data...), nil
}

// Save implements Backend. A non-positive ttl never expires.
func (m *MemoryBackend) Save(_ context.Context, id string, snapshot []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memorySnapshot{data: append([]byte(nil), snapshot...)}
	if ttl > 0 {
		s.expires = m.now().Add(ttl)
	}
	m.snapshots[id] = s
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, id)
	return nil
}
