// Package store implements the durable shared state used by actors of one device
// and the item storage of the reference feed endpoint.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound returned by State.Get for missing keys
var ErrNotFound = errors.New("key not found")

// State is a key-value store shared by all actors of a device. Reads and writes are
// synchronous and there is no compare-and-swap, callers must not assume atomic
// multi-key updates.
type State interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Keys is the set of persisted keys owned by one feed
type Keys struct {
	Cursor string
	Primed string
	Lease  string
}

// FeedKeys makes keys for the feed name
func FeedKeys(feed string) Keys {
	return Keys{
		Cursor: fmt.Sprintf("%s.cursor", feed),
		Primed: fmt.Sprintf("%s.primed_marker", feed),
		Lease:  fmt.Sprintf("%s.leader_lease", feed),
	}
}

// Memory is in-process State, shared by actors running in the same process
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory makes empty in-memory state
func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

// Get returns a copy of the stored value
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

// Put sets value for the key
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

// Delete removes the key, missing key is not an error
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}
