// Package presence tracks which realtime connection currently speaks for an
// actor. Entries live only as long as the process (or the Redis TTL) and are
// never used to route deliveries between server instances.
package presence

import (
	"context"
	"sync"

	"github.com/jogardn/fooddash/pkg/models"
)

// Store maps (role, actor id) to the id of the actor's live connection. At most
// one connection per actor is tracked; Set overwrites.
type Store interface {
	Set(ctx context.Context, role models.Role, actorID, connID string) error
	Get(ctx context.Context, role models.Role, actorID string) (string, bool, error)
	// Delete removes the entry only if it still points at connID, so a stale
	// connection closing cannot evict its replacement.
	Delete(ctx context.Context, role models.Role, actorID, connID string) (bool, error)
}

type key struct {
	role models.Role
	id   string
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[key]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[key]string)}
}

func (m *MemoryStore) Set(_ context.Context, role models.Role, actorID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key{role, actorID}] = connID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, role models.Role, actorID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connID, ok := m.entries[key{role, actorID}]
	return connID, ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, role models.Role, actorID, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{role, actorID}
	if m.entries[k] != connID {
		return false, nil
	}
	delete(m.entries, k)
	return true, nil
}

// Len counts tracked actors of role.
func (m *MemoryStore) Len(role models.Role) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.entries {
		if k.role == role {
			n++
		}
	}
	return n
}
