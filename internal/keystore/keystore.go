// Package keystore maps opaque key identifiers to the key handles the
// cipher provider hands out. The HTTP surface never exposes module object
// handles directly; clients hold a keystore ID instead.
package keystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/hsm-crypto-gateway/internal/crypto"
)

// Entry is a registered key with its bookkeeping metadata.
type Entry struct {
	Key       *crypto.Key
	CreatedAt time.Time
}

// Store is an interface for registering and resolving key handles.
type Store interface {
	// Register stores a key and returns its public identifier.
	Register(ctx context.Context, key *crypto.Key) (string, error)

	// Get resolves an identifier to its key.
	Get(ctx context.Context, id string) (*Entry, bool)

	// Delete removes a key from the store.
	Delete(ctx context.Context, id string) error

	// List returns the identifiers of all registered keys.
	List(ctx context.Context) []string

	// Stats returns store statistics.
	Stats() Stats
}

// Stats holds store statistics.
type Stats struct {
	Items  int
	Hits   int64
	Misses int64
}

// memoryStore is an in-memory implementation of Store.
type memoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	maxItems int
	stats    Stats
}

// NewMemoryStore creates a new in-memory key store. maxItems of zero means
// unbounded.
func NewMemoryStore(maxItems int) Store {
	return &memoryStore{
		entries:  make(map[string]*Entry),
		maxItems: maxItems,
	}
}

// Register stores a key and returns its public identifier.
func (s *memoryStore) Register(ctx context.Context, key *crypto.Key) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxItems > 0 && len(s.entries) >= s.maxItems {
		return "", fmt.Errorf("key store full: %d keys registered", len(s.entries))
	}

	id := uuid.New().String()
	s.entries[id] = &Entry{Key: key, CreatedAt: time.Now()}
	return id, nil
}

// Get resolves an identifier to its key.
func (s *memoryStore) Get(ctx context.Context, id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		s.stats.Misses++
		return nil, false
	}
	s.stats.Hits++
	return entry, true
}

// Delete removes a key from the store.
func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("unknown key id %s", id)
	}
	delete(s.entries, id)
	return nil
}

// List returns the identifiers of all registered keys.
func (s *memoryStore) List(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns store statistics.
func (s *memoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.Items = len(s.entries)
	return stats
}
