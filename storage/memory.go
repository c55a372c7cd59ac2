package storage

import (
	"context"
	"sync"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

// MemoryStore is an in-memory secret store used by tests and the memory://
// factory scheme. Values vanish when the process exits.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Get retrieves the document at path, or ErrKeyNotFound.
func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[path]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return append([]byte(nil), doc...), nil
}

// Put stores a copy of the document at path.
func (s *MemoryStore) Put(ctx context.Context, path string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[path] = append([]byte(nil), doc...)
	return nil
}

// Delete removes the document at path, if any.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, path)
	return nil
}

// Available always reports true.
func (s *MemoryStore) Available(ctx context.Context) bool {
	return true
}

// Name returns a unique identifier for this store.
func (s *MemoryStore) Name() string {
	return "memory"
}
