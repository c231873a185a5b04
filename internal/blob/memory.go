package blob

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore keeps blobs in memory for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *MemoryStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read blob data: %w", err)
	}
	s.mu.Lock()
	s.data[path] = append([]byte(nil), body...)
	s.mu.Unlock()
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored blob by path.
func (s *MemoryStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.data[path]
	return body, ok
}
