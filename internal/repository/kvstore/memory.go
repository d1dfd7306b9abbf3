package kvstore

import (
	"context"
	"strings"
	"sync"

	"github.com/jgivc/coursepull/internal/common"
)

// memoryStore is a process-local Store used by tests and dry runs.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{
		data: make(map[string][]byte),
	}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.data[key]
	if !ok {
		return nil, common.ErrKeyNotFound
	}

	cp := make([]byte, len(val))
	copy(cp, val)

	return cp, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp

	return nil
}

func (s *memoryStore) SetNX(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return false, nil
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp

	return true, nil
}

func (s *memoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)

	return nil
}

func (s *memoryStore) GetAll(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make(map[string][]byte)
	for key, val := range s.data {
		if strings.HasPrefix(key, prefix) {
			cp := make([]byte, len(val))
			copy(cp, val)
			values[key] = cp
		}
	}

	return values, nil
}
