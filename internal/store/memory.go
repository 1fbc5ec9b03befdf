package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process store used by tests and dry runs.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (s *Memory) Driver() Driver { return DriverMemory }

func (s *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if _, err := sanitizeKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (s *Memory) Put(ctx context.Context, key string, data []byte) error {
	if _, err := sanitizeKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}
