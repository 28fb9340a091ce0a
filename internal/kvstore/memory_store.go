package kvstore

import (
	"context"
	"sync"
)

// memoryStore 只存在于进程内，适合测试或临时运行（backend = memory）。
type memoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string]string)}
}

func (s *memoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *memoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
