package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// levelStore 以 goleveldb 作为持久化后端，写入使用 Sync 保证断电后可读。
type levelStore struct {
	db *leveldb.DB
}

// NewLevelDBStore 在 path 目录打开（或创建）leveldb 数据库。
func NewLevelDBStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("leveldb path required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create leveldb dir: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &levelStore{db: db}, nil
}

func (s *levelStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("leveldb get %s: %w", key, err)
	}
	return string(value), nil
}

func (s *levelStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Put([]byte(key), []byte(value), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb put %s: %w", key, err)
	}
	return nil
}

func (s *levelStore) Remove(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb delete %s: %w", key, err)
	}
	return nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}
