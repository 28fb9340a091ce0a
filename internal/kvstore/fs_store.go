package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// NewFileStore 以 basePath 为根目录构建文件存储，每个键对应 <basePath>/<key>.json。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{basePath: abs}, nil
}

// fileStore 通过 KeyedMutex 避免同一键并发写入，写入采用临时文件 + rename。
type fileStore struct {
	basePath string
	locks    KeyedMutex
}

func (s *fileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if info.IsDir() {
		return "", ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(data), nil
}

func (s *fileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".kv-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.WriteString(value)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) entryPath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key required")
	}

	rel := path.Clean("/" + key)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		return "", fmt.Errorf("invalid key: %q", key)
	}

	filePath := filepath.Join(s.basePath, filepath.FromSlash(rel)) + ".json"
	if !strings.HasPrefix(filePath, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid store path")
	}
	return filePath, nil
}
