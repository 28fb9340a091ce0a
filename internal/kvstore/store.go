package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Store 是所有缓存组件共享的字符串键值存储，写入需保证跨进程重启后仍可读取。
// 实现必须是并发安全的，但不提供 compare-and-swap，读改写由调用方自行串行化。
type Store interface {
	// Get 返回键对应的值。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key string) (string, error)

	// Set 覆盖写入键值，写入对读者要么完全可见要么完全不可见。
	Set(ctx context.Context, key, value string) error

	// Remove 删除键，键不存在时不报错。
	Remove(ctx context.Context, key string) error

	// Close 释放底层句柄（文件、数据库连接等）。
	Close() error
}

// 支持的存储后端名称，对应配置中的 Global.StoreBackend。
const (
	BackendFile    = "file"
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
	BackendMemory  = "memory"
)

// ErrNotFound 表示键不存在。
var ErrNotFound = errors.New("kv entry not found")

// ErrCorrupt 表示键存在但内容无法按 JSON 解码。
var ErrCorrupt = errors.New("kv entry corrupt")

// Backends 返回所有受支持的后端名称，供配置校验使用。
func Backends() []string {
	return []string{BackendFile, BackendLevelDB, BackendSQLite, BackendMemory}
}

// Open 根据后端名称在 basePath 下创建存储实例。
func Open(backend, basePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(basePath)
	case BackendLevelDB:
		return NewLevelDBStore(filepath.Join(basePath, "leveldb"))
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(basePath, "packready.db"))
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}

// GetJSON 读取键并解码到 out。键不存在时原样返回 ErrNotFound，解码失败包装 ErrCorrupt。
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

// SetJSON 将 value 编码为 JSON 后整体写入。
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, string(payload))
}
