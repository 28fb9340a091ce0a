package kvstore

import "sync"

// KeyedMutex 为每个键提供独立互斥锁，按引用计数回收，零值可直接使用。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Lock 阻塞直到获得 key 的独占锁，返回的函数用于释放。
func (m *KeyedMutex) Lock(key string) func() {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*entryLock)
	}
	lock := m.locks[key]
	if lock == nil {
		lock = &entryLock{}
		m.locks[key] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// held 返回当前仍被引用的键数量，仅用于测试观察回收情况。
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
