// Package clock 抽象当前时间，方便缓存组件在测试中注入可控时钟。
package clock

import (
	"sync"
	"time"
)

// Clock 返回当前时间。
type Clock interface {
	Now() time.Time
}

// Func 将普通函数适配为 Clock。
type Func func() time.Time

// Now 实现 Clock。
func (f Func) Now() time.Time {
	return f()
}

// System 使用 UTC 的系统时间。
var System Clock = Func(func() time.Time { return time.Now().UTC() })

// Manual 是手动推进的时钟，测试中用于跨越 TTL 边界。
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual 创建停在 t 的时钟。
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now 实现 Clock。
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set 将时钟拨到 t。
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance 将时钟向前推进 d 并返回新的时间。
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
