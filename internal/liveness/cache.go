package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"

	"github.com/packready/packready/internal/clock"
	"github.com/packready/packready/internal/fetch"
	"github.com/packready/packready/internal/kvstore"
	"github.com/packready/packready/internal/logging"
)

// Options 汇总 Cache 的依赖。
type Options struct {
	Links []Link
	TTL   time.Duration

	// MaxConcurrency<=0 表示所有链接同时派发。
	MaxConcurrency int
	Store          kvstore.Store
	Transport      fetch.Transport
	Clock          clock.Clock
	Logger         *logrus.Logger
}

// Cache 维护链接可达性快照：TTL 内直接复用，过期或强制时并发重新校验。
type Cache struct {
	mu    sync.RWMutex
	links []Link

	maxConcurrency int
	policy         Policy
	store          kvstore.Store
	checker        Checker
	clock          clock.Clock
	logger         *logrus.Logger
}

// NewCache 校验依赖并构造 Cache。
func NewCache(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, errors.New("liveness: store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("liveness: transport is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	c := &Cache{
		maxConcurrency: opts.MaxConcurrency,
		policy:         NewPolicy(opts.TTL, opts.Clock.Now),
		store:          opts.Store,
		checker:        NewChecker(opts.Transport),
		clock:          opts.Clock,
		logger:         opts.Logger,
	}
	c.SetLinks(opts.Links)
	return c, nil
}

// TTL 返回生效的 TTL。
func (c *Cache) TTL() time.Duration {
	return c.policy.TTL()
}

// Links 返回当前链接列表的副本。
func (c *Cache) Links() []Link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Link(nil), c.links...)
}

// SetLinks 替换链接列表；ID 不一致的旧快照会在下次 Load 时被视为过期。
func (c *Cache) SetLinks(links []Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links = append([]Link(nil), links...)
}

// Load 返回链接快照。force=false 且快照新鲜时不发出任何请求。从不返回错误。
func (c *Cache) Load(ctx context.Context, force bool) Snapshot {
	started := time.Now()
	links := c.Links()
	prev := c.readSnapshot(ctx)

	if !force && prev != nil && c.policy.ShouldBypassVerification(*prev, links) {
		snapshot := *prev
		snapshot.Source = SourceCache
		c.logSnapshot(snapshot, force, started, nil)
		return snapshot
	}

	statuses, err := c.verify(ctx, links)
	if err != nil {
		snapshot := fallback(prev, links)
		snapshot.Degraded = err.Error()
		c.logSnapshot(snapshot, force, started, err)
		return snapshot
	}

	verifiedAt := c.clock.Now()
	if prev != nil && !verifiedAt.After(prev.VerifiedAt) {
		// 时钟回拨或精度不足时保证单调递增
		verifiedAt = prev.VerifiedAt.Add(time.Nanosecond)
	}
	snapshot := Snapshot{VerifiedAt: verifiedAt, Links: statuses, Source: SourceLive}
	if err := kvstore.SetJSON(ctx, c.store, SnapshotKey, snapshot); err != nil {
		snapshot.Degraded = err.Error()
		c.logger.WithFields(logging.CacheFields("liveness", SnapshotKey)).
			WithError(err).Error("liveness_snapshot_write_failed")
	}
	c.logSnapshot(snapshot, force, started, nil)
	return snapshot
}

// verify 并发检查所有链接并等待全部完成，结果顺序与 links 一致。
func (c *Cache) verify(ctx context.Context, links []Link) (statuses []LinkStatus, err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("verification not started: %w", err)
	}
	// 单条链接的 panic 已在 Checker 内收敛，这里只兜住批次级故障
	defer func() {
		if r := recover(); r != nil {
			statuses = nil
			err = fmt.Errorf("verification pass panicked: %v", r)
		}
	}()

	workers := c.maxConcurrency
	if workers <= 0 {
		workers = len(links)
	}
	mapper := iter.Mapper[Link, LinkStatus]{MaxGoroutines: workers}
	statuses = mapper.Map(links, func(link *Link) LinkStatus {
		return c.checker.Check(ctx, *link)
	})

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("verification interrupted: %w", err)
	}
	return statuses, nil
}

// fallback 按当前链接 ID 对齐旧快照，保留其原始 verifiedAt；没有旧快照时全部标记为未检查。
func fallback(prev *Snapshot, links []Link) Snapshot {
	snapshot := Snapshot{Links: make([]LinkStatus, len(links)), Source: SourceCache}
	previous := map[string]LinkStatus{}
	if prev != nil {
		snapshot.VerifiedAt = prev.VerifiedAt
		for _, status := range prev.Links {
			previous[status.ID] = status
		}
	}
	for i, link := range links {
		status := unchecked(link)
		if old, ok := previous[link.ID]; ok {
			status.CheckedStatus = old.CheckedStatus
			status.LastModified = old.LastModified
		}
		snapshot.Links[i] = status
	}
	return snapshot
}

// readSnapshot 读取失败或内容损坏都视为没有快照。本地读取不随请求取消而中断。
func (c *Cache) readSnapshot(ctx context.Context) *Snapshot {
	var snapshot Snapshot
	if err := kvstore.GetJSON(context.WithoutCancel(ctx), c.store, SnapshotKey, &snapshot); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.logger.WithFields(logging.CacheFields("liveness", SnapshotKey)).
				WithError(err).Warn("liveness_snapshot_read_failed")
		}
		return nil
	}
	return &snapshot
}

func (c *Cache) logSnapshot(snapshot Snapshot, force bool, started time.Time, err error) {
	fields := logging.CacheFields("liveness", SnapshotKey)
	fields["action"] = "liveness_load"
	fields["source"] = string(snapshot.Source)
	fields["force"] = force
	fields["links"] = len(snapshot.Links)
	fields["unreachable"] = snapshot.Unreachable()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	entry := c.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("liveness_fallback")
		return
	}
	if snapshot.Degraded != "" {
		entry.WithField("degraded", snapshot.Degraded).Warn("liveness_degraded")
		return
	}
	entry.Info("liveness_ready")
}
