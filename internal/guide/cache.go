package guide

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/packready/packready/internal/clock"
	"github.com/packready/packready/internal/fetch"
	"github.com/packready/packready/internal/kvstore"
	"github.com/packready/packready/internal/logging"
)

// 存储键。正文与元数据分开保存，304 时只需改写元数据。
const (
	PayloadKey = "guide/payload"
	MetaKey    = "guide/meta"
)

// Source 标识结果来自网络还是本地缓存。
type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
)

// Status 描述本次结果的新鲜度；数值沿用 HTTP 语义。
type Status int

const (
	StatusFullFetch   Status = 200
	StatusRevalidated Status = 304
)

func (s Status) String() string {
	switch s {
	case StatusFullFetch:
		return "full_fetch"
	case StatusRevalidated:
		return "revalidated"
	default:
		return "unknown"
	}
}

// Meta 是与正文一起持久化的新鲜度元数据。
type Meta struct {
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"lastModified,omitempty"`
	FetchedAt    time.Time  `json:"fetchedAt"`
	CachedAt     *time.Time `json:"cachedAt,omitempty"`
	Status       Status     `json:"status,omitempty"`
}

// Result 是 Load/Cached 的返回值，始终可用。
type Result struct {
	Document     Document
	Payload      json.RawMessage
	Source       Source
	Status       Status
	ETag         string
	LastModified string
	FetchedAt    time.Time
	CachedAt     *time.Time
	// Degraded 记录被吞掉的失败原因，正常路径为空。
	Degraded string
}

// Fetcher 抽象条件请求，*fetch.Fetcher 即实现。
type Fetcher interface {
	Fetch(ctx context.Context, url string, validators fetch.Validators) fetch.Outcome
}

// Options 汇总 Cache 的依赖。
type Options struct {
	URL      string
	Store    kvstore.Store
	Fetcher  Fetcher
	Clock    clock.Clock
	Logger   *logrus.Logger
	Validate *validator.Validate
}

// Cache 针对单个远程指南文档执行 200/304/失败 决策。
type Cache struct {
	url      string
	store    kvstore.Store
	fetcher  Fetcher
	clock    clock.Clock
	logger   *logrus.Logger
	validate *validator.Validate
}

// NewCache 校验依赖并构造 Cache。
func NewCache(opts Options) (*Cache, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("guide: url is required")
	}
	if opts.Store == nil {
		return nil, errors.New("guide: store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("guide: fetcher is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Validate == nil {
		opts.Validate = validator.New()
	}
	return &Cache{
		url:      opts.URL,
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		clock:    opts.Clock,
		logger:   opts.Logger,
		validate: opts.Validate,
	}, nil
}

// URL 返回指南地址。
func (c *Cache) URL() string {
	return c.url
}

type cachedEntry struct {
	payload json.RawMessage
	doc     Document
	meta    Meta
}

// Load 读取缓存、发出条件请求并决定返回哪一份文档。从不返回错误。
func (c *Cache) Load(ctx context.Context) Result {
	started := time.Now()
	cached, readErr := c.readCached(ctx)

	validators := fetch.Validators{}
	if cached != nil {
		validators = fetch.Validators{ETag: cached.meta.ETag, LastModified: cached.meta.LastModified}
	}
	out := c.fetcher.Fetch(ctx, c.url, validators)

	var result Result
	switch out.Kind {
	case fetch.KindNotModified:
		if cached != nil {
			result = c.revalidate(ctx, cached)
			break
		}
		result = c.fallback(nil, joinReasons("304 without cached document", errString(readErr)))
	case fetch.KindFetched:
		doc, err := ParseDocument(out.Payload, c.validate)
		if err != nil {
			result = c.fallback(cached, joinReasons(err.Error(), errString(readErr)))
			break
		}
		result = c.store200(ctx, doc, out)
	default:
		result = c.fallback(cached, joinReasons(out.Reason(), errString(readErr)))
	}

	c.logResult("guide_load", result, &out, started)
	return result
}

// Cached 只读本地缓存，不触网；没有缓存时返回空文档哨兵。
func (c *Cache) Cached(ctx context.Context) Result {
	started := time.Now()
	cached, err := c.readCached(ctx)
	result := c.fallback(cached, errString(err))
	c.logResult("guide_cached", result, nil, started)
	return result
}

func (c *Cache) revalidate(ctx context.Context, cached *cachedEntry) Result {
	meta := cached.meta
	meta.FetchedAt = c.clock.Now()
	meta.Status = StatusRevalidated

	var degraded string
	if err := kvstore.SetJSON(ctx, c.store, MetaKey, meta); err != nil {
		degraded = err.Error()
		c.logger.WithFields(logging.CacheFields("guide", MetaKey)).
			WithError(err).Error("guide_meta_write_failed")
	}
	return Result{
		Document:     cached.doc,
		Payload:      cached.payload,
		Source:       SourceCache,
		Status:       StatusRevalidated,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
		FetchedAt:    meta.FetchedAt,
		CachedAt:     meta.CachedAt,
		Degraded:     degraded,
	}
}

func (c *Cache) store200(ctx context.Context, doc Document, out fetch.Outcome) Result {
	now := c.clock.Now()
	cachedAt := now
	meta := Meta{
		ETag:         out.ETag,
		LastModified: out.LastModified,
		FetchedAt:    now,
		CachedAt:     &cachedAt,
		Status:       StatusFullFetch,
	}

	var degraded string
	// 正文写成功后才写元数据，避免元数据指向旧正文
	if err := c.store.Set(ctx, PayloadKey, string(out.Payload)); err != nil {
		degraded = err.Error()
		c.logger.WithFields(logging.CacheFields("guide", PayloadKey)).
			WithError(err).Error("guide_payload_write_failed")
	} else if err := kvstore.SetJSON(ctx, c.store, MetaKey, meta); err != nil {
		degraded = err.Error()
		c.logger.WithFields(logging.CacheFields("guide", MetaKey)).
			WithError(err).Error("guide_meta_write_failed")
	}

	return Result{
		Document:     doc,
		Payload:      json.RawMessage(out.Payload),
		Source:       SourceRemote,
		Status:       StatusFullFetch,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
		FetchedAt:    meta.FetchedAt,
		CachedAt:     meta.CachedAt,
		Degraded:     degraded,
	}
}

// fallback 返回已有缓存（保持原时间戳），否则返回空文档哨兵。
func (c *Cache) fallback(cached *cachedEntry, reason string) Result {
	if cached == nil {
		return Result{
			Document: EmptyDocument(),
			Payload:  emptyPayload,
			Source:   SourceCache,
			Status:   StatusRevalidated,
			Degraded: reason,
		}
	}
	return Result{
		Document:     cached.doc,
		Payload:      cached.payload,
		Source:       SourceCache,
		Status:       StatusRevalidated,
		ETag:         cached.meta.ETag,
		LastModified: cached.meta.LastModified,
		FetchedAt:    cached.meta.FetchedAt,
		CachedAt:     cached.meta.CachedAt,
		Degraded:     reason,
	}
}

// readCached 返回 nil 表示没有可信缓存；正文损坏时同样视为缺失。
func (c *Cache) readCached(ctx context.Context) (*cachedEntry, error) {
	raw, err := c.store.Get(ctx, PayloadKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		c.logger.WithFields(logging.CacheFields("guide", PayloadKey)).
			WithError(err).Warn("guide_cache_read_failed")
		return nil, fmt.Errorf("read cached guide: %w", err)
	}

	doc, err := ParseDocument([]byte(raw), c.validate)
	if err != nil {
		c.logger.WithFields(logging.CacheFields("guide", PayloadKey)).
			WithError(err).Warn("guide_cache_corrupt")
		return nil, fmt.Errorf("cached guide: %w", err)
	}

	entry := &cachedEntry{payload: json.RawMessage(raw), doc: doc}
	if err := kvstore.GetJSON(ctx, c.store, MetaKey, &entry.meta); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		// 元数据不可用时仍可返回正文，只是不再携带校验器
		entry.meta = Meta{}
		c.logger.WithFields(logging.CacheFields("guide", MetaKey)).
			WithError(err).Warn("guide_meta_read_failed")
	}
	return entry, nil
}

func (c *Cache) logResult(action string, result Result, out *fetch.Outcome, started time.Time) {
	fields := logging.CacheFields("guide", PayloadKey)
	fields["action"] = action
	fields["source"] = string(result.Source)
	fields["status"] = int(result.Status)
	if out != nil {
		fields["fetch"] = out.Kind.String()
		fields["upstream_status"] = out.StatusCode
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	entry := c.logger.WithFields(fields)
	if result.Degraded != "" {
		entry.WithField("degraded", result.Degraded).Warn("guide_degraded")
		return
	}
	entry.Info("guide_ready")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func joinReasons(reasons ...string) string {
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r != "" {
			parts = append(parts, r)
		}
	}
	return strings.Join(parts, "; ")
}
