package guide

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packready/packready/internal/clock"
	"github.com/packready/packready/internal/fetch"
	"github.com/packready/packready/internal/kvstore"
)

const sampleGuide = `{"version":"3","sections":[{"id":"passport","title":"Passport","items":[{"id":"photo","title":"Photo"}]}],"tips":[{"id":"t1","text":"Bring copies"}]}`

var t0 = time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// scripted 依次返回预设响应并记录收到的请求。
type scripted struct {
	responses []func(fetch.Request) (*fetch.Response, error)
	requests  []fetch.Request
}

func (s *scripted) Do(_ context.Context, req fetch.Request) (*fetch.Response, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next(req)
}

func ok(body, etag, lastModified string) func(fetch.Request) (*fetch.Response, error) {
	return func(fetch.Request) (*fetch.Response, error) {
		h := http.Header{}
		if etag != "" {
			h.Set("ETag", etag)
		}
		if lastModified != "" {
			h.Set("Last-Modified", lastModified)
		}
		return &fetch.Response{Status: http.StatusOK, Header: h, Body: []byte(body)}, nil
	}
}

func status(code int) func(fetch.Request) (*fetch.Response, error) {
	return func(fetch.Request) (*fetch.Response, error) {
		return &fetch.Response{Status: code, Header: http.Header{}}, nil
	}
}

func unreachable(fetch.Request) (*fetch.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func newTestCache(t *testing.T, store kvstore.Store, transport fetch.Transport, clk clock.Clock) *Cache {
	t.Helper()
	c, err := NewCache(Options{
		URL:     "https://guides.example.com/pack.json",
		Store:   store,
		Fetcher: fetch.NewFetcher(transport),
		Clock:   clk,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestLoadFullFetchThenRevalidated(t *testing.T) {
	store := kvstore.NewMemoryStore()
	clk := clock.NewManual(t0)
	upstream := &scripted{responses: []func(fetch.Request) (*fetch.Response, error){
		ok(sampleGuide, `"v3"`, "Tue, 01 Oct 2024 08:00:00 GMT"),
		status(http.StatusNotModified),
	}}
	c := newTestCache(t, store, upstream, clk)

	first := c.Load(context.Background())
	require.Equal(t, StatusFullFetch, first.Status)
	assert.Equal(t, SourceRemote, first.Source)
	assert.Equal(t, `"v3"`, first.ETag)
	assert.Equal(t, t0, first.FetchedAt)
	require.NotNil(t, first.CachedAt)
	assert.Equal(t, t0, *first.CachedAt)
	assert.Len(t, first.Document.Sections, 1)
	assert.Empty(t, first.Degraded)

	later := clk.Advance(2 * time.Hour)
	second := c.Load(context.Background())
	assert.Equal(t, StatusRevalidated, second.Status)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, string(first.Payload), string(second.Payload))
	assert.Equal(t, `"v3"`, second.ETag)
	assert.Equal(t, later, second.FetchedAt)
	require.NotNil(t, second.CachedAt)
	assert.Equal(t, t0, *second.CachedAt, "revalidation must not touch cachedAt")

	require.Len(t, upstream.requests, 2)
	assert.Empty(t, upstream.requests[0].Header.Get("If-None-Match"))
	assert.Equal(t, `"v3"`, upstream.requests[1].Header.Get("If-None-Match"))
	assert.Equal(t, "Tue, 01 Oct 2024 08:00:00 GMT", upstream.requests[1].Header.Get("If-Modified-Since"))

	var meta Meta
	require.NoError(t, kvstore.GetJSON(context.Background(), store, MetaKey, &meta))
	assert.Equal(t, StatusRevalidated, meta.Status)
	assert.Equal(t, later, meta.FetchedAt)
	assert.Equal(t, `"v3"`, meta.ETag)
}

func TestLoadSeededETagWith304KeepsValidators(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, PayloadKey, sampleGuide))
	require.NoError(t, store.Set(ctx, MetaKey, `{"etag":"abc"}`))

	upstream := &scripted{responses: []func(fetch.Request) (*fetch.Response, error){status(http.StatusNotModified)}}
	c := newTestCache(t, store, upstream, clock.NewManual(t0))

	result := c.Load(ctx)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, 304, int(result.Status))
	assert.Equal(t, "abc", upstream.requests[0].Header.Get("If-None-Match"))
	assert.Empty(t, upstream.requests[0].Header.Get("If-Modified-Since"))

	var meta Meta
	require.NoError(t, kvstore.GetJSON(ctx, store, MetaKey, &meta))
	assert.Equal(t, "abc", meta.ETag)
	assert.Nil(t, meta.CachedAt)
}

func TestLoadWithoutCacheAndUnreachableReturnsEmptyDocument(t *testing.T) {
	store := kvstore.NewMemoryStore()
	upstream := &scripted{responses: []func(fetch.Request) (*fetch.Response, error){unreachable}}
	c := newTestCache(t, store, upstream, clock.NewManual(t0))

	result := c.Load(context.Background())
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, StatusRevalidated, result.Status)
	assert.NotNil(t, result.Document.Sections)
	assert.Empty(t, result.Document.Sections)
	assert.Empty(t, result.Document.Tips)
	assert.JSONEq(t, `{"sections":[],"tips":[]}`, string(result.Payload))
	assert.NotEmpty(t, result.Degraded)

	_, err := store.Get(context.Background(), PayloadKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestLoadFailureKeepsCachedTimestamps(t *testing.T) {
	store := kvstore.NewMemoryStore()
	clk := clock.NewManual(t0)
	upstream := &scripted{responses: []func(fetch.Request) (*fetch.Response, error){
		ok(sampleGuide, `"v3"`, ""),
		status(http.StatusServiceUnavailable),
	}}
	c := newTestCache(t, store, upstream, clk)

	first := c.Load(context.Background())
	clk.Advance(time.Hour)
	second := c.Load(context.Background())

	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, StatusRevalidated, second.Status)
	assert.Equal(t, first.FetchedAt, second.FetchedAt)
	assert.Equal(t, *first.CachedAt, *second.CachedAt)
	assert.Equal(t, string(first.Payload), string(second.Payload))
	assert.Contains(t, second.Degraded, "503")
}

func TestLoadMalformedPayloadFallsBack(t *testing.T) {
	cases := map[string]string{
		"bad json":         `{"sections":[`,
		"missing title":    `{"sections":[{"id":"passport"}]}`,
		"duplicate ids":    `{"sections":[{"id":"a","title":"A"},{"id":"a","title":"B"}]}`,
		"tip without text": `{"sections":[],"tips":[{"id":"t"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			store := kvstore.NewMemoryStore()
			upstream := &scripted{responses: []func(fetch.Request) (*fetch.Response, error){ok(body, `"bad"`, "")}}
			c := newTestCache(t, store, upstream, clock.NewManual(t0))

			result := c.Load(context.Background())
			assert.Equal(t, SourceCache, result.Source)
			assert.Empty(t, result.Document.Sections)
			assert.Contains(t, result.Degraded, ErrParse.Error())

			_, err := store.Get(context.Background(), MetaKey)
			assert.ErrorIs(t, err, kvstore.ErrNotFound, "malformed payload must not be persisted")
		})
	}
}

func TestLoadNullPayloadFallsBack(t *testing.T) {
	for _, body := range []string{`null`, ` null `, `[]`, `"guide"`} {
		t.Run(body, func(t *testing.T) {
			store := kvstore.NewMemoryStore()
			clk := clock.NewManual(t0)
			upstream := &scripted{responses: []func(fetch.Request) (*fetch.Response, error){
				ok(sampleGuide, `"v3"`, ""),
				ok(body, `"x"`, ""),
			}}
			c := newTestCache(t, store, upstream, clk)
			first := c.Load(context.Background())
			require.Equal(t, StatusFullFetch, first.Status)

			clk.Advance(time.Hour)
			result := c.Load(context.Background())
			assert.Equal(t, SourceCache, result.Source)
			assert.Equal(t, StatusRevalidated, result.Status)
			assert.Equal(t, sampleGuide, string(result.Payload))
			assert.Len(t, result.Document.Sections, 1)
			assert.Equal(t, `"v3"`, result.ETag)
			assert.Contains(t, result.Degraded, ErrParse.Error())

			stored, err := store.Get(context.Background(), PayloadKey)
			require.NoError(t, err)
			assert.Equal(t, sampleGuide, stored)
		})
	}
}

func TestParseDocumentRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`null`, `[]`, `42`, `true`} {
		_, err := ParseDocument([]byte(raw), nil)
		assert.ErrorIs(t, err, ErrParse, raw)
	}
	doc, err := ParseDocument([]byte(` {"sections":[]} `), nil)
	require.NoError(t, err)
	assert.NotNil(t, doc.Tips)
}

func TestLoad304WithoutCacheIsFailure(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	// 只有元数据、没有正文：校验器会被忽略
	require.NoError(t, store.Set(ctx, MetaKey, `{"etag":"orphan"}`))
	upstream := &scripted{responses: []func(fetch.Request) (*fetch.Response, error){status(http.StatusNotModified)}}
	c := newTestCache(t, store, upstream, clock.NewManual(t0))

	result := c.Load(ctx)
	assert.Equal(t, SourceCache, result.Source)
	assert.Empty(t, result.Document.Sections)
	assert.Empty(t, upstream.requests[0].Header.Get("If-None-Match"))
}

func TestLoadIgnoresCorruptCachedPayload(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, PayloadKey, "{broken"))
	require.NoError(t, store.Set(ctx, MetaKey, `{"etag":"abc"}`))

	upstream := &scripted{responses: []func(fetch.Request) (*fetch.Response, error){ok(sampleGuide, `"v4"`, "")}}
	c := newTestCache(t, store, upstream, clock.NewManual(t0))

	result := c.Load(ctx)
	assert.Equal(t, StatusFullFetch, result.Status)
	assert.Empty(t, upstream.requests[0].Header.Get("If-None-Match"))

	stored, err := store.Get(ctx, PayloadKey)
	require.NoError(t, err)
	assert.Equal(t, sampleGuide, stored)
}

// failingStore 在写入时失败，模拟存储层故障。
type failingStore struct {
	kvstore.Store
}

func (failingStore) Set(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestLoadStoreWriteFailureStillReturnsRemote(t *testing.T) {
	store := failingStore{Store: kvstore.NewMemoryStore()}
	upstream := &scripted{responses: []func(fetch.Request) (*fetch.Response, error){ok(sampleGuide, `"v3"`, "")}}
	c := newTestCache(t, store, upstream, clock.NewManual(t0))

	result := c.Load(context.Background())
	assert.Equal(t, SourceRemote, result.Source)
	assert.Equal(t, StatusFullFetch, result.Status)
	assert.Contains(t, result.Degraded, "disk full")
}

func TestCachedNeverTouchesNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("ETag", `"v1"`)
		_, _ = io.WriteString(w, sampleGuide)
	}))
	defer srv.Close()

	store := kvstore.NewMemoryStore()
	c, err := NewCache(Options{
		URL:     srv.URL,
		Store:   store,
		Fetcher: fetch.NewFetcher(fetch.NewHTTPTransport(srv.Client(), "")),
		Clock:   clock.NewManual(t0),
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	empty := c.Cached(context.Background())
	assert.Empty(t, empty.Document.Sections)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))

	loaded := c.Load(context.Background())
	require.Equal(t, StatusFullFetch, loaded.Status)

	cached := c.Cached(context.Background())
	assert.Equal(t, SourceCache, cached.Source)
	assert.Equal(t, string(loaded.Payload), string(cached.Payload))
	assert.Equal(t, `"v1"`, cached.ETag)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestNewCacheRequiresDependencies(t *testing.T) {
	_, err := NewCache(Options{Store: kvstore.NewMemoryStore(), Fetcher: fetch.NewFetcher(nil)})
	assert.Error(t, err)
	_, err = NewCache(Options{URL: "https://example.com", Fetcher: fetch.NewFetcher(nil)})
	assert.Error(t, err)
	_, err = NewCache(Options{URL: "https://example.com", Store: kvstore.NewMemoryStore()})
	assert.Error(t, err)
}
