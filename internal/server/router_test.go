package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/packready/packready/internal/clock"
	"github.com/packready/packready/internal/fetch"
	"github.com/packready/packready/internal/guide"
	"github.com/packready/packready/internal/kvstore"
	"github.com/packready/packready/internal/liveness"
	"github.com/packready/packready/internal/packstate"
)

const testGuide = `{"sections":[{"id":"passport","title":"Passport","items":[{"id":"photo","title":"Photo"}]}],"tips":[]}`

type testApp struct {
	*fiber.App
	store kvstore.Store
}

func newTestApp(t *testing.T, transport fetch.Transport) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := kvstore.NewMemoryStore()
	clk := clock.NewManual(time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC))

	guideCache, err := guide.NewCache(guide.Options{
		URL:     "https://guides.example.com/pack.json",
		Store:   store,
		Fetcher: fetch.NewFetcher(transport),
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("guide cache: %v", err)
	}
	linkCache, err := liveness.NewCache(liveness.Options{
		Links:     []liveness.Link{{ID: "embassy", Title: "Embassy", URL: "https://embassy.example.com"}},
		Store:     store,
		Transport: transport,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("liveness cache: %v", err)
	}
	pack, err := packstate.NewStore(store, packstate.Options{Clock: clk, Logger: logger})
	if err != nil {
		t.Fatalf("pack store: %v", err)
	}

	app, err := NewApp(AppOptions{Logger: logger, Guide: guideCache, Liveness: linkCache, Pack: pack})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, store: store}
}

func upstreamOK() fetch.Transport {
	return fetch.TransportFunc(func(_ context.Context, req fetch.Request) (*fetch.Response, error) {
		if strings.Contains(req.URL, "guides.example.com") {
			return &fetch.Response{
				Status: http.StatusOK,
				Header: http.Header{"Etag": []string{`"g1"`}},
				Body:   []byte(testGuide),
			}, nil
		}
		return &fetch.Response{Status: http.StatusOK, Header: http.Header{}}, nil
	})
}

func upstreamDown() fetch.Transport {
	return fetch.TransportFunc(func(context.Context, fetch.Request) (*fetch.Response, error) {
		return nil, errors.New("network unreachable")
	})
}

func doRequest(t *testing.T, app *testApp, method, target, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestGuideRouteReturnsFreshness(t *testing.T) {
	app := newTestApp(t, upstreamOK())

	resp := doRequest(t, app, http.MethodGet, "/api/guide", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(HeaderSource) != "remote" {
		t.Fatalf("expected remote source header, got %q", resp.Header.Get(HeaderSource))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	var body struct {
		Document  guide.Document   `json:"document"`
		Freshness freshnessPayload `json:"freshness"`
	}
	decodeBody(t, resp, &body)
	if len(body.Document.Sections) != 1 || body.Document.Sections[0].ID != "passport" {
		t.Fatalf("unexpected document: %+v", body.Document)
	}
	if body.Freshness.Status != 200 || body.Freshness.ETag != `"g1"` {
		t.Fatalf("unexpected freshness: %+v", body.Freshness)
	}
}

func TestGuideRouteDegradesToEmptyDocument(t *testing.T) {
	app := newTestApp(t, upstreamDown())

	resp := doRequest(t, app, http.MethodGet, "/api/guide", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("guide must never fail, got %d", resp.StatusCode)
	}
	var body struct {
		Document  guide.Document   `json:"document"`
		Freshness freshnessPayload `json:"freshness"`
	}
	decodeBody(t, resp, &body)
	if len(body.Document.Sections) != 0 {
		t.Fatalf("expected empty sections, got %d", len(body.Document.Sections))
	}
	if body.Freshness.Source != "cache" || body.Freshness.Status != 304 || body.Freshness.Degraded == "" {
		t.Fatalf("unexpected freshness: %+v", body.Freshness)
	}
}

func TestLinksRoute(t *testing.T) {
	app := newTestApp(t, upstreamOK())

	resp := doRequest(t, app, http.MethodGet, "/api/links?force=true", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snapshot liveness.Snapshot
	decodeBody(t, resp, &snapshot)
	if snapshot.Source != liveness.SourceLive || len(snapshot.Links) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	resp = doRequest(t, app, http.MethodGet, "/api/links", "")
	decodeBody(t, resp, &snapshot)
	if snapshot.Source != liveness.SourceCache {
		t.Fatalf("second load within TTL should come from cache, got %s", snapshot.Source)
	}

	resp = doRequest(t, app, http.MethodGet, "/api/links?force=maybe", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for bad force flag, got %d", resp.StatusCode)
	}
}

func TestPackRoutes(t *testing.T) {
	app := newTestApp(t, upstreamOK())

	resp := doRequest(t, app, http.MethodPut, "/api/pack/passport/photo/provided", `{"provided":true}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doRequest(t, app, http.MethodPatch, "/api/pack/passport/photo", `{"fields":{"number":"X123"}}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doRequest(t, app, http.MethodGet, "/api/pack", "")
	var state packstate.State
	decodeBody(t, resp, &state)
	item, ok := state.Item("passport", "photo")
	if !ok || !item.Provided || item.Fields["number"] != "X123" {
		t.Fatalf("unexpected pack state: %+v", state)
	}

	resp = doRequest(t, app, http.MethodDelete, "/api/pack", "")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if _, err := app.store.Get(context.Background(), packstate.StateKey); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("expected pack state to be removed, got %v", err)
	}
}

func TestPackRoutesRejectBadInput(t *testing.T) {
	app := newTestApp(t, upstreamOK())

	cases := []struct {
		method, target, body, code string
	}{
		{http.MethodPut, "/api/pack/passport/photo/provided", `{}`, "invalid_body"},
		{http.MethodPut, "/api/pack/passport/photo/provided", `not json`, "invalid_body"},
		{http.MethodPatch, "/api/pack/passport/photo", `{"fields":{}}`, "invalid_body"},
		{http.MethodPut, "/api/pack/passport/" + strings.Repeat("x", 200) + "/provided", `{"provided":true}`, "invalid_id"},
	}
	for _, tc := range cases {
		resp := doRequest(t, app, tc.method, tc.target, tc.body)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", tc.method, tc.target, resp.StatusCode)
		}
		var body map[string]string
		decodeBody(t, resp, &body)
		if body["error"] != tc.code {
			t.Fatalf("%s %s: expected %s, got %s", tc.method, tc.target, tc.code, body["error"])
		}
	}
}

func TestNewAppRequiresCollaborators(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Logger: logger}); err == nil {
		t.Fatalf("expected error without guide cache")
	}
}
