package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// 传输层错误分类，调用方通过 errors.Is 判断。
var (
	// ErrTransport 表示网络不可达、超时等底层失败。
	ErrTransport = errors.New("transport failure")
	// ErrStatus 表示上游返回了无法接受的状态码。
	ErrStatus = errors.New("unexpected upstream status")
	// ErrDisallowed 表示请求在发出前即被平台策略拒绝（例如不支持的 scheme）。
	ErrDisallowed = errors.New("request disallowed")
)

// maxBodyBytes 限制单次读取的响应体大小，指南文档远小于该值。
const maxBodyBytes = 8 << 20

// Request 是与具体 HTTP 实现无关的请求描述。
type Request struct {
	URL    string
	Method string
	Header http.Header

	// DiscardBody 为 true 时正文被排空丢弃，Response.Body 为空。
	DiscardBody bool
}

// Response 只保留缓存层需要的字段：状态码、响应头与完整正文。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport 执行一次请求。返回 error 表示传输层失败；非 2xx 状态码不算 error。
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc 将函数适配为 Transport，测试中用来编排上游行为。
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

// Do 实现 Transport。
func (f TransportFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPTransport 基于 *http.Client 的 Transport 实现。
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport 包装共享的 http.Client；client 为 nil 时使用 NewClient(0)。
func NewHTTPTransport(client *http.Client, userAgent string) *HTTPTransport {
	if client == nil {
		client = NewClient(0)
	}
	return &HTTPTransport{client: client, userAgent: userAgent}
}

// Do 发出请求并读取完整正文；HEAD 请求不读取正文，DiscardBody 请求只排空不缓冲。
func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if err := checkAllowed(req.URL); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisallowed, err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if t.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	out := &Response{Status: resp.StatusCode, Header: resp.Header.Clone()}
	if method == http.MethodHead {
		return out, nil
	}
	if req.DiscardBody {
		// 排空后连接才能复用
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return out, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}
	out.Body = body
	return out, nil
}

func checkAllowed(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisallowed, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrDisallowed, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host in %s", ErrDisallowed, raw)
	}
	return nil
}
