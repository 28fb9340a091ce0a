package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Validators 是上一次完整拉取得到的缓存校验器。
type Validators struct {
	ETag         string
	LastModified string
}

// Empty 表示没有任何可用的校验器。
func (v Validators) Empty() bool {
	return strings.TrimSpace(v.ETag) == "" && strings.TrimSpace(v.LastModified) == ""
}

// Header 构建条件请求头，缺失的校验器直接跳过。
func (v Validators) Header() http.Header {
	header := http.Header{}
	if etag := strings.TrimSpace(v.ETag); etag != "" {
		header.Set("If-None-Match", etag)
	}
	if lastModified := strings.TrimSpace(v.LastModified); lastModified != "" {
		header.Set("If-Modified-Since", lastModified)
	}
	return header
}

// Kind 是条件请求的语义结果。
type Kind int

const (
	KindFailed Kind = iota
	KindFetched
	KindNotModified
)

func (k Kind) String() string {
	switch k {
	case KindFetched:
		return "fetched"
	case KindNotModified:
		return "not_modified"
	default:
		return "failed"
	}
}

// Outcome 汇总一次条件请求的结果。只有 KindFetched 携带 Payload 与新的校验器。
type Outcome struct {
	Kind         Kind
	Payload      []byte
	ETag         string
	LastModified string
	StatusCode   int
	Err          error
}

// Reason 返回失败原因，成功时为空串。
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Fetcher 发出携带校验器的 GET，并把响应归约为 Fetched/NotModified/Failed。
type Fetcher struct {
	transport Transport
}

// NewFetcher 使用给定 Transport 构造 Fetcher。
func NewFetcher(transport Transport) *Fetcher {
	return &Fetcher{transport: transport}
}

// Fetch 从不返回 error，也不向上传播 panic：所有底层失败都归约为 KindFailed。
func (f *Fetcher) Fetch(ctx context.Context, url string, validators Validators) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = failed(0, fmt.Errorf("%w: panic: %v", ErrTransport, r))
		}
	}()

	if f == nil || f.transport == nil {
		return failed(0, fmt.Errorf("%w: no transport configured", ErrDisallowed))
	}

	resp, err := f.transport.Do(ctx, Request{
		URL:    url,
		Method: http.MethodGet,
		Header: validators.Header(),
	})
	if err != nil {
		if !errors.Is(err, ErrDisallowed) && !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return failed(0, err)
	}
	if resp == nil {
		return failed(0, fmt.Errorf("%w: empty response", ErrTransport))
	}

	switch {
	case resp.Status == http.StatusNotModified:
		// 未携带校验器时 304 没有可信的本地副本可对应
		if validators.Empty() {
			return failed(resp.Status, fmt.Errorf("%w: 304 without validators", ErrStatus))
		}
		return Outcome{Kind: KindNotModified, StatusCode: resp.Status}
	case resp.Status >= 200 && resp.Status < 300:
		if len(resp.Body) == 0 {
			return failed(resp.Status, fmt.Errorf("%w: %d with empty body", ErrStatus, resp.Status))
		}
		return Outcome{
			Kind:         KindFetched,
			Payload:      resp.Body,
			ETag:         strings.TrimSpace(resp.Header.Get("ETag")),
			LastModified: strings.TrimSpace(resp.Header.Get("Last-Modified")),
			StatusCode:   resp.Status,
		}
	default:
		return failed(resp.Status, fmt.Errorf("%w: %d", ErrStatus, resp.Status))
	}
}

func failed(status int, err error) Outcome {
	return Outcome{Kind: KindFailed, StatusCode: status, Err: err}
}
