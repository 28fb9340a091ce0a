package liveness

import (
	"context"
	"net/http"
	"strings"

	"github.com/packready/packready/internal/fetch"
)

// Checker 对单条链接先发 HEAD，失败时再用 GET 重试一次。
type Checker struct {
	transport fetch.Transport
}

// NewChecker 包装 Transport。
func NewChecker(transport fetch.Transport) Checker {
	return Checker{transport: transport}
}

// Check 只读取状态码与 Last-Modified；两次都失败时 CheckedStatus 为 nil。
// 单条链接的 panic 在这里收敛为未检查，不影响同批其他链接。
func (c Checker) Check(ctx context.Context, link Link) (status LinkStatus) {
	status = unchecked(link)
	defer func() {
		if r := recover(); r != nil {
			status = unchecked(link)
		}
	}()

	resp, err := c.transport.Do(ctx, fetch.Request{URL: link.URL, Method: http.MethodHead})
	if err != nil || resp == nil || resp.Status >= http.StatusBadRequest {
		// 部分站点不支持 HEAD；GET 的正文只需排空
		resp, err = c.transport.Do(ctx, fetch.Request{URL: link.URL, Method: http.MethodGet, DiscardBody: true})
		if err != nil || resp == nil {
			return status
		}
	}

	code := resp.Status
	status.CheckedStatus = &code
	status.LastModified = strings.TrimSpace(resp.Header.Get("Last-Modified"))
	return status
}
