package fetch

import (
	"net"
	"net/http"
	"time"
)

// DefaultTimeout 在配置缺省时使用。
const DefaultTimeout = 30 * time.Second

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 15 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewClient 返回共享 http.Client，指南拉取与链接探测共用；timeout<=0 时退回默认值。
// 超时属于传输层职责，缓存逻辑本身不做额外计时。
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}
