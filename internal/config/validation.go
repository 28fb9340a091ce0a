package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/packready/packready/internal/kvstore"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if strings.TrimSpace(g.StoragePath) == "" && g.StoreBackend != kvstore.BackendMemory {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if !slices.Contains(kvstore.Backends(), g.StoreBackend) {
		return newFieldError("Global.StoreBackend", "仅支持 "+strings.Join(kvstore.Backends(), "|"))
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := validateHTTPURL(c.Guide.URL); err != nil {
		return fmt.Errorf("Guide.URL: %w", err)
	}

	if c.Liveness.TTL.DurationValue() <= 0 {
		return newFieldError("Liveness.TTL", "必须大于 0")
	}
	if c.Liveness.MaxConcurrency < 0 {
		return newFieldError("Liveness.MaxConcurrency", "不能为负数")
	}

	seen := map[string]struct{}{}
	for _, link := range c.Links {
		if link.ID == "" {
			return newFieldError("Link[].ID", "不能为空")
		}
		if strings.Contains(link.ID, "/") {
			return newFieldError(linkField(link.ID, "ID"), "不允许包含 /")
		}
		if _, exists := seen[link.ID]; exists {
			return newFieldError(linkField(link.ID, "ID"), "重复")
		}
		seen[link.ID] = struct{}{}

		if err := validateHTTPURL(link.URL); err != nil {
			return fmt.Errorf("%s: %w", linkField(link.ID, "URL"), err)
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
