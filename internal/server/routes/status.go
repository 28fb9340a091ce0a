package routes

import (
	"time"

	"github.com/gofiber/fiber/v3"
)

// StatusInfo 是 /-/status 诊断接口的输出。
type StatusInfo struct {
	Version      string   `json:"version"`
	StoreBackend string   `json:"store_backend"`
	GuideURL     string   `json:"guide_url"`
	LinkIDs      []string `json:"link_ids"`
	TTLSeconds   int64    `json:"liveness_ttl_seconds"`
}

// StatusProvider 在每次请求时生成诊断信息，配置热更新后立即可见。
type StatusProvider func() StatusInfo

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供运维确认当前生效的配置。
func RegisterStatusRoutes(app *fiber.App, provider StatusProvider) {
	if app == nil || provider == nil {
		return
	}

	started := time.Now()
	app.Get("/-/status", func(c fiber.Ctx) error {
		info := provider()
		if info.LinkIDs == nil {
			info.LinkIDs = []string{}
		}
		return c.JSON(fiber.Map{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"service":        info,
		})
	})
}
