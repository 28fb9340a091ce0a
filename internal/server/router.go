package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/packready/packready/internal/guide"
	"github.com/packready/packready/internal/liveness"
	"github.com/packready/packready/internal/packstate"
)

// GuideSource serves the cached guide document.
type GuideSource interface {
	Load(ctx context.Context) guide.Result
	Cached(ctx context.Context) guide.Result
}

// LinkSource serves link liveness snapshots.
type LinkSource interface {
	Load(ctx context.Context, force bool) liveness.Snapshot
}

// PackStore serves and mutates pack progress.
type PackStore interface {
	State(ctx context.Context) packstate.State
	MarkProvided(ctx context.Context, sectionID, itemID string, provided bool) (packstate.State, error)
	UpdateFields(ctx context.Context, sectionID, itemID string, fields map[string]string) (packstate.State, error)
	Reset(ctx context.Context) error
}

// AppOptions lists the collaborators the HTTP surface depends on.
type AppOptions struct {
	Logger   *logrus.Logger
	Guide    GuideSource
	Liveness LinkSource
	Pack     PackStore
}

const contextKeyRequestID = "_packready_request_id"

// NewApp builds a Fiber application with recovery, request IDs and the /api routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Guide == nil {
		return nil, errors.New("guide cache is required")
	}
	if opts.Liveness == nil {
		return nil, errors.New("liveness cache is required")
	}
	if opts.Pack == nil {
		return nil, errors.New("pack store is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &handlers{guide: opts.Guide, liveness: opts.Liveness, pack: opts.Pack, logger: opts.Logger}
	api := app.Group("/api")
	api.Get("/guide", h.getGuide)
	api.Get("/links", h.getLinks)
	api.Get("/pack", h.getPack)
	api.Put("/pack/:section/:item/provided", h.putProvided)
	api.Patch("/pack/:section/:item", h.patchFields)
	api.Delete("/pack", h.deletePack)

	return app, nil
}

// requestContextMiddleware 生成请求 ID 并记录访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		started := time.Now()
		err := c.Next()
		logger.WithFields(logrus.Fields{
			"action":     "http_request",
			"request_id": reqID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Debug("request handled")
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
