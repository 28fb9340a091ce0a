package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/packready/packready/internal/guide"
	"github.com/packready/packready/internal/packstate"
)

// HeaderSource reports where the guide payload came from.
const HeaderSource = "X-Packready-Source"

type handlers struct {
	guide    GuideSource
	liveness LinkSource
	pack     PackStore
	logger   *logrus.Logger
}

type freshnessPayload struct {
	Source       string     `json:"source"`
	Status       int        `json:"status"`
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"lastModified,omitempty"`
	FetchedAt    *time.Time `json:"fetchedAt,omitempty"`
	CachedAt     *time.Time `json:"cachedAt,omitempty"`
	Degraded     string     `json:"degraded,omitempty"`
}

type guidePayload struct {
	Document  json.RawMessage  `json:"document"`
	Freshness freshnessPayload `json:"freshness"`
}

type providedRequest struct {
	Provided *bool `json:"provided"`
}

type fieldsRequest struct {
	Fields map[string]string `json:"fields"`
}

// getGuide 返回指南文档；offline=true 时只读本地缓存。
func (h *handlers) getGuide(c fiber.Ctx) error {
	offline, _ := strconv.ParseBool(c.Query("offline"))

	var result guide.Result
	if offline {
		result = h.guide.Cached(requestContext(c))
	} else {
		result = h.guide.Load(requestContext(c))
	}

	c.Set(HeaderSource, string(result.Source))
	return c.JSON(guidePayload{Document: result.Payload, Freshness: encodeFreshness(result)})
}

func (h *handlers) getLinks(c fiber.Ctx) error {
	force := false
	if raw := c.Query("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return renderError(c, fiber.StatusBadRequest, "invalid_force")
		}
		force = parsed
	}
	snapshot := h.liveness.Load(requestContext(c), force)
	c.Set(HeaderSource, string(snapshot.Source))
	return c.JSON(snapshot)
}

func (h *handlers) getPack(c fiber.Ctx) error {
	return c.JSON(h.pack.State(requestContext(c)))
}

func (h *handlers) putProvided(c fiber.Ctx) error {
	var req providedRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil || req.Provided == nil {
		return renderError(c, fiber.StatusBadRequest, "invalid_body")
	}
	state, err := h.pack.MarkProvided(requestContext(c), c.Params("section"), c.Params("item"), *req.Provided)
	if err != nil {
		return h.renderPackError(c, err)
	}
	return c.JSON(state)
}

func (h *handlers) patchFields(c fiber.Ctx) error {
	var req fieldsRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil || len(req.Fields) == 0 {
		return renderError(c, fiber.StatusBadRequest, "invalid_body")
	}
	state, err := h.pack.UpdateFields(requestContext(c), c.Params("section"), c.Params("item"), req.Fields)
	if err != nil {
		return h.renderPackError(c, err)
	}
	return c.JSON(state)
}

func (h *handlers) deletePack(c fiber.Ctx) error {
	if err := h.pack.Reset(requestContext(c)); err != nil {
		return h.renderPackError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) renderPackError(c fiber.Ctx, err error) error {
	if errors.Is(err, packstate.ErrInvalidID) {
		return renderError(c, fiber.StatusBadRequest, "invalid_id")
	}
	h.logger.WithFields(logrus.Fields{
		"action":     "pack_write",
		"request_id": RequestID(c),
	}).WithError(err).Error("pack store unavailable")
	return renderError(c, fiber.StatusInternalServerError, "store_unavailable")
}

func renderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func encodeFreshness(result guide.Result) freshnessPayload {
	payload := freshnessPayload{
		Source:       string(result.Source),
		Status:       int(result.Status),
		ETag:         result.ETag,
		LastModified: result.LastModified,
		CachedAt:     result.CachedAt,
		Degraded:     result.Degraded,
	}
	if !result.FetchedAt.IsZero() {
		fetchedAt := result.FetchedAt
		payload.FetchedAt = &fetchedAt
	}
	return payload
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
