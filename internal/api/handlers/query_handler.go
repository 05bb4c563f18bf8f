package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/middleware/validation"
	"github.com/evidence-on-demand/backend/internal/query"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

// IdentityHeader carries the caller identity recorded in the audit log.
const IdentityHeader = "X-User-ID"

type Asker interface {
	Handle(ctx context.Context, q models.Query, identity string, active []models.Integration) models.QueryResult
	Reject(ctx context.Context, q models.Query, identity, narrative string) models.QueryResult
}

type ConnectedLister interface {
	Connected() []models.Integration
}

type QueryHandler struct {
	asker        Asker
	integrations ConnectedLister
}

func NewQueryHandler(asker Asker, integrations ConnectedLister) *QueryHandler {
	return &QueryHandler{
		asker:        asker,
		integrations: integrations,
	}
}

type queryRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
}

func parseQuery(c *fiber.Ctx) queryRequest {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Warn("Failed to parse query body", zap.Error(err))
		req.Query = ""
	}
	if sanitized, ok := c.Locals(validation.SanitizedQueryKey).(string); ok {
		req.Query = sanitized
	}
	return req
}

// HandleQuery always answers 200 with a QueryResult. A malformed body is
// treated as an empty question so the attempt is still audited.
func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	req := parseQuery(c)
	result := h.asker.Handle(c.UserContext(), models.Query{Text: req.Query}, identity(c, req.UserID), h.integrations.Connected())
	return c.JSON(result)
}

// HandleRateLimited answers a question the rate limiter turned away. The
// attempt is audited as failed and returned with 429.
func (h *QueryHandler) HandleRateLimited(c *fiber.Ctx) error {
	req := parseQuery(c)
	result := h.asker.Reject(c.UserContext(), models.Query{Text: strings.TrimSpace(req.Query)}, identity(c, req.UserID), query.NarrativeRateLimited)
	return c.Status(fiber.StatusTooManyRequests).JSON(result)
}

func identity(c *fiber.Ctx, fallback string) string {
	if id := strings.TrimSpace(c.Get(IdentityHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}
