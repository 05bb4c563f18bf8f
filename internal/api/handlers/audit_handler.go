package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/audit"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

type AuditReader interface {
	Get(ctx context.Context, id int64) (models.AuditEntry, error)
	List(ctx context.Context, filter audit.Filter) ([]models.AuditEntry, error)
}

type AuditHandler struct {
	reader AuditReader
}

func NewAuditHandler(reader AuditReader) *AuditHandler {
	return &AuditHandler{reader: reader}
}

func (h *AuditHandler) ListEntries(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	entries, err := h.reader.List(c.UserContext(), filter)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidFilter) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		logger.Error("Failed to list audit entries", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list audit entries",
		})
	}

	return c.JSON(fiber.Map{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *AuditHandler) GetEntry(c *fiber.Ctx) error {
	entry, status, err := h.lookup(c)
	if err != nil {
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(entry)
}

func (h *AuditHandler) GetDetails(c *fiber.Ctx) error {
	entry, status, err := h.lookup(c)
	if err != nil {
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"id":      entry.ID,
		"details": entry.Details,
	})
}

func (h *AuditHandler) lookup(c *fiber.Ctx) (models.AuditEntry, int, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return models.AuditEntry{}, fiber.StatusBadRequest, errors.New("id must be a positive integer")
	}

	entry, err := h.reader.Get(c.UserContext(), id)
	if errors.Is(err, audit.ErrEntryNotFound) {
		return models.AuditEntry{}, fiber.StatusNotFound, errors.New("audit entry not found")
	}
	if err != nil {
		logger.Error("Failed to load audit entry", zap.Int64("id", id), zap.Error(err))
		return models.AuditEntry{}, fiber.StatusInternalServerError, errors.New("failed to load audit entry")
	}
	return entry, fiber.StatusOK, nil
}

func parseFilter(c *fiber.Ctx) (audit.Filter, error) {
	var f audit.Filter

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("from must be an RFC 3339 timestamp")
		}
		f.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("to must be an RFC 3339 timestamp")
		}
		f.To = &t
	}

	f.User = c.Query("user")
	f.Tool = models.SourceID(c.Query("tool"))
	f.Status = models.Status(c.Query("status"))

	var err error
	if f.Limit, err = intQuery(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intQuery(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func intQuery(c *fiber.Ctx, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Newf("%s must be an integer", key)
	}
	return n, nil
}
