package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/evidence-on-demand/backend/internal/integrations"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
)

type IntegrationsHandler struct {
	registry *integrations.Registry
}

func NewIntegrationsHandler(registry *integrations.Registry) *IntegrationsHandler {
	return &IntegrationsHandler{registry: registry}
}

func (h *IntegrationsHandler) List(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"integrations": h.registry.List(),
	})
}

func (h *IntegrationsHandler) Update(c *fiber.Ctx) error {
	var req struct {
		Connected *bool `json:"connected"`
	}
	if err := c.BodyParser(&req); err != nil || req.Connected == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "connected is required",
		})
	}

	id := models.SourceID(c.Params("id"))
	if err := h.registry.SetConnected(id, *req.Connected); err != nil {
		if errors.Is(err, integrations.ErrUnknownIntegration) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "unknown integration",
			})
		}
		return err
	}

	integration, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	return c.JSON(integration)
}
