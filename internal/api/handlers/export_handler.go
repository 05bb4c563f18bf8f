package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/export"
	"github.com/evidence-on-demand/backend/internal/query"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
	"github.com/evidence-on-demand/backend/pkg/utils"
)

// StatusClientClosedRequest is reported when the caller went away before
// the export finished.
const StatusClientClosedRequest = 499

type Exporter interface {
	Export(ctx context.Context, ref string, req models.ExportRequest) (models.ExportArtifact, error)
}

type ExportHandler struct {
	exporter Exporter
	timeout  time.Duration
}

// NewExportHandler bounds each export by timeout. Zero means no bound.
func NewExportHandler(exporter Exporter, timeout time.Duration) *ExportHandler {
	return &ExportHandler{exporter: exporter, timeout: timeout}
}

func (h *ExportHandler) HandleExport(c *fiber.Ctx) error {
	var req struct {
		EvidenceRef      string   `json:"evidence_ref"`
		Format           string   `json:"format"`
		Fields           []string `json:"fields"`
		IncludeNarrative bool     `json:"include_narrative"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx := c.UserContext()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	artifact, err := h.exporter.Export(ctx, req.EvidenceRef, models.ExportRequest{
		Format:           models.ExportFormat(req.Format),
		Fields:           req.Fields,
		IncludeNarrative: req.IncludeNarrative,
	})
	if err != nil {
		status, message := exportErrorStatus(err)
		if status == fiber.StatusInternalServerError {
			logger.Error("Export failed", zap.String("ref", req.EvidenceRef), zap.Error(err))
		}
		return c.Status(status).JSON(fiber.Map{"error": message})
	}

	c.Set(fiber.HeaderContentType, artifact.MIMEType)
	c.Set(fiber.HeaderContentDisposition, export.ContentDisposition(artifact))
	c.Set(fiber.HeaderETag, `"`+utils.Digest(artifact.Bytes)+`"`)
	return c.Status(fiber.StatusOK).Send(artifact.Bytes)
}

func exportErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, export.ErrUnsupportedFormat):
		return fiber.StatusBadRequest, "unsupported export format"
	case errors.Is(err, export.ErrEmptyEvidenceSet):
		return fiber.StatusUnprocessableEntity, "evidence set is empty"
	case errors.Is(err, query.ErrEvidenceNotFound):
		return fiber.StatusNotFound, "evidence set not found"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "export timed out"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "export cancelled"
	default:
		return fiber.StatusInternalServerError, "export failed"
	}
}
