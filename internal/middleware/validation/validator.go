package validation

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// SanitizedQueryKey holds the cleaned question text in fiber locals.
const SanitizedQueryKey = "sanitized_query"

type Config struct {
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects unsupported content types and malformed export and
// integration bodies. Questions are never rejected here, whatever their
// content type: an empty or malformed question must still reach the
// orchestrator to be audited, so the query body is only sanitized.
func Middleware(cfg Config) fiber.Handler {
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		path := c.Path()
		isQuery := c.Method() == fiber.MethodPost && strings.HasSuffix(path, "/query")

		if !isQuery && (c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut) {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !allowed(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		switch {
		case isQuery:
			var req struct {
				Query string `json:"query"`
			}
			if err := c.BodyParser(&req); err == nil {
				c.Locals(SanitizedQueryKey, sanitizeString(req.Query))
			}

		case c.Method() == fiber.MethodPost && strings.HasSuffix(path, "/exports"):
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			ref, ok := req["evidence_ref"].(string)
			if !ok || strings.TrimSpace(ref) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "evidence_ref is required and must be a string",
				})
			}
			if _, ok := req["format"].(string); !ok {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "format is required and must be a string",
				})
			}
			if fields, present := req["fields"]; present && fields != nil {
				if !isStringList(fields) {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "fields must be a list of strings",
					})
				}
			}

		case c.Method() == fiber.MethodPut && strings.Contains(path, "/integrations/"):
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}
			if _, ok := req["connected"].(bool); !ok {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "connected is required and must be a boolean",
				})
			}
		}

		return c.Next()
	}
}

func allowed(contentType string, types []string) bool {
	for _, t := range types {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func isStringList(v interface{}) bool {
	list, ok := v.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if _, ok := item.(string); !ok {
			return false
		}
	}
	return true
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}
