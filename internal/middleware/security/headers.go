package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets browser hardening headers. Export responses are
// marked no-store since they carry compliance evidence.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := "default-src 'self'; " +
		"script-src 'self'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data:; " +
		"connect-src " + buildConnectSrc(cfg.AllowedOrigins) + "; " +
		"frame-ancestors 'none'; " +
		"base-uri 'self'; " +
		"form-action 'self'"

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", csp)

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		if strings.HasSuffix(c.Path(), "/exports") {
			c.Set(fiber.HeaderCacheControl, "no-store")
		}

		return c.Next()
	}
}

func buildConnectSrc(origins []string) string {
	parts := []string{"'self'"}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" {
			continue
		}
		parts = append(parts, origin)
	}
	return strings.Join(parts, " ")
}
