package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		cfg       HeadersConfig
		path      string
		wantHSTS  bool
		wantCache string
	}{
		{name: "production", cfg: HeadersConfig{}, path: "/api/v1/health", wantHSTS: true},
		{name: "development", cfg: HeadersConfig{IsDevelopment: true}, path: "/api/v1/health"},
		{name: "exports are not cached", cfg: HeadersConfig{}, path: "/api/v1/exports", wantHSTS: true, wantCache: "no-store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(HeadersMiddleware(tt.cfg))
			app.All("/*", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			require.NoError(t, err)

			assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
			assert.Equal(t, tt.wantHSTS, resp.Header.Get("Strict-Transport-Security") != "")
			assert.Equal(t, tt.wantCache, resp.Header.Get("Cache-Control"))
		})
	}
}

func TestBuildConnectSrc(t *testing.T) {
	assert.Equal(t, "'self'", buildConnectSrc(nil))
	assert.Equal(t, "'self' https://app.example.com", buildConnectSrc([]string{"*", " https://app.example.com ", ""}))
}
