package validation

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{}))
	app.Post("/api/v1/query", func(c *fiber.Ctx) error {
		q, _ := c.Locals(SanitizedQueryKey).(string)
		return c.SendString(q)
	})
	app.Post("/api/v1/exports", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Put("/api/v1/integrations/:id", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	return app
}

func send(t *testing.T, app *fiber.App, method, path, contentType, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestMiddleware_QueryIsSanitizedNeverRejected(t *testing.T) {
	app := newApp()

	status, body := send(t, app, "POST", "/api/v1/query", "application/json", `{"query":"  who approved PR 7?\u0000 "}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "who approved PR 7?", body)

	status, _ = send(t, app, "POST", "/api/v1/query", "application/json", `{"query":`)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = send(t, app, "POST", "/api/v1/query", "application/json", `{"query":""}`)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestMiddleware_UnsupportedContentType(t *testing.T) {
	status, _ := send(t, newApp(), "POST", "/api/v1/exports", "text/plain", "hello")
	assert.Equal(t, fiber.StatusUnsupportedMediaType, status)

	status, _ = send(t, newApp(), "PUT", "/api/v1/integrations/jira", "text/plain", "hello")
	assert.Equal(t, fiber.StatusUnsupportedMediaType, status)
}

func TestMiddleware_QueryAcceptsAnyContentType(t *testing.T) {
	status, body := send(t, newApp(), "POST", "/api/v1/query", "text/plain", "hello")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body)
}

func TestMiddleware_Exports(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "valid", body: `{"evidence_ref":"1","format":"csv"}`, want: fiber.StatusOK},
		{name: "valid with fields", body: `{"evidence_ref":"1","format":"pdf","fields":["field","value"]}`, want: fiber.StatusOK},
		{name: "unknown format passes through", body: `{"evidence_ref":"1","format":"docx"}`, want: fiber.StatusOK},
		{name: "missing ref", body: `{"format":"csv"}`, want: fiber.StatusBadRequest},
		{name: "blank ref", body: `{"evidence_ref":"  ","format":"csv"}`, want: fiber.StatusBadRequest},
		{name: "missing format", body: `{"evidence_ref":"1"}`, want: fiber.StatusBadRequest},
		{name: "fields not strings", body: `{"evidence_ref":"1","format":"csv","fields":[1]}`, want: fiber.StatusBadRequest},
		{name: "malformed json", body: `{"evidence_ref":`, want: fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := send(t, newApp(), "POST", "/api/v1/exports", "application/json", tt.body)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestMiddleware_Integrations(t *testing.T) {
	app := newApp()

	status, _ := send(t, app, "PUT", "/api/v1/integrations/jira", "application/json", `{"connected":true}`)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = send(t, app, "PUT", "/api/v1/integrations/jira", "application/json", `{"connected":"yes"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}
