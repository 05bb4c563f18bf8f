package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidence-on-demand/backend/internal/api/handlers"
	"github.com/evidence-on-demand/backend/internal/audit"
	"github.com/evidence-on-demand/backend/internal/middleware/ratelimit"
	"github.com/evidence-on-demand/backend/internal/query"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server:       config.ServerConfig{Development: true},
		Query:        config.QueryConfig{Timeout: 5, ConnectorTimeout: 1, MaxLength: 200},
		Audit:        config.AuditConfig{Backend: "memory", Buffer: 8},
		Evidence:     config.EvidenceConfig{Backend: "memory", TTLHours: 1, PruneSchedule: "@every 1h"},
		Integrations: config.IntegrationsConfig{File: filepath.Join(t.TempDir(), "integrations.yaml")},
		RateLimit:    config.RateLimitConfig{RequestsPerMinute: 1000},
	}
}

func newTestApp(t *testing.T) (*fiber.App, *components) {
	t.Helper()
	return newTestAppWith(t, testConfig(t))
}

func newTestAppWith(t *testing.T, cfg *config.Config) (*fiber.App, *components) {
	t.Helper()

	deps, err := buildComponents(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(deps.Close)

	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute})
	t.Cleanup(limiter.Stop)

	return newApp(cfg, deps, limiter), deps
}

func call(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(handlers.IdentityHeader, "alice")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestApp_Health(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := call(t, app, "GET", "/api/v1/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestApp_QueryAuditExportFlow(t *testing.T) {
	app, deps := newTestApp(t)

	// No integration is connected in the default catalogue.
	resp, body := call(t, app, "POST", "/api/v1/query", `{"query":"Who approved PR 7?"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var result models.QueryResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, int64(1), result.AuditID)
	assert.Equal(t, "1", result.EvidenceRef)

	resp, body = call(t, app, "GET", "/api/v1/audit/1", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var entry models.AuditEntry
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, "alice", entry.User)
	assert.Equal(t, "Who approved PR 7?", entry.Query)
	assert.Equal(t, 0, entry.Exports)

	// The stored set has no evidence.
	resp, _ = call(t, app, "POST", "/api/v1/exports", `{"evidence_ref":"1","format":"csv"}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	require.NoError(t, deps.evidence.Save(context.Background(), models.EvidenceSet{
		Ref:     "1",
		AuditID: 1,
		Evidence: []models.EvidenceItem{
			{Field: "approver", Value: "bob", Source: models.SourceCodeHost, Link: "https://github.com/acme/app/pull/7"},
		},
	}))

	resp, body = call(t, app, "POST", "/api/v1/exports", `{"evidence_ref":"1","format":"csv"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, bytes.HasPrefix(body, []byte("field,value,source,link\n")))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, body = call(t, app, "POST", "/api/v1/exports", `{"evidence_ref":"1","format":"xlsx"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, bytes.HasPrefix(body, []byte("PK")))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")

	resp, _ = call(t, app, "POST", "/api/v1/exports", `{"evidence_ref":"1","format":"docx"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = call(t, app, "POST", "/api/v1/exports", `{"evidence_ref":"404","format":"pdf"}`)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	_, body = call(t, app, "GET", "/api/v1/audit/1", "")
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, 2, entry.Exports)
}

func auditCount(t *testing.T, deps *components) int {
	t.Helper()
	entries, err := deps.recorder.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	return len(entries)
}

func TestApp_NonJSONQueryIsAudited(t *testing.T) {
	app, deps := newTestApp(t)

	req := httptest.NewRequest("POST", "/api/v1/query", strings.NewReader("Who approved PR 7?"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(handlers.IdentityHeader, "alice")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var result models.QueryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, int64(1), result.AuditID)
	assert.Equal(t, 1, auditCount(t, deps))
}

func TestApp_RateLimitedQueryIsAudited(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.RequestsPerMinute = 1
	app, deps := newTestAppWith(t, cfg)

	resp, _ := call(t, app, "POST", "/api/v1/query", `{"query":"Who approved PR 7?"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, body := call(t, app, "POST", "/api/v1/query", `{"query":"Who approved PR 8?"}`)
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	var result models.QueryResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, query.NarrativeRateLimited, result.Narrative)
	assert.Equal(t, int64(2), result.AuditID)

	require.Equal(t, 2, auditCount(t, deps))
	entry, err := deps.recorder.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.User)
	assert.Equal(t, "Who approved PR 8?", entry.Query)

	// The socket upgrade shares the caller's bucket.
	req := httptest.NewRequest("GET", "/api/v1/ws", nil)
	req.Header.Set(handlers.IdentityHeader, "alice")
	wsResp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, wsResp.StatusCode)
}

func TestApp_ConnectedButUnconfiguredSource(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := call(t, app, "PUT", "/api/v1/integrations/jira", `{"connected":true}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	_, body := call(t, app, "POST", "/api/v1/query", `{"query":"status of ABC-1"}`)
	var result models.QueryResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, query.NarrativeNotConfigured, result.Narrative)
}

func TestApp_Integrations(t *testing.T) {
	app, deps := newTestApp(t)

	resp, _ := call(t, app, "PUT", "/api/v1/integrations/jira", `{"connected":true}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Len(t, deps.registry.Connected(), 1)

	resp, _ = call(t, app, "PUT", "/api/v1/integrations/jira", `{"connected":"yes"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAuditFilterFromFlags(t *testing.T) {
	saved := auditFlags
	defer func() { auditFlags = saved }()

	auditFlags.from = "2025-01-01T00:00:00Z"
	auditFlags.status = "partial"
	f, err := auditFilterFromFlags()
	require.NoError(t, err)
	require.NotNil(t, f.From)
	assert.Equal(t, models.StatusPartial, f.Status)
	assert.Equal(t, 100, f.Limit)

	auditFlags.status = "unknown"
	_, err = auditFilterFromFlags()
	assert.Error(t, err)

	auditFlags.status = ""
	auditFlags.to = "yesterday"
	_, err = auditFilterFromFlags()
	assert.Error(t, err)
}

func TestWriteAuditTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeAuditTable(&buf, nil))
	assert.Equal(t, "No audit entries found.\n", buf.String())

	buf.Reset()
	require.NoError(t, writeAuditTable(&buf, []models.AuditEntry{{
		ID:        7,
		User:      "alice",
		Status:    models.StatusCompleted,
		ToolsUsed: []models.SourceID{models.SourceCodeHost, models.SourceIssueTracker},
		Query:     strings.Repeat("x", 80),
	}}))
	out := buf.String()
	assert.Contains(t, out, "github,jira")
	assert.Contains(t, out, strings.Repeat("x", 57)+"...")
}
