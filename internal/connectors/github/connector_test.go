package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/storage/models"
)

var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestConnector(t *testing.T, mux *http.ServeMux) *Connector {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Token:             "test-token",
		Owner:             "acme",
		Repo:              "api",
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
	})
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func fieldValues(items []models.EvidenceItem) map[string]string {
	out := make(map[string]string, len(items))
	for _, it := range items {
		out[it.Field] = it.Value
	}
	return out
}

func TestNewRequiresRepository(t *testing.T) {
	_, err := New(Config{Owner: "acme"})
	assert.Error(t, err)
}

func TestFetchPullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls/456", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeJSON(w, map[string]interface{}{
			"number":    456,
			"title":     "Rotate signing keys",
			"state":     "closed",
			"merged":    true,
			"merged_at": "2024-03-14T09:30:00Z",
			"html_url":  "https://github.com/acme/api/pull/456",
			"user":      map[string]interface{}{"login": "carol"},
			"merged_by": map[string]interface{}{"login": "alice"},
		})
	})
	mux.HandleFunc("/repos/acme/api/pulls/456/reviews", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"id": 1, "state": "CHANGES_REQUESTED", "user": map[string]interface{}{"login": "bob"}},
			{"id": 2, "state": "COMMENTED", "user": map[string]interface{}{"login": "dave"}},
			{"id": 3, "state": "APPROVED", "user": map[string]interface{}{"login": "bob"},
				"html_url": "https://github.com/acme/api/pull/456#pullrequestreview-3"},
		})
	})

	c := newTestConnector(t, mux)
	items, err := c.Fetch(context.Background(), models.Query{Text: "Who approved PR #456?"})
	require.NoError(t, err)

	values := fieldValues(items)
	assert.Equal(t, "Rotate signing keys", values["pr_456_title"])
	assert.Equal(t, "true", values["pr_456_merged"])
	assert.Equal(t, "alice", values["pr_456_merged_by"])
	assert.Equal(t, "2024-03-14T09:30:00Z", values["pr_456_merged_at"])
	assert.Equal(t, "1", values["pr_456_approvals"])
	assert.Equal(t, "bob", values["pr_456_approvers"])
	assert.Equal(t, "false", values["pr_456_admin_override"])
	assert.Equal(t, "https://github.com/acme/api/pull/456#pullrequestreview-3", values["pr_456_approval_evidence"])

	for _, it := range items {
		assert.Equal(t, models.SourceCodeHost, it.Source)
		assert.NotEmpty(t, it.Link)
	}
}

func TestFetchComplianceFacts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		writeJSON(w, []map[string]interface{}{
			{"number": 1, "state": "closed", "merged_at": "2024-03-13T10:00:00Z", "created_at": "2024-03-12T10:00:00Z"},
			{"number": 2, "state": "closed", "merged_at": "2024-03-14T10:00:00Z", "created_at": "2024-03-13T10:00:00Z"},
			{"number": 3, "state": "open", "created_at": "2024-03-11T10:00:00Z"},
			{"number": 4, "state": "open", "created_at": "2024-03-15T10:00:00Z"},
			{"number": 5, "state": "closed", "merged_at": "2024-01-02T10:00:00Z", "created_at": "2024-01-01T10:00:00Z"},
		})
	})
	mux.HandleFunc("/repos/acme/api/pulls/2/reviews", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"id": 20, "state": "APPROVED", "user": map[string]interface{}{"login": "bob"}},
		})
	})
	mux.HandleFunc("/repos/acme/api/pulls/5/reviews", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"id": 50, "state": "APPROVED", "user": map[string]interface{}{"login": "erin"}},
		})
	})
	for _, n := range []string{"1", "3", "4"} {
		mux.HandleFunc("/repos/acme/api/pulls/"+n+"/reviews", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, []interface{}{})
		})
	}

	c := newTestConnector(t, mux)
	items, err := c.Fetch(context.Background(), models.Query{Text: "Which PRs were merged without approval?"})
	require.NoError(t, err)

	values := fieldValues(items)
	assert.Equal(t, "acme/api", values["repository"])
	assert.Equal(t, "1", values["prs_merged_without_approval"])
	assert.Equal(t, "#1", values["prs_merged_without_approval_ids"])
	assert.Equal(t, "1", values["prs_waiting_review_over_24h"])
	assert.Equal(t, "#3", values["prs_waiting_review_over_24h_ids"])
	assert.Equal(t, "2", values["prs_merged_last_7_days"])
}

func TestFetchReviewedBy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"number": 7, "state": "closed", "merged_at": "2024-03-14T10:00:00Z", "created_at": "2024-03-14T08:00:00Z"},
			{"number": 8, "state": "open", "created_at": "2024-03-15T11:00:00Z"},
		})
	})
	mux.HandleFunc("/repos/acme/api/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"id": 70, "state": "APPROVED", "user": map[string]interface{}{"login": "Alice"}},
		})
	})
	mux.HandleFunc("/repos/acme/api/pulls/8/reviews", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"id": 80, "state": "COMMENTED", "user": map[string]interface{}{"login": "alice"}},
		})
	})

	c := newTestConnector(t, mux)
	items, err := c.Fetch(context.Background(), models.Query{Text: "PRs reviewed by alice in the last 30 days"})
	require.NoError(t, err)

	values := fieldValues(items)
	assert.Equal(t, "2", values["prs_reviewed_by_alice"])
	assert.Equal(t, "1", values["prs_merged_last_30_days"])
}

func TestFetchErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, connectors.ErrAuth},
		{"not found", http.StatusNotFound, connectors.ErrNotFound},
		{"server error", http.StatusBadGateway, connectors.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/acme/api/pulls/9", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			})

			c := newTestConnector(t, mux)
			_, err := c.Fetch(context.Background(), models.Query{Text: "status of #9"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestFetchHonoursDeadline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls/9", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := newTestConnector(t, mux)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, models.Query{Text: "#9"})
	require.Error(t, err)
	assert.Equal(t, connectors.ErrTimeout, connectors.Classify(err))
}
