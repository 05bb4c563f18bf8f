package jira

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/storage/models"
)

const searchBody = `{
  "total": 1,
  "issues": [{
    "key": "SEC-12",
    "fields": {
      "summary": "Quarterly access review",
      "status": {"name": "Done"},
      "assignee": {"displayName": "Alice Smith"},
      "reporter": null,
      "resolution": {"name": "Fixed"},
      "updated": "2024-03-01T10:00:00.000+0000"
    },
    "renderedFields": {
      "description": "<p>Reviewed <b>all</b> admin accounts.</p><script>alert(1)</script>"
    }
  }]
}`

func TestFetchIssues(t *testing.T) {
	var gotJQL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/search", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "secret", pass)
		gotJQL = r.URL.Query().Get("jql")
		assert.Equal(t, "renderedFields", r.URL.Query().Get("expand"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(searchBody))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Email: "bot@example.com", APIToken: "secret", Project: "SEC"})
	require.NoError(t, err)

	items, err := c.Fetch(context.Background(), models.Query{Text: "What is the status of SEC-12?"})
	require.NoError(t, err)

	assert.Equal(t, `project = "SEC" AND key in (SEC-12) ORDER BY updated DESC`, gotJQL)

	values := map[string]string{}
	for _, it := range items {
		values[it.Field] = it.Value
		assert.Equal(t, models.SourceIssueTracker, it.Source)
		assert.Equal(t, srv.URL+"/browse/SEC-12", it.Link)
	}
	assert.Equal(t, "Quarterly access review", values["SEC-12_summary"])
	assert.Equal(t, "Done", values["SEC-12_status"])
	assert.Equal(t, "Alice Smith", values["SEC-12_assignee"])
	assert.Equal(t, "unknown", values["SEC-12_reporter"])
	assert.Equal(t, "Fixed", values["SEC-12_resolution"])
	assert.Equal(t, "Reviewed all admin accounts.", values["SEC-12_description"])
	assert.NotContains(t, values, "SEC-12_approver")
}

func TestFetchIssues_Approver(t *testing.T) {
	tests := []struct {
		name  string
		field string
		want  string
	}{
		{name: "multi user picker", field: `[{"displayName": "Bob Jones"}, {"displayName": "Carol White"}]`, want: "Bob Jones, Carol White"},
		{name: "single user picker", field: `{"displayName": "Bob Jones"}`, want: "Bob Jones"},
		{name: "text field", field: `" Security board "`, want: "Security board"},
		{name: "empty", field: `null`, want: "none"},
		{name: "empty list", field: `[]`, want: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotFields string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotFields = r.URL.Query().Get("fields")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"total": 1, "issues": [{"key": "SEC-7", "fields": {
					"summary": "Grant prod access",
					"status": {"name": "Approved"},
					"customfield_10003": ` + tt.field + `}}]}`))
			}))
			defer srv.Close()

			c, err := New(Config{BaseURL: srv.URL, ApproverField: "customfield_10003"})
			require.NoError(t, err)

			items, err := c.Fetch(context.Background(), models.Query{Text: "who approved SEC-7"})
			require.NoError(t, err)
			assert.Contains(t, gotFields, "customfield_10003")

			values := map[string]string{}
			for _, it := range items {
				values[it.Field] = it.Value
			}
			assert.Equal(t, "Approved", values["SEC-7_status"])
			assert.Equal(t, tt.want, values["SEC-7_approver"])
		})
	}
}

func TestBuildJQL(t *testing.T) {
	c, err := New(Config{BaseURL: "https://jira.example.com"})
	require.NoError(t, err)

	assert.Equal(t, "ORDER BY updated DESC", c.buildJQL(connectors.Terms{}))
	assert.Equal(t, `text ~ "access review" ORDER BY updated DESC`,
		c.buildJQL(connectors.Terms{Keywords: []string{"access", "review"}}))
	assert.Equal(t, "key in (A-1, B-2) ORDER BY updated DESC",
		c.buildJQL(connectors.Terms{IssueKeys: []string{"A-1", "B-2"}, Keywords: []string{"ignored"}}))
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		want      error
		wantCalls int32
	}{
		{"unauthorized", http.StatusUnauthorized, connectors.ErrAuth, 1},
		{"forbidden", http.StatusForbidden, connectors.ErrAuth, 1},
		{"missing project", http.StatusNotFound, connectors.ErrNotFound, 1},
		{"server error retried", http.StatusServiceUnavailable, connectors.ErrUnavailable, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c, err := New(Config{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = c.Fetch(context.Background(), models.Query{Text: "access review"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestHTMLToText(t *testing.T) {
	assert.Equal(t, "", htmlToText("   "))
	assert.Equal(t, "a b", htmlToText("<div>a</div>\n<div>b</div>"))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}
