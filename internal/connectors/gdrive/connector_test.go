package gdrive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/storage/models"
)

func newTestConnector(t *testing.T, handler http.HandlerFunc) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Config{
		APIKey:   "test-key",
		FolderID: "folder-1",
		Endpoint: srv.URL + "/",
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestFetchDocuments(t *testing.T) {
	var gotQuery string
	c := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		gotQuery = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"files":[
			{"id":"f1","name":"Access Review Q1","modifiedTime":"2024-03-01T10:00:00Z",
			 "webViewLink":"https://docs.google.com/document/d/f1","owners":[{"displayName":"Alice"}]},
			{"id":"f2","name":"Change Policy","modifiedTime":"2024-02-01T10:00:00Z",
			 "webViewLink":"https://docs.google.com/document/d/f2","owners":[{"emailAddress":"bob@example.com"}]}
		]}`))
	})

	items, err := c.Fetch(context.Background(), models.Query{Text: "SEC-12"})
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "trashed = false and 'folder-1' in parents and (fullText contains 'SEC-12'")
	require.Len(t, items, 6)
	assert.Equal(t, models.EvidenceItem{
		Field:  "doc_1_title",
		Value:  "Access Review Q1",
		Source: models.SourceDocumentStore,
		Link:   "https://docs.google.com/document/d/f1",
	}, items[0])
	assert.Equal(t, "Alice", items[2].Value)
	assert.Equal(t, "doc_2_owner", items[5].Field)
	assert.Equal(t, "bob@example.com", items[5].Value)
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, connectors.ErrAuth},
		{"folder missing", http.StatusNotFound, connectors.ErrNotFound},
		{"backend error", http.StatusInternalServerError, connectors.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"denied"}}`))
			})

			_, err := c.Fetch(context.Background(), models.Query{Text: "policy"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEscape(t *testing.T) {
	assert.Equal(t, `it\'s`, escape("it's"))
	assert.Equal(t, `a\\b`, escape(`a\b`))
}
