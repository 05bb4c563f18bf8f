package query_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/query"
	"github.com/evidence-on-demand/backend/internal/storage/models"
)

type fakeConnector struct {
	id        models.SourceID
	items     []models.EvidenceItem
	err       error
	delay     time.Duration
	ignoreCtx bool
	panicWith interface{}

	mu    sync.Mutex
	calls int
}

func (f *fakeConnector) ID() models.SourceID { return f.id }

func (f *fakeConnector) Fetch(ctx context.Context, _ models.Query) ([]models.EvidenceItem, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.EvidenceItem(nil), f.items...), nil
}

func (f *fakeConnector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func item(field, value string) models.EvidenceItem {
	return models.EvidenceItem{Field: field, Value: value}
}

func TestAggregator_AllSucceed(t *testing.T) {
	jira := &fakeConnector{id: models.SourceIssueTracker, items: []models.EvidenceItem{
		item("ABC-1_status", "Done"),
		item("ABC-1_assignee", "dana"),
	}}
	gh := &fakeConnector{id: models.SourceCodeHost, items: []models.EvidenceItem{
		item("pr_7_state", "closed"),
	}}

	agg := query.NewAggregator(nil, time.Second)
	result := agg.Aggregate(context.Background(), models.Query{Text: "status of ABC-1"}, []connectors.Connector{jira, gh})

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, []models.SourceID{models.SourceIssueTracker, models.SourceCodeHost}, result.ToolsUsed)
	assert.Equal(t, []models.SourceID{models.SourceIssueTracker, models.SourceCodeHost}, result.SourcesAccessed)

	require.Len(t, result.Evidence, 3)
	assert.Equal(t, "ABC-1_status", result.Evidence[0].Field)
	assert.Equal(t, "ABC-1_assignee", result.Evidence[1].Field)
	assert.Equal(t, "pr_7_state", result.Evidence[2].Field)
	assert.Equal(t, models.SourceIssueTracker, result.Evidence[0].Source)
	assert.Equal(t, models.SourceCodeHost, result.Evidence[2].Source)
	assert.Contains(t, result.Narrative, "Found 3 evidence items")
}

func TestAggregator_PartialWhenOneSourceRejectsCredentials(t *testing.T) {
	jira := &fakeConnector{id: models.SourceIssueTracker, items: []models.EvidenceItem{
		item("ABC-123_status", "In Review"),
	}}
	gh := &fakeConnector{
		id:  models.SourceCodeHost,
		err: connectors.NewError(models.SourceCodeHost, connectors.ErrAuth, errors.New("bad token")),
	}

	var captured query.SummaryRequest
	summarizer := query.SummarizerFunc(func(_ context.Context, req query.SummaryRequest) (string, error) {
		captured = req
		return "ABC-123 is in review.", nil
	})

	agg := query.NewAggregator(summarizer, time.Second)
	result := agg.Aggregate(context.Background(), models.Query{Text: "What is the status of ABC-123?"}, []connectors.Connector{jira, gh})

	assert.Equal(t, models.StatusPartial, result.Status)
	assert.Equal(t, []models.SourceID{models.SourceIssueTracker, models.SourceCodeHost}, result.ToolsUsed)
	assert.Equal(t, []models.SourceID{models.SourceIssueTracker}, result.SourcesAccessed)
	require.Len(t, result.Evidence, 1)
	assert.Equal(t, models.SourceIssueTracker, result.Evidence[0].Source)
	assert.Equal(t, "ABC-123 is in review.", result.Narrative)

	require.Len(t, captured.Notes, 1)
	assert.Contains(t, captured.Notes[0], "github")
	assert.Contains(t, captured.Notes[0], "auth_error")
}

func TestAggregator_AllFail(t *testing.T) {
	called := false
	summarizer := query.SummarizerFunc(func(context.Context, query.SummaryRequest) (string, error) {
		called = true
		return "should not be used", nil
	})

	jira := &fakeConnector{id: models.SourceIssueTracker, err: errors.New("connection refused")}
	gh := &fakeConnector{id: models.SourceCodeHost, err: connectors.NewError(models.SourceCodeHost, connectors.ErrNotFound, errors.New("no repo"))}

	agg := query.NewAggregator(summarizer, time.Second)
	result, outcomes := agg.AggregateWithOutcomes(context.Background(), models.Query{Text: "anything"}, []connectors.Connector{jira, gh})

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, query.NarrativeNoSources, result.Narrative)
	assert.Empty(t, result.Evidence)
	assert.Empty(t, result.SourcesAccessed)
	assert.Len(t, result.ToolsUsed, 2)
	assert.False(t, called)

	require.Len(t, outcomes, 2)
	assert.ErrorIs(t, outcomes[0].Err, connectors.ErrUnavailable)
	assert.ErrorIs(t, outcomes[1].Err, connectors.ErrNotFound)
}

func TestAggregator_NoConnectors(t *testing.T) {
	agg := query.NewAggregator(nil, time.Second)
	result := agg.Aggregate(context.Background(), models.Query{Text: "anything"}, nil)

	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, query.NarrativeNoIntegrations, result.Narrative)
	assert.NotNil(t, result.Evidence)
	assert.NotNil(t, result.ToolsUsed)
	assert.NotNil(t, result.SourcesAccessed)
}

func TestAggregator_FieldCollisionFirstWins(t *testing.T) {
	jira := &fakeConnector{id: models.SourceIssueTracker, items: []models.EvidenceItem{item("owner", "dana")}}
	docs := &fakeConnector{id: models.SourceDocumentStore, items: []models.EvidenceItem{item("owner", "lee"), item("doc_1_title", "Policy")}}

	var notes []string
	summarizer := query.SummarizerFunc(func(_ context.Context, req query.SummaryRequest) (string, error) {
		notes = req.Notes
		return "ok", nil
	})

	agg := query.NewAggregator(summarizer, time.Second)
	result := agg.Aggregate(context.Background(), models.Query{Text: "who owns it"}, []connectors.Connector{jira, docs})

	require.Len(t, result.Evidence, 2)
	assert.Equal(t, "dana", result.Evidence[0].Value)
	assert.Equal(t, models.SourceIssueTracker, result.Evidence[0].Source)
	assert.Equal(t, "doc_1_title", result.Evidence[1].Field)

	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], `"owner"`)
}

func TestAggregator_ConnectorIgnoringDeadlineIsAbandoned(t *testing.T) {
	slow := &fakeConnector{id: models.SourceCodeHost, delay: 2 * time.Second, ignoreCtx: true}
	fast := &fakeConnector{id: models.SourceIssueTracker, items: []models.EvidenceItem{item("ABC-1_status", "Done")}}

	agg := query.NewAggregator(nil, 50*time.Millisecond)

	start := time.Now()
	result, outcomes := agg.AggregateWithOutcomes(context.Background(), models.Query{Text: "q"}, []connectors.Connector{fast, slow})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, models.StatusPartial, result.Status)
	assert.Equal(t, []models.SourceID{models.SourceIssueTracker}, result.SourcesAccessed)
	require.Len(t, outcomes, 2)
	assert.ErrorIs(t, outcomes[1].Err, connectors.ErrTimeout)
}

func TestAggregator_ConnectorPanicIsUnavailable(t *testing.T) {
	bad := &fakeConnector{id: models.SourceDocumentStore, panicWith: "boom"}
	good := &fakeConnector{id: models.SourceIssueTracker, items: []models.EvidenceItem{item("k", "v")}}

	agg := query.NewAggregator(nil, time.Second)
	result, outcomes := agg.AggregateWithOutcomes(context.Background(), models.Query{Text: "q"}, []connectors.Connector{good, bad})

	assert.Equal(t, models.StatusPartial, result.Status)
	assert.ErrorIs(t, outcomes[1].Err, connectors.ErrUnavailable)
}

func TestAggregator_SummarizerFailureFallsBack(t *testing.T) {
	summarizer := query.SummarizerFunc(func(context.Context, query.SummaryRequest) (string, error) {
		return "", errors.New("model offline")
	})
	jira := &fakeConnector{id: models.SourceIssueTracker, items: []models.EvidenceItem{item("k", "v")}}

	agg := query.NewAggregator(summarizer, time.Second)
	result := agg.Aggregate(context.Background(), models.Query{Text: "q"}, []connectors.Connector{jira})

	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Equal(t, query.NarrativeUnavailable, result.Narrative)
	require.Len(t, result.Evidence, 1)
}

func TestAggregator_FetchesConcurrently(t *testing.T) {
	var conns []connectors.Connector
	for _, id := range []models.SourceID{models.SourceIssueTracker, models.SourceCodeHost, models.SourceDocumentStore} {
		conns = append(conns, &fakeConnector{id: id, delay: 200 * time.Millisecond, items: []models.EvidenceItem{item(string(id)+"_x", "1")}})
	}

	agg := query.NewAggregator(nil, time.Second)

	start := time.Now()
	result := agg.Aggregate(context.Background(), models.Query{Text: "q"}, conns)

	assert.Less(t, time.Since(start), 550*time.Millisecond)
	assert.Equal(t, models.StatusCompleted, result.Status)
	assert.Len(t, result.Evidence, 3)
}

func TestTemplateSummarizer(t *testing.T) {
	s := query.NewTemplateSummarizer()
	s.MaxHighlights = 1

	narrative, err := s.Summarize(context.Background(), query.SummaryRequest{
		Query: " status of ABC-1 ",
		Evidence: []models.EvidenceItem{
			{Field: "ABC-1_status", Value: "Done", Source: models.SourceIssueTracker},
			{Field: "pr_2_state", Value: "open", Source: models.SourceCodeHost},
		},
		Notes: []string{"documents could not be consulted (timeout)"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(narrative, `Found 2 evidence items for "status of ABC-1" from jira, github.`))
	assert.Contains(t, narrative, "- ABC-1_status: Done")
	assert.NotContains(t, narrative, "pr_2_state")
	assert.Contains(t, narrative, "...and 1 more.")
	assert.Contains(t, narrative, "Note: documents could not be consulted (timeout)")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		maxLength int
		wantErr   bool
	}{
		{name: "ok", text: "status of ABC-1", maxLength: 100},
		{name: "empty", text: "", maxLength: 100, wantErr: true},
		{name: "whitespace", text: " \t\n", maxLength: 100, wantErr: true},
		{name: "at limit", text: strings.Repeat("é", 10), maxLength: 10},
		{name: "over limit", text: strings.Repeat("a", 11), maxLength: 10, wantErr: true},
		{name: "no limit", text: strings.Repeat("a", 10000), maxLength: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := query.Validate(models.Query{Text: tt.text}, tt.maxLength)
			if tt.wantErr {
				assert.ErrorIs(t, err, query.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
