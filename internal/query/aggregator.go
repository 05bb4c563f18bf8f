package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/metrics"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

const DefaultConnectorTimeout = 10 * time.Second

// Outcome is the result of consulting one connector.
type Outcome struct {
	Source   models.SourceID
	Items    int
	Err      error
	Duration time.Duration
}

type fetchResult struct {
	items []models.EvidenceItem
	err   error
}

// Aggregator fans a question out to connectors and merges what comes back.
type Aggregator struct {
	summarizer       Summarizer
	connectorTimeout time.Duration
	logger           *zap.Logger
}

func NewAggregator(summarizer Summarizer, connectorTimeout time.Duration) *Aggregator {
	if summarizer == nil {
		summarizer = NewTemplateSummarizer()
	}
	if connectorTimeout <= 0 {
		connectorTimeout = DefaultConnectorTimeout
	}
	return &Aggregator{
		summarizer:       summarizer,
		connectorTimeout: connectorTimeout,
		logger:           logger.With(zap.String("component", "aggregator")),
	}
}

// Aggregate consults every connector concurrently, each under its own
// timeout, and waits for all of them. Evidence keeps connector order, then
// each connector's own order; the first item seen for a field wins.
func (a *Aggregator) Aggregate(ctx context.Context, q models.Query, conns []connectors.Connector) models.QueryResult {
	result, _ := a.AggregateWithOutcomes(ctx, q, conns)
	return result
}

// AggregateWithOutcomes is Aggregate that also reports per-connector outcomes.
func (a *Aggregator) AggregateWithOutcomes(ctx context.Context, q models.Query, conns []connectors.Connector) (models.QueryResult, []Outcome) {
	result := models.QueryResult{
		Evidence:        []models.EvidenceItem{},
		SourcesAccessed: []models.SourceID{},
		ToolsUsed:       make([]models.SourceID, 0, len(conns)),
	}
	for _, conn := range conns {
		result.ToolsUsed = append(result.ToolsUsed, conn.ID())
	}

	if len(conns) == 0 {
		result.Status = models.StatusFailed
		result.Narrative = NarrativeNoIntegrations
		return result, nil
	}

	results := make([]fetchResult, len(conns))
	outcomes := make([]Outcome, len(conns))

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn connectors.Connector) {
			defer wg.Done()
			start := time.Now()
			results[i] = a.fetch(ctx, conn, q)
			outcomes[i] = Outcome{
				Source:   conn.ID(),
				Items:    len(results[i].items),
				Err:      results[i].err,
				Duration: time.Since(start),
			}
		}(i, conn)
	}
	wg.Wait()

	var notes []string
	seen := make(map[string]models.SourceID)
	succeeded := 0

	for i, res := range results {
		source := conns[i].ID()
		outcome := outcomes[i]

		metrics.ConnectorRequests.WithLabelValues(string(source), connectors.KindName(res.err)).Inc()
		metrics.ConnectorDuration.WithLabelValues(string(source)).Observe(outcome.Duration.Seconds())

		if res.err != nil {
			a.logger.Warn("Connector failed",
				zap.String("source", string(source)),
				zap.String("kind", connectors.KindName(res.err)),
				zap.Duration("duration", outcome.Duration),
				zap.Error(res.err),
			)
			notes = append(notes, fmt.Sprintf("%s could not be consulted (%s)", source, connectors.KindName(res.err)))
			continue
		}

		succeeded++
		result.SourcesAccessed = append(result.SourcesAccessed, source)

		for _, item := range res.items {
			item.Source = source
			if owner, dup := seen[item.Field]; dup {
				metrics.FieldCollisions.Inc()
				notes = append(notes, fmt.Sprintf("field %q from %s was also reported by %s; kept the %s value", item.Field, source, owner, owner))
				continue
			}
			seen[item.Field] = source
			result.Evidence = append(result.Evidence, item)
		}
	}

	switch {
	case succeeded == 0:
		result.Status = models.StatusFailed
		result.Narrative = NarrativeNoSources
		return result, outcomes
	case succeeded == len(conns):
		result.Status = models.StatusCompleted
	default:
		result.Status = models.StatusPartial
	}

	result.Narrative = a.summarize(ctx, q, result.Evidence, notes)
	return result, outcomes
}

// fetch runs one connector under its own deadline. A connector that ignores
// its context is abandoned when the deadline passes.
func (a *Aggregator) fetch(ctx context.Context, conn connectors.Connector, q models.Query) fetchResult {
	cctx, cancel := context.WithTimeout(ctx, a.connectorTimeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: connectors.NewError(conn.ID(), connectors.ErrUnavailable, fmt.Errorf("connector panic: %v", r))}
			}
		}()
		items, err := conn.Fetch(cctx, q)
		done <- fetchResult{items: items, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if _, ok := res.err.(*connectors.Error); !ok {
				res.err = connectors.NewError(conn.ID(), connectors.Classify(res.err), res.err)
			}
		}
		return res
	case <-cctx.Done():
		return fetchResult{err: connectors.NewError(conn.ID(), connectors.ErrTimeout, cctx.Err())}
	}
}

func (a *Aggregator) summarize(ctx context.Context, q models.Query, evidence []models.EvidenceItem, notes []string) string {
	narrative, err := a.summarizer.Summarize(ctx, SummaryRequest{
		Query:    q.Text,
		Evidence: evidence,
		Notes:    notes,
	})
	if err != nil || narrative == "" {
		metrics.NarrativeFallbacks.Inc()
		if err != nil {
			a.logger.Warn("Narrative synthesis failed", zap.Error(err))
		}
		return NarrativeUnavailable
	}
	return narrative
}
