package query

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/metrics"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxLength = 5000
)

type Recorder interface {
	Record(ctx context.Context, q models.Query, identity string, result models.QueryResult, start time.Time) (models.AuditEntry, error)
}

type Resolver interface {
	Resolve(active []models.Integration) ([]connectors.Connector, []models.SourceID)
}

type Config struct {
	Timeout   time.Duration
	MaxLength int
}

// Orchestrator is the entry point for a question. It never returns an
// error: every failure is expressed in the result status and narrative,
// and every attempt is recorded in the audit log exactly once.
type Orchestrator struct {
	aggregator *Aggregator
	resolver   Resolver
	recorder   Recorder
	evidence   EvidenceStore
	cfg        Config
	logger     *zap.Logger
}

func NewOrchestrator(aggregator *Aggregator, resolver Resolver, recorder Recorder, evidence EvidenceStore, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	return &Orchestrator{
		aggregator: aggregator,
		resolver:   resolver,
		recorder:   recorder,
		evidence:   evidence,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "orchestrator")),
	}
}

func (o *Orchestrator) Handle(ctx context.Context, q models.Query, identity string, active []models.Integration) (result models.QueryResult) {
	start := time.Now()
	log := o.logger.With(
		zap.String("query_id", uuid.New().String()),
		zap.String("user", identity),
	)

	log.Info("Processing query", zap.String("query", q.Text))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Query handling panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = faultResult(result.ToolsUsed)
		}
		o.finish(ctx, q, identity, start, &result, log)
	}()

	if err := Validate(q, o.cfg.MaxLength); err != nil {
		log.Info("Query rejected", zap.Error(err))
		return failedResult(errors.FlattenHints(err))
	}

	conns, missing := o.resolver.Resolve(active)
	if len(missing) > 0 {
		log.Warn("Connected integrations have no configured connector", zap.Any("sources", missing))
		if len(conns) == 0 {
			return failedResult(NarrativeNotConfigured)
		}
	}

	actx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	result, outcomes := o.aggregator.AggregateWithOutcomes(actx, q, conns)
	for _, oc := range outcomes {
		log.Debug("Connector outcome",
			zap.String("source", string(oc.Source)),
			zap.String("outcome", connectors.KindName(oc.Err)),
			zap.Int("items", oc.Items),
			zap.Duration("duration", oc.Duration),
		)
	}
	return result
}

// Reject records an attempt that was turned away before any source was
// consulted, such as one over the caller's rate limit.
func (o *Orchestrator) Reject(ctx context.Context, q models.Query, identity, narrative string) models.QueryResult {
	log := o.logger.With(
		zap.String("query_id", uuid.New().String()),
		zap.String("user", identity),
	)
	log.Info("Query turned away", zap.String("query", q.Text), zap.String("reason", narrative))

	result := failedResult(narrative)
	o.finish(ctx, q, identity, time.Now(), &result, log)
	return result
}

// finish records the attempt and stores the evidence set. It runs on a
// context detached from cancellation so an abandoned request is still logged.
func (o *Orchestrator) finish(ctx context.Context, q models.Query, identity string, start time.Time, result *models.QueryResult, log *zap.Logger) {
	dctx := context.WithoutCancel(ctx)

	entry, err := o.record(dctx, q, identity, *result, start)
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		log.Error("Failed to record audit entry", zap.Error(err))
		result.Status = models.StatusFailed
		result.Narrative = appendNotice(result.Narrative, NarrativeAuditNotice)
		result.AuditID = 0
	} else {
		result.AuditID = entry.ID
		o.storeEvidence(dctx, q, entry, result, log)
	}

	elapsed := time.Since(start)
	metrics.QueryDuration.WithLabelValues(string(result.Status)).Observe(elapsed.Seconds())
	metrics.QueryTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.ResultsCount.Observe(float64(len(result.Evidence)))

	log.Info("Query processed",
		zap.Int64("audit_id", result.AuditID),
		zap.String("status", string(result.Status)),
		zap.Int("results", len(result.Evidence)),
		zap.Any("sources_accessed", result.SourcesAccessed),
		zap.Duration("duration", elapsed),
	)
}

func (o *Orchestrator) record(ctx context.Context, q models.Query, identity string, result models.QueryResult, start time.Time) (entry models.AuditEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("audit recorder panicked: %v", r)
		}
	}()
	return o.recorder.Record(ctx, q, identity, result, start)
}

func (o *Orchestrator) storeEvidence(ctx context.Context, q models.Query, entry models.AuditEntry, result *models.QueryResult, log *zap.Logger) {
	if o.evidence == nil {
		return
	}

	ref := strconv.FormatInt(entry.ID, 10)
	set := models.EvidenceSet{
		Ref:       ref,
		AuditID:   entry.ID,
		Query:     q.Text,
		Narrative: result.Narrative,
		Evidence:  result.Evidence,
		CreatedAt: entry.Timestamp,
	}
	if err := o.evidence.Save(ctx, set); err != nil {
		log.Warn("Failed to store evidence set", zap.String("ref", ref), zap.Error(err))
		return
	}
	result.EvidenceRef = ref
}

func failedResult(narrative string) models.QueryResult {
	return models.QueryResult{
		Narrative:       narrative,
		Evidence:        []models.EvidenceItem{},
		Status:          models.StatusFailed,
		SourcesAccessed: []models.SourceID{},
		ToolsUsed:       []models.SourceID{},
	}
}

func faultResult(toolsUsed []models.SourceID) models.QueryResult {
	if toolsUsed == nil {
		toolsUsed = []models.SourceID{}
	}
	return models.QueryResult{
		Narrative:       NarrativeFault,
		Evidence:        []models.EvidenceItem{},
		Status:          models.StatusFailed,
		SourcesAccessed: []models.SourceID{},
		ToolsUsed:       toolsUsed,
	}
}

func appendNotice(narrative, notice string) string {
	if narrative == "" {
		return notice
	}
	return narrative + "\n\n" + notice
}
