package export

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/metrics"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
	"github.com/evidence-on-demand/backend/pkg/utils"
)

// Renderer turns evidence into an artifact. *Generator is the production
// implementation.
type Renderer interface {
	Generate(evidence []models.EvidenceItem, req models.ExportRequest, question, narrative string, generatedAt time.Time) (models.ExportArtifact, error)
}

type EvidenceLoader interface {
	Load(ctx context.Context, ref string) (models.EvidenceSet, error)
}

type ExportCounter interface {
	IncrementExport(ctx context.Context, id int64) error
}

type Service struct {
	renderer Renderer
	evidence EvidenceLoader
	counter  ExportCounter
	clock    func() time.Time
	logger   *zap.Logger
}

func NewService(renderer Renderer, evidence EvidenceLoader, counter ExportCounter, clock func() time.Time) *Service {
	if renderer == nil {
		renderer = NewGenerator()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		renderer: renderer,
		evidence: evidence,
		counter:  counter,
		clock:    clock,
		logger:   logger.With(zap.String("component", "export")),
	}
}

type renderResult struct {
	artifact models.ExportArtifact
	err      error
}

// Export renders the evidence set stored under ref. Rendering runs on its
// own goroutine; if ctx ends first the export is abandoned and not counted.
// The originating audit entry's export counter is incremented only after
// the artifact is complete.
func (s *Service) Export(ctx context.Context, ref string, req models.ExportRequest) (models.ExportArtifact, error) {
	format := string(req.Format)

	if err := CheckFormat(req.Format); err != nil {
		metrics.ExportsTotal.WithLabelValues(format, "unsupported").Inc()
		return models.ExportArtifact{}, err
	}

	set, err := s.evidence.Load(ctx, ref)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues(format, "not_found").Inc()
		return models.ExportArtifact{}, err
	}

	generatedAt := s.clock().UTC()
	done := make(chan renderResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- renderResult{err: errors.Newf("export renderer panicked: %v", r)}
			}
		}()
		artifact, err := s.renderer.Generate(set.Evidence, req, set.Query, set.Narrative, generatedAt)
		done <- renderResult{artifact: artifact, err: err}
	}()

	var res renderResult
	select {
	case <-ctx.Done():
		metrics.ExportsTotal.WithLabelValues(format, "cancelled").Inc()
		s.logger.Info("Export abandoned", zap.String("ref", ref), zap.Error(ctx.Err()))
		return models.ExportArtifact{}, ctx.Err()
	case res = <-done:
	}

	if res.err != nil {
		metrics.ExportsTotal.WithLabelValues(format, "failed").Inc()
		return models.ExportArtifact{}, res.err
	}
	if err := ctx.Err(); err != nil {
		metrics.ExportsTotal.WithLabelValues(format, "cancelled").Inc()
		return models.ExportArtifact{}, err
	}

	if err := s.counter.IncrementExport(context.WithoutCancel(ctx), set.AuditID); err != nil {
		metrics.ExportsTotal.WithLabelValues(format, "audit_failed").Inc()
		s.logger.Error("Failed to count export", zap.String("ref", ref), zap.Int64("audit_id", set.AuditID), zap.Error(err))
		return models.ExportArtifact{}, errors.Wrapf(err, "count export for audit entry %d", set.AuditID)
	}

	res.artifact.Filename = Filename(ref, req.Format, generatedAt)

	metrics.ExportsTotal.WithLabelValues(format, "ok").Inc()
	s.logger.Info("Export completed",
		zap.String("ref", ref),
		zap.Int64("audit_id", set.AuditID),
		zap.String("format", format),
		zap.Int("bytes", len(res.artifact.Bytes)),
		zap.String("digest", utils.Digest(res.artifact.Bytes)),
		zap.String("filename", res.artifact.Filename),
	)
	return res.artifact, nil
}

// ContentDisposition is the attachment header value for an artifact.
func ContentDisposition(a models.ExportArtifact) string {
	return fmt.Sprintf("attachment; filename=%q", a.Filename)
}
