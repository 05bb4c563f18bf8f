package query

import (
	"context"

	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
)

var (
	// ErrValidation marks a question rejected before any source was consulted.
	ErrValidation = errors.New("query: validation failed")

	// ErrEvidenceNotFound is returned when an evidence reference is unknown or expired.
	ErrEvidenceNotFound = errors.New("query: evidence set not found")
)

// EvidenceStore keeps answered evidence sets so they can be exported later
// by reference.
type EvidenceStore interface {
	Save(ctx context.Context, set models.EvidenceSet) error
	Load(ctx context.Context, ref string) (models.EvidenceSet, error)
}

// Validate checks the question text. maxLength is in runes; zero disables the limit.
func Validate(q models.Query, maxLength int) error {
	if q.Blank() {
		return errors.WithHint(ErrValidation, NarrativeValidation)
	}
	if maxLength > 0 && len([]rune(q.Text)) > maxLength {
		return errors.WithHint(errors.Wrapf(ErrValidation, "query exceeds %d characters", maxLength), NarrativeTooLong)
	}
	return nil
}
