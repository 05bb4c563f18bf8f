package audit

import (
	"time"

	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects audit entries. Zero values match everything. Results are
// ordered newest first.
type Filter struct {
	From   *time.Time
	To     *time.Time
	User   string
	Tool   models.SourceID
	Status models.Status
	Limit  int
	Offset int
}

func (f *Filter) Validate() error {
	if f.Limit < 0 {
		return errors.Wrapf(ErrInvalidFilter, "limit must be >= 0, got %d", f.Limit)
	}
	if f.Limit > MaxLimit {
		return errors.Wrapf(ErrInvalidFilter, "limit must be <= %d, got %d", MaxLimit, f.Limit)
	}
	if f.Offset < 0 {
		return errors.Wrapf(ErrInvalidFilter, "offset must be >= 0, got %d", f.Offset)
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return errors.Wrap(ErrInvalidFilter, "from must not be after to")
	}
	if f.Status != "" && !f.Status.Valid() {
		return errors.Wrapf(ErrInvalidFilter, "unknown status %q", f.Status)
	}
	return nil
}

func (f *Filter) ApplyDefaults() {
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
}

// Matches reports whether entry satisfies every set criterion.
func (f *Filter) Matches(entry models.AuditEntry) bool {
	if f.From != nil && entry.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && entry.Timestamp.After(*f.To) {
		return false
	}
	if f.User != "" && entry.User != f.User {
		return false
	}
	if f.Status != "" && entry.Status != f.Status {
		return false
	}
	if f.Tool != "" {
		found := false
		for _, t := range entry.ToolsUsed {
			if t == f.Tool {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
