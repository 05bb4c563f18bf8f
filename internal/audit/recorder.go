// Package audit keeps the compliance log: one immutable entry per question
// asked, with a counter of completed exports.
//
// All writes go through a single worker goroutine owned by the Recorder.
// The worker assigns ids from a counter seeded with the highest stored id,
// so ids are unique and increasing, and export increments are applied one
// at a time so none is lost under concurrent callers.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

const AnonymousUser = "anonymous"

// Store persists audit entries. Implementations need not serialize writes;
// the Recorder guarantees a single writer.
type Store interface {
	Append(ctx context.Context, entry models.AuditEntry) error
	IncrementExports(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (models.AuditEntry, error)
	List(ctx context.Context, filter Filter) ([]models.AuditEntry, error)
	LastID(ctx context.Context) (int64, error)
	Close() error
}

type Config struct {
	// Buffer is the capacity of the pending write queue.
	Buffer int

	// Clock assigns entry timestamps. Defaults to time.Now.
	Clock func() time.Time
}

type opKind int

const (
	opRecord opKind = iota
	opIncrement
)

type op struct {
	kind  opKind
	ctx   context.Context
	entry models.AuditEntry
	id    int64
	reply chan opResult
}

type opResult struct {
	entry models.AuditEntry
	err   error
}

type Recorder struct {
	store   Store
	clock   func() time.Time
	ops     chan op
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	logger  *zap.Logger

	// lastID is owned by the worker goroutine.
	lastID int64
}

func NewRecorder(ctx context.Context, store Store, cfg Config) (*Recorder, error) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	last, err := store.LastID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load last audit id")
	}

	r := &Recorder{
		store:   store,
		clock:   cfg.Clock,
		ops:     make(chan op, cfg.Buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger.With(zap.String("component", "audit.recorder")),
		lastID:  last,
	}

	go r.worker()

	r.logger.Info("Audit recorder initialized", zap.Int64("last_id", last), zap.Int("buffer", cfg.Buffer))
	return r, nil
}

// Record persists one entry for a handled question and returns it with its
// assigned id and timestamp.
func (r *Recorder) Record(ctx context.Context, q models.Query, identity string, result models.QueryResult, start time.Time) (models.AuditEntry, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = AnonymousUser
	}

	entry := models.AuditEntry{
		User:      identity,
		Query:     q.Text,
		ToolsUsed: copySources(result.ToolsUsed),
		Status:    result.Status,
		Details: models.AuditDetails{
			ResultsCount:    len(result.Evidence),
			SourcesAccessed: copySources(result.SourcesAccessed),
		},
	}
	if !start.IsZero() {
		entry.Details.Duration = time.Since(start)
	}

	res, err := r.submit(ctx, op{kind: opRecord, ctx: ctx, entry: entry})
	if err != nil {
		return models.AuditEntry{}, &WriteError{Cause: err}
	}
	return res.entry, nil
}

// IncrementExport adds one to the export counter of entry id.
func (r *Recorder) IncrementExport(ctx context.Context, id int64) error {
	_, err := r.submit(ctx, op{kind: opIncrement, ctx: ctx, id: id})
	return err
}

func (r *Recorder) Get(ctx context.Context, id int64) (models.AuditEntry, error) {
	return r.store.Get(ctx, id)
}

func (r *Recorder) List(ctx context.Context, filter Filter) ([]models.AuditEntry, error) {
	filter.ApplyDefaults()
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return r.store.List(ctx, filter)
}

func (r *Recorder) submit(ctx context.Context, o op) (opResult, error) {
	o.reply = make(chan opResult, 1)

	select {
	case <-r.done:
		return opResult{}, ErrClosed
	default:
	}

	select {
	case r.ops <- o:
	case <-r.done:
		return opResult{}, ErrClosed
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}

	select {
	case res := <-o.reply:
		return res, res.err
	case <-r.stopped:
		// The worker may have replied just before stopping.
		select {
		case res := <-o.reply:
			return res, res.err
		default:
			return opResult{}, ErrClosed
		}
	}
}

// Close stops accepting writes, applies everything already queued, and
// returns once the worker has exited. It does not close the store.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.done)
		<-r.stopped
		r.logger.Info("Audit recorder stopped", zap.Int64("last_id", r.lastID))
	})
	return nil
}

func (r *Recorder) worker() {
	defer close(r.stopped)

	for {
		select {
		case o := <-r.ops:
			r.apply(o)
		case <-r.done:
			for {
				select {
				case o := <-r.ops:
					r.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) apply(o op) {
	switch o.kind {
	case opRecord:
		entry := o.entry
		entry.ID = r.lastID + 1
		entry.Timestamp = r.clock().UTC()

		if err := r.store.Append(o.ctx, entry); err != nil {
			r.logger.Error("Failed to append audit entry",
				zap.Int64("id", entry.ID),
				zap.String("user", entry.User),
				zap.Error(err),
			)
			o.reply <- opResult{err: err}
			return
		}

		r.lastID = entry.ID
		r.logger.Debug("Audit entry recorded",
			zap.Int64("id", entry.ID),
			zap.String("status", string(entry.Status)),
			zap.Int("results", entry.Details.ResultsCount),
		)
		o.reply <- opResult{entry: entry}

	case opIncrement:
		err := r.store.IncrementExports(o.ctx, o.id)
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			r.logger.Error("Failed to increment export count", zap.Int64("id", o.id), zap.Error(err))
		}
		o.reply <- opResult{err: err}
	}
}

func copySources(in []models.SourceID) []models.SourceID {
	out := make([]models.SourceID, len(in))
	copy(out, in)
	return out
}
