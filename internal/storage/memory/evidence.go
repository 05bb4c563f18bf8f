package memory

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/metrics"
	"github.com/evidence-on-demand/backend/internal/query"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

type storedSet struct {
	set       models.EvidenceSet
	expiresAt time.Time
}

// EvidenceStore holds evidence sets in memory until their TTL passes.
// Expired sets are invisible to Load and removed by Prune, which Start
// schedules with a cron expression.
type EvidenceStore struct {
	mu     sync.RWMutex
	sets   map[string]storedSet
	ttl    time.Duration
	now    func() time.Time
	cron   *cron.Cron
	logger *zap.Logger
}

func NewEvidenceStore(ttl time.Duration) *EvidenceStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EvidenceStore{
		sets:   make(map[string]storedSet),
		ttl:    ttl,
		now:    time.Now,
		cron:   cron.New(),
		logger: logger.With(zap.String("component", "evidence.memory")),
	}
}

func (s *EvidenceStore) Save(_ context.Context, set models.EvidenceSet) error {
	if set.Ref == "" {
		return errors.New("evidence set has no reference")
	}
	set.Evidence = append([]models.EvidenceItem(nil), set.Evidence...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[set.Ref] = storedSet{set: set, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *EvidenceStore) Load(_ context.Context, ref string) (models.EvidenceSet, error) {
	s.mu.RLock()
	stored, ok := s.sets[ref]
	s.mu.RUnlock()

	if !ok || !s.now().Before(stored.expiresAt) {
		metrics.CacheMisses.WithLabelValues("memory").Inc()
		return models.EvidenceSet{}, query.ErrEvidenceNotFound
	}

	metrics.CacheHits.WithLabelValues("memory").Inc()
	set := stored.set
	set.Evidence = append([]models.EvidenceItem(nil), set.Evidence...)
	return set, nil
}

// Prune deletes expired sets and returns how many were removed.
func (s *EvidenceStore) Prune() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for ref, stored := range s.sets {
		if !now.Before(stored.expiresAt) {
			delete(s.sets, ref)
			removed++
		}
	}
	return removed
}

// Start schedules Prune on a standard five-field cron expression.
func (s *EvidenceStore) Start(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return errors.Wrapf(err, "invalid prune schedule %q", schedule)
	}

	_, err := s.cron.AddFunc(schedule, func() {
		if removed := s.Prune(); removed > 0 {
			s.logger.Info("Pruned expired evidence sets", zap.Int("removed", removed))
		}
	})
	if err != nil {
		return errors.Wrap(err, "schedule evidence pruning")
	}

	s.cron.Start()
	s.logger.Info("Evidence pruning scheduled", zap.String("schedule", schedule), zap.Duration("ttl", s.ttl))
	return nil
}

// Stop halts scheduled pruning and waits for a running prune to finish.
func (s *EvidenceStore) Stop() {
	<-s.cron.Stop().Done()
}

func (s *EvidenceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets)
}
