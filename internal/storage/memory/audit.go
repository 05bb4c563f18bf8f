package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/evidence-on-demand/backend/internal/audit"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
)

// AuditStore keeps audit entries in process memory. Entries are lost on
// restart, so it is meant for development and tests.
type AuditStore struct {
	mu      sync.RWMutex
	entries map[int64]models.AuditEntry
	closed  bool
}

func NewAuditStore() *AuditStore {
	return &AuditStore{entries: make(map[int64]models.AuditEntry)}
}

func (s *AuditStore) Append(_ context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return audit.NewStoreError("memory", "append", errors.New("store closed"))
	}
	if _, exists := s.entries[entry.ID]; exists {
		return audit.NewStoreError("memory", "append", errors.Newf("duplicate entry id %d", entry.ID))
	}
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *AuditStore) IncrementExports(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return audit.ErrEntryNotFound
	}
	entry.Exports++
	s.entries[id] = entry
	return nil
}

func (s *AuditStore) Get(_ context.Context, id int64) (models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return models.AuditEntry{}, audit.ErrEntryNotFound
	}
	return cloneEntry(entry), nil
}

func (s *AuditStore) List(_ context.Context, filter audit.Filter) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.AuditEntry
	for _, entry := range s.entries {
		if filter.Matches(entry) {
			matched = append(matched, cloneEntry(entry))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	if filter.Offset >= len(matched) {
		return []models.AuditEntry{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *AuditStore) LastID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for id := range s.entries {
		if id > last {
			last = id
		}
	}
	return last, nil
}

func (s *AuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneEntry(e models.AuditEntry) models.AuditEntry {
	e.ToolsUsed = append([]models.SourceID(nil), e.ToolsUsed...)
	e.Details.SourcesAccessed = append([]models.SourceID(nil), e.Details.SourcesAccessed...)
	return e
}
