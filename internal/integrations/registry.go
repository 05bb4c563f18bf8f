// Package integrations tracks which evidence sources are connected.
//
// The registry is seeded from a YAML file and can follow that file as it
// changes, so connections managed outside this service take effect without
// a restart. Queries only ever see copies.
package integrations

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/evidence-on-demand/backend/internal/metrics"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

var ErrUnknownIntegration = errors.New("unknown integration")

const reloadDebounce = 100 * time.Millisecond

type file struct {
	Integrations []models.Integration `yaml:"integrations"`
}

// Defaults is the catalogue used when no seed file exists: every supported
// source, none connected.
func Defaults() []models.Integration {
	return []models.Integration{
		{ID: models.SourceIssueTracker, Name: "Jira", Description: "Issues, tickets and their workflow status"},
		{ID: models.SourceCodeHost, Name: "GitHub", Description: "Pull requests, reviews and merge approvals"},
		{ID: models.SourceDocumentStore, Name: "Google Drive", Description: "Policies, runbooks and other documents"},
	}
}

type Registry struct {
	mu     sync.RWMutex
	items  []models.Integration
	path   string
	logger *zap.Logger
}

func NewRegistry(seed []models.Integration) *Registry {
	r := &Registry{logger: logger.With(zap.String("component", "integrations"))}
	r.replace(seed)
	return r
}

// Load reads the seed file at path. A missing file yields Defaults; the
// path is still remembered so Watch can pick the file up once it appears.
func Load(path string) (*Registry, error) {
	items, err := readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		r := NewRegistry(Defaults())
		r.path = path
		r.logger.Warn("Integrations file not found, using defaults", zap.String("path", path))
		return r, nil
	}
	if err != nil {
		return nil, err
	}

	r := NewRegistry(items)
	r.path = path
	r.logger.Info("Integrations loaded", zap.String("path", path), zap.Int("count", len(items)))
	return r, nil
}

func readFile(path string) ([]models.Integration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse integrations file %s", path)
	}

	seen := make(map[models.SourceID]bool, len(f.Integrations))
	for _, it := range f.Integrations {
		if it.ID == "" {
			return nil, errors.Newf("integrations file %s: entry without id", path)
		}
		if seen[it.ID] {
			return nil, errors.Newf("integrations file %s: duplicate id %q", path, it.ID)
		}
		seen[it.ID] = true
	}
	return f.Integrations, nil
}

func (r *Registry) replace(items []models.Integration) {
	copied := copyAll(items)

	r.mu.Lock()
	r.items = copied
	r.mu.Unlock()

	r.observe()
}

func (r *Registry) observe() {
	metrics.IntegrationsConnected.Set(float64(len(r.Connected())))
}

func (r *Registry) List() []models.Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyAll(r.items)
}

// Connected returns the connected integrations in registry order.
func (r *Registry) Connected() []models.Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.Integration{}
	for _, it := range r.items {
		if it.Connected {
			out = append(out, copyOne(it))
		}
	}
	return out
}

func (r *Registry) Get(id models.SourceID) (models.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, it := range r.items {
		if it.ID == id {
			return copyOne(it), nil
		}
	}
	return models.Integration{}, errors.Wrapf(ErrUnknownIntegration, "%q", id)
}

// SetConnected flips one integration. The change lasts until the seed file
// is next reloaded.
func (r *Registry) SetConnected(id models.SourceID, connected bool) error {
	r.mu.Lock()
	found := false
	for i := range r.items {
		if r.items[i].ID == id {
			r.items[i].Connected = connected
			found = true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return errors.Wrapf(ErrUnknownIntegration, "%q", id)
	}

	r.observe()
	r.logger.Info("Integration updated", zap.String("id", string(id)), zap.Bool("connected", connected))
	return nil
}

// Reload re-reads the seed file. On error the current state is kept.
func (r *Registry) Reload() error {
	if r.path == "" {
		return errors.New("registry has no seed file")
	}
	items, err := readFile(r.path)
	if err != nil {
		return err
	}
	r.replace(items)
	r.logger.Info("Integrations reloaded", zap.String("path", r.path), zap.Int("count", len(items)))
	return nil
}

// Watch reloads the registry whenever the seed file changes. It watches the
// parent directory so editors that replace the file are handled. Watch
// blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return errors.New("registry has no seed file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}

	target := filepath.Clean(r.path)
	r.logger.Info("Watching integrations file", zap.String("path", target))

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			trigger = timer.C

		case <-trigger:
			trigger = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("Integrations reload failed", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			r.logger.Error("Integrations watcher error", zap.Error(err))
		}
	}
}

func copyAll(items []models.Integration) []models.Integration {
	out := make([]models.Integration, len(items))
	for i, it := range items {
		out[i] = copyOne(it)
	}
	return out
}

func copyOne(it models.Integration) models.Integration {
	if it.Settings != nil {
		settings := make(map[string]string, len(it.Settings))
		for k, v := range it.Settings {
			settings[k] = v
		}
		it.Settings = settings
	}
	return it
}
