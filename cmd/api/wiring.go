package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/audit"
	"github.com/evidence-on-demand/backend/internal/cache/redis"
	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/connectors/gdrive"
	"github.com/evidence-on-demand/backend/internal/connectors/github"
	"github.com/evidence-on-demand/backend/internal/connectors/jira"
	"github.com/evidence-on-demand/backend/internal/export"
	"github.com/evidence-on-demand/backend/internal/integrations"
	"github.com/evidence-on-demand/backend/internal/llm"
	"github.com/evidence-on-demand/backend/internal/query"
	"github.com/evidence-on-demand/backend/internal/storage/memory"
	"github.com/evidence-on-demand/backend/internal/storage/sqlite"
	"github.com/evidence-on-demand/backend/pkg/config"
	appLogger "github.com/evidence-on-demand/backend/pkg/logger"
)

// components is everything a command may need, built from one config.
type components struct {
	recorder     *audit.Recorder
	evidence     query.EvidenceStore
	registry     *integrations.Registry
	orchestrator *query.Orchestrator
	exporter     *export.Service

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			appLogger.Warn("Failed to release resource", zap.Error(err))
		}
	}
	c.closers = nil
}

func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}

	store, err := openAuditStore(cfg)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, store.Close)

	c.recorder, err = audit.NewRecorder(ctx, store, audit.Config{Buffer: cfg.Audit.Buffer})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to start audit recorder: %w", err)
	}
	c.closers = append(c.closers, c.recorder.Close)

	var release func() error
	c.evidence, release, err = openEvidenceStore(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.closers = append(c.closers, release)

	c.registry, err = integrations.Load(cfg.Integrations.File)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to load integrations: %w", err)
	}

	catalog := connectors.NewCatalog(buildConnectors(ctx, cfg)...)
	aggregator := query.NewAggregator(buildSummarizer(cfg), cfg.Query.ConnectorTimeoutDuration())
	c.orchestrator = query.NewOrchestrator(aggregator, catalog, c.recorder, c.evidence, query.Config{
		Timeout:   cfg.Query.TimeoutDuration(),
		MaxLength: cfg.Query.MaxLength,
	})

	c.exporter = export.NewService(export.NewGenerator(), c.evidence, c.recorder, nil)

	return c, nil
}

func openAuditStore(cfg *config.Config) (audit.Store, error) {
	switch cfg.Audit.Backend {
	case "memory":
		appLogger.Warn("Audit log is in memory and will not survive a restart")
		return memory.NewAuditStore(), nil
	default:
		client, err := sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite client: %w", err)
		}
		if err := client.InitSchema(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return client, nil
	}
}

func openEvidenceStore(cfg *config.Config) (query.EvidenceStore, func() error, error) {
	switch cfg.Evidence.Backend {
	case "redis":
		client, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Evidence.TTL())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return client, client.Close, nil
	default:
		store := memory.NewEvidenceStore(cfg.Evidence.TTL())
		if err := store.Start(cfg.Evidence.PruneSchedule); err != nil {
			return nil, nil, fmt.Errorf("failed to schedule evidence pruning: %w", err)
		}
		return store, func() error {
			store.Stop()
			return nil
		}, nil
	}
}

// buildConnectors returns a connector for every source with enough
// configuration to reach it. Misconfigured sources are logged and skipped.
// A connected integration with no connector is left out of the query; if
// none remain the answer says the sources are not configured.
func buildConnectors(ctx context.Context, cfg *config.Config) []connectors.Connector {
	var conns []connectors.Connector

	if cfg.Jira.BaseURL != "" {
		conn, err := jira.New(jira.Config{
			BaseURL:       cfg.Jira.BaseURL,
			Email:         cfg.Jira.Email,
			APIToken:      cfg.Jira.APIToken,
			Project:       cfg.Jira.Project,
			MaxResults:    cfg.Jira.MaxResults,
			ApproverField: cfg.Jira.ApproverField,
		})
		if err != nil {
			appLogger.Warn("Jira connector disabled", zap.Error(err))
		} else {
			conns = append(conns, conn)
		}
	}

	if cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		conn, err := github.New(github.Config{
			Token:             cfg.GitHub.Token,
			Owner:             cfg.GitHub.Owner,
			Repo:              cfg.GitHub.Repo,
			MaxPulls:          cfg.GitHub.MaxPulls,
			Reviewer:          cfg.GitHub.Reviewer,
			RequiredApprovals: cfg.GitHub.RequiredApprovals,
		})
		if err != nil {
			appLogger.Warn("GitHub connector disabled", zap.Error(err))
		} else {
			conns = append(conns, conn)
		}
	}

	if cfg.GDrive.AccessToken != "" || cfg.GDrive.APIKey != "" {
		conn, err := gdrive.New(ctx, gdrive.Config{
			APIKey:      cfg.GDrive.APIKey,
			AccessToken: cfg.GDrive.AccessToken,
			FolderID:    cfg.GDrive.FolderID,
			MaxResults:  cfg.GDrive.MaxResults,
		})
		if err != nil {
			appLogger.Warn("Google Drive connector disabled", zap.Error(err))
		} else {
			conns = append(conns, conn)
		}
	}

	appLogger.Info("Connectors configured", zap.Int("count", len(conns)))
	return conns
}

func buildSummarizer(cfg *config.Config) query.Summarizer {
	if cfg.LLM.APIKey == "" {
		appLogger.Info("No LLM API key configured, using template narratives")
		return query.NewTemplateSummarizer()
	}
	return llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})
}
