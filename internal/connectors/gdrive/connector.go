// Package gdrive implements the document store connector against Google
// Drive full-text search.
package gdrive

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

const listFields = "files(id,name,mimeType,modifiedTime,webViewLink,owners(displayName,emailAddress))"

type Config struct {
	APIKey      string
	AccessToken string
	FolderID    string
	MaxResults  int
	Endpoint    string
}

type Connector struct {
	cfg    Config
	svc    *drive.Service
	logger *zap.Logger
}

func New(ctx context.Context, cfg Config) (*Connector, error) {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}

	var opts []option.ClientOption
	switch {
	case cfg.AccessToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})
		opts = append(opts, option.WithTokenSource(ts))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	default:
		return nil, fmt.Errorf("drive connector requires an access token or api key")
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return &Connector{
		cfg:    cfg,
		svc:    svc,
		logger: logger.With(zap.String("component", "connector.gdrive")),
	}, nil
}

func (c *Connector) ID() models.SourceID {
	return models.SourceDocumentStore
}

func (c *Connector) Fetch(ctx context.Context, q models.Query) ([]models.EvidenceItem, error) {
	terms := connectors.ExtractTerms(q.Text)
	query := c.buildQuery(terms)

	resp, err := c.svc.Files.List().
		Q(query).
		PageSize(int64(c.cfg.MaxResults)).
		Fields(googleapi.Field(listFields)).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapError(err)
	}

	c.logger.Debug("Drive search completed",
		zap.String("q", query),
		zap.Int("files", len(resp.Files)),
	)

	var items []models.EvidenceItem
	for i, f := range resp.Files {
		items = append(items, fileEvidence(i+1, f)...)
	}
	return items, nil
}

func (c *Connector) buildQuery(terms connectors.Terms) string {
	clauses := []string{"trashed = false"}
	if c.cfg.FolderID != "" {
		clauses = append(clauses, fmt.Sprintf("'%s' in parents", escape(c.cfg.FolderID)))
	}

	words := append([]string{}, terms.IssueKeys...)
	words = append(words, terms.Keywords...)
	if len(words) > 0 {
		var text []string
		for _, w := range words {
			text = append(text, fmt.Sprintf("fullText contains '%s'", escape(w)))
		}
		clauses = append(clauses, "("+strings.Join(text, " or ")+")")
	}
	return strings.Join(clauses, " and ")
}

func fileEvidence(n int, f *drive.File) []models.EvidenceItem {
	item := func(name, value string) models.EvidenceItem {
		return models.EvidenceItem{
			Field:  fmt.Sprintf("doc_%d_%s", n, name),
			Value:  value,
			Source: models.SourceDocumentStore,
			Link:   f.WebViewLink,
		}
	}

	owner := "unknown"
	if len(f.Owners) > 0 {
		owner = f.Owners[0].DisplayName
		if owner == "" {
			owner = f.Owners[0].EmailAddress
		}
	}

	return []models.EvidenceItem{
		item("title", f.Name),
		item("modified", f.ModifiedTime),
		item("owner", owner),
	}
}

func wrapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return connectors.FromStatus(models.SourceDocumentStore, gerr.Code, fmt.Errorf("list files: %s", gerr.Message))
	}
	return connectors.NewError(models.SourceDocumentStore, connectors.Classify(err), fmt.Errorf("list files: %w", err))
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
