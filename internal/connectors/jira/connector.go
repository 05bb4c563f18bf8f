// Package jira implements the issue tracker connector against the Jira
// REST API.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/metrics"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/circuitbreaker"
	"github.com/evidence-on-demand/backend/pkg/errors"
	"github.com/evidence-on-demand/backend/pkg/logger"
	"github.com/evidence-on-demand/backend/pkg/retry"
)

const maxDescriptionLen = 280

type Config struct {
	BaseURL       string
	Email         string
	APIToken      string
	Project       string
	MaxResults    int
	// ApproverField is the custom field holding approvers, for example
	// "customfield_10003". Empty disables approver evidence.
	ApproverField string
}

type Connector struct {
	cfg         Config
	httpClient  *http.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	logger      *zap.Logger
}

type searchResponse struct {
	Total  int     `json:"total"`
	Issues []issue `json:"issues"`
}

type issue struct {
	Key            string      `json:"key"`
	Fields         issueFields `json:"fields"`
	RenderedFields struct {
		Description string `json:"description"`
	} `json:"renderedFields"`
}

type issueFields struct {
	Summary    string `json:"summary"`
	Status     *named `json:"status"`
	Assignee   *user  `json:"assignee"`
	Reporter   *user  `json:"reporter"`
	Resolution *named `json:"resolution"`
	Priority   *named `json:"priority"`
	Updated    string `json:"updated"`

	// custom keeps every field so site-specific ones can be read by name.
	custom map[string]json.RawMessage
}

func (f *issueFields) UnmarshalJSON(data []byte) error {
	type plain issueFields
	if err := json.Unmarshal(data, (*plain)(f)); err != nil {
		return err
	}
	return json.Unmarshal(data, &f.custom)
}

type named struct {
	Name string `json:"name"`
}

type user struct {
	DisplayName string `json:"displayName"`
}

func New(cfg Config) (*Connector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jira connector requires a base url")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}

	log := logger.With(zap.String("component", "connector.jira"))

	cb := circuitbreaker.NewCircuitBreaker("jira", circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, connectors.ErrNotFound) && !errors.Is(err, context.Canceled)
		},
		OnStateChange: metrics.RecordBreakerState,
		Logger:        log,
	})

	retryConfig := retry.Config{
		MaxAttempts:     2,
		InitialDelay:    250 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      2.0,
		JitterFraction:  0.1,
		RetryableErrors: []error{connectors.ErrUnavailable},
		Logger:          log,
	}

	return &Connector{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		cb:          cb,
		retryConfig: retryConfig,
		logger:      log,
	}, nil
}

func (c *Connector) ID() models.SourceID {
	return models.SourceIssueTracker
}

func (c *Connector) Fetch(ctx context.Context, q models.Query) ([]models.EvidenceItem, error) {
	jql := c.buildJQL(connectors.ExtractTerms(q.Text))

	var result *searchResponse
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			var err error
			result, err = c.search(ctx, jql)
			return err
		})
	})
	if err != nil {
		if circuitbreaker.Rejected(err) {
			return nil, connectors.NewError(models.SourceIssueTracker, connectors.ErrUnavailable, err)
		}
		return nil, err
	}

	c.logger.Debug("Jira search completed",
		zap.String("jql", jql),
		zap.Int("total", result.Total),
		zap.Int("returned", len(result.Issues)),
	)

	var items []models.EvidenceItem
	for _, is := range result.Issues {
		items = append(items, c.issueEvidence(is)...)
	}
	return items, nil
}

func (c *Connector) buildJQL(terms connectors.Terms) string {
	var clauses []string
	if c.cfg.Project != "" {
		clauses = append(clauses, fmt.Sprintf("project = %q", c.cfg.Project))
	}

	switch {
	case len(terms.IssueKeys) > 0:
		clauses = append(clauses, fmt.Sprintf("key in (%s)", strings.Join(terms.IssueKeys, ", ")))
	case len(terms.Keywords) > 0:
		clauses = append(clauses, fmt.Sprintf("text ~ %q", strings.Join(terms.Keywords, " ")))
	}

	jql := strings.Join(clauses, " AND ")
	if jql == "" {
		return "ORDER BY updated DESC"
	}
	return jql + " ORDER BY updated DESC"
}

func (c *Connector) search(ctx context.Context, jql string) (*searchResponse, error) {
	params := url.Values{}
	params.Set("jql", jql)
	params.Set("maxResults", fmt.Sprintf("%d", c.cfg.MaxResults))
	fields := "summary,status,assignee,reporter,resolution,priority,updated"
	if c.cfg.ApproverField != "" {
		fields += "," + c.cfg.ApproverField
	}
	params.Set("fields", fields)
	params.Set("expand", "renderedFields")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/rest/api/2/search?"+params.Encode(), nil)
	if err != nil {
		return nil, connectors.NewError(models.SourceIssueTracker, connectors.ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Email != "" || c.cfg.APIToken != "" {
		req.SetBasicAuth(c.cfg.Email, c.cfg.APIToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, connectors.NewError(models.SourceIssueTracker, connectors.Classify(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, connectors.FromStatus(models.SourceIssueTracker, resp.StatusCode,
			fmt.Errorf("search issues: %s", strings.TrimSpace(string(body))))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, connectors.NewError(models.SourceIssueTracker, connectors.ErrUnavailable,
			fmt.Errorf("decode search response: %w", err))
	}
	return &result, nil
}

func (c *Connector) issueEvidence(is issue) []models.EvidenceItem {
	link := c.cfg.BaseURL + "/browse/" + is.Key
	item := func(name, value string) models.EvidenceItem {
		return models.EvidenceItem{
			Field:  is.Key + "_" + name,
			Value:  value,
			Source: models.SourceIssueTracker,
			Link:   link,
		}
	}

	items := []models.EvidenceItem{
		item("summary", is.Fields.Summary),
		item("status", nameOf(is.Fields.Status)),
		item("assignee", displayName(is.Fields.Assignee, "unassigned")),
		item("reporter", displayName(is.Fields.Reporter, "unknown")),
		item("resolution", nameOf(is.Fields.Resolution)),
	}
	if c.cfg.ApproverField != "" {
		items = append(items, item("approver", approvers(is.Fields.custom[c.cfg.ApproverField])))
	}
	if is.Fields.Priority != nil {
		items = append(items, item("priority", is.Fields.Priority.Name))
	}
	if is.Fields.Updated != "" {
		items = append(items, item("updated", is.Fields.Updated))
	}
	if text := htmlToText(is.RenderedFields.Description); text != "" {
		items = append(items, item("description", truncate(text, maxDescriptionLen)))
	}
	return items
}

// htmlToText flattens Jira's rendered HTML into a single line of text.
func htmlToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func nameOf(n *named) string {
	if n == nil || n.Name == "" {
		return "none"
	}
	return n.Name
}

// approvers reads a user picker field, single or multi, or a plain text
// field.
func approvers(raw json.RawMessage) string {
	var many []user
	if err := json.Unmarshal(raw, &many); err == nil {
		var names []string
		for _, u := range many {
			if u.DisplayName != "" {
				names = append(names, u.DisplayName)
			}
		}
		if len(names) > 0 {
			return strings.Join(names, ", ")
		}
		return "none"
	}

	var one user
	if err := json.Unmarshal(raw, &one); err == nil && one.DisplayName != "" {
		return one.DisplayName
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	return "none"
}

func displayName(u *user, fallback string) string {
	if u == nil || u.DisplayName == "" {
		return fallback
	}
	return u.DisplayName
}
