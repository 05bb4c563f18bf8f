// Package github implements the code host connector. It answers questions
// about pull requests: who merged them, who approved them, and which ones
// bypassed review.
package github

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/logger"
)

const (
	reviewApproved = "APPROVED"
	reviewPending  = "PENDING"
	reviewComment  = "COMMENTED"

	defaultWindowDays = 7
	staleReviewAfter  = 24 * time.Hour
)

type Config struct {
	Token             string
	Owner             string
	Repo              string
	MaxPulls          int
	Reviewer          string
	RequiredApprovals int
	BaseURL           string
	RequestsPerSecond float64
}

type Connector struct {
	cfg    Config
	client *client
	now    func() time.Time
	logger *zap.Logger
}

func New(cfg Config) (*Connector, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github connector requires owner and repo")
	}
	if cfg.MaxPulls <= 0 || cfg.MaxPulls > 100 {
		cfg.MaxPulls = 30
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 1
	}

	c, err := newClient(cfg.Token, cfg.BaseURL, NewRateLimiter(cfg.RequestsPerSecond, 10))
	if err != nil {
		return nil, err
	}

	return &Connector{
		cfg:    cfg,
		client: c,
		now:    time.Now,
		logger: logger.With(zap.String("component", "connector.github")),
	}, nil
}

func (c *Connector) ID() models.SourceID {
	return models.SourceCodeHost
}

// Fetch returns per-PR facts when the question names pull requests, and
// repository-wide review compliance facts otherwise.
func (c *Connector) Fetch(ctx context.Context, q models.Query) ([]models.EvidenceItem, error) {
	terms := connectors.ExtractTerms(q.Text)
	if len(terms.PullNumbers) > 0 {
		return c.fetchPulls(ctx, terms.PullNumbers)
	}
	return c.fetchCompliance(ctx, terms)
}

func (c *Connector) fetchPulls(ctx context.Context, numbers []int) ([]models.EvidenceItem, error) {
	var items []models.EvidenceItem
	for _, n := range numbers {
		pr, err := c.client.getPull(ctx, c.cfg.Owner, c.cfg.Repo, n)
		if err != nil {
			return nil, err
		}
		reviews, err := c.client.listReviews(ctx, c.cfg.Owner, c.cfg.Repo, n)
		if err != nil {
			return nil, err
		}
		items = append(items, c.pullEvidence(pr, reviews)...)
	}

	c.logger.Debug("Pull request evidence collected",
		zap.Ints("pulls", numbers),
		zap.Int("items", len(items)),
	)
	return items, nil
}

func (c *Connector) pullEvidence(pr *gh.PullRequest, reviews []*gh.PullRequestReview) []models.EvidenceItem {
	n := pr.GetNumber()
	link := pr.GetHTMLURL()
	approvers, approvalLinks := approvals(reviews)
	merged := pr.GetMerged() || !pr.GetMergedAt().IsZero()

	field := func(name string) string {
		return fmt.Sprintf("pr_%d_%s", n, name)
	}
	item := func(name, value string) models.EvidenceItem {
		return models.EvidenceItem{Field: field(name), Value: value, Source: models.SourceCodeHost, Link: link}
	}

	items := []models.EvidenceItem{
		item("title", pr.GetTitle()),
		item("state", pr.GetState()),
		item("author", pr.GetUser().GetLogin()),
		item("merged", strconv.FormatBool(merged)),
	}
	if merged {
		items = append(items,
			item("merged_by", pr.GetMergedBy().GetLogin()),
			item("merged_at", pr.GetMergedAt().UTC().Format(time.RFC3339)),
		)
	}

	items = append(items,
		item("approvals", strconv.Itoa(len(approvers))),
		item("required_approvals", strconv.Itoa(c.cfg.RequiredApprovals)),
		item("approvers", joinOrNone(approvers)),
	)

	evidence := item("approval_evidence", "none")
	if len(approvalLinks) > 0 {
		evidence.Value = strings.Join(approvalLinks, " ")
		evidence.Link = approvalLinks[0]
	}
	items = append(items, evidence)

	if merged {
		items = append(items, item("admin_override", strconv.FormatBool(len(approvers) < c.cfg.RequiredApprovals)))
	}
	return items
}

type pullFacts struct {
	mergedWithoutApproval []int
	waitingReview         []int
	mergedInWindow        int
	reviewedBy            map[string]int
}

func (c *Connector) fetchCompliance(ctx context.Context, terms connectors.Terms) ([]models.EvidenceItem, error) {
	prs, err := c.client.listPulls(ctx, c.cfg.Owner, c.cfg.Repo, c.cfg.MaxPulls)
	if err != nil {
		return nil, err
	}

	window := terms.WindowDays
	if window <= 0 {
		window = defaultWindowDays
	}
	now := c.now()
	since := now.AddDate(0, 0, -window)

	reviewers := terms.Reviewers
	if c.cfg.Reviewer != "" {
		reviewers = append(reviewers, c.cfg.Reviewer)
	}

	facts := pullFacts{reviewedBy: make(map[string]int)}
	for _, r := range reviewers {
		facts.reviewedBy[strings.ToLower(r)] = 0
	}

	for _, pr := range prs {
		mergedAt := pr.GetMergedAt()
		merged := !mergedAt.IsZero()
		open := pr.GetState() == "open" && !pr.GetDraft()
		stale := open && now.Sub(pr.GetCreatedAt().Time) > staleReviewAfter

		if merged && mergedAt.After(since) {
			facts.mergedInWindow++
		}
		if !merged && !stale && len(facts.reviewedBy) == 0 {
			continue
		}

		reviews, err := c.client.listReviews(ctx, c.cfg.Owner, c.cfg.Repo, pr.GetNumber())
		if err != nil {
			return nil, err
		}

		approvers, _ := approvals(reviews)
		if merged && len(approvers) == 0 {
			facts.mergedWithoutApproval = append(facts.mergedWithoutApproval, pr.GetNumber())
		}
		if stale && countSubmitted(reviews) == 0 {
			facts.waitingReview = append(facts.waitingReview, pr.GetNumber())
		}
		for login := range reviewerSet(reviews) {
			if _, tracked := facts.reviewedBy[login]; tracked {
				facts.reviewedBy[login]++
			}
		}
	}

	c.logger.Debug("Repository review facts collected",
		zap.Int("pulls_scanned", len(prs)),
		zap.Int("merged_without_approval", len(facts.mergedWithoutApproval)),
		zap.Int("waiting_review", len(facts.waitingReview)),
	)

	return c.complianceEvidence(facts, window), nil
}

func (c *Connector) complianceEvidence(f pullFacts, window int) []models.EvidenceItem {
	repoURL := fmt.Sprintf("https://github.com/%s/%s", c.cfg.Owner, c.cfg.Repo)
	pullsURL := repoURL + "/pulls"

	item := func(field, value, link string) models.EvidenceItem {
		return models.EvidenceItem{Field: field, Value: value, Source: models.SourceCodeHost, Link: link}
	}

	items := []models.EvidenceItem{
		item("repository", c.cfg.Owner+"/"+c.cfg.Repo, repoURL),
		item("prs_merged_without_approval", strconv.Itoa(len(f.mergedWithoutApproval)), pullsURL+"?q=is%3Apr+is%3Amerged+review%3Anone"),
	}
	if len(f.mergedWithoutApproval) > 0 {
		items = append(items, item("prs_merged_without_approval_ids", formatNumbers(f.mergedWithoutApproval), pullsURL))
	}
	items = append(items,
		item("prs_waiting_review_over_24h", strconv.Itoa(len(f.waitingReview)), pullsURL+"?q=is%3Apr+is%3Aopen+review%3Arequired"),
	)
	if len(f.waitingReview) > 0 {
		items = append(items, item("prs_waiting_review_over_24h_ids", formatNumbers(f.waitingReview), pullsURL))
	}
	items = append(items,
		item(fmt.Sprintf("prs_merged_last_%d_days", window), strconv.Itoa(f.mergedInWindow), pullsURL+"?q=is%3Apr+is%3Amerged"),
	)

	logins := make([]string, 0, len(f.reviewedBy))
	for login := range f.reviewedBy {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	for _, login := range logins {
		items = append(items, item("prs_reviewed_by_"+login, strconv.Itoa(f.reviewedBy[login]),
			pullsURL+"?q=is%3Apr+reviewed-by%3A"+login))
	}
	return items
}

// approvals returns the sorted logins whose latest decisive review is an
// approval, and links to those reviews.
func approvals(reviews []*gh.PullRequestReview) ([]string, []string) {
	latest := make(map[string]*gh.PullRequestReview)
	for _, r := range reviews {
		state := r.GetState()
		if state == reviewPending || state == reviewComment {
			continue
		}
		latest[strings.ToLower(r.GetUser().GetLogin())] = r
	}

	var logins []string
	for login, r := range latest {
		if r.GetState() == reviewApproved {
			logins = append(logins, login)
		}
	}
	sort.Strings(logins)

	links := make([]string, 0, len(logins))
	for _, login := range logins {
		if u := latest[login].GetHTMLURL(); u != "" {
			links = append(links, u)
		}
	}
	return logins, links
}

func reviewerSet(reviews []*gh.PullRequestReview) map[string]struct{} {
	set := make(map[string]struct{})
	for _, r := range reviews {
		if r.GetState() == reviewPending {
			continue
		}
		set[strings.ToLower(r.GetUser().GetLogin())] = struct{}{}
	}
	return set
}

func countSubmitted(reviews []*gh.PullRequestReview) int {
	n := 0
	for _, r := range reviews {
		if r.GetState() != reviewPending {
			n++
		}
	}
	return n
}

func formatNumbers(numbers []int) string {
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = "#" + strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
