package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/evidence-on-demand/backend/internal/connectors"
	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
)

const defaultHTTPTimeout = 15 * time.Second

// client wraps go-github with rate limiting and error classification.
type client struct {
	gh      *gh.Client
	limiter *RateLimiter
}

func newClient(token, baseURL string, limiter *RateLimiter) (*client, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = defaultHTTPTimeout

	c := gh.NewClient(httpClient)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		c.BaseURL = u
	}

	return &client{gh: c, limiter: limiter}, nil
}

func (c *client) getPull(ctx context.Context, owner, repo string, number int) (*gh.PullRequest, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.wrapError(err, "rate limit wait")
	}

	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	c.observe(resp)
	if err != nil {
		return nil, c.wrapError(err, fmt.Sprintf("get pull request #%d", number))
	}
	return pr, nil
}

func (c *client) listPulls(ctx context.Context, owner, repo string, limit int) ([]*gh.PullRequest, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.wrapError(err, "rate limit wait")
	}

	opts := &gh.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: limit},
	}
	prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
	c.observe(resp)
	if err != nil {
		return nil, c.wrapError(err, "list pull requests")
	}
	return prs, nil
}

func (c *client) listReviews(ctx context.Context, owner, repo string, number int) ([]*gh.PullRequestReview, error) {
	var all []*gh.PullRequestReview
	opts := &gh.ListOptions{PerPage: 100}

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.wrapError(err, "rate limit wait")
		}

		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		c.observe(resp)
		if err != nil {
			return nil, c.wrapError(err, fmt.Sprintf("list reviews for #%d", number))
		}
		all = append(all, reviews...)

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *client) observe(resp *gh.Response) {
	if resp != nil {
		c.limiter.Observe(resp.Response)
	}
}

// wrapError converts go-github errors into classified connector errors.
func (c *client) wrapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return connectors.NewError(models.SourceCodeHost, connectors.ErrUnavailable,
			fmt.Errorf("%s: rate limit exceeded, resets at %s", operation, rateErr.Rate.Reset.Format(time.RFC3339)))
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return connectors.NewError(models.SourceCodeHost, connectors.ErrUnavailable,
			fmt.Errorf("%s: secondary rate limit: %w", operation, err))
	}

	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return connectors.FromStatus(models.SourceCodeHost, respErr.Response.StatusCode,
			fmt.Errorf("%s: %s", operation, respErr.Message))
	}

	kind := connectors.Classify(err)
	return connectors.NewError(models.SourceCodeHost, kind, fmt.Errorf("%s: %w", operation, err))
}
