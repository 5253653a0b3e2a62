// Package github implements the StatusReader port using the go-github library.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/peterbourgon/diskv"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit/github_secondary_ratelimit"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
	"github.com/ericfisherdev/cimanager/internal/domain/port/driven"
)

// DefaultBaseURL is the public GitHub REST API root.
const DefaultBaseURL = "https://api.github.com/"

// Compile-time interface satisfaction check.
var _ driven.StatusReader = (*Client)(nil)

// Options configures a Client.
type Options struct {
	BaseURL   string // Defaults to DefaultBaseURL.
	Owner     string // Repository owner.
	Repo      string // Repository name.
	Username  string // Basic auth user.
	Token     string // Basic auth password (personal access token).
	UserAgent string // Defaults to Username.
	CacheDir  string // On-disk response cache; in-memory when empty.
}

// Client implements the driven.StatusReader port using the go-github library.
type Client struct {
	gh    *gh.Client
	owner string
	repo  string
}

// NewClient creates a new GitHub API client with the following transport stack:
//  1. httpcache (ETag-based conditional requests, persisted under CacheDir)
//  2. go-github-ratelimit (a secondary rate limit is returned, never slept on)
//  3. basic auth with the configured username and token
//  4. go-github (GitHub REST API client)
func NewClient(opts Options) (*Client, error) {
	cacheTransport := httpcache.NewTransport(newCache(opts.CacheDir))
	rateLimitClient := github_ratelimit.NewClient(
		&revalidateTransport{next: cacheTransport},
		github_secondary_ratelimit.WithSingleSleepLimit(0, logSecondaryLimit),
	)

	return NewClientWithHTTPClient(rateLimitClient, opts)
}

func newCache(dir string) httpcache.Cache {
	if dir == "" {
		return httpcache.NewMemoryCache()
	}
	return diskcache.NewWithDiskv(diskv.New(diskv.Options{
		BasePath:     dir,
		CacheSizeMax: 8 << 20,
		PathPerm:     0o700,
		FilePerm:     0o600,
	}))
}

func logSecondaryLimit(cc *github_secondary_ratelimit.CallbackContext) {
	attrs := []any{"url", cc.Request.URL.Path}
	if cc.ResetTime != nil {
		attrs = append(attrs, "retry_in", time.Until(*cc.ResetTime).Round(time.Second))
	}
	slog.Warn("github secondary rate limit hit", attrs...)
}

// NewClientWithHTTPClient creates a Client on top of a custom http.Client.
// Basic auth is layered over httpClient's transport. Tests use this to point
// the client at an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, opts Options) (*Client, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("invalid repository %q/%q: owner and repo are required", opts.Owner, opts.Repo)
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// go-github requires a trailing slash on BaseURL.
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	auth := &gh.BasicAuthTransport{
		Username:  opts.Username,
		Password:  opts.Token,
		Transport: httpClient.Transport,
	}
	authClient := auth.Client()
	authClient.Timeout = httpClient.Timeout

	client := gh.NewClient(authClient)
	client.BaseURL = u
	client.UserAgent = opts.UserAgent
	if client.UserAgent == "" {
		client.UserAgent = opts.Username
	}

	return &Client{
		gh:    client,
		owner: opts.Owner,
		repo:  opts.Repo,
	}, nil
}

// FetchStatus retrieves the combined commit status for reference.
// It follows pagination of the statuses list; the aggregate state is taken
// from the first page.
func (c *Client) FetchStatus(ctx context.Context, reference string) (*model.CommitStatusReport, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var report *model.CommitStatusReport

	for {
		cs, resp, err := c.gh.Repositories.GetCombinedStatus(ctx, c.owner, c.repo, reference, opts)
		if err != nil {
			return nil, classify(resp, fmt.Errorf("combined status for %s/%s@%s (page %d): %w", c.owner, c.repo, reference, opts.Page, err))
		}

		logRateLimit(resp, c.owner+"/"+c.repo+"/status", opts.Page, len(cs.Statuses))

		page, err := mapCombinedStatus(cs)
		if err != nil {
			return nil, driven.ClassifyHTTP(driven.OpFetchStatus, resp.StatusCode,
				fmt.Errorf("combined status for %s/%s@%s: %w", c.owner, c.repo, reference, err))
		}

		if report == nil {
			report = page
		} else {
			report.Statuses = append(report.Statuses, page.Statuses...)
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return report, nil
}

// classify converts a go-github error into a *driven.GatewayError.
// go-github returns a nil response on transport failures, a response with a
// non-2xx status for API errors (including rate limit errors), and a 2xx
// response together with the JSON decoding error for undecodable bodies.
func classify(resp *gh.Response, err error) error {
	statusCode := 0
	if resp != nil && resp.Response != nil {
		statusCode = resp.StatusCode
	}
	return driven.ClassifyHTTP(driven.OpFetchStatus, statusCode, err)
}

var errMissingField = errors.New("missing required field")

// mapCombinedStatus converts a go-github CombinedStatus to a domain report.
// description and target_url are nullable in the GitHub API and map to "".
func mapCombinedStatus(cs *gh.CombinedStatus) (*model.CommitStatusReport, error) {
	if cs.State == nil {
		return nil, fmt.Errorf("%w: state", errMissingField)
	}

	statuses := make([]model.CheckStatus, 0, len(cs.Statuses))
	for i, s := range cs.Statuses {
		if s == nil {
			return nil, fmt.Errorf("%w: statuses[%d]", errMissingField, i)
		}
		switch {
		case s.ID == nil:
			return nil, fmt.Errorf("%w: statuses[%d].id", errMissingField, i)
		case s.State == nil:
			return nil, fmt.Errorf("%w: statuses[%d].state", errMissingField, i)
		case s.Context == nil:
			return nil, fmt.Errorf("%w: statuses[%d].context", errMissingField, i)
		case s.CreatedAt == nil:
			return nil, fmt.Errorf("%w: statuses[%d].created_at", errMissingField, i)
		}

		statuses = append(statuses, model.CheckStatus{
			ID:          s.GetID(),
			State:       s.GetState(),
			Description: s.GetDescription(),
			TargetURL:   s.GetTargetURL(),
			Context:     s.GetContext(),
			CreatedAt:   s.GetCreatedAt().Time,
		})
	}

	return &model.CommitStatusReport{
		State:    cs.GetState(),
		Statuses: statuses,
	}, nil
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, endpoint string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"endpoint", endpoint,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}

// revalidateTransport marks every request Cache-Control: max-age=0. httpcache
// then treats its entry as stale and revalidates it with If-None-Match instead
// of serving it unchecked, so a report is never older than the request. A 304
// is answered from the cache and does not count against the rate limit.
type revalidateTransport struct {
	next http.RoundTripper
}

func (t *revalidateTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Cache-Control", "max-age=0")
	resp, err := t.next.RoundTrip(clone)
	if err != nil {
		return nil, err
	}
	resp.Body = drainOnClose{resp.Body}
	return resp, nil
}

// drainOnClose reads the body to EOF before closing it. httpcache stores a
// response only once its body hits EOF, and json.Decoder stops at the end of
// the value.
type drainOnClose struct {
	io.ReadCloser
}

func (b drainOnClose) Close() error {
	_, _ = io.Copy(io.Discard, b.ReadCloser)
	return b.ReadCloser.Close()
}
