// Package circleci implements the WorkflowClient port against the CircleCI v2 REST API.
package circleci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
	"github.com/ericfisherdev/cimanager/internal/domain/port/driven"
)

// DefaultBaseURL is the public CircleCI v2 API root.
const DefaultBaseURL = "https://circleci.com/api/v2/"

// maxPages bounds job list pagination in case the API keeps returning a token.
const maxPages = 50

// Compile-time interface satisfaction check.
var _ driven.WorkflowClient = (*Client)(nil)

// Client implements driven.WorkflowClient using plain net/http.
type Client struct {
	http      *http.Client
	baseURL   *url.URL
	token     string
	userAgent string
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base
// URL. An empty baseURL selects DefaultBaseURL.
// The client itself sets no timeout; callers bound each call through ctx.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, token, userAgent string) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	return &Client{
		http:      httpClient,
		baseURL:   u,
		token:     token,
		userAgent: userAgent,
	}, nil
}

// jobJSON mirrors one entry of GET /workflow/{id}/job. Pointers distinguish
// missing fields from empty ones.
type jobJSON struct {
	Name              *string `json:"name"`
	ProjectSlug       *string `json:"project_slug"`
	Type              *string `json:"type"`
	ApprovalRequestID *string `json:"approval_request_id"`
	Status            *string `json:"status"`
	ID                *string `json:"id"`
}

type jobsPageJSON struct {
	Items         *[]jobJSON `json:"items"`
	NextPageToken *string    `json:"next_page_token"`
}

var errMissingField = errors.New("missing required field")

// FetchWorkflowJobs lists every job of the workflow, following next_page_token.
func (c *Client) FetchWorkflowJobs(ctx context.Context, workflowID string) (*model.WorkflowJobSet, error) {
	set := &model.WorkflowJobSet{WorkflowID: workflowID, Jobs: []model.WorkflowJob{}}
	pageToken := ""

	for page := 1; ; page++ {
		endpoint := c.endpoint("workflow", workflowID, "job")
		if pageToken != "" {
			endpoint += "?" + url.Values{"page-token": {pageToken}}.Encode()
		}

		var body jobsPageJSON
		statusCode, err := c.getJSON(ctx, endpoint, &body)
		if err != nil {
			return nil, driven.ClassifyHTTP(driven.OpFetchWorkflowJobs, statusCode,
				fmt.Errorf("jobs for workflow %s (page %d): %w", workflowID, page, err))
		}

		jobs, err := mapJobs(body)
		if err != nil {
			return nil, driven.ClassifyHTTP(driven.OpFetchWorkflowJobs, statusCode,
				fmt.Errorf("jobs for workflow %s (page %d): %w", workflowID, page, err))
		}
		set.Jobs = append(set.Jobs, jobs...)

		slog.Debug("circleci api call",
			"endpoint", "workflow/job",
			"workflow_id", workflowID,
			"page", page,
			"count", len(jobs),
		)

		pageToken = ""
		if body.NextPageToken != nil {
			pageToken = *body.NextPageToken
		}
		if pageToken == "" {
			break
		}
		if page >= maxPages {
			slog.Warn("circleci job list truncated", "workflow_id", workflowID, "pages", page)
			break
		}
	}

	return set, nil
}

// Approve submits the approval request. Success is any 2xx status; the
// response body is not inspected. The call is never retried.
func (c *Client) Approve(ctx context.Context, workflowID, approvalRequestID string) error {
	if workflowID == "" || approvalRequestID == "" {
		return fmt.Errorf("%w: workflow id and approval request id must be non-empty", driven.ErrApprovalFailed)
	}

	endpoint := c.endpoint("workflow", workflowID, "approve", approvalRequestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return driven.ClassifyHTTP(driven.OpApprove, 0, fmt.Errorf("creating approve request: %w", err))
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return driven.ClassifyHTTP(driven.OpApprove, 0, fmt.Errorf("approving %s in workflow %s: %w", approvalRequestID, workflowID, err))
	}
	defer func() { _ = resp.Body.Close() }()

	slog.Debug("circleci api call",
		"endpoint", "workflow/approve",
		"workflow_id", workflowID,
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return driven.ClassifyHTTP(driven.OpApprove, resp.StatusCode,
			fmt.Errorf("approving %s in workflow %s: %s", approvalRequestID, workflowID, readMessage(resp.Body)))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// getJSON performs a GET and decodes a 2xx JSON body into v. It returns the
// HTTP status code (0 when no response was received) alongside any error.
func (c *Client) getJSON(ctx context.Context, endpoint string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, errors.New(readMessage(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Circle-Token", c.token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// endpoint joins escaped path segments onto the base URL.
func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.baseURL.String() + strings.Join(escaped, "/")
}

// readMessage extracts CircleCI's {"message": "..."} error text, falling back
// to the raw (truncated) body when it has another shape.
func readMessage(body io.Reader) string {
	var msg struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	if err := json.Unmarshal(data, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	if len(data) > 0 {
		return strings.TrimSpace(string(data))
	}
	return "empty response body"
}

// mapJobs validates and converts one page of jobs to domain model types.
func mapJobs(body jobsPageJSON) ([]model.WorkflowJob, error) {
	if body.Items == nil {
		return nil, fmt.Errorf("%w: items", errMissingField)
	}

	jobs := make([]model.WorkflowJob, 0, len(*body.Items))
	for i, j := range *body.Items {
		switch {
		case j.Name == nil:
			return nil, fmt.Errorf("%w: items[%d].name", errMissingField, i)
		case j.ProjectSlug == nil:
			return nil, fmt.Errorf("%w: items[%d].project_slug", errMissingField, i)
		case j.Type == nil:
			return nil, fmt.Errorf("%w: items[%d].type", errMissingField, i)
		case j.Status == nil:
			return nil, fmt.Errorf("%w: items[%d].status", errMissingField, i)
		case j.ID == nil:
			return nil, fmt.Errorf("%w: items[%d].id", errMissingField, i)
		}

		jobs = append(jobs, model.WorkflowJob{
			ID:                *j.ID,
			Name:              *j.Name,
			ProjectSlug:       *j.ProjectSlug,
			Type:              *j.Type,
			Status:            *j.Status,
			ApprovalRequestID: j.ApprovalRequestID,
		})
	}
	return jobs, nil
}
