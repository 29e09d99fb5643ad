// Package tracker talks to the external issue tracker's REST API.
//
// The orchestration engine only needs a handful of operations: issue and
// comment reads, comment posting, status transitions by name, and
// reassignment. Rich-text payloads are converted to and from plain text at
// this boundary so nothing above it deals with the document format.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/faults"
)

// Client is the tracker API surface the engine consumes.
type Client interface {
	// GetIssue fetches a single issue by key.
	GetIssue(ctx context.Context, key string) (*Issue, error)

	// SearchByStatus returns the project's issues currently in the given
	// status, optionally restricted to an assignee account ID.
	SearchByStatus(ctx context.Context, status, assigneeID string) ([]Issue, error)

	// ListComments returns all comments on an issue in chronological order
	// (oldest first).
	ListComments(ctx context.Context, key string) ([]Comment, error)

	// PostComment adds a plain-text comment to the issue and returns its
	// creation time.
	PostComment(ctx context.Context, key, body string) (time.Time, error)

	// TransitionStatus moves the issue to the named status. The transition
	// ID is looked up from the issue's currently available transitions.
	TransitionStatus(ctx context.Context, key, statusName string) error

	// Assign sets the issue's assignee account ID. Empty unassigns.
	Assign(ctx context.Context, key, accountID string) error
}

// RESTClient implements Client against a Jira-compatible REST API.
type RESTClient struct {
	baseURL    string
	email      string
	token      config.Secret
	httpClient *http.Client
	retry      *faults.RetryConfig
}

// NewRESTClient creates a tracker client from config.
func NewRESTClient(cfg *config.TrackerConfig) (*RESTClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracker base URL is required")
	}
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("tracker token is required")
	}

	return &RESTClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		email:   cfg.Email,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout.Duration(),
		},
	}, nil
}

// Wire types for the subset of the REST API used here.

type issuePayload struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description json.RawMessage `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Assignee *struct {
			AccountID string `json:"accountId"`
		} `json:"assignee"`
		Labels []string `json:"labels"`
	} `json:"fields"`
}

type commentPayload struct {
	ID     string `json:"id"`
	Author struct {
		AccountID string `json:"accountId"`
	} `json:"author"`
	Body    json.RawMessage `json:"body"`
	Created string          `json:"created"`
}

// The REST API uses a non-RFC3339 timestamp format.
const commentTimeFormat = "2006-01-02T15:04:05.000-0700"

func (c *RESTClient) GetIssue(ctx context.Context, key string) (*Issue, error) {
	var payload issuePayload
	path := fmt.Sprintf("/rest/api/3/issue/%s?fields=summary,description,status,assignee,labels", url.PathEscape(key))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return issueFromPayload(payload), nil
}

func (c *RESTClient) SearchByStatus(ctx context.Context, status, assigneeID string) ([]Issue, error) {
	jql := fmt.Sprintf("status = %q", status)
	if assigneeID != "" {
		jql += fmt.Sprintf(" AND assignee = %q", assigneeID)
	}

	var result struct {
		Issues []issuePayload `json:"issues"`
	}
	path := "/rest/api/3/search?fields=summary,description,status,assignee,labels&jql=" + url.QueryEscape(jql)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	issues := make([]Issue, 0, len(result.Issues))
	for _, p := range result.Issues {
		issues = append(issues, *issueFromPayload(p))
	}
	return issues, nil
}

func (c *RESTClient) ListComments(ctx context.Context, key string) ([]Comment, error) {
	var comments []Comment
	startAt := 0
	for {
		var page struct {
			Comments []commentPayload `json:"comments"`
			Total    int              `json:"total"`
		}
		path := fmt.Sprintf("/rest/api/3/issue/%s/comment?orderBy=created&startAt=%d&maxResults=50",
			url.PathEscape(key), startAt)
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}

		for _, p := range page.Comments {
			created, err := time.Parse(commentTimeFormat, p.Created)
			if err != nil {
				// Fall back to RFC3339 for API-compatible servers.
				created, err = time.Parse(time.RFC3339, p.Created)
				if err != nil {
					return nil, faults.Newf(faults.Permanent, "list comments",
						"unparseable comment timestamp %q on %s", p.Created, key)
				}
			}
			comments = append(comments, Comment{
				ID:        p.ID,
				AuthorID:  p.Author.AccountID,
				Body:      docToPlainText(p.Body),
				CreatedAt: created,
			})
		}

		startAt += len(page.Comments)
		if startAt >= page.Total || len(page.Comments) == 0 {
			break
		}
	}

	// The engine's watermark scan depends on chronological order.
	sort.Slice(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments, nil
}

func (c *RESTClient) PostComment(ctx context.Context, key, body string) (time.Time, error) {
	req := map[string]any{"body": plainTextToDoc(body)}
	var resp commentPayload
	path := fmt.Sprintf("/rest/api/3/issue/%s/comment", url.PathEscape(key))
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return time.Time{}, err
	}

	created, err := time.Parse(commentTimeFormat, resp.Created)
	if err != nil {
		created = time.Now()
	}
	return created, nil
}

func (c *RESTClient) TransitionStatus(ctx context.Context, key, statusName string) error {
	var available struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	path := fmt.Sprintf("/rest/api/3/issue/%s/transitions", url.PathEscape(key))
	if err := c.do(ctx, http.MethodGet, path, nil, &available); err != nil {
		return err
	}

	var transitionID string
	for _, t := range available.Transitions {
		if strings.EqualFold(t.To.Name, statusName) {
			transitionID = t.ID
			break
		}
	}
	if transitionID == "" {
		return faults.Newf(faults.Permanent, "transition status",
			"no transition to %q available on %s", statusName, key)
	}

	req := map[string]any{"transition": map[string]string{"id": transitionID}}
	return c.do(ctx, http.MethodPost, path, req, nil)
}

func (c *RESTClient) Assign(ctx context.Context, key, accountID string) error {
	var body map[string]any
	if accountID == "" {
		body = map[string]any{"accountId": nil}
	} else {
		body = map[string]any{"accountId": accountID}
	}
	path := fmt.Sprintf("/rest/api/3/issue/%s/assignee", url.PathEscape(key))
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// do performs an authenticated API call, retrying transient failures with
// backoff before surfacing them.
func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	return faults.Retry(ctx, c.retry, func() error {
		return c.doOnce(ctx, method, path, body, out)
	})
}

// doOnce performs one API call, classifying failures into the fault
// taxonomy.
func (c *RESTClient) doOnce(ctx context.Context, method, path string, body, out any) error {
	op := fmt.Sprintf("tracker %s %s", method, path)

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return faults.New(faults.Permanent, op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return faults.New(faults.Permanent, op, err)
	}
	req.SetBasicAuth(c.email, c.token.Value())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.New(faults.Transient, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		kind := faults.Permanent
		if faults.RetryableStatus(resp.StatusCode) {
			kind = faults.Transient
		}
		return faults.Newf(kind, op, "HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.New(faults.Permanent, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func issueFromPayload(p issuePayload) *Issue {
	issue := &Issue{
		Key:         p.Key,
		Summary:     p.Fields.Summary,
		Description: docToPlainText(p.Fields.Description),
		Status:      p.Fields.Status.Name,
		Labels:      p.Fields.Labels,
	}
	if p.Fields.Assignee != nil {
		issue.AssigneeID = p.Fields.Assignee.AccountID
	}
	return issue
}
