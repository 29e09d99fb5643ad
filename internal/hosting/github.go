// Package hosting talks to the code-hosting API: pull request lifecycle,
// branch cleanup, and CI run retrieval for the recovery loop.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/faults"
)

// Client is the hosting API surface the engine and recovery loop consume.
type Client interface {
	// CreatePullRequest opens a PR from head into base.
	CreatePullRequest(ctx context.Context, head, base, title, body string) (*PullRequest, error)

	// GetPullRequest fetches a PR by number.
	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)

	// MergePullRequest merges a PR with squash semantics.
	MergePullRequest(ctx context.Context, number int, commitTitle string) error

	// DeleteBranch removes a remote branch ref. Missing refs are not an
	// error.
	DeleteBranch(ctx context.Context, branch string) error

	// LatestWorkflowRun returns the newest run of the workflow on branch
	// created at or after since, or nil when none exists yet.
	LatestWorkflowRun(ctx context.Context, workflowFile, branch string, since time.Time) (*CIRun, error)

	// GetWorkflowRun refreshes a run's status by ID.
	GetWorkflowRun(ctx context.Context, runID int64) (*CIRun, error)

	// FailingJobLogTail returns the last maxBytes of the first failing
	// job's logs for a completed run.
	FailingJobLogTail(ctx context.Context, runID int64, maxBytes int) (string, error)
}

// GitHubClient implements Client with the GitHub REST API.
type GitHubClient struct {
	gh    *github.Client
	owner string
	repo  string
	retry *faults.RetryConfig
}

// NewGitHubClient creates a hosting client from config.
func NewGitHubClient(cfg *config.HostingConfig) (*GitHubClient, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("hosting token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = cfg.RequestTimeout.Duration()

	return &GitHubClient{
		gh:    github.NewClient(tc),
		owner: cfg.Owner,
		repo:  cfg.Repo,
	}, nil
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, head, base, title, body string) (*PullRequest, error) {
	var pr *github.PullRequest
	err := retryAPICall(ctx, c.retry, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
			Title: github.String(title),
			Head:  github.String(head),
			Base:  github.String(base),
			Body:  github.String(body),
		})
		return resp, err
	})
	if err != nil {
		return nil, wrapAPIError("create pull request", err)
	}
	return pullRequestFromAPI(pr), nil
}

func (c *GitHubClient) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	var pr *github.PullRequest
	err := retryAPICall(ctx, c.retry, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
		return resp, err
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Sprintf("get pull request #%d", number), err)
	}
	return pullRequestFromAPI(pr), nil
}

func (c *GitHubClient) MergePullRequest(ctx context.Context, number int, commitTitle string) error {
	err := retryAPICall(ctx, c.retry, func() (*github.Response, error) {
		_, resp, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "",
			&github.PullRequestOptions{
				MergeMethod: "squash",
				CommitTitle: commitTitle,
			})
		return resp, err
	})
	if err != nil {
		return wrapAPIError(fmt.Sprintf("merge pull request #%d", number), err)
	}
	return nil
}

func (c *GitHubClient) DeleteBranch(ctx context.Context, branch string) error {
	err := retryAPICall(ctx, c.retry, func() (*github.Response, error) {
		return c.gh.Git.DeleteRef(ctx, c.owner, c.repo, "heads/"+branch)
	})
	if err != nil {
		// Already-deleted refs are fine.
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil &&
			ghErr.Response.StatusCode == http.StatusUnprocessableEntity {
			return nil
		}
		return wrapAPIError(fmt.Sprintf("delete branch %s", branch), err)
	}
	return nil
}

func (c *GitHubClient) LatestWorkflowRun(ctx context.Context, workflowFile, branch string, since time.Time) (*CIRun, error) {
	var runs *github.WorkflowRuns
	err := retryAPICall(ctx, c.retry, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		runs, resp, err = c.gh.Actions.ListWorkflowRunsByFileName(ctx, c.owner, c.repo, workflowFile,
			&github.ListWorkflowRunsOptions{
				Branch:      branch,
				ListOptions: github.ListOptions{PerPage: 10},
			})
		return resp, err
	})
	if err != nil {
		return nil, wrapAPIError("list workflow runs", err)
	}

	for _, run := range runs.WorkflowRuns {
		if run.GetCreatedAt().Time.Before(since) {
			continue
		}
		return ciRunFromAPI(run), nil
	}
	return nil, nil
}

func (c *GitHubClient) GetWorkflowRun(ctx context.Context, runID int64) (*CIRun, error) {
	var run *github.WorkflowRun
	err := retryAPICall(ctx, c.retry, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		run, resp, err = c.gh.Actions.GetWorkflowRunByID(ctx, c.owner, c.repo, runID)
		return resp, err
	})
	if err != nil {
		return nil, wrapAPIError(fmt.Sprintf("get workflow run %d", runID), err)
	}
	return ciRunFromAPI(run), nil
}

func (c *GitHubClient) FailingJobLogTail(ctx context.Context, runID int64, maxBytes int) (string, error) {
	var jobs *github.Jobs
	err := retryAPICall(ctx, c.retry, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		jobs, resp, err = c.gh.Actions.ListWorkflowJobs(ctx, c.owner, c.repo, runID,
			&github.ListWorkflowJobsOptions{
				Filter:      "latest",
				ListOptions: github.ListOptions{PerPage: 50},
			})
		return resp, err
	})
	if err != nil {
		return "", wrapAPIError("list workflow jobs", err)
	}

	var failingJobID int64
	for _, job := range jobs.Jobs {
		if job.GetConclusion() == "failure" {
			failingJobID = job.GetID()
			break
		}
	}
	if failingJobID == 0 {
		return "", nil
	}

	logsURL, _, err := c.gh.Actions.GetWorkflowJobLogs(ctx, c.owner, c.repo, failingJobID, 3)
	if err != nil {
		return "", wrapAPIError("get job logs url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logsURL.String(), nil)
	if err != nil {
		return "", faults.New(faults.Permanent, "fetch job logs", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", faults.New(faults.Transient, "fetch job logs", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", faults.New(faults.Transient, "read job logs", err)
	}
	return logTail(string(data), maxBytes), nil
}

// logTail keeps the last maxBytes of text, aligned to a line boundary.
func logTail(logs string, maxBytes int) string {
	if maxBytes <= 0 || len(logs) <= maxBytes {
		return logs
	}
	tail := logs[len(logs)-maxBytes:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}

// wrapAPIError classifies an error that already escaped the retry helper.
func wrapAPIError(op string, err error) error {
	if faults.IsTransient(err) {
		return faults.New(faults.Transient, op, err)
	}
	return faults.New(faults.Permanent, op, err)
}

func pullRequestFromAPI(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		State:  pr.GetState(),
		Merged: pr.GetMerged(),
	}
}

func ciRunFromAPI(run *github.WorkflowRun) *CIRun {
	return &CIRun{
		ID:         run.GetID(),
		Status:     run.GetStatus(),
		Conclusion: run.GetConclusion(),
		URL:        run.GetHTMLURL(),
		CreatedAt:  run.GetCreatedAt().Time,
	}
}
