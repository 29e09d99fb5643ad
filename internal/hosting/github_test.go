package hosting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodev/internal/faults"
)

// newTestGitHubClient points a GitHubClient at a local httptest server.
func newTestGitHubClient(t *testing.T, handler http.Handler) *GitHubClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base

	return &GitHubClient{
		gh:    gh,
		owner: "fyrsmithlabs",
		repo:  "widget",
		retry: &faults.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
}

func TestCreatePullRequest(t *testing.T) {
	c := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/fyrsmithlabs/widget/pulls", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude/PROJ-1-add-health-check", body["head"])
		assert.Equal(t, "staging", body["base"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"number":   42,
			"html_url": "https://github.com/fyrsmithlabs/widget/pull/42",
			"state":    "open",
		})
	}))

	pr, err := c.CreatePullRequest(context.Background(),
		"claude/PROJ-1-add-health-check", "staging", "PROJ-1: Add health check", "plan body")
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/fyrsmithlabs/widget/pull/42", pr.URL)
	assert.Equal(t, "open", pr.State)
}

func TestMergePullRequest_UsesSquash(t *testing.T) {
	var merged map[string]any
	c := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/fyrsmithlabs/widget/pulls/42/merge", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&merged))
		_ = json.NewEncoder(w).Encode(map[string]any{"merged": true})
	}))

	require.NoError(t, c.MergePullRequest(context.Background(), 42, "PROJ-1: Add health check"))
	assert.Equal(t, "squash", merged["merge_method"])
	assert.Equal(t, "PROJ-1: Add health check", merged["commit_title"])
}

func TestDeleteBranch_MissingRefIsOK(t *testing.T) {
	c := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "Reference does not exist"})
	}))

	assert.NoError(t, c.DeleteBranch(context.Background(), "claude/PROJ-1-add-health-check"))
}

func TestLatestWorkflowRun_FiltersBySince(t *testing.T) {
	c := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_count": 2,
			"workflow_runs": []map[string]any{
				{
					"id": 100, "status": "in_progress",
					"created_at": time.Now().UTC().Format(time.RFC3339),
					"html_url":   "https://example.com/run/100",
				},
				{
					"id": 99, "status": "completed", "conclusion": "success",
					"created_at": "2020-01-01T00:00:00Z",
				},
			},
		})
	}))

	run, err := c.LatestWorkflowRun(context.Background(), "ci.yml", "staging", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, int64(100), run.ID)
	assert.False(t, run.Completed())
}

func TestLatestWorkflowRun_NoneYet(t *testing.T) {
	c := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"total_count": 0, "workflow_runs": []any{}})
	}))

	run, err := c.LatestWorkflowRun(context.Background(), "ci.yml", "staging", time.Now())
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestRetryAPICall_RetriesServerErrors(t *testing.T) {
	calls := 0
	c := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"number": 1, "state": "open"})
	}))

	pr, err := c.GetPullRequest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, pr.Number)
}

func TestRetryAPICall_DoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	c := newTestGitHubClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetPullRequest(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
}

func TestCIRun_StatusHelpers(t *testing.T) {
	run := &CIRun{Status: "completed", Conclusion: "success"}
	assert.True(t, run.Completed())
	assert.True(t, run.Succeeded())

	run = &CIRun{Status: "completed", Conclusion: "failure"}
	assert.True(t, run.Completed())
	assert.False(t, run.Succeeded())

	run = &CIRun{Status: "in_progress"}
	assert.False(t, run.Completed())
}

func TestLogTail(t *testing.T) {
	logs := "line one\nline two\nline three\n"

	assert.Equal(t, logs, logTail(logs, 1000))
	tail := logTail(logs, 12)
	assert.Equal(t, "line three\n", tail)
	assert.Equal(t, logs, logTail(logs, 0))
}
