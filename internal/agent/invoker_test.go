package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/faults"
	"github.com/fyrsmithlabs/autodev/internal/logging"
)

// fakeRunner records the invocation and replays a canned stream.
type fakeRunner struct {
	stream  string
	waitErr error

	gotDir  string
	gotName string
	gotArgs []string
}

func (f *fakeRunner) Stream(_ context.Context, dir, name string, args ...string) (io.ReadCloser, func() error, error) {
	f.gotDir = dir
	f.gotName = name
	f.gotArgs = args
	return io.NopCloser(strings.NewReader(f.stream)), func() error { return f.waitErr }, nil
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Binary:             "claude",
		Model:              "sonnet",
		PlanMaxTurns:       30,
		PlanBudgetUSD:      2.0,
		ImplementMaxTurns:  100,
		ImplementBudgetUSD: 10.0,
		InvokeTimeout:      config.Duration(time.Minute),
	}
}

func resultLine(output, session string, turns int, cost float64) string {
	return fmt.Sprintf(`{"type":"result","subtype":"success","result":%q,"session_id":%q,"num_turns":%d,"total_cost_usd":%f,"is_error":false}`,
		output, session, turns, cost)
}

func TestPlanParsesResult(t *testing.T) {
	runner := &fakeRunner{stream: strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"thinking"}]}}`,
		resultLine("1. Add handler\n2. Add test", "sess-1", 4, 0.31),
	}, "\n")}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	res, err := iv.Plan(context.Background(), PlanRequest{
		IssueKey: "PROJ-7",
		Summary:  "Add health check",
	})
	require.NoError(t, err)
	assert.Equal(t, "1. Add handler\n2. Add test", res.Output)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, 4, res.Turns)
	assert.InDelta(t, 0.31, res.CostUSD, 1e-9)

	assert.Equal(t, "claude", runner.gotName)
	assert.Empty(t, runner.gotDir)
	assert.Contains(t, runner.gotArgs, "--permission-mode")
	assert.Contains(t, runner.gotArgs, "plan")
	assert.Contains(t, runner.gotArgs, "--max-turns")
	assert.Contains(t, runner.gotArgs, "30")
	assert.Contains(t, runner.gotArgs, "--model")
	// Prompt is the trailing argument.
	assert.Contains(t, runner.gotArgs[len(runner.gotArgs)-1], "PROJ-7")
}

func TestPlanRevisionIncludesFeedback(t *testing.T) {
	runner := &fakeRunner{stream: resultLine("revised", "sess-2", 2, 0.1)}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	_, err := iv.Plan(context.Background(), PlanRequest{
		IssueKey:  "PROJ-7",
		Summary:   "Add health check",
		PriorPlan: "old plan",
		Feedback:  "please use the existing router",
	})
	require.NoError(t, err)

	prompt := runner.gotArgs[len(runner.gotArgs)-1]
	assert.Contains(t, prompt, "old plan")
	assert.Contains(t, prompt, "please use the existing router")
}

func TestImplementRunsInWorkspace(t *testing.T) {
	runner := &fakeRunner{stream: resultLine("done", "sess-3", 12, 1.5)}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	res, err := iv.Implement(context.Background(), ImplementRequest{
		IssueKey:      "PROJ-7",
		WorkspacePath: "/tmp/ws/PROJ-7",
		Plan:          "1. Add handler",
		ReviewerNotes: "keep it minimal",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-3", res.SessionID)
	assert.Equal(t, "/tmp/ws/PROJ-7", runner.gotDir)
	assert.NotContains(t, runner.gotArgs, "--resume")

	prompt := runner.gotArgs[len(runner.gotArgs)-1]
	assert.Contains(t, prompt, "1. Add handler")
	assert.Contains(t, prompt, "keep it minimal")
}

func TestImplementReworkResumesSession(t *testing.T) {
	runner := &fakeRunner{stream: resultLine("reworked", "sess-3", 3, 0.4)}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	_, err := iv.Implement(context.Background(), ImplementRequest{
		IssueKey:      "PROJ-7",
		WorkspacePath: "/tmp/ws/PROJ-7",
		Feedback:      "the endpoint returns 500",
		SessionID:     "sess-3",
	})
	require.NoError(t, err)
	assert.Contains(t, runner.gotArgs, "--resume")
	assert.Contains(t, runner.gotArgs, "sess-3")
	assert.Contains(t, runner.gotArgs[len(runner.gotArgs)-1], "the endpoint returns 500")
}

func TestFixCIForbidsPipelineEdits(t *testing.T) {
	runner := &fakeRunner{stream: resultLine("fixed", "sess-4", 5, 0.8)}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	_, err := iv.FixCI(context.Background(), FixRequest{
		IssueKey:      "PROJ-7",
		WorkspacePath: "/tmp/ws/PROJ-7",
		LogTail:       "FAIL: TestHealth",
		SessionID:     "sess-4",
	})
	require.NoError(t, err)

	prompt := runner.gotArgs[len(runner.gotArgs)-1]
	assert.Contains(t, prompt, "FAIL: TestHealth")
	assert.Contains(t, prompt, "Do not modify the pipeline")
}

func TestMaxTurnsMapsToBudgetFault(t *testing.T) {
	runner := &fakeRunner{stream: `{"type":"result","subtype":"error_max_turns","num_turns":30,"is_error":true,"session_id":"s"}`}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	res, err := iv.Plan(context.Background(), PlanRequest{IssueKey: "PROJ-7", Summary: "x"})
	require.Error(t, err)
	assert.True(t, faults.IsBudget(err), "got kind %s", faults.KindOf(err))
	require.NotNil(t, res, "partial result carries the spend")
	assert.Equal(t, "s", res.SessionID)
}

func TestCostOverCeilingMapsToBudgetFault(t *testing.T) {
	runner := &fakeRunner{stream: resultLine("big plan", "s", 10, 5.0)}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	res, err := iv.Plan(context.Background(), PlanRequest{IssueKey: "PROJ-7", Summary: "x"})
	require.Error(t, err)
	assert.True(t, faults.IsBudget(err))
	require.NotNil(t, res, "partial result carries the spend")
	assert.Equal(t, 5.0, res.CostUSD)
}

func TestAgentErrorIsPermanent(t *testing.T) {
	runner := &fakeRunner{stream: `{"type":"result","subtype":"error_during_execution","result":"boom","is_error":true,"num_turns":1}`}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	_, err := iv.Plan(context.Background(), PlanRequest{IssueKey: "PROJ-7", Summary: "x"})
	require.Error(t, err)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestTruncatedStreamIsTransient(t *testing.T) {
	runner := &fakeRunner{
		stream:  `{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`,
		waitErr: fmt.Errorf("exit status 1"),
	}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	_, err := iv.Plan(context.Background(), PlanRequest{IssueKey: "PROJ-7", Summary: "x"})
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}

func TestStrayNonJSONLinesAreSkipped(t *testing.T) {
	runner := &fakeRunner{stream: "warning: something\n" + resultLine("ok", "s", 1, 0.01)}
	iv := NewInvoker(testAgentConfig(), logging.NewNop(), runner)

	res, err := iv.Plan(context.Background(), PlanRequest{IssueKey: "PROJ-7", Summary: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
}
