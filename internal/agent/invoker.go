// Package agent invokes the coding agent CLI as a subprocess and parses its
// streaming JSON output into a typed result.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/faults"
	"github.com/fyrsmithlabs/autodev/internal/logging"
)

// maxEventLine bounds a single stream-json line. Assistant events can carry
// large tool output blocks.
const maxEventLine = 4 << 20

// Invoker runs the agent CLI in plan, implement, and CI-fix modes.
type Invoker struct {
	cfg    config.AgentConfig
	logger *logging.Logger
	runner Runner
}

// NewInvoker returns an Invoker for the configured agent binary.
func NewInvoker(cfg config.AgentConfig, logger *logging.Logger, runner Runner) *Invoker {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Invoker{cfg: cfg, logger: logger.Named("agent"), runner: runner}
}

// Plan produces an implementation plan without touching the working tree.
func (iv *Invoker) Plan(ctx context.Context, req PlanRequest) (*Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are planning the implementation of issue %s.\n\n", req.IssueKey)
	fmt.Fprintf(&b, "Summary: %s\n\n", req.Summary)
	if req.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n\n", req.Description)
	}
	if req.PriorPlan != "" {
		fmt.Fprintf(&b, "A previous plan was posted:\n%s\n\n", req.PriorPlan)
		fmt.Fprintf(&b, "The reviewer responded:\n%s\n\n", req.Feedback)
		b.WriteString("Revise the plan to address the feedback.\n")
	} else {
		b.WriteString("Produce a concise, step-by-step implementation plan. Do not modify any files.\n")
	}

	args := iv.baseArgs(iv.cfg.PlanMaxTurns)
	args = append(args, "--permission-mode", "plan")
	return iv.invoke(ctx, req.IssueKey, "", b.String(), args, iv.cfg.PlanBudgetUSD)
}

// Implement applies the approved plan inside the task workspace. A non-empty
// Feedback turns this into a rework cycle resuming the prior conversation.
func (iv *Invoker) Implement(ctx context.Context, req ImplementRequest) (*Result, error) {
	var b strings.Builder
	if req.Feedback != "" {
		fmt.Fprintf(&b, "The reviewer left feedback on your implementation of %s:\n%s\n\n", req.IssueKey, req.Feedback)
		b.WriteString("Address the feedback in this working tree and commit the changes.\n")
	} else {
		fmt.Fprintf(&b, "Implement issue %s according to the approved plan below. ", req.IssueKey)
		b.WriteString("Commit your changes when done.\n\n")
		fmt.Fprintf(&b, "Plan:\n%s\n", req.Plan)
		if req.ReviewerNotes != "" {
			fmt.Fprintf(&b, "\nApprover notes: %s\n", req.ReviewerNotes)
		}
	}

	args := iv.baseArgs(iv.cfg.ImplementMaxTurns)
	args = append(args, "--permission-mode", "acceptEdits")
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return iv.invoke(ctx, req.IssueKey, req.WorkspacePath, b.String(), args, iv.cfg.ImplementBudgetUSD)
}

// FixCI asks the agent to repair a failing pipeline run. The prompt forbids
// edits to the pipeline configuration itself.
func (iv *Invoker) FixCI(ctx context.Context, req FixRequest) (*Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "The CI pipeline failed for your changes on issue %s. ", req.IssueKey)
	b.WriteString("Fix the underlying problem and commit. ")
	b.WriteString("Do not modify the pipeline or workflow configuration files.\n\n")
	fmt.Fprintf(&b, "Failing job log tail:\n%s\n", req.LogTail)

	args := iv.baseArgs(iv.cfg.ImplementMaxTurns)
	args = append(args, "--permission-mode", "acceptEdits")
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return iv.invoke(ctx, req.IssueKey, req.WorkspacePath, b.String(), args, iv.cfg.ImplementBudgetUSD)
}

func (iv *Invoker) baseArgs(maxTurns int) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(maxTurns),
	}
	if iv.cfg.Model != "" {
		args = append(args, "--model", iv.cfg.Model)
	}
	return args
}

func (iv *Invoker) invoke(ctx context.Context, issueKey, dir, prompt string, args []string, budgetUSD float64) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, iv.cfg.InvokeTimeout.Duration())
	defer cancel()

	args = append(args, prompt)
	iv.logger.Info(ctx, "invoking agent",
		zap.String("issue", issueKey),
		zap.String("dir", dir),
		zap.Int("args", len(args)))

	stdout, wait, err := iv.runner.Stream(ctx, dir, iv.cfg.Binary, args...)
	if err != nil {
		return nil, faults.New(faults.Transient, "agent.invoke", err)
	}

	res, parseErr := iv.consume(stdout)
	stdout.Close()
	waitErr := wait()

	if parseErr != nil {
		if waitErr != nil {
			return nil, faults.New(faults.Transient, "agent.invoke", fmt.Errorf("agent exited: %v: %w", waitErr, parseErr))
		}
		return nil, faults.New(faults.Transient, "agent.invoke", parseErr)
	}
	// Failures past this point still carry the partial result so callers
	// can account for the spend.
	if res.truncated {
		return res.result, faults.New(faults.Budget, "agent.invoke", fmt.Errorf("turn limit reached after %d turns", res.result.Turns))
	}
	if res.isError {
		return res.result, faults.New(faults.Permanent, "agent.invoke", fmt.Errorf("agent reported failure: %s", snippet(res.result.Output)))
	}
	if waitErr != nil {
		return res.result, faults.New(faults.Transient, "agent.invoke", fmt.Errorf("agent exited: %w", waitErr))
	}
	if budgetUSD > 0 && res.result.CostUSD > budgetUSD {
		return res.result, faults.New(faults.Budget, "agent.invoke", fmt.Errorf("cost %.4f USD exceeds ceiling %.2f USD", res.result.CostUSD, budgetUSD))
	}

	iv.logger.Info(ctx, "agent finished",
		zap.String("issue", issueKey),
		zap.Int("turns", res.result.Turns),
		zap.Float64("cost_usd", res.result.CostUSD))
	return res.result, nil
}

type consumed struct {
	result    *Result
	isError   bool
	truncated bool
}

// consume reads stream-json lines until the terminal result event. Unknown
// event types are skipped so newer CLI versions don't break parsing.
func (iv *Invoker) consume(r io.Reader) (*consumed, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)

	var lastAssistant string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Tolerate stray non-JSON output interleaved in the stream.
			continue
		}
		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					lastAssistant = block.Text
				}
			}
		case "result":
			out := ev.Result
			if out == "" {
				out = lastAssistant
			}
			return &consumed{
				result: &Result{
					Output:    out,
					SessionID: ev.SessionID,
					CostUSD:   ev.TotalCostUSD,
					Turns:     ev.NumTurns,
				},
				isError:   ev.IsError && ev.Subtype != "error_max_turns",
				truncated: ev.Subtype == "error_max_turns",
			}, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading agent stream: %w", err)
	}
	return nil, fmt.Errorf("agent stream ended without a result event")
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	if s == "" {
		return "(no output)"
	}
	return s
}
