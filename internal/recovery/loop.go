// Package recovery watches CI after a staging merge and drives the agent
// through bounded fix attempts when the pipeline fails.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/agent"
	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/faults"
	"github.com/fyrsmithlabs/autodev/internal/hosting"
	"github.com/fyrsmithlabs/autodev/internal/logging"
	"github.com/fyrsmithlabs/autodev/internal/workspace"
)

// logTailBytes is how much of the failing job log is handed to the agent.
const logTailBytes = 10_000

// Fixer is the agent surface the loop needs.
type Fixer interface {
	FixCI(ctx context.Context, req agent.FixRequest) (*agent.Result, error)
}

// Pusher is the workspace surface the loop needs.
type Pusher interface {
	CommitAndPush(ctx context.Context, ws *workspace.Workspace, message string) error
	MergeIntoStaging(ctx context.Context, ws *workspace.Workspace) error
}

// Request identifies the staging merge to verify.
type Request struct {
	TaskKey   string
	Workspace *workspace.Workspace

	// SessionID resumes the implementation conversation for fixes.
	SessionID string

	// MergedAt bounds the run search to runs triggered by this merge.
	MergedAt time.Time
}

// Outcome reports what the loop spent and the conversation it left behind.
type Outcome struct {
	CostUSD     float64
	SessionID   string
	FixAttempts int
}

// Loop verifies CI on the staging branch and repairs failures.
type Loop struct {
	hosting hosting.Client
	fixer   Fixer
	pusher  Pusher
	logger  *logging.Logger

	workflowFile  string
	stagingBranch string
	waitTimeout   time.Duration
	maxFixRetries int

	// pollIntervals escalate while a run is pending; the last entry
	// repeats.
	pollIntervals []time.Duration
}

// NewLoop builds a Loop from config. An empty CI workflow file disables
// verification entirely.
func NewLoop(hostCfg config.HostingConfig, engCfg config.EngineConfig, client hosting.Client, fixer Fixer, pusher Pusher, logger *logging.Logger) *Loop {
	return &Loop{
		hosting:       client,
		fixer:         fixer,
		pusher:        pusher,
		logger:        logger.Named("recovery"),
		workflowFile:  hostCfg.CIWorkflowFile,
		stagingBranch: hostCfg.StagingBranch,
		waitTimeout:   hostCfg.CIWaitTimeout.Duration(),
		maxFixRetries: engCfg.MaxCIFixRetries,
		pollIntervals: []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second},
	}
}

// EnsureGreen blocks until the staging pipeline for req passes, the fix
// budget is exhausted, or the wait deadline expires. Fix attempts commit and
// re-merge through the same workspace, so a conflict during a fix surfaces
// as a conflict fault.
func (l *Loop) EnsureGreen(ctx context.Context, req Request) (*Outcome, error) {
	out := &Outcome{SessionID: req.SessionID}
	if l.workflowFile == "" {
		return out, nil
	}

	since := req.MergedAt
	for attempt := 0; ; attempt++ {
		run, err := l.awaitRun(ctx, since)
		if err != nil {
			return out, err
		}
		if run.Succeeded() {
			l.logger.Info(ctx, "pipeline green",
				zap.String("task", req.TaskKey),
				zap.Int64("run_id", run.ID),
				zap.Int("fix_attempts", out.FixAttempts))
			return out, nil
		}

		l.logger.Warn(ctx, "pipeline failed",
			zap.String("task", req.TaskKey),
			zap.Int64("run_id", run.ID),
			zap.String("conclusion", run.Conclusion),
			zap.Int("attempt", attempt))

		if attempt >= l.maxFixRetries {
			return out, faults.Newf(faults.Permanent, "recovery.ensure",
				"pipeline still failing after %d fix attempts (last run %s, conclusion %s)",
				out.FixAttempts, run.URL, run.Conclusion)
		}

		tail, err := l.hosting.FailingJobLogTail(ctx, run.ID, logTailBytes)
		if err != nil {
			l.logger.Warn(ctx, "failing job logs unavailable", zap.Error(err))
			tail = fmt.Sprintf("(logs unavailable: %v)\nrun conclusion: %s", err, run.Conclusion)
		}

		res, err := l.fixer.FixCI(ctx, agent.FixRequest{
			IssueKey:      req.TaskKey,
			WorkspacePath: req.Workspace.Path,
			LogTail:       tail,
			SessionID:     out.SessionID,
		})
		// A failed fix invocation still spent money.
		if res != nil {
			out.CostUSD += res.CostUSD
			if res.SessionID != "" {
				out.SessionID = res.SessionID
			}
		}
		if err != nil {
			return out, err
		}
		out.FixAttempts++

		msg := fmt.Sprintf("%s: fix failing pipeline (attempt %d)", req.TaskKey, out.FixAttempts)
		if err := l.pusher.CommitAndPush(ctx, req.Workspace, msg); err != nil {
			if errors.Is(err, workspace.ErrNoChanges) {
				return out, faults.Newf(faults.Permanent, "recovery.ensure",
					"fix attempt %d produced no changes; last failing run %s", out.FixAttempts, run.URL)
			}
			return out, err
		}

		since = time.Now()
		if err := l.pusher.MergeIntoStaging(ctx, req.Workspace); err != nil {
			return out, err
		}
	}
}

// awaitRun polls until a run created at or after since completes.
func (l *Loop) awaitRun(ctx context.Context, since time.Time) (*hosting.CIRun, error) {
	deadline := time.Now().Add(l.waitTimeout)
	var runID int64

	for poll := 0; ; poll++ {
		var (
			run *hosting.CIRun
			err error
		)
		if runID == 0 {
			run, err = l.hosting.LatestWorkflowRun(ctx, l.workflowFile, l.stagingBranch, since)
		} else {
			run, err = l.hosting.GetWorkflowRun(ctx, runID)
		}
		if err != nil {
			return nil, err
		}
		if run != nil {
			if run.Completed() {
				return run, nil
			}
			runID = run.ID
		}

		if time.Now().After(deadline) {
			return nil, faults.Newf(faults.Transient, "recovery.await",
				"pipeline run did not complete within %s", l.waitTimeout)
		}
		interval := l.pollIntervals[min(poll, len(l.pollIntervals)-1)]
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for pipeline: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}
