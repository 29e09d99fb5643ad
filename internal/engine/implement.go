package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/agent"
	"github.com/fyrsmithlabs/autodev/internal/faults"
	"github.com/fyrsmithlabs/autodev/internal/recovery"
	"github.com/fyrsmithlabs/autodev/internal/store"
	"github.com/fyrsmithlabs/autodev/internal/workspace"
)

// failureOutputLimit bounds agent output quoted in failure comments.
const failureOutputLimit = 1500

// implementCycle runs approved → implementing → test: workspace, agent,
// push, staging merge, CI verification, pull request, review handoff. Any
// failure lands the task in failed with the issue handed back to a human.
// Called with the per-task lock held.
func (e *Engine) implementCycle(ctx context.Context, rec *store.TaskRecord) error {
	if !e.guard.TryActivate(rec.Key) {
		e.logger.Info(ctx, "concurrency ceiling reached, deferring task")
		return nil
	}

	ws, err := e.workspaces.Create(ctx, rec.Key, rec.Summary)
	if err != nil {
		e.failTask(ctx, rec, nil, err)
		return err
	}

	rec, err = e.store.Upsert(ctx, rec.Key, store.Patch{
		Phase:         store.PhaseP(store.PhaseImplementing),
		BranchName:    store.StringP(ws.Branch),
		WorkspacePath: store.StringP(ws.Path),
	})
	if err != nil {
		return err
	}

	e.logger.Info(ctx, "implementing", zap.String("branch", ws.Branch))
	res, agentErr := e.agent.Implement(ctx, agent.ImplementRequest{
		IssueKey:      rec.Key,
		WorkspacePath: ws.Path,
		Plan:          rec.Plan,
		ReviewerNotes: rec.ReviewerNotes,
	})
	// A failed invocation still spent money; record it before failing.
	if res != nil {
		var uerr error
		if rec, uerr = e.accrue(ctx, rec, res.CostUSD, res.SessionID); uerr != nil && agentErr == nil {
			return uerr
		}
	}
	if agentErr != nil {
		e.failTask(ctx, rec, ws, agentErr)
		return agentErr
	}

	commitMsg := fmt.Sprintf("%s: %s", rec.Key, rec.Summary)
	if err := e.workspaces.CommitAndPush(ctx, ws, commitMsg); err != nil {
		if errors.Is(err, workspace.ErrNoChanges) {
			err = faults.Newf(faults.Permanent, "engine.implement", "no changes to push")
		}
		e.failTask(ctx, rec, ws, err)
		return err
	}

	mergedAt := now()
	if err := e.workspaces.MergeIntoStaging(ctx, ws); err != nil {
		e.failTask(ctx, rec, ws, err)
		return err
	}

	out, err := e.verifier.EnsureGreen(ctx, recovery.Request{
		TaskKey:   rec.Key,
		Workspace: ws,
		SessionID: rec.ConversationToken,
		MergedAt:  mergedAt,
	})
	if out != nil {
		rec, _ = e.accrue(ctx, rec, out.CostUSD, out.SessionID)
	}
	if err != nil {
		e.failTask(ctx, rec, ws, err)
		return err
	}

	title := fmt.Sprintf("%s: %s", rec.Key, rec.Summary)
	body := rec.Plan
	if rec.AccruedCost > 0 {
		body = fmt.Sprintf("%s\n\n---\nAutomation cost to date: $%.2f", rec.Plan, rec.AccruedCost)
	}
	pr, err := e.hosting.CreatePullRequest(ctx, ws.Branch, e.productionBranch, title, body)
	if err != nil {
		e.failTask(ctx, rec, ws, err)
		return err
	}

	checkedAt := now()
	if _, err := e.store.Upsert(ctx, rec.Key, store.Patch{
		Phase:               store.PhaseP(store.PhaseTest),
		PRNumber:            store.IntP(pr.Number),
		PRURL:               store.StringP(pr.URL),
		LastFeedbackCheckAt: store.TimeP(checkedAt),
	}); err != nil {
		return err
	}

	e.comment(ctx, rec.Key, fmt.Sprintf(
		"implementation is on staging and the pipeline is green. PR #%d: %s\nComment here to request changes, or move the issue to done to merge.",
		pr.Number, pr.URL))
	if err := e.tracker.TransitionStatus(ctx, rec.Key, e.reviewStatus); err != nil {
		e.logger.Warn(ctx, "review transition failed", zap.Error(err))
	}
	return nil
}

// handleRework drives a test-phase feedback cycle against the existing
// workspace, resuming the agent conversation. The feedback watermark always
// advances, even when the cycle fails, so the same comment is never
// reprocessed. Conflicts keep the task in test; other failures fail it.
func (e *Engine) handleRework(ctx context.Context, rec *store.TaskRecord) error {
	comments, err := e.tracker.ListComments(ctx, rec.Key)
	if err != nil {
		return err
	}
	c := latestHumanComment(comments, rec.LastFeedbackCheckAt, e.automationID)
	if c == nil {
		return nil
	}

	rec, err = e.store.Upsert(ctx, rec.Key, store.Patch{
		LastFeedbackCheckAt: store.TimeP(c.CreatedAt),
	})
	if err != nil {
		return err
	}

	ws, err := e.workspaces.Open(rec.Key, rec.WorkspacePath, rec.BranchName)
	if err != nil {
		e.failTask(ctx, rec, nil, err)
		return err
	}

	e.logger.Info(ctx, "reworking from feedback", zap.String("comment_id", c.ID))
	res, agentErr := e.agent.Implement(ctx, agent.ImplementRequest{
		IssueKey:      rec.Key,
		WorkspacePath: ws.Path,
		Feedback:      c.Body,
		SessionID:     rec.ConversationToken,
	})
	if res != nil {
		var uerr error
		if rec, uerr = e.accrue(ctx, rec, res.CostUSD, res.SessionID); uerr != nil && agentErr == nil {
			return uerr
		}
	}
	if agentErr != nil {
		e.failTask(ctx, rec, ws, agentErr)
		return agentErr
	}

	commitMsg := fmt.Sprintf("%s: address review feedback", rec.Key)
	if err := e.workspaces.CommitAndPush(ctx, ws, commitMsg); err != nil {
		if errors.Is(err, workspace.ErrNoChanges) {
			e.comment(ctx, rec.Key,
				"the feedback did not lead to any code changes. Could you clarify what should change?")
			return nil
		}
		e.failTask(ctx, rec, ws, err)
		return err
	}

	mergedAt := now()
	if err := e.workspaces.MergeIntoStaging(ctx, ws); err != nil {
		if faults.IsConflict(err) {
			// The task keeps its workspace and stays reviewable.
			e.comment(ctx, rec.Key, fmt.Sprintf(
				"reworked, but merging into staging hit a conflict: %v\nResolve the conflict or leave new feedback.", err))
			return err
		}
		e.failTask(ctx, rec, ws, err)
		return err
	}

	out, err := e.verifier.EnsureGreen(ctx, recovery.Request{
		TaskKey:   rec.Key,
		Workspace: ws,
		SessionID: rec.ConversationToken,
		MergedAt:  mergedAt,
	})
	if out != nil {
		rec, _ = e.accrue(ctx, rec, out.CostUSD, out.SessionID)
	}
	if err != nil {
		if faults.IsConflict(err) {
			e.comment(ctx, rec.Key, fmt.Sprintf(
				"rework merge hit a conflict during pipeline repair: %v", err))
			return err
		}
		e.failTask(ctx, rec, ws, err)
		return err
	}

	e.comment(ctx, rec.Key, "feedback addressed; staging is green again.")
	return nil
}

// accrue adds an agent invocation's cost to the task and records the latest
// conversation token.
func (e *Engine) accrue(ctx context.Context, rec *store.TaskRecord, cost float64, sessionID string) (*store.TaskRecord, error) {
	patch := store.Patch{AccruedCost: store.FloatP(rec.AccruedCost + cost)}
	if sessionID != "" {
		patch.ConversationToken = store.StringP(sessionID)
	}
	updated, err := e.store.Upsert(ctx, rec.Key, patch)
	if err != nil {
		return rec, err
	}
	return updated, nil
}

// failTask is the single failure path: destroy the workspace, mark the task
// failed, surface the error on the issue, and hand it back to a human.
func (e *Engine) failTask(ctx context.Context, rec *store.TaskRecord, ws *workspace.Workspace, cause error) {
	e.logger.Error(ctx, "task failed",
		zap.String("task", rec.Key),
		zap.String("kind", string(faults.KindOf(cause))),
		zap.Error(cause))

	if ws != nil {
		e.workspaces.Destroy(ctx, ws)
	}
	e.guard.Deactivate(rec.Key)

	if _, err := e.store.Upsert(ctx, rec.Key, store.Patch{
		Phase:         store.PhaseP(store.PhaseFailed),
		BranchName:    store.StringP(""),
		WorkspacePath: store.StringP(""),
	}); err != nil {
		e.logger.Error(ctx, "recording failure state failed", zap.Error(err))
	}

	e.comment(ctx, rec.Key, fmt.Sprintf(
		"automation failed (%s): %s\nReassign the issue to the automation account to retry.",
		faults.KindOf(cause), truncateOutput(cause.Error(), failureOutputLimit)))
	if err := e.tracker.Assign(ctx, rec.Key, ""); err != nil {
		e.logger.Warn(ctx, "handing issue back failed", zap.Error(err))
	}
}
