// Package engine is the orchestration state machine. It consumes digested
// events from the trigger sources and drives each tracked task through
// planning, approval, implementation, staging verification, and final merge,
// persisting every transition durably.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/agent"
	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/guard"
	"github.com/fyrsmithlabs/autodev/internal/hosting"
	"github.com/fyrsmithlabs/autodev/internal/logging"
	"github.com/fyrsmithlabs/autodev/internal/store"
	"github.com/fyrsmithlabs/autodev/internal/tracker"
)

// Engine coordinates the task state machine. It is the only writer of the
// task store; trigger sources call its Handle methods concurrently and rely
// on the guard for per-task exclusivity.
type Engine struct {
	store      *store.Store
	guard      *guard.Guard
	tracker    tracker.Client
	hosting    hosting.Client
	agent      Agent
	workspaces Workspaces
	verifier   Verifier
	logger     *logging.Logger

	approvalKeyword  string
	automationID     string
	reviewStatus     string
	productionBranch string
}

// New wires an Engine from its collaborators.
func New(cfg *config.Config, st *store.Store, g *guard.Guard, trk tracker.Client, host hosting.Client, ag Agent, ws Workspaces, ver Verifier, logger *logging.Logger) *Engine {
	return &Engine{
		store:            st,
		guard:            g,
		tracker:          trk,
		hosting:          host,
		agent:            ag,
		workspaces:       ws,
		verifier:         ver,
		logger:           logger.Named("engine"),
		approvalKeyword:  cfg.Engine.ApprovalKeyword,
		automationID:     cfg.Tracker.AutomationAccountID,
		reviewStatus:     cfg.Tracker.ReviewStatus,
		productionBranch: cfg.Hosting.ProductionBranch,
	}
}

// HandleNewTask processes an eligible issue: plan it and post the plan.
// Idempotent: an already-tracked task is a no-op. Planning failure posts an
// error comment and persists nothing, so the next eligibility scan retries
// from scratch.
func (e *Engine) HandleNewTask(ctx context.Context, key string) error {
	if !e.guard.TryAcquire(key) {
		return nil
	}
	defer e.guard.Release(key)
	ctx = logging.WithTaskKey(ctx, key)

	if _, err := e.store.Get(ctx, key); err == nil {
		e.logger.Debug(ctx, "task already tracked, ignoring")
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	issue, err := e.tracker.GetIssue(ctx, key)
	if err != nil {
		return err
	}

	e.logger.Info(ctx, "planning new task", zap.String("summary", issue.Summary))
	res, err := e.agent.Plan(ctx, agent.PlanRequest{
		IssueKey:    key,
		Summary:     issue.Summary,
		Description: issue.Description,
	})
	if err != nil {
		e.logger.Error(ctx, "planning failed", zap.Error(err))
		e.comment(ctx, key, fmt.Sprintf("planning failed: %v", err))
		return err
	}

	postedAt, err := e.tracker.PostComment(ctx, key, fmt.Sprintf(
		"%s Proposed plan:\n\n%s\n\nReply with %q to start implementation, or leave feedback to revise the plan.",
		commentMarker, res.Output, e.approvalKeyword))
	if err != nil {
		return err
	}

	_, err = e.store.Upsert(ctx, key, store.Patch{
		Phase:             store.PhaseP(store.PhasePlanPosted),
		Summary:           store.StringP(issue.Summary),
		Description:       store.StringP(issue.Description),
		Plan:              store.StringP(res.Output),
		ConversationToken: store.StringP(res.SessionID),
		AccruedCost:       store.FloatP(res.CostUSD),
		PlanPostedAt:      store.TimeP(postedAt),
	})
	return err
}

// HandleComment processes new human input on a tracked task: plan feedback
// or approval while plan-posted, rework feedback while in test.
func (e *Engine) HandleComment(ctx context.Context, key string) error {
	if !e.guard.TryAcquire(key) {
		return nil
	}
	defer e.guard.Release(key)
	ctx = logging.WithTaskKey(ctx, key)

	rec, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	switch rec.Phase {
	case store.PhasePlanPosted:
		return e.handlePlanResponse(ctx, rec)
	case store.PhaseTest:
		return e.handleRework(ctx, rec)
	default:
		e.logger.Debug(ctx, "comment ignored in current phase", zap.String("phase", string(rec.Phase)))
		return nil
	}
}

// handlePlanResponse classifies the newest human comment since the plan was
// posted as approval or feedback.
func (e *Engine) handlePlanResponse(ctx context.Context, rec *store.TaskRecord) error {
	comments, err := e.tracker.ListComments(ctx, rec.Key)
	if err != nil {
		return err
	}
	c := latestHumanComment(comments, rec.PlanPostedAt, e.automationID)
	if c == nil {
		return nil
	}

	if ok, notes := classifyApproval(c.Body, e.approvalKeyword); ok {
		e.logger.Info(ctx, "plan approved", zap.String("notes", notes))
		rec, err = e.store.Upsert(ctx, rec.Key, store.Patch{
			Phase:         store.PhaseP(store.PhaseApproved),
			ReviewerNotes: store.StringP(notes),
			PlanPostedAt:  store.TimeP(c.CreatedAt),
		})
		if err != nil {
			return err
		}
		return e.implementCycle(ctx, rec)
	}

	return e.revisePlan(ctx, rec, c)
}

// revisePlan re-plans with the reviewer's feedback and replaces the posted
// plan. The plan watermark always advances to the new post (or, on failure,
// to the feedback comment) so the same feedback is never reprocessed.
func (e *Engine) revisePlan(ctx context.Context, rec *store.TaskRecord, c *tracker.Comment) error {
	e.logger.Info(ctx, "revising plan from feedback", zap.String("comment_id", c.ID))
	res, err := e.agent.Plan(ctx, agent.PlanRequest{
		IssueKey:    rec.Key,
		Summary:     rec.Summary,
		Description: rec.Description,
		PriorPlan:   rec.Plan,
		Feedback:    c.Body,
	})
	if err != nil {
		e.logger.Error(ctx, "plan revision failed", zap.Error(err))
		if res != nil {
			rec, _ = e.accrue(ctx, rec, res.CostUSD, res.SessionID)
		}
		e.comment(ctx, rec.Key, fmt.Sprintf("plan revision failed: %v", err))
		_, uerr := e.store.Upsert(ctx, rec.Key, store.Patch{
			PlanPostedAt: store.TimeP(c.CreatedAt),
		})
		if uerr != nil {
			return uerr
		}
		return err
	}

	postedAt, err := e.tracker.PostComment(ctx, rec.Key, fmt.Sprintf(
		"%s Revised plan:\n\n%s\n\nReply with %q to start implementation, or leave further feedback.",
		commentMarker, res.Output, e.approvalKeyword))
	if err != nil {
		return err
	}

	_, err = e.store.Upsert(ctx, rec.Key, store.Patch{
		Plan:              store.StringP(res.Output),
		ConversationToken: store.StringP(res.SessionID),
		AccruedCost:       store.FloatP(rec.AccruedCost + res.CostUSD),
		PlanPostedAt:      store.TimeP(postedAt),
	})
	return err
}

// HandleReassignment re-drives implementation for a task in failed or
// approved that has been handed back to the automation.
func (e *Engine) HandleReassignment(ctx context.Context, key string) error {
	if !e.guard.TryAcquire(key) {
		return nil
	}
	defer e.guard.Release(key)
	ctx = logging.WithTaskKey(ctx, key)

	rec, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Phase != store.PhaseFailed && rec.Phase != store.PhaseApproved {
		return nil
	}
	return e.implementCycle(ctx, rec)
}

// HandleDone finalizes a task whose issue reached its terminal status:
// merge the PR to production, delete the branch, drop the record.
func (e *Engine) HandleDone(ctx context.Context, key string) error {
	if !e.guard.TryAcquire(key) {
		return nil
	}
	defer e.guard.Release(key)
	ctx = logging.WithTaskKey(ctx, key)

	rec, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Phase != store.PhaseTest && rec.Phase != store.PhaseMerging {
		e.logger.Debug(ctx, "done event ignored in current phase", zap.String("phase", string(rec.Phase)))
		return nil
	}

	if _, err := e.store.Upsert(ctx, key, store.Patch{Phase: store.PhaseP(store.PhaseMerging)}); err != nil {
		return err
	}

	prNumber := rec.PRNumber
	if prNumber == 0 {
		comments, err := e.tracker.ListComments(ctx, key)
		if err != nil {
			return err
		}
		prNumber = prNumberFromComments(comments)
	}
	if prNumber == 0 {
		err := fmt.Errorf("no pull request recorded for %s", key)
		e.failTask(ctx, rec, nil, err)
		return err
	}

	pr, err := e.hosting.GetPullRequest(ctx, prNumber)
	if err != nil {
		e.failTask(ctx, rec, nil, err)
		return err
	}
	if !pr.Merged && pr.State == "open" {
		title := fmt.Sprintf("%s: %s", key, rec.Summary)
		if err := e.hosting.MergePullRequest(ctx, prNumber, title); err != nil {
			e.failTask(ctx, rec, nil, err)
			return err
		}
		e.logger.Info(ctx, "pull request merged", zap.Int("pr", prNumber))
	} else {
		// Already merged or closed by other means; just clean up.
		e.logger.Info(ctx, "pull request already resolved",
			zap.Int("pr", prNumber),
			zap.String("state", pr.State),
			zap.Bool("merged", pr.Merged))
	}

	if rec.BranchName != "" {
		if err := e.hosting.DeleteBranch(ctx, rec.BranchName); err != nil {
			e.logger.Warn(ctx, "branch cleanup failed", zap.Error(err))
		}
	}
	if rec.WorkspacePath != "" {
		if ws, err := e.workspaces.Open(rec.Key, rec.WorkspacePath, rec.BranchName); err == nil {
			e.workspaces.Destroy(ctx, ws)
		}
	}
	e.guard.Deactivate(key)

	e.comment(ctx, key, fmt.Sprintf("merged PR #%d into %s.", prNumber, e.productionBranch))
	if err := e.tracker.Assign(ctx, key, ""); err != nil {
		e.logger.Warn(ctx, "unassign failed", zap.Error(err))
	}

	return e.store.Delete(ctx, key)
}

// RecoverInterrupted marks tasks caught mid-implementation or mid-merge by a
// crash as failed so a human can hand them back. Called once at startup.
func (e *Engine) RecoverInterrupted(ctx context.Context) error {
	for _, phase := range []store.Phase{store.PhaseImplementing, store.PhaseMerging} {
		recs, err := e.store.ListByPhase(ctx, phase)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			e.logger.Warn(ctx, "recovering interrupted task",
				zap.String("task", rec.Key),
				zap.String("phase", string(rec.Phase)))
			e.failTask(ctx, rec, nil, fmt.Errorf("process restarted during %s", rec.Phase))
		}
	}
	return nil
}

// comment posts a marker-prefixed status comment, logging on failure.
func (e *Engine) comment(ctx context.Context, key, body string) {
	if _, err := e.tracker.PostComment(ctx, key, commentMarker+" "+body); err != nil {
		e.logger.Warn(ctx, "posting comment failed", zap.Error(err))
	}
}

// now is a seam for watermark tests.
var now = time.Now
