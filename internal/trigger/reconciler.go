package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/logging"
	"github.com/fyrsmithlabs/autodev/internal/store"
	"github.com/fyrsmithlabs/autodev/internal/tracker"
)

// Reconciler periodically re-derives engine events from current external
// state, covering webhooks that were missed, dropped, or out of order.
type Reconciler struct {
	engine  Handlers
	tracker tracker.Client
	tasks   TaskReader
	logger  *logging.Logger

	interval       time.Duration
	eligibleStatus string
	doneStatus     string
	automationID   string
}

// NewReconciler builds a Reconciler from config.
func NewReconciler(trkCfg config.TrackerConfig, engCfg config.EngineConfig, engine Handlers, trk tracker.Client, tasks TaskReader, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		engine:         engine,
		tracker:        trk,
		tasks:          tasks,
		logger:         logger.Named("reconciler"),
		interval:       engCfg.ReconcileInterval.Duration(),
		eligibleStatus: trkCfg.EligibleStatus,
		doneStatus:     trkCfg.DoneStatus,
		automationID:   trkCfg.AutomationAccountID,
	}
}

// Run executes reconciliation passes until ctx is canceled. One pass runs
// immediately so a restart converges without waiting a full interval.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info(ctx, "reconciler started", zap.Duration("interval", r.interval))
	r.pass(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "reconciler stopped")
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

// pass re-derives every event class once. Errors are logged per task and
// never stop the pass; the next interval retries.
func (r *Reconciler) pass(ctx context.Context) {
	r.scanEligible(ctx)
	r.scanComments(ctx)
	r.scanReassignments(ctx)
	r.scanDone(ctx)
}

// scanEligible picks up issues in the eligible status assigned to the
// automation that have no record yet.
func (r *Reconciler) scanEligible(ctx context.Context) {
	issues, err := r.tracker.SearchByStatus(ctx, r.eligibleStatus, r.automationID)
	if err != nil {
		r.logger.Warn(ctx, "eligibility scan failed", zap.Error(err))
		return
	}
	for _, issue := range issues {
		if err := r.engine.HandleNewTask(ctx, issue.Key); err != nil {
			r.logger.Warn(ctx, "new task handling failed",
				zap.String("task", issue.Key), zap.Error(err))
		}
	}
}

// scanComments re-checks plan-posted and test tasks for human input newer
// than their watermarks.
func (r *Reconciler) scanComments(ctx context.Context) {
	for _, phase := range []store.Phase{store.PhasePlanPosted, store.PhaseTest} {
		recs, err := r.tasks.ListByPhase(ctx, phase)
		if err != nil {
			r.logger.Warn(ctx, "comment scan failed",
				zap.String("phase", string(phase)), zap.Error(err))
			continue
		}
		for _, rec := range recs {
			if err := r.engine.HandleComment(ctx, rec.Key); err != nil {
				r.logger.Warn(ctx, "comment handling failed",
					zap.String("task", rec.Key), zap.Error(err))
			}
		}
	}
}

// scanReassignments re-drives failed tasks handed back to the automation
// and approved tasks that were deferred by the concurrency ceiling.
func (r *Reconciler) scanReassignments(ctx context.Context) {
	failed, err := r.tasks.ListByPhase(ctx, store.PhaseFailed)
	if err != nil {
		r.logger.Warn(ctx, "reassignment scan failed", zap.Error(err))
		return
	}
	for _, rec := range failed {
		issue, err := r.tracker.GetIssue(ctx, rec.Key)
		if err != nil {
			r.logger.Warn(ctx, "issue lookup failed",
				zap.String("task", rec.Key), zap.Error(err))
			continue
		}
		if issue.AssigneeID != r.automationID {
			continue
		}
		if err := r.engine.HandleReassignment(ctx, rec.Key); err != nil {
			r.logger.Warn(ctx, "reassignment handling failed",
				zap.String("task", rec.Key), zap.Error(err))
		}
	}

	approved, err := r.tasks.ListByPhase(ctx, store.PhaseApproved)
	if err != nil {
		r.logger.Warn(ctx, "approved scan failed", zap.Error(err))
		return
	}
	for _, rec := range approved {
		if err := r.engine.HandleReassignment(ctx, rec.Key); err != nil {
			r.logger.Warn(ctx, "deferred task handling failed",
				zap.String("task", rec.Key), zap.Error(err))
		}
	}
}

// scanDone finalizes tasks whose issues reached the terminal status. Tasks
// in merging are re-driven too: a transient failure mid-finalization would
// otherwise strand them there.
func (r *Reconciler) scanDone(ctx context.Context) {
	for _, phase := range []store.Phase{store.PhaseTest, store.PhaseMerging} {
		recs, err := r.tasks.ListByPhase(ctx, phase)
		if err != nil {
			r.logger.Warn(ctx, "done scan failed", zap.Error(err))
			continue
		}
		for _, rec := range recs {
			issue, err := r.tracker.GetIssue(ctx, rec.Key)
			if err != nil {
				r.logger.Warn(ctx, "issue lookup failed",
					zap.String("task", rec.Key), zap.Error(err))
				continue
			}
			if issue.Status != r.doneStatus {
				continue
			}
			if err := r.engine.HandleDone(ctx, rec.Key); err != nil {
				r.logger.Warn(ctx, "done handling failed",
					zap.String("task", rec.Key), zap.Error(err))
			}
		}
	}
}
