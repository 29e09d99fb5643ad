// Package trigger feeds the engine from its two event sources: digested
// webhook events (push path) and the periodic reconciliation pass (poll
// path). Both call the same idempotent engine entry points, so whichever
// arrives first wins and the other converges to a no-op.
package trigger

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/logging"
	"github.com/fyrsmithlabs/autodev/internal/store"
	"github.com/fyrsmithlabs/autodev/internal/tracker"
)

// EventType tags a digested inbound event. Payloads are validated at the
// HTTP boundary; by the time an Event exists it is well-formed.
type EventType string

const (
	EventIssueCreated   EventType = "issue-created"
	EventIssueUpdated   EventType = "issue-updated"
	EventCommentCreated EventType = "comment-created"
)

// Event is one digested webhook notification. DeliveryID correlates log
// lines for a delivery across the queue and the engine; reconciliation
// passes leave it empty.
type Event struct {
	Type       EventType
	IssueKey   string
	DeliveryID string
}

// Handlers is the engine surface the trigger sources drive.
type Handlers interface {
	HandleNewTask(ctx context.Context, key string) error
	HandleComment(ctx context.Context, key string) error
	HandleReassignment(ctx context.Context, key string) error
	HandleDone(ctx context.Context, key string) error
}

// TaskReader is the read-only store surface the trigger sources use to
// route events by phase.
type TaskReader interface {
	Get(ctx context.Context, key string) (*store.TaskRecord, error)
	ListByPhase(ctx context.Context, phase store.Phase) ([]*store.TaskRecord, error)
}

// Dispatcher routes digested events to engine entry points.
type Dispatcher struct {
	engine  Handlers
	tracker tracker.Client
	tasks   TaskReader
	logger  *logging.Logger

	eligibleStatus string
	doneStatus     string
	automationID   string
	projectKey     string
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(cfg config.TrackerConfig, engine Handlers, trk tracker.Client, tasks TaskReader, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		engine:         engine,
		tracker:        trk,
		tasks:          tasks,
		logger:         logger.Named("trigger"),
		eligibleStatus: cfg.EligibleStatus,
		doneStatus:     cfg.DoneStatus,
		automationID:   cfg.AutomationAccountID,
		projectKey:     cfg.ProjectKey,
	}
}

// Dispatch translates one event into the matching engine call. Events for
// other projects are dropped at this boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if d.projectKey != "" && !strings.HasPrefix(ev.IssueKey, d.projectKey+"-") {
		return nil
	}
	ctx = logging.WithTaskKey(ctx, ev.IssueKey)

	switch ev.Type {
	case EventCommentCreated:
		return d.engine.HandleComment(ctx, ev.IssueKey)
	case EventIssueCreated, EventIssueUpdated:
		return d.dispatchIssueChange(ctx, ev.IssueKey)
	default:
		d.logger.Debug(ctx, "unknown event type dropped", zap.String("type", string(ev.Type)))
		return nil
	}
}

// dispatchIssueChange classifies an issue create/update by the issue's
// current state rather than the payload's claimed delta, so stale or
// out-of-order webhooks cannot mislead the engine.
func (d *Dispatcher) dispatchIssueChange(ctx context.Context, key string) error {
	issue, err := d.tracker.GetIssue(ctx, key)
	if err != nil {
		return err
	}

	if issue.Status == d.doneStatus {
		return d.engine.HandleDone(ctx, key)
	}
	if issue.AssigneeID != d.automationID {
		return nil
	}

	rec, err := d.tasks.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		if issue.Status == d.eligibleStatus {
			return d.engine.HandleNewTask(ctx, key)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if rec.Phase == store.PhaseFailed || rec.Phase == store.PhaseApproved {
		return d.engine.HandleReassignment(ctx, key)
	}
	return nil
}
