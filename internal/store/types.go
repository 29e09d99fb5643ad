package store

import "time"

// Phase is a task's position in the orchestration state machine.
type Phase string

const (
	PhaseNew          Phase = "new"
	PhasePlanning     Phase = "planning"
	PhasePlanPosted   Phase = "plan-posted"
	PhaseApproved     Phase = "approved"
	PhaseImplementing Phase = "implementing"
	PhaseTest         Phase = "test"
	PhaseMerging      Phase = "merging"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

// TaskRecord is the durable row tracked for one external issue.
type TaskRecord struct {
	// Key is the issue identifier (e.g. "PROJ-1"). Primary key.
	Key string

	Phase Phase

	// Summary and Description are an immutable snapshot of the request,
	// captured at task creation.
	Summary     string
	Description string

	// Plan is the latest approved or proposed plan text. Empty until the
	// planning phase produces one.
	Plan string

	// BranchName and WorkspacePath identify the isolated workspace. Set
	// together, and only while an implementation/test/rework cycle is
	// active.
	BranchName    string
	WorkspacePath string

	// PRNumber and PRURL identify the change request once implementation
	// succeeds. PRNumber zero means no PR yet.
	PRNumber int
	PRURL    string

	// ReviewerNotes is free text captured from the approval comment.
	ReviewerNotes string

	// ConversationToken lets a later agent invocation resume the context of
	// an earlier one for the same task.
	ConversationToken string

	// AccruedCost sums agent invocation cost (USD) across the task's life.
	// Monotonically non-decreasing.
	AccruedCost float64

	// PlanPostedAt and LastFeedbackCheckAt are watermarks: comments at or
	// before them have already been processed.
	PlanPostedAt        *time.Time
	LastFeedbackCheckAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Patch describes a partial update. Nil fields are left unchanged.
type Patch struct {
	Phase               *Phase
	Summary             *string
	Description         *string
	Plan                *string
	BranchName          *string
	WorkspacePath       *string
	PRNumber            *int
	PRURL               *string
	ReviewerNotes       *string
	ConversationToken   *string
	AccruedCost         *float64
	PlanPostedAt        **time.Time
	LastFeedbackCheckAt **time.Time
}

// Helpers for building patches without local variables at every call site.

func PhaseP(p Phase) *Phase       { return &p }
func StringP(s string) *string   { return &s }
func IntP(i int) *int            { return &i }
func FloatP(f float64) *float64  { return &f }
func TimeP(t time.Time) **time.Time {
	p := &t
	return &p
}

// ClearTime produces a patch value that nulls a watermark column.
func ClearTime() **time.Time {
	var p *time.Time
	return &p
}
