package hosting

import "time"

// PullRequest is the engine-facing view of a change request.
type PullRequest struct {
	Number int
	URL    string
	State  string // "open" or "closed"
	Merged bool
}

// CIRun is one workflow run validating the staging branch.
type CIRun struct {
	ID         int64
	Status     string // "queued", "in_progress", "completed"
	Conclusion string // "success", "failure", ... once completed
	URL        string
	CreatedAt  time.Time
}

// Completed reports whether the run has finished.
func (r *CIRun) Completed() bool {
	return r.Status == "completed"
}

// Succeeded reports whether the run finished successfully.
func (r *CIRun) Succeeded() bool {
	return r.Completed() && r.Conclusion == "success"
}
