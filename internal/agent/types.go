package agent

// streamEvent is one line of the agent CLI's stream-json output. The stream
// is a lazy, finite sequence: zero or more system/assistant events followed
// by exactly one result event.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// Assistant events carry message content blocks.
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`

	// Result event fields.
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
}

// Result is the accumulated outcome of one agent invocation.
type Result struct {
	// Output is the agent's final text output.
	Output string

	// SessionID resumes this conversation in a later invocation.
	SessionID string

	// CostUSD is the total cost reported for this invocation.
	CostUSD float64

	// Turns is the number of turns consumed.
	Turns int
}

// PlanRequest asks for a read-only implementation plan.
type PlanRequest struct {
	IssueKey    string
	Summary     string
	Description string

	// PriorPlan and Feedback seed a plan revision. Both empty for the
	// initial plan.
	PriorPlan string
	Feedback  string
}

// ImplementRequest asks for code changes in a workspace.
type ImplementRequest struct {
	IssueKey      string
	WorkspacePath string
	Plan          string
	ReviewerNotes string

	// Feedback drives a rework cycle against the same workspace. When set,
	// SessionID resumes the original implementation conversation.
	Feedback  string
	SessionID string
}

// FixRequest asks for a constrained CI repair in an existing workspace.
type FixRequest struct {
	IssueKey      string
	WorkspacePath string
	LogTail       string
	SessionID     string
}
