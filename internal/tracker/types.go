package tracker

import "time"

// Issue is the tracker-side view of a task request.
type Issue struct {
	Key         string
	Summary     string
	Description string // plain text, converted from the tracker's rich-text format
	Status      string
	AssigneeID  string // tracker account ID, empty when unassigned
	Labels      []string
}

// Comment is a single issue comment in chronological order.
type Comment struct {
	ID        string
	AuthorID  string
	Body      string // plain text
	CreatedAt time.Time
}
