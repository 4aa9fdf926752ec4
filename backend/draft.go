package backend

import (
	"strings"
	"time"
)

// TaskDraft is an unpersisted candidate task awaiting sanitization and
// position assignment. It never carries an id or position.
type TaskDraft struct {
	Title       string
	Description string
	Priority    Priority
	State       TaskState
	Due         *time.Time
}

// Sanitize trims the title and fills defaulted fields: missing priority
// becomes medium, missing state becomes todo. A whitespace-only title
// becomes the empty string; callers are expected to filter those out.
func (d TaskDraft) Sanitize() TaskDraft {
	d.Title = strings.TrimSpace(d.Title)
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if d.State == "" {
		d.State = StateTodo
	}
	return d
}

// AssignPositions converts drafts into insert-ready tasks appended
// after the current active tail. The active snapshot is normalized
// first since callers may hold a stale or gapped copy. Drafts whose
// sanitized title is empty are dropped; surviving drafts keep their
// input order and receive strictly increasing, contiguous positions
// starting at len(active)+1. The owner id is always the caller-supplied
// value, never inferred from the draft.
func AssignPositions(active []Task, drafts []TaskDraft, ownerID string) []Task {
	start := len(Normalize(active))

	inserts := make([]Task, 0, len(drafts))
	for _, d := range drafts {
		d = d.Sanitize()
		if d.Title == "" {
			continue
		}
		inserts = append(inserts, Task{
			OwnerID:     ownerID,
			Title:       d.Title,
			Description: d.Description,
			State:       d.State,
			Priority:    d.Priority,
			Position:    start + len(inserts) + 1,
			Due:         d.Due,
		})
	}
	return inserts
}
