package backend

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task represents a queued todo item
type Task struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	State       TaskState
	Priority    Priority
	Position    int
	Due         *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	StateBacklog    TaskState = "backlog"
	StateTodo       TaskState = "todo"
	StateInProgress TaskState = "in_progress"
	StateBlocked    TaskState = "blocked"
	StateDone       TaskState = "done"
	StateArchived   TaskState = "archived"
)

// ValidStates lists every recognized task state.
func ValidStates() []TaskState {
	return []TaskState{StateBacklog, StateTodo, StateInProgress, StateBlocked, StateDone, StateArchived}
}

// Priority represents task urgency
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriorities lists every recognized priority.
func ValidPriorities() []Priority {
	return []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
}

// IsActive reports whether the task participates in the dense
// position sequence. Done and archived tasks do not.
func (t Task) IsActive() bool {
	return t.State != StateDone && t.State != StateArchived
}

// QueueMove is a directive to relocate a task to a zero-based index
// within the current active ordering.
type QueueMove struct {
	TaskID  string
	ToIndex int
}

// TaskPatch holds optional field updates for a task. Nil fields are
// left unchanged.
type TaskPatch struct {
	Title       *string
	Description *string
	State       *TaskState
	Priority    *Priority
	Position    *int
	Due         *time.Time
	ClearDue    bool
}

// Store defines the interface for task persistence backends.
// Expected failures (transport, conflicts) come back as error values;
// resequencing a task that does not exist surfaces as NotFoundError.
type Store interface {
	// List returns all tasks for an owner, sorted by position ascending
	// with ties broken by creation time.
	List(ctx context.Context, ownerID string) ([]Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	Create(ctx context.Context, task *Task) (*Task, error)
	Update(ctx context.Context, id string, patch TaskPatch) (*Task, error)

	// CompleteAndResequence marks the task done and rewrites the
	// remaining active positions to a dense 1..N sequence.
	CompleteAndResequence(ctx context.Context, id string) error
	// DeleteAndResequence hard-deletes the task and resequences.
	DeleteAndResequence(ctx context.Context, id string) error
	// Deprioritize moves the task to the tail of the active queue.
	Deprioritize(ctx context.Context, id string) error
	// Reorder applies a queue move against a fresh server read and
	// writes back only the rows whose position changed.
	Reorder(ctx context.Context, move QueueMove) error
	// EnqueueDrafts sanitizes and inserts drafts at the tail of the
	// owner's active queue, retrying on position conflicts.
	EnqueueDrafts(ctx context.Context, drafts []TaskDraft, ownerID string) ([]Task, error)

	// Connection management
	Close() error
}

// EventKind classifies a change-feed event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ChangeEvent is one row-level change pushed by a Feed. Old carries the
// pre-image (updates and deletes), New the post-image (inserts and
// updates). Events carry no sequence token; consumers apply them
// last-received-wins.
type ChangeEvent struct {
	Kind EventKind
	Old  *Task
	New  *Task
}

// Feed delivers row-level change events for one owner's tasks.
type Feed interface {
	Subscribe(ctx context.Context, ownerID string) (Subscription, error)
}

// Subscription is a cancellable handle on a change feed. Events is
// closed when the subscription ends.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}

// FindTaskByID searches for a task by id in a slice of tasks.
// Returns nil if no match is found.
func FindTaskByID(tasks []Task, id string) *Task {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}

// GenerateID generates a unique identifier using UUID v4.
// This is used by backends that need to generate task IDs locally.
func GenerateID() string {
	return uuid.New().String()
}
