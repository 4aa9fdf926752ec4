package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"upnext/backend"
	"upnext/internal/retry"
)

// Store implements backend.Store using SQLite. Mutations publish
// change events on an in-process Bus so local subscribers see the same
// feed shape the remote backend provides.
type Store struct {
	db    *sql.DB
	bus   *Bus
	retry retry.Policy
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides the insert-race retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.retry = p }
}

// New creates a new SQLite store and initializes the database schema.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	p := retry.DefaultPolicy()
	p.Retryable = backend.IsConflict
	s := &Store{db: db, bus: NewBus(), retry: p}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Bus returns the change-feed bus fed by this store's mutations.
func (s *Store) Bus() *Bus {
	return s.bus
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'todo',
			priority TEXT NOT NULL DEFAULT 'medium',
			position INTEGER NOT NULL,
			due TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_owner_position
			ON tasks(owner_id, position)
			WHERE state NOT IN ('done', 'archived');
	`

	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const taskColumns = "id, owner_id, title, description, state, priority, position, due, created_at, updated_at"

// List returns all tasks for an owner sorted by position ascending,
// ties broken by creation time.
func (s *Store) List(ctx context.Context, ownerID string) ([]backend.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE owner_id = ? ORDER BY position ASC, created_at ASC",
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tasks := []backend.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Get returns a single task by id.
func (s *Store) Get(ctx context.Context, id string) (*backend.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &backend.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a single task row as-is (position included).
func (s *Store) Create(ctx context.Context, task *backend.Task) (*backend.Task, error) {
	t := *task
	if t.ID == "" {
		t.ID = backend.GenerateID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.State == "" {
		t.State = backend.StateTodo
	}
	if t.Priority == "" {
		t.Priority = backend.PriorityMedium
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.OwnerID, t.Title, t.Description, string(t.State), string(t.Priority),
		t.Position, formatDue(t.Due), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return nil, mapError(err, t.OwnerID, t.ID)
	}

	s.bus.Publish(backend.ChangeEvent{Kind: backend.EventInsert, New: &t})
	return &t, nil
}

// Update modifies task fields named by the patch and returns the
// updated row.
func (s *Store) Update(ctx context.Context, id string, patch backend.TaskPatch) (*backend.Task, error) {
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	set := "updated_at = ?"
	args := []any{formatTime(time.Now().UTC())}

	if patch.Title != nil {
		set += ", title = ?"
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		set += ", description = ?"
		args = append(args, *patch.Description)
	}
	if patch.State != nil {
		set += ", state = ?"
		args = append(args, string(*patch.State))
	}
	if patch.Priority != nil {
		set += ", priority = ?"
		args = append(args, string(*patch.Priority))
	}
	if patch.Position != nil {
		set += ", position = ?"
		args = append(args, *patch.Position)
	}
	if patch.ClearDue {
		set += ", due = NULL"
	} else if patch.Due != nil {
		set += ", due = ?"
		args = append(args, formatDue(patch.Due))
	}

	args = append(args, id)
	if _, err := s.db.ExecContext(ctx, "UPDATE tasks SET "+set+" WHERE id = ?", args...); err != nil {
		return nil, mapError(err, old.OwnerID, id)
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(backend.ChangeEvent{Kind: backend.EventUpdate, Old: old, New: updated})
	return updated, nil
}

// CompleteAndResequence marks the task done and renumbers the owner's
// remaining active tasks to a dense 1..N sequence, atomically.
func (s *Store) CompleteAndResequence(ctx context.Context, id string) error {
	return s.retireAndResequence(ctx, id, func(tx *sql.Tx, t *backend.Task, pend *[]backend.ChangeEvent) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE tasks SET state = ?, updated_at = ? WHERE id = ?",
			string(backend.StateDone), formatTime(time.Now().UTC()), id,
		)
		if err == nil {
			done := *t
			done.State = backend.StateDone
			*pend = append(*pend, backend.ChangeEvent{Kind: backend.EventUpdate, Old: t, New: &done})
		}
		return err
	})
}

// DeleteAndResequence hard-deletes the task and renumbers the owner's
// remaining active tasks.
func (s *Store) DeleteAndResequence(ctx context.Context, id string) error {
	return s.retireAndResequence(ctx, id, func(tx *sql.Tx, t *backend.Task, pend *[]backend.ChangeEvent) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
		if err == nil {
			*pend = append(*pend, backend.ChangeEvent{Kind: backend.EventDelete, Old: t})
		}
		return err
	})
}

// retireAndResequence runs retire inside a transaction, then
// resequences the owner's active tasks. The resequenced order is always
// derived from the post-retire database state, never a cached snapshot.
func (s *Store) retireAndResequence(ctx context.Context, id string, retire func(*sql.Tx, *backend.Task, *[]backend.ChangeEvent) error) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Events are buffered until commit so subscribers never observe
	// rolled-back state.
	var pend []backend.ChangeEvent
	if err := retire(tx, task, &pend); err != nil {
		return mapError(err, task.OwnerID, id)
	}
	if err := s.resequenceTx(ctx, tx, task.OwnerID, &pend); err != nil {
		return err
	}
	return s.commit(tx, pend)
}

// Deprioritize moves the task to the tail of the owner's active queue
// and resequences.
func (s *Store) Deprioritize(ctx context.Context, id string) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var pend []backend.ChangeEvent

	var max sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT MAX(position) FROM tasks WHERE owner_id = ? AND state NOT IN ('done', 'archived')",
		task.OwnerID,
	).Scan(&max)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE tasks SET position = ?, updated_at = ? WHERE id = ?",
		max.Int64+1, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return mapError(err, task.OwnerID, id)
	}

	if err := s.resequenceTx(ctx, tx, task.OwnerID, &pend); err != nil {
		return err
	}
	return s.commit(tx, pend)
}

// Reorder applies a queue move against the current database ordering
// and writes back only the rows whose position changed. A move naming
// an unknown task fails loudly: intents against deleted tasks are
// expected to no-op earlier, at the queue layer.
func (s *Store) Reorder(ctx context.Context, move backend.QueueMove) error {
	task, err := s.Get(ctx, move.TaskID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var pend []backend.ChangeEvent

	active, err := s.listActiveTx(ctx, tx, task.OwnerID)
	if err != nil {
		return err
	}
	moved := backend.Move(active, move)
	if err := s.writePositionsTx(ctx, tx, active, moved, &pend); err != nil {
		return err
	}
	return s.commit(tx, pend)
}

// EnqueueDrafts inserts drafts at the tail of the owner's active queue.
// Position is uniqueness-constrained per owner, so a concurrent enqueue
// can race this one to the trailing slots; on conflict the whole
// attempt is discarded and recomputed from a fresh read, up to the
// retry policy's attempt budget.
func (s *Store) EnqueueDrafts(ctx context.Context, drafts []backend.TaskDraft, ownerID string) ([]backend.Task, error) {
	if ownerID == "" {
		return nil, errors.New("enqueue: owner id is required")
	}

	var inserted []backend.Task
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var attemptErr error
		inserted, attemptErr = s.attemptEnqueue(ctx, drafts, ownerID)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// attemptEnqueue performs one read-compute-insert pass.
func (s *Store) attemptEnqueue(ctx context.Context, drafts []backend.TaskDraft, ownerID string) ([]backend.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	var pend []backend.ChangeEvent

	active, err := s.listActiveTx(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}

	inserts := backend.AssignPositions(active, drafts, ownerID)
	now := time.Now().UTC()
	for i := range inserts {
		inserts[i].ID = backend.GenerateID()
		inserts[i].CreatedAt = now
		inserts[i].UpdatedAt = now

		t := inserts[i]
		_, err := tx.ExecContext(ctx,
			"INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			t.ID, t.OwnerID, t.Title, t.Description, string(t.State), string(t.Priority),
			t.Position, formatDue(t.Due), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		)
		if err != nil {
			return nil, mapError(err, ownerID, t.ID)
		}
		pend = append(pend, backend.ChangeEvent{Kind: backend.EventInsert, New: &inserts[i]})
	}

	if err := s.commit(tx, pend); err != nil {
		return nil, err
	}
	return inserts, nil
}

// resequenceTx renumbers the owner's active tasks to a dense 1..N
// sequence, touching only rows whose position actually changes.
func (s *Store) resequenceTx(ctx context.Context, tx *sql.Tx, ownerID string, pend *[]backend.ChangeEvent) error {
	active, err := s.listActiveTx(ctx, tx, ownerID)
	if err != nil {
		return err
	}
	return s.writePositionsTx(ctx, tx, active, backend.Normalize(active), pend)
}

// writePositionsTx persists the position delta between two orderings.
// Changed rows are parked at negative positions first so per-row
// updates never transiently collide with the partial unique index.
func (s *Store) writePositionsTx(ctx context.Context, tx *sql.Tx, original, moved []backend.Task, pend *[]backend.ChangeEvent) error {
	changed := backend.Diff(original, moved)
	if len(changed) == 0 {
		return nil
	}

	for id := range changed {
		if _, err := tx.ExecContext(ctx, "UPDATE tasks SET position = -position WHERE id = ?", id); err != nil {
			return err
		}
	}

	now := formatTime(time.Now().UTC())
	for i := range moved {
		pos, ok := changed[moved[i].ID]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET position = ?, updated_at = ? WHERE id = ?",
			pos, now, moved[i].ID,
		); err != nil {
			return err
		}
		old := backend.FindTaskByID(original, moved[i].ID)
		*pend = append(*pend, backend.ChangeEvent{Kind: backend.EventUpdate, Old: old, New: &moved[i]})
	}
	return nil
}

// listActiveTx reads the owner's active tasks inside a transaction.
func (s *Store) listActiveTx(ctx context.Context, tx *sql.Tx, ownerID string) ([]backend.Task, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE owner_id = ? AND state NOT IN ('done', 'archived') ORDER BY position ASC, created_at ASC",
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []backend.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// commit commits the transaction and publishes the buffered events.
func (s *Store) commit(tx *sql.Tx, events []backend.ChangeEvent) error {
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, ev := range events {
		s.bus.Publish(ev)
	}
	return nil
}

// scanTask reads one task row.
func scanTask(scanner interface{ Scan(dest ...any) error }) (backend.Task, error) {
	var t backend.Task
	var due sql.NullString
	var created, updated string

	err := scanner.Scan(
		&t.ID, &t.OwnerID, &t.Title, &t.Description,
		(*string)(&t.State), (*string)(&t.Priority),
		&t.Position, &due, &created, &updated,
	)
	if err != nil {
		return t, err
	}

	if due.Valid {
		if d, err := time.Parse(time.RFC3339Nano, due.String); err == nil {
			t.Due = &d
		}
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return t, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func formatDue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// mapError converts driver errors into the structured kinds the rest of
// the system dispatches on. Detection is by SQLite result code, never
// by message text.
func mapError(err error, ownerID, id string) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return &backend.ConflictError{OwnerID: ownerID, Err: err}
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return &backend.ConflictError{OwnerID: ownerID, Err: fmt.Errorf("duplicate id %s: %w", id, err)}
		}
	}
	return err
}
