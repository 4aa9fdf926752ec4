package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"upnext/backend"
	"upnext/internal/retry"
)

// SQLSTATE codes the store dispatches on. Errors are always classified
// by code, never by message text.
const (
	codeUniqueViolation   = "23505"
	codeUndefinedFunction = "42883"
	codeNoDataFound       = "P0002"
)

// Store implements backend.Store on PostgreSQL. Resequencing prefers
// the server-side procedures installed by EnsureSchema; when a
// procedure is missing (SQLSTATE 42883) the store falls back to an
// equivalent client-orchestrated transaction.
type Store struct {
	pool  *pgxpool.Pool
	dsn   string
	retry retry.Policy
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides the insert-race retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.retry = p }
}

// New connects a pool to the given DSN. Call EnsureSchema before first
// use on a fresh database.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	p := retry.DefaultPolicy()
	p.Retryable = backend.IsConflict
	s := &Store{pool: pool, dsn: dsn, retry: p}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Feed returns a change feed backed by LISTEN/NOTIFY on this store's
// database. Each subscription holds its own connection.
func (s *Store) Feed() *Feed {
	return &Feed{dsn: s.dsn}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const taskColumns = "id, owner_id, title, description, state, priority, position, due, created_at, updated_at"

// List returns all tasks for an owner sorted by position ascending,
// ties broken by creation time.
func (s *Store) List(ctx context.Context, ownerID string) ([]backend.Task, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE owner_id = $1 ORDER BY position ASC, created_at ASC",
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
	row := s.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
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

	_, err := s.pool.Exec(ctx,
		"INSERT INTO tasks ("+taskColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		t.ID, t.OwnerID, t.Title, t.Description, string(t.State), string(t.Priority),
		t.Position, t.Due, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, t.OwnerID, t.ID)
	}
	return &t, nil
}

// Update modifies task fields named by the patch and returns the
// updated row.
func (s *Store) Update(ctx context.Context, id string, patch backend.TaskPatch) (*backend.Task, error) {
	set := "updated_at = $1"
	args := []any{time.Now().UTC()}

	appendSet := func(col string, v any) {
		args = append(args, v)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	if patch.Title != nil {
		appendSet("title", *patch.Title)
	}
	if patch.Description != nil {
		appendSet("description", *patch.Description)
	}
	if patch.State != nil {
		appendSet("state", string(*patch.State))
	}
	if patch.Priority != nil {
		appendSet("priority", string(*patch.Priority))
	}
	if patch.Position != nil {
		appendSet("position", *patch.Position)
	}
	if patch.ClearDue {
		set += ", due = NULL"
	} else if patch.Due != nil {
		appendSet("due", *patch.Due)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d RETURNING %s", set, len(args), taskColumns)

	t, err := scanTask(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &backend.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, mapError(err, "", id)
	}
	return &t, nil
}

// CompleteAndResequence marks the task done and renumbers the owner's
// remaining active tasks to a dense 1..N sequence.
func (s *Store) CompleteAndResequence(ctx context.Context, id string) error {
	err := s.callProc(ctx, "upnext_complete_and_resequence", id)
	if backend.IsCapability(err) {
		return s.fallbackRetire(ctx, id, true)
	}
	return err
}

// DeleteAndResequence hard-deletes the task and renumbers the owner's
// remaining active tasks.
func (s *Store) DeleteAndResequence(ctx context.Context, id string) error {
	err := s.callProc(ctx, "upnext_delete_and_resequence", id)
	if backend.IsCapability(err) {
		return s.fallbackRetire(ctx, id, false)
	}
	return err
}

// Deprioritize moves the task to the tail of the owner's active queue
// and resequences.
func (s *Store) Deprioritize(ctx context.Context, id string) error {
	err := s.callProc(ctx, "upnext_deprioritize", id)
	if backend.IsCapability(err) {
		return s.fallbackDeprioritize(ctx, id)
	}
	return err
}

// callProc invokes one of the server-side resequence procedures. A
// missing procedure surfaces as a CapabilityError naming it, which the
// caller turns into a client-orchestrated fallback.
func (s *Store) callProc(ctx context.Context, proc, id string) error {
	if _, err := s.pool.Exec(ctx, "SELECT "+proc+"($1)", id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUndefinedFunction {
			return &backend.CapabilityError{Capability: proc, Err: err}
		}
		return mapError(err, "", id)
	}
	return nil
}

// fallbackRetire is the client-orchestrated equivalent of the
// complete/delete procedures, used when they are not installed.
func (s *Store) fallbackRetire(ctx context.Context, id string, complete bool) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var owner string
		var err error
		if complete {
			err = tx.QueryRow(ctx,
				"UPDATE tasks SET state = 'done', updated_at = NOW() WHERE id = $1 RETURNING owner_id",
				id,
			).Scan(&owner)
		} else {
			err = tx.QueryRow(ctx,
				"DELETE FROM tasks WHERE id = $1 RETURNING owner_id",
				id,
			).Scan(&owner)
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return &backend.NotFoundError{ID: id}
		}
		if err != nil {
			return mapError(err, "", id)
		}
		return resequenceTx(ctx, tx, owner)
	})
}

// fallbackDeprioritize is the client-orchestrated equivalent of the
// deprioritize procedure.
func (s *Store) fallbackDeprioritize(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx, "SELECT owner_id FROM tasks WHERE id = $1", id).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return &backend.NotFoundError{ID: id}
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE tasks SET
				position = 1 + COALESCE((
					SELECT MAX(position) FROM tasks
					WHERE owner_id = $1 AND state NOT IN ('done', 'archived')
				), 0),
				updated_at = NOW()
			WHERE id = $2`,
			owner, id,
		)
		if err != nil {
			return mapError(err, owner, id)
		}
		return resequenceTx(ctx, tx, owner)
	})
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

	return s.inTx(ctx, func(tx pgx.Tx) error {
		active, err := listActiveTx(ctx, tx, task.OwnerID)
		if err != nil {
			return err
		}
		moved := backend.Move(active, move)
		return writePositionsTx(ctx, tx, active, moved)
	})
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
	var inserts []backend.Task
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		active, err := listActiveTx(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		inserts = backend.AssignPositions(active, drafts, ownerID)
		now := time.Now().UTC()
		for i := range inserts {
			inserts[i].ID = backend.GenerateID()
			inserts[i].CreatedAt = now
			inserts[i].UpdatedAt = now

			t := inserts[i]
			_, err := tx.Exec(ctx,
				"INSERT INTO tasks ("+taskColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
				t.ID, t.OwnerID, t.Title, t.Description, string(t.State), string(t.Priority),
				t.Position, t.Due, t.CreatedAt, t.UpdatedAt,
			)
			if err != nil {
				return mapError(err, ownerID, t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserts, nil
}

// inTx runs fn inside a transaction with rollback on error.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// resequenceTx renumbers the owner's active tasks to a dense 1..N
// sequence, touching only rows whose position actually changes.
func resequenceTx(ctx context.Context, tx pgx.Tx, ownerID string) error {
	active, err := listActiveTx(ctx, tx, ownerID)
	if err != nil {
		return err
	}
	return writePositionsTx(ctx, tx, active, backend.Normalize(active))
}

// writePositionsTx persists the position delta between two orderings.
// Changed rows are parked at negative positions first so per-row
// updates never transiently collide with the partial unique index.
func writePositionsTx(ctx context.Context, tx pgx.Tx, original, moved []backend.Task) error {
	changed := backend.Diff(original, moved)
	if len(changed) == 0 {
		return nil
	}

	for id := range changed {
		if _, err := tx.Exec(ctx, "UPDATE tasks SET position = -position WHERE id = $1", id); err != nil {
			return err
		}
	}

	for id, pos := range changed {
		if _, err := tx.Exec(ctx,
			"UPDATE tasks SET position = $1, updated_at = NOW() WHERE id = $2",
			pos, id,
		); err != nil {
			return err
		}
	}
	return nil
}

// listActiveTx reads the owner's active tasks inside a transaction.
func listActiveTx(ctx context.Context, tx pgx.Tx, ownerID string) ([]backend.Task, error) {
	rows, err := tx.Query(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE owner_id = $1 AND state NOT IN ('done', 'archived') ORDER BY position ASC, created_at ASC",
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// scanTask reads one task row.
func scanTask(row pgx.Row) (backend.Task, error) {
	var t backend.Task
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Title, &t.Description,
		(*string)(&t.State), (*string)(&t.Priority),
		&t.Position, &t.Due, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

// mapError converts driver errors into the structured kinds the rest of
// the system dispatches on. Detection is by SQLSTATE code, never by
// message text.
func mapError(err error, ownerID, id string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return &backend.ConflictError{OwnerID: ownerID, Err: err}
		case codeUndefinedFunction:
			return &backend.CapabilityError{Err: err}
		case codeNoDataFound:
			return &backend.NotFoundError{ID: id, Err: err}
		}
	}
	return err
}
