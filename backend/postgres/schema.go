package postgres

import "context"

// EnsureSchema creates the tasks table, the partial unique index that
// enforces one active task per (owner, position), the atomic
// resequence procedures, and the change-notification trigger.
// Everything is idempotent; the store still works against a database
// where the procedures could not be installed (see the fallback paths).
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			state       TEXT NOT NULL DEFAULT 'todo',
			priority    TEXT NOT NULL DEFAULT 'medium',
			position    INTEGER NOT NULL,
			due         TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_owner_position
			ON tasks(owner_id, position)
			WHERE state NOT IN ('done', 'archived')`,

		// Resequencing parks active rows at negative positions first so
		// per-row updates never transiently collide with the partial
		// unique index; the final ordering preserves the previous one.
		`CREATE OR REPLACE FUNCTION upnext_resequence(p_owner TEXT) RETURNS void AS $$
		BEGIN
			UPDATE tasks SET position = -position
			WHERE owner_id = p_owner AND state NOT IN ('done', 'archived');

			UPDATE tasks t SET position = r.rn, updated_at = NOW()
			FROM (
				SELECT id, row_number() OVER (ORDER BY position DESC, created_at ASC) AS rn
				FROM tasks
				WHERE owner_id = p_owner AND state NOT IN ('done', 'archived')
			) r
			WHERE t.id = r.id;
		END;
		$$ LANGUAGE plpgsql`,

		`CREATE OR REPLACE FUNCTION upnext_complete_and_resequence(p_id TEXT) RETURNS void AS $$
		DECLARE v_owner TEXT;
		BEGIN
			UPDATE tasks SET state = 'done', updated_at = NOW()
			WHERE id = p_id
			RETURNING owner_id INTO v_owner;
			IF v_owner IS NULL THEN
				RAISE EXCEPTION 'task % not found', p_id USING ERRCODE = 'P0002';
			END IF;
			PERFORM upnext_resequence(v_owner);
		END;
		$$ LANGUAGE plpgsql`,

		`CREATE OR REPLACE FUNCTION upnext_delete_and_resequence(p_id TEXT) RETURNS void AS $$
		DECLARE v_owner TEXT;
		BEGIN
			DELETE FROM tasks WHERE id = p_id RETURNING owner_id INTO v_owner;
			IF v_owner IS NULL THEN
				RAISE EXCEPTION 'task % not found', p_id USING ERRCODE = 'P0002';
			END IF;
			PERFORM upnext_resequence(v_owner);
		END;
		$$ LANGUAGE plpgsql`,

		`CREATE OR REPLACE FUNCTION upnext_deprioritize(p_id TEXT) RETURNS void AS $$
		DECLARE v_owner TEXT;
		BEGIN
			SELECT owner_id INTO v_owner FROM tasks WHERE id = p_id;
			IF v_owner IS NULL THEN
				RAISE EXCEPTION 'task % not found', p_id USING ERRCODE = 'P0002';
			END IF;
			UPDATE tasks SET
				position = 1 + COALESCE((
					SELECT MAX(position) FROM tasks
					WHERE owner_id = v_owner AND state NOT IN ('done', 'archived')
				), 0),
				updated_at = NOW()
			WHERE id = p_id;
			PERFORM upnext_resequence(v_owner);
		END;
		$$ LANGUAGE plpgsql`,

		`CREATE OR REPLACE FUNCTION upnext_notify_task_change() RETURNS trigger AS $$
		DECLARE payload TEXT;
		BEGIN
			payload = json_build_object(
				'op', TG_OP,
				'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
				'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END
			)::text;
			PERFORM pg_notify('upnext_task_events', payload);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`,

		`DROP TRIGGER IF EXISTS trg_tasks_notify ON tasks`,
		`CREATE TRIGGER trg_tasks_notify
			AFTER INSERT OR UPDATE OR DELETE ON tasks
			FOR EACH ROW EXECUTE FUNCTION upnext_notify_task_change()`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
