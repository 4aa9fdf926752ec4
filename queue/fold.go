package queue

import "upnext/backend"

// fold applies one change-feed event to the active-queue snapshot and
// returns the normalized result. The reducer is pure and does no I/O.
//
// Events carry no sequence token, so two updates to the same task
// delivered out of order resolve last-received-wins; a later refresh
// from the store corrects any divergence.
func fold(tasks []backend.Task, ev backend.ChangeEvent) []backend.Task {
	switch ev.Kind {
	case backend.EventInsert, backend.EventUpdate:
		if ev.New == nil {
			return backend.Normalize(tasks)
		}
		if !ev.New.IsActive() {
			return backend.Normalize(removeTask(tasks, ev.New.ID))
		}
		return backend.Normalize(upsertTask(tasks, *ev.New))
	case backend.EventDelete:
		if ev.Old == nil {
			return backend.Normalize(tasks)
		}
		return backend.Normalize(removeTask(tasks, ev.Old.ID))
	default:
		// Unrecognized kinds are a safe no-op.
		return backend.Normalize(tasks)
	}
}

// upsertTask replaces the task matching t.ID, or appends when absent.
func upsertTask(tasks []backend.Task, t backend.Task) []backend.Task {
	out := make([]backend.Task, len(tasks), len(tasks)+1)
	copy(out, tasks)
	for i := range out {
		if out[i].ID == t.ID {
			out[i] = t
			return out
		}
	}
	return append(out, t)
}

// removeTask drops the task with the given id, if present.
func removeTask(tasks []backend.Task, id string) []backend.Task {
	out := make([]backend.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
