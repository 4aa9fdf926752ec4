package backend

import "sort"

// Normalize returns the tasks sorted by position ascending (stable,
// ties broken by creation time) with positions reassigned to a dense
// 1..N sequence. The input may carry arbitrary, duplicate, or gapped
// positions; the input slice is not modified.
func Normalize(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	for i := range out {
		out[i].Position = i + 1
	}
	return out
}

// Move relocates the task named by move.TaskID to move.ToIndex within
// the ordering and renormalizes. The index is clamped into the valid
// range rather than rejected: a concurrent deletion can shrink the
// list between intent formation and application. If the task is not
// present the normalized input is returned unchanged.
func Move(tasks []Task, move QueueMove) []Task {
	sorted := Normalize(tasks)

	idx := -1
	for i := range sorted {
		if sorted[i].ID == move.TaskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Already removed by a concurrent edit; not an error.
		return sorted
	}

	moving := sorted[idx]
	rest := make([]Task, 0, len(sorted)-1)
	rest = append(rest, sorted[:idx]...)
	rest = append(rest, sorted[idx+1:]...)

	to := move.ToIndex
	if to < 0 {
		to = 0
	}
	if to > len(rest) {
		to = len(rest)
	}

	out := make([]Task, 0, len(sorted))
	out = append(out, rest[:to]...)
	out = append(out, moving)
	out = append(out, rest[to:]...)
	// Renumber by insertion index; sorting again would consult the
	// stale pre-move positions and undo the move.
	for i := range out {
		out[i].Position = i + 1
	}
	return out
}

// Diff returns the ids of exactly the tasks whose position changed
// between two orderings, mapped to their new position. Tasks present
// only in moved count as changed. This is the minimal set of rows a
// reorder has to write back.
func Diff(original, moved []Task) map[string]int {
	prev := make(map[string]int, len(original))
	for _, t := range original {
		prev[t.ID] = t.Position
	}

	changed := make(map[string]int)
	for _, t := range moved {
		if p, ok := prev[t.ID]; !ok || p != t.Position {
			changed[t.ID] = t.Position
		}
	}
	return changed
}

// VisibleWindow returns the first k tasks by normalized position: the
// only slice of the queue rendered to the caller at once.
func VisibleWindow(tasks []Task, k int) []Task {
	if k <= 0 {
		return []Task{}
	}
	sorted := Normalize(tasks)
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
