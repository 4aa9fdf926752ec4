package backend

import (
	"testing"
	"time"
)

func mkTask(id string, pos int) Task {
	return Task{ID: id, Title: id, State: StateTodo, Priority: PriorityMedium, Position: pos}
}

func ids(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func assertOrder(t *testing.T, got []Task, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d tasks %v, want %d %v", len(got), ids(got), len(want), want)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("index %d: got id %q, want %q (order %v)", i, got[i].ID, id, ids(got))
		}
		if got[i].Position != i+1 {
			t.Errorf("task %q: position = %d, want %d", got[i].ID, got[i].Position, i+1)
		}
	}
}

// TestNormalizeDense verifies normalize produces a dense 1..N sequence
// from gapped and duplicate positions.
func TestNormalizeDense(t *testing.T) {
	tests := []struct {
		name  string
		input []Task
		want  []string
	}{
		{"empty", nil, nil},
		{"single", []Task{mkTask("a", 42)}, []string{"a"}},
		{"already dense", []Task{mkTask("a", 1), mkTask("b", 2), mkTask("c", 3)}, []string{"a", "b", "c"}},
		{"gapped", []Task{mkTask("a", 3), mkTask("b", 7), mkTask("c", 99)}, []string{"a", "b", "c"}},
		{"unsorted", []Task{mkTask("b", 5), mkTask("a", 1), mkTask("c", 9)}, []string{"a", "b", "c"}},
		{"zero and negative", []Task{mkTask("a", 0), mkTask("b", -3), mkTask("c", 2)}, []string{"b", "a", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertOrder(t, Normalize(tt.input), tt.want...)
		})
	}
}

// TestNormalizeTiesByCreation verifies duplicate positions are broken
// by creation time.
func TestNormalizeTiesByCreation(t *testing.T) {
	older := mkTask("older", 2)
	older.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := mkTask("newer", 2)
	newer.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	got := Normalize([]Task{newer, older})
	assertOrder(t, got, "older", "newer")
}

// TestNormalizeDoesNotMutateInput verifies the input slice keeps its
// original positions.
func TestNormalizeDoesNotMutateInput(t *testing.T) {
	input := []Task{mkTask("a", 9), mkTask("b", 4)}
	Normalize(input)
	if input[0].Position != 9 || input[1].Position != 4 {
		t.Errorf("input mutated: positions now %d, %d", input[0].Position, input[1].Position)
	}
}

// TestMoveToFront covers the concrete scenario: moving c from the tail
// to index 0 of [a b c] yields [c a b].
func TestMoveToFront(t *testing.T) {
	queue := []Task{mkTask("a", 1), mkTask("b", 2), mkTask("c", 3)}
	got := Move(queue, QueueMove{TaskID: "c", ToIndex: 0})
	assertOrder(t, got, "c", "a", "b")
}

// TestMovePlacesExactlyOne verifies a move places the task at the
// requested index and preserves the relative order of the others.
func TestMovePlacesExactlyOne(t *testing.T) {
	queue := []Task{mkTask("a", 1), mkTask("b", 2), mkTask("c", 3), mkTask("d", 4)}

	tests := []struct {
		name    string
		move    QueueMove
		want    []string
	}{
		{"to middle", QueueMove{TaskID: "a", ToIndex: 2}, []string{"b", "c", "a", "d"}},
		{"to tail", QueueMove{TaskID: "a", ToIndex: 3}, []string{"b", "c", "d", "a"}},
		{"no-op same index", QueueMove{TaskID: "b", ToIndex: 1}, []string{"a", "b", "c", "d"}},
		{"backward", QueueMove{TaskID: "d", ToIndex: 1}, []string{"a", "d", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertOrder(t, Move(queue, tt.move), tt.want...)
		})
	}
}

// TestMoveRenumbersByInsertion verifies the result is numbered by the
// post-move order: the moved task's old position must not pull it back
// to its original slot.
func TestMoveRenumbersByInsertion(t *testing.T) {
	queue := []Task{mkTask("a", 1), mkTask("b", 2), mkTask("c", 3)}

	got := Move(queue, QueueMove{TaskID: "c", ToIndex: 0})
	if got[0].ID != "c" || got[0].Position != 1 {
		t.Fatalf("moved task = %q at position %d, want c at 1", got[0].ID, got[0].Position)
	}
	assertOrder(t, got, "c", "a", "b")

	// Round-trip through Normalize must preserve the new order.
	assertOrder(t, Normalize(got), "c", "a", "b")
}

// TestMoveClampsIndex verifies out-of-range indexes clamp instead of
// failing: concurrent deletions can shrink the list under an intent.
func TestMoveClampsIndex(t *testing.T) {
	queue := []Task{mkTask("a", 1), mkTask("b", 2), mkTask("c", 3)}

	got := Move(queue, QueueMove{TaskID: "a", ToIndex: 50})
	assertOrder(t, got, "b", "c", "a")

	got = Move(queue, QueueMove{TaskID: "c", ToIndex: -5})
	assertOrder(t, got, "c", "a", "b")
}

// TestMoveUnknownTask verifies moving an absent id is a no-op besides
// normalization.
func TestMoveUnknownTask(t *testing.T) {
	queue := []Task{mkTask("a", 4), mkTask("b", 9)}
	got := Move(queue, QueueMove{TaskID: "ghost", ToIndex: 0})
	assertOrder(t, got, "a", "b")
}

// TestMoveEmpty verifies moving within an empty queue returns empty.
func TestMoveEmpty(t *testing.T) {
	got := Move(nil, QueueMove{TaskID: "a", ToIndex: 0})
	if len(got) != 0 {
		t.Errorf("Move(nil) returned %d tasks, want 0", len(got))
	}
}

// TestDiffChangedOnly verifies diff returns exactly the tasks whose
// position changed.
func TestDiffChangedOnly(t *testing.T) {
	original := []Task{mkTask("a", 1), mkTask("b", 2), mkTask("c", 3)}
	moved := Move(original, QueueMove{TaskID: "c", ToIndex: 0})

	changed := Diff(original, moved)
	want := map[string]int{"c": 1, "a": 2, "b": 3}
	if len(changed) != len(want) {
		t.Fatalf("Diff returned %d entries %v, want %d", len(changed), changed, len(want))
	}
	for id, pos := range want {
		if changed[id] != pos {
			t.Errorf("Diff[%q] = %d, want %d", id, changed[id], pos)
		}
	}
}

// TestDiffIdentical verifies no updates are produced when nothing moved.
func TestDiffIdentical(t *testing.T) {
	queue := []Task{mkTask("a", 1), mkTask("b", 2)}
	if changed := Diff(queue, queue); len(changed) != 0 {
		t.Errorf("Diff of identical orderings = %v, want empty", changed)
	}
}

// TestDiffPartialMove verifies tasks below the affected range are not
// reported.
func TestDiffPartialMove(t *testing.T) {
	original := []Task{mkTask("a", 1), mkTask("b", 2), mkTask("c", 3), mkTask("d", 4)}
	moved := Move(original, QueueMove{TaskID: "c", ToIndex: 1})

	changed := Diff(original, moved)
	if _, ok := changed["a"]; ok {
		t.Errorf("Diff reported unchanged task a: %v", changed)
	}
	if _, ok := changed["d"]; ok {
		t.Errorf("Diff reported unchanged task d: %v", changed)
	}
	if changed["c"] != 2 || changed["b"] != 3 {
		t.Errorf("Diff = %v, want c:2 b:3", changed)
	}
}

// TestVisibleWindow verifies the window is capped at k and recomputed
// from normalized positions.
func TestVisibleWindow(t *testing.T) {
	var queue []Task
	for i := 1; i <= 9; i++ {
		queue = append(queue, mkTask(string(rune('a'+i-1)), i))
	}

	window := VisibleWindow(queue, 7)
	if len(window) != 7 {
		t.Fatalf("window size = %d, want 7", len(window))
	}
	if window[0].ID != "a" || window[6].ID != "g" {
		t.Errorf("window = %v, want a..g", ids(window))
	}

	if got := VisibleWindow(queue[:3], 7); len(got) != 3 {
		t.Errorf("window of 3 tasks = %d entries, want 3", len(got))
	}
	if got := VisibleWindow(queue, 0); len(got) != 0 {
		t.Errorf("window with k=0 = %d entries, want 0", len(got))
	}
}

// TestDeleteHeadThenWindow covers the concrete scenario: deleting the
// head of a 9-task queue renumbers the rest 1..8 and the 7-wide window
// ends at what was originally position 8.
func TestDeleteHeadThenWindow(t *testing.T) {
	var queue []Task
	for i := 1; i <= 9; i++ {
		queue = append(queue, mkTask(string(rune('a'+i-1)), i))
	}

	// Drop the task at position 1.
	remaining := queue[1:]
	normalized := Normalize(remaining)
	for i, task := range normalized {
		if task.Position != i+1 {
			t.Errorf("task %q: position = %d, want %d", task.ID, task.Position, i+1)
		}
	}

	window := VisibleWindow(normalized, 7)
	if len(window) != 7 {
		t.Fatalf("window size = %d, want 7", len(window))
	}
	// Originally position 8 was task "h".
	if window[6].ID != "h" {
		t.Errorf("window tail = %q, want h", window[6].ID)
	}
}
