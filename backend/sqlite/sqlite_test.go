package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"upnext/backend"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func enqueueTitles(t *testing.T, store *Store, owner string, titles ...string) []backend.Task {
	t.Helper()
	drafts := make([]backend.TaskDraft, len(titles))
	for i, title := range titles {
		drafts[i] = backend.TaskDraft{Title: title}
	}
	inserted, err := store.EnqueueDrafts(context.Background(), drafts, owner)
	if err != nil {
		t.Fatalf("EnqueueDrafts(%v) error = %v", titles, err)
	}
	return inserted
}

func assertDense(t *testing.T, store *Store, owner string, wantOrder ...string) {
	t.Helper()
	tasks, err := store.List(context.Background(), owner)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var active []backend.Task
	for _, task := range tasks {
		if task.IsActive() {
			active = append(active, task)
		}
	}
	if len(active) != len(wantOrder) {
		t.Fatalf("got %d active tasks, want %d", len(active), len(wantOrder))
	}
	for i, title := range wantOrder {
		if active[i].Title != title {
			t.Errorf("active[%d] = %q, want %q", i, active[i].Title, title)
		}
		if active[i].Position != i+1 {
			t.Errorf("task %q position = %d, want %d", active[i].Title, active[i].Position, i+1)
		}
	}
}

// TestEnqueueEmptyQueue verifies two drafts against an empty queue get
// positions 1 and 2.
func TestEnqueueEmptyQueue(t *testing.T) {
	store := newTestStore(t)
	inserted := enqueueTitles(t, store, "owner-1", "A", "B")

	if len(inserted) != 2 {
		t.Fatalf("got %d inserts, want 2", len(inserted))
	}
	if inserted[0].Position != 1 || inserted[1].Position != 2 {
		t.Errorf("positions = %d, %d, want 1, 2", inserted[0].Position, inserted[1].Position)
	}
	if inserted[0].ID == "" || inserted[0].ID == inserted[1].ID {
		t.Errorf("ids not assigned uniquely: %q, %q", inserted[0].ID, inserted[1].ID)
	}
}

// TestEnqueueAppendsToTail verifies later enqueues continue after the
// current tail and drop empty-title drafts.
func TestEnqueueAppendsToTail(t *testing.T) {
	store := newTestStore(t)
	enqueueTitles(t, store, "owner-1", "first", "second")

	inserted, err := store.EnqueueDrafts(context.Background(),
		[]backend.TaskDraft{{Title: "  "}, {Title: "third"}}, "owner-1")
	if err != nil {
		t.Fatalf("EnqueueDrafts() error = %v", err)
	}
	if len(inserted) != 1 {
		t.Fatalf("got %d inserts, want 1 (empty title dropped)", len(inserted))
	}
	if inserted[0].Position != 3 {
		t.Errorf("position = %d, want 3", inserted[0].Position)
	}
}

// TestEnqueueIsolatedPerOwner verifies position sequences are
// independent between owners.
func TestEnqueueIsolatedPerOwner(t *testing.T) {
	store := newTestStore(t)
	enqueueTitles(t, store, "owner-1", "a", "b")
	inserted := enqueueTitles(t, store, "owner-2", "x")

	if inserted[0].Position != 1 {
		t.Errorf("owner-2 first position = %d, want 1", inserted[0].Position)
	}
}

// TestCompleteResequences verifies completing the head renumbers the
// rest densely and the completed task leaves the active set.
func TestCompleteResequences(t *testing.T) {
	store := newTestStore(t)
	inserted := enqueueTitles(t, store, "owner-1", "a", "b", "c")

	if err := store.CompleteAndResequence(context.Background(), inserted[0].ID); err != nil {
		t.Fatalf("CompleteAndResequence() error = %v", err)
	}

	assertDense(t, store, "owner-1", "b", "c")

	done, err := store.Get(context.Background(), inserted[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if done.State != backend.StateDone {
		t.Errorf("state = %q, want done", done.State)
	}
}

// TestDeleteResequences verifies hard delete removes the row and
// renumbers the remainder.
func TestDeleteResequences(t *testing.T) {
	store := newTestStore(t)
	inserted := enqueueTitles(t, store, "owner-1", "a", "b", "c")

	if err := store.DeleteAndResequence(context.Background(), inserted[1].ID); err != nil {
		t.Fatalf("DeleteAndResequence() error = %v", err)
	}

	assertDense(t, store, "owner-1", "a", "c")

	if _, err := store.Get(context.Background(), inserted[1].ID); !backend.IsNotFound(err) {
		t.Errorf("Get(deleted) error = %v, want NotFoundError", err)
	}
}

// TestDeprioritizeMovesToTail verifies deprioritize sends the task to
// the end of the active queue.
func TestDeprioritizeMovesToTail(t *testing.T) {
	store := newTestStore(t)
	inserted := enqueueTitles(t, store, "owner-1", "a", "b", "c")

	if err := store.Deprioritize(context.Background(), inserted[0].ID); err != nil {
		t.Fatalf("Deprioritize() error = %v", err)
	}

	assertDense(t, store, "owner-1", "b", "c", "a")
}

// TestReorderMovesToFront covers the concrete scenario: moving c to
// index 0 of [a b c] yields [c a b].
func TestReorderMovesToFront(t *testing.T) {
	store := newTestStore(t)
	inserted := enqueueTitles(t, store, "owner-1", "a", "b", "c")

	err := store.Reorder(context.Background(), backend.QueueMove{TaskID: inserted[2].ID, ToIndex: 0})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}

	assertDense(t, store, "owner-1", "c", "a", "b")
}

// TestReorderClampsIndex verifies an out-of-range index clamps to the
// tail instead of failing.
func TestReorderClampsIndex(t *testing.T) {
	store := newTestStore(t)
	inserted := enqueueTitles(t, store, "owner-1", "a", "b", "c")

	err := store.Reorder(context.Background(), backend.QueueMove{TaskID: inserted[0].ID, ToIndex: 99})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}

	assertDense(t, store, "owner-1", "b", "c", "a")
}

// TestReorderUnknownTask verifies a move naming a missing task fails
// with NotFoundError.
func TestReorderUnknownTask(t *testing.T) {
	store := newTestStore(t)
	enqueueTitles(t, store, "owner-1", "a")

	err := store.Reorder(context.Background(), backend.QueueMove{TaskID: "ghost", ToIndex: 0})
	if !backend.IsNotFound(err) {
		t.Errorf("Reorder(ghost) error = %v, want NotFoundError", err)
	}
}

// TestReorderOnlyWritesChangedRows verifies rows outside the affected
// range keep their updated_at timestamp.
func TestReorderOnlyWritesChangedRows(t *testing.T) {
	store := newTestStore(t)
	inserted := enqueueTitles(t, store, "owner-1", "a", "b", "c", "d")

	before, err := store.Get(context.Background(), inserted[3].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	// Swap b and c; a and d keep their positions.
	err = store.Reorder(context.Background(), backend.QueueMove{TaskID: inserted[2].ID, ToIndex: 1})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}

	after, err := store.Get(context.Background(), inserted[3].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("unchanged row was rewritten: updated_at %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
}

// TestCompletedTaskFreesPosition verifies the partial unique index only
// constrains active tasks: a done task's old position is reusable.
func TestCompletedTaskFreesPosition(t *testing.T) {
	store := newTestStore(t)
	inserted := enqueueTitles(t, store, "owner-1", "a", "b")

	if err := store.CompleteAndResequence(context.Background(), inserted[0].ID); err != nil {
		t.Fatalf("CompleteAndResequence() error = %v", err)
	}

	// b now holds position 1; enqueueing appends at 2.
	more := enqueueTitles(t, store, "owner-1", "c")
	if more[0].Position != 2 {
		t.Errorf("position = %d, want 2", more[0].Position)
	}
}

// TestCreateConflictMapping verifies a duplicate active (owner,
// position) pair surfaces as a structured ConflictError, detected by
// SQLite result code rather than message text.
func TestCreateConflictMapping(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Create(context.Background(), &backend.Task{OwnerID: "owner-1", Title: "first", Position: 1}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := store.Create(context.Background(), &backend.Task{OwnerID: "owner-1", Title: "second", Position: 1})
	if !backend.IsConflict(err) {
		t.Fatalf("Create(duplicate position) error = %v, want ConflictError", err)
	}

	// A different owner may reuse the position.
	if _, err := store.Create(context.Background(), &backend.Task{OwnerID: "owner-2", Title: "other", Position: 1}); err != nil {
		t.Errorf("Create(other owner) error = %v, want nil", err)
	}
}

// TestFeedDeliversMutations verifies the bus carries insert, update,
// and delete events to an owner-scoped subscriber.
func TestFeedDeliversMutations(t *testing.T) {
	store := newTestStore(t)
	sub, err := store.Bus().Subscribe(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer func() { _ = sub.Close() }()

	inserted := enqueueTitles(t, store, "owner-1", "a")

	ev := waitEvent(t, sub)
	if ev.Kind != backend.EventInsert || ev.New == nil || ev.New.Title != "a" {
		t.Errorf("event = %+v, want insert of a", ev)
	}

	if err := store.DeleteAndResequence(context.Background(), inserted[0].ID); err != nil {
		t.Fatalf("DeleteAndResequence() error = %v", err)
	}
	ev = waitEvent(t, sub)
	if ev.Kind != backend.EventDelete || ev.Old == nil || ev.Old.ID != inserted[0].ID {
		t.Errorf("event = %+v, want delete of a", ev)
	}
}

// TestFeedFiltersOwner verifies a subscriber never sees another owner's
// changes.
func TestFeedFiltersOwner(t *testing.T) {
	store := newTestStore(t)
	sub, err := store.Bus().Subscribe(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer func() { _ = sub.Close() }()

	enqueueTitles(t, store, "owner-2", "not mine")
	enqueueTitles(t, store, "owner-1", "mine")

	ev := waitEvent(t, sub)
	if ev.New == nil || ev.New.OwnerID != "owner-1" {
		t.Errorf("subscriber received foreign event: %+v", ev)
	}
}

// TestFeedClosedOnUnsubscribe verifies Close ends the event channel.
func TestFeedClosedOnUnsubscribe(t *testing.T) {
	store := newTestStore(t)
	sub, err := store.Bus().Subscribe(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("received event on closed subscription")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after Close")
	}
}

// TestUpdatePatch verifies partial updates touch only named fields.
func TestUpdatePatch(t *testing.T) {
	store := newTestStore(t)
	inserted := enqueueTitles(t, store, "owner-1", "original")

	title := "renamed"
	prio := backend.PriorityHigh
	updated, err := store.Update(context.Background(), inserted[0].ID, backend.TaskPatch{
		Title:    &title,
		Priority: &prio,
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Title != "renamed" || updated.Priority != backend.PriorityHigh {
		t.Errorf("updated = %+v", updated)
	}
	if updated.State != backend.StateTodo {
		t.Errorf("state changed unexpectedly: %q", updated.State)
	}
	if updated.Position != 1 {
		t.Errorf("position changed unexpectedly: %d", updated.Position)
	}
}

// TestDuePersistence verifies due dates round-trip and can be cleared.
func TestDuePersistence(t *testing.T) {
	store := newTestStore(t)
	due := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	inserted, err := store.EnqueueDrafts(context.Background(),
		[]backend.TaskDraft{{Title: "dated", Due: &due}}, "owner-1")
	if err != nil {
		t.Fatalf("EnqueueDrafts() error = %v", err)
	}

	got, err := store.Get(context.Background(), inserted[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Due == nil || !got.Due.Equal(due) {
		t.Errorf("Due = %v, want %v", got.Due, due)
	}

	if _, err := store.Update(context.Background(), inserted[0].ID, backend.TaskPatch{ClearDue: true}); err != nil {
		t.Fatalf("Update(ClearDue) error = %v", err)
	}
	got, err = store.Get(context.Background(), inserted[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Due != nil {
		t.Errorf("Due = %v after clear, want nil", got.Due)
	}
}

func waitEvent(t *testing.T, sub backend.Subscription) backend.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed event")
		return backend.ChangeEvent{}
	}
}
