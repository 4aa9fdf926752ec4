package queue

import (
	"context"
	"errors"
	"sync"

	"upnext/backend"
	"upnext/internal/utils"
)

// DefaultWindow is the number of tasks exposed to callers at once.
const DefaultWindow = 7

// Controller keeps one owner's active queue synchronized between the
// store, a live change feed, and local optimistic mutations. The store
// is the source of truth; the in-memory snapshot is a cache that may
// transiently diverge but reconciles within one round trip.
//
// Each Controller owns its snapshot exclusively. An empty owner id
// binds an idle controller that exposes an empty queue and performs no
// network or subscription activity.
type Controller struct {
	store  backend.Store
	feed   backend.Feed
	owner  string
	window int
	logger *utils.Logger

	mu      sync.Mutex
	tasks   []backend.Task
	loading bool
	lastErr error
	gen     uint64
	sub     backend.Subscription
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithWindow overrides the visible window size.
func WithWindow(k int) Option {
	return func(c *Controller) {
		if k > 0 {
			c.window = k
		}
	}
}

// New creates a controller bound to one owner. feed may be nil, in
// which case the controller relies on refreshes alone.
func New(store backend.Store, feed backend.Feed, ownerID string, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		feed:   feed,
		owner:  ownerID,
		window: DefaultWindow,
		logger: utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start loads the initial snapshot and begins folding feed events.
// An idle (ownerless) controller returns immediately.
func (c *Controller) Start(ctx context.Context) error {
	if c.owner == "" {
		return nil
	}

	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	err := c.Refresh(ctx)

	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()

	if c.feed != nil {
		sub, subErr := c.feed.Subscribe(ctx, c.owner)
		if subErr != nil {
			c.recordErr(subErr)
			return subErr
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()

		c.wg.Add(1)
		go c.pump(sub)
	}
	return err
}

// pump folds feed events into the snapshot until the subscription
// closes.
func (c *Controller) pump(sub backend.Subscription) {
	defer c.wg.Done()
	for ev := range sub.Events() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.tasks = fold(c.tasks, ev)
		c.gen++
		c.mu.Unlock()
	}
}

// Refresh replaces the snapshot with a fresh read of the owner's
// active tasks. A successful refresh clears the recorded error.
func (c *Controller) Refresh(ctx context.Context) error {
	if c.owner == "" {
		return nil
	}

	tasks, err := c.store.List(ctx, c.owner)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return err
	}
	if err != nil {
		c.lastErr = err
		return err
	}

	active := make([]backend.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.IsActive() {
			active = append(active, t)
		}
	}
	c.tasks = backend.Normalize(active)
	c.gen++
	c.lastErr = nil
	return nil
}

// Complete marks a task done, optimistically removing it from the
// local queue before the store call resolves.
func (c *Controller) Complete(ctx context.Context, id string) error {
	return c.optimistic(ctx,
		func(tasks []backend.Task) []backend.Task {
			return backend.Normalize(removeTask(tasks, id))
		},
		func(ctx context.Context) error {
			return c.store.CompleteAndResequence(ctx, id)
		},
	)
}

// Delete removes a task, optimistically dropping it locally first.
func (c *Controller) Delete(ctx context.Context, id string) error {
	return c.optimistic(ctx,
		func(tasks []backend.Task) []backend.Task {
			return backend.Normalize(removeTask(tasks, id))
		},
		func(ctx context.Context) error {
			return c.store.DeleteAndResequence(ctx, id)
		},
	)
}

// Deprioritize sends a task to the tail of the queue.
func (c *Controller) Deprioritize(ctx context.Context, id string) error {
	return c.optimistic(ctx,
		func(tasks []backend.Task) []backend.Task {
			return backend.Move(tasks, backend.QueueMove{TaskID: id, ToIndex: len(tasks)})
		},
		func(ctx context.Context) error {
			return c.store.Deprioritize(ctx, id)
		},
	)
}

// Move relocates a task to a zero-based index in the active ordering.
func (c *Controller) Move(ctx context.Context, move backend.QueueMove) error {
	return c.optimistic(ctx,
		func(tasks []backend.Task) []backend.Task {
			return backend.Move(tasks, move)
		},
		func(ctx context.Context) error {
			return c.store.Reorder(ctx, move)
		},
	)
}

// Enqueue inserts drafts at the tail of the queue. Enqueue is not
// optimistic: ids and final positions come from the store, so the
// snapshot is refreshed after the insert instead.
func (c *Controller) Enqueue(ctx context.Context, drafts []backend.TaskDraft) ([]backend.Task, error) {
	if c.owner == "" {
		return nil, errors.New("enqueue: no owner bound")
	}

	inserted, err := c.store.EnqueueDrafts(ctx, drafts, c.owner)
	if err != nil {
		c.recordErr(err)
		return nil, err
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Debug("post-enqueue refresh failed: %v", err)
	}
	return inserted, nil
}

// optimistic captures the snapshot, applies the local transform
// immediately, then runs the store call. On failure the snapshot is
// restored (unless another mutation has landed since), the error is
// recorded, and a refresh resynchronizes with the store.
func (c *Controller) optimistic(ctx context.Context, local func([]backend.Task) []backend.Task, remote func(context.Context) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("queue: controller closed")
	}
	snapshot := make([]backend.Task, len(c.tasks))
	copy(snapshot, c.tasks)
	c.tasks = local(c.tasks)
	c.gen++
	applied := c.gen
	c.mu.Unlock()

	err := remote(ctx)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	// Roll back only if ours is still the latest change; otherwise a
	// feed event or refresh has superseded the captured snapshot.
	if c.gen == applied && !c.closed {
		c.tasks = snapshot
		c.gen++
	}
	c.lastErr = err
	c.mu.Unlock()

	if rerr := c.Refresh(ctx); rerr != nil {
		c.logger.Debug("post-rollback refresh failed: %v", rerr)
	}
	c.recordErr(err)
	return err
}

func (c *Controller) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Window returns the first K active tasks by position.
func (c *Controller) Window() []backend.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return backend.VisibleWindow(c.tasks, c.window)
}

// Tasks returns a copy of the full active snapshot.
func (c *Controller) Tasks() []backend.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]backend.Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Len returns the number of active tasks in the snapshot.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Loading reports whether the initial load is still in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the last recorded store error, cleared by the next
// successful refresh.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close tears down the feed subscription and stops folding events.
// Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	c.wg.Wait()
	return nil
}
