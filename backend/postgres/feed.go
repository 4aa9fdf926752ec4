package postgres

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"upnext/backend"
)

// notifyChannel is the pg_notify channel the schema trigger publishes
// row changes on.
const notifyChannel = "upnext_task_events"

// Feed implements backend.Feed over LISTEN/NOTIFY. Each subscription
// opens a dedicated connection; notifications carry no sequence token,
// so consumers apply them last-received-wins and refresh from the
// store to recover from any gap.
type Feed struct {
	dsn string
}

// NewFeed creates a feed against the given DSN.
func NewFeed(dsn string) *Feed {
	return &Feed{dsn: dsn}
}

// Subscribe opens a LISTEN connection and starts delivering change
// events for the owner. An empty ownerID receives every event. The
// subscription ends when ctx is cancelled, Close is called, or the
// connection drops; in every case the event channel is closed.
func (f *Feed) Subscribe(ctx context.Context, ownerID string) (backend.Subscription, error) {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:     make(chan backend.ChangeEvent, 64),
		cancel: cancel,
	}
	go sub.run(runCtx, conn, ownerID)
	return sub, nil
}

type subscription struct {
	ch     chan backend.ChangeEvent
	cancel context.CancelFunc
	once   sync.Once
}

// Events returns the subscriber's event channel. It is closed when the
// subscription ends.
func (s *subscription) Events() <-chan backend.ChangeEvent {
	return s.ch
}

// Close stops delivery and releases the LISTEN connection. Safe to
// call more than once.
func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// run pumps notifications into the event channel until the context is
// cancelled or the connection fails.
func (s *subscription) run(ctx context.Context, conn *pgx.Conn, ownerID string) {
	defer close(s.ch)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return
		}
		ev, ok := decodePayload(n.Payload)
		if !ok {
			continue
		}
		if ownerID != "" && eventOwner(ev) != ownerID {
			continue
		}
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// notifyPayload mirrors the JSON built by the schema's notify trigger.
type notifyPayload struct {
	Op  string   `json:"op"`
	Old *taskRow `json:"old"`
	New *taskRow `json:"new"`
}

// taskRow is the row_to_json image of one tasks row.
type taskRow struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	State       string     `json:"state"`
	Priority    string     `json:"priority"`
	Position    int        `json:"position"`
	Due         *time.Time `json:"due"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// decodePayload parses one notification. Malformed payloads are
// dropped; unrecognized ops pass through for the consumer to ignore.
func decodePayload(payload string) (backend.ChangeEvent, bool) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return backend.ChangeEvent{}, false
	}

	ev := backend.ChangeEvent{Old: p.Old.task(), New: p.New.task()}
	switch p.Op {
	case "INSERT":
		ev.Kind = backend.EventInsert
	case "UPDATE":
		ev.Kind = backend.EventUpdate
	case "DELETE":
		ev.Kind = backend.EventDelete
	default:
		ev.Kind = backend.EventKind(strings.ToLower(p.Op))
	}
	return ev, true
}

func (r *taskRow) task() *backend.Task {
	if r == nil {
		return nil
	}
	return &backend.Task{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Title:       r.Title,
		Description: r.Description,
		State:       backend.TaskState(r.State),
		Priority:    backend.Priority(r.Priority),
		Position:    r.Position,
		Due:         r.Due,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func eventOwner(ev backend.ChangeEvent) string {
	if ev.New != nil {
		return ev.New.OwnerID
	}
	if ev.Old != nil {
		return ev.Old.OwnerID
	}
	return ""
}
