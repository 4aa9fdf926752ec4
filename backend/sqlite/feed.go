package sqlite

import (
	"context"
	"sync"

	"upnext/backend"
)

// Bus is an in-process change feed with per-owner fan-out. The Store
// publishes one event per committed row change; each subscriber
// receives the events for its owner on a buffered channel.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*busSubscription]struct{}
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*busSubscription]struct{})}
}

// Publish fans the event out to matching subscribers. A subscriber
// that has fallen behind misses the event rather than blocking the
// publisher; consumers recover by refreshing from the store.
func (b *Bus) Publish(ev backend.ChangeEvent) {
	owner := eventOwner(ev)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.owner != "" && sub.owner != owner {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber for one owner's events. An empty
// ownerID receives every event.
func (b *Bus) Subscribe(ctx context.Context, ownerID string) (backend.Subscription, error) {
	sub := &busSubscription{
		bus:   b,
		owner: ownerID,
		ch:    make(chan backend.ChangeEvent, 64),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub, nil
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub, nil
}

// Close tears down every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*busSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*busSubscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
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

type busSubscription struct {
	bus   *Bus
	owner string
	ch    chan backend.ChangeEvent
	once  sync.Once
}

// Events returns the subscriber's event channel. It is closed when the
// subscription ends.
func (s *busSubscription) Events() <-chan backend.ChangeEvent {
	return s.ch
}

// Close removes the subscriber and closes its channel. Safe to call
// more than once.
func (s *busSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
	return nil
}
