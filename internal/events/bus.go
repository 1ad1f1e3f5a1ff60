// Package events provides the in-process notification bus used for
// cross-component change events.
package events

import (
	"sync"

	"github.com/centavo-app/centavo/internal/model"
)

// Kind identifies the event family.
type Kind string

const (
	// KindInstanceState fires whenever an integration instance changes
	// lifecycle state.
	KindInstanceState Kind = "instance-state"
	// KindInstanceDeleted fires after an instance finishes shutdown.
	KindInstanceDeleted Kind = "instance-deleted"
	// KindAccountUpdated fires after a reconciliation batch touches an
	// account.
	KindAccountUpdated Kind = "account-updated"
)

// Event is one published notification.
type Event struct {
	Kind       Kind
	InstanceID string
	AccountID  string
	State      model.InstanceState
}

// Subscription receives events until Close is called.
type Subscription struct {
	C    chan Event
	bus  *Bus
	once sync.Once
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Bus is a process-wide publish/subscribe channel fan-out. Publishing never
// blocks: a subscriber that falls behind drops events rather than stalling
// the publisher.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new consumer. The caller must Close the
// subscription when done.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		C:   make(chan Event, 64),
		bus: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers the event to every live subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub.C)
}
