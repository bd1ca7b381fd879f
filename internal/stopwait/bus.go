package stopwait

import (
	"sort"
	"sync"

	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// Matcher selects the stop events a subscription wants.
type Matcher func(types.StopEvent) bool

// Bus delivers each published StopEvent to at most one subscriber: the
// oldest subscription whose matcher accepts it. Delivery removes the
// subscription.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscription is a one-shot wait for a matching event.
type Subscription struct {
	bus   *Bus
	id    int
	match Matcher
	// C receives the matching event, at most once.
	C chan types.StopEvent
}

// Subscribe registers a one-shot subscription.
func (b *Bus) Subscribe(match Matcher) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		bus:   b,
		id:    b.nextID,
		match: match,
		C:     make(chan types.StopEvent, 1),
	}
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// Cancel removes the subscription. If an event was delivered but not yet
// received it is returned so the caller does not lose it.
func (s *Subscription) Cancel() (types.StopEvent, bool) {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	select {
	case ev := <-s.C:
		return ev, true
	default:
		return types.StopEvent{}, false
	}
}

// Publish hands ev to the first matching subscriber and reports whether one
// consumed it.
func (b *Bus) Publish(ev types.StopEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		sub := b.subs[id]
		if !sub.match(ev) {
			continue
		}
		delete(b.subs, id)
		sub.C <- ev
		return true
	}
	return false
}

// Len returns the number of open subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
