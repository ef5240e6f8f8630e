package workerpool

import (
	"sync"

	"github.com/runnerscale/controller/internal/model"
)

// Mailbox is a bounded, multi-producer event queue used to hand off
// hints between the scale-up and scale-down loops (e.g. "server N
// reached running"). Consumers must tolerate duplicate or stale
// events, per the mailbox's at-most-once-per-slot delivery guarantee
// to late subscribers.
//
// Grounded on internal/store.Store's bounded-slice trim behavior,
// reused here for in-memory events instead of persisted scale
// decisions.
type Mailbox struct {
	mu       sync.Mutex
	capacity int
	events   []model.Event
	subs     []chan model.Event
}

// NewMailbox returns a Mailbox retaining at most capacity of the most
// recent events for subscribers that join late.
func NewMailbox(capacity int) *Mailbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox{capacity: capacity}
}

// Post appends ev to the ring buffer and fans it out to current
// subscribers. Slow subscribers never block Post: a full subscriber
// channel silently drops the event for that subscriber, since events
// are hints, not commands.
func (m *Mailbox) Post(ev model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, ev)
	if len(m.events) > m.capacity {
		m.events = m.events[len(m.events)-m.capacity:]
	}

	for _, sub := range m.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events. The returned function
// unsubscribes and closes the channel.
func (m *Mailbox) Subscribe() (<-chan model.Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan model.Event, m.capacity)
	m.subs = append(m.subs, ch)

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

// Recent returns a copy of the most recently retained events, oldest
// first, for a late subscriber that wants pre-subscription context.
func (m *Mailbox) Recent() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Event, len(m.events))
	copy(out, m.events)
	return out
}
