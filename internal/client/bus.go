package client

import "sync"

// Event is a client-state notification. Concrete types below; consumers
// type-switch on what they care about.
type Event any

type LoggedIn struct{ UUID string }
type Disconnected struct{}
type SessionLapsed struct{}
type ChatUpdated struct{}
type RosterChanged struct{}
type TradeOpened struct{ TradeID string }
type TradeOpenFailed struct {
	Reason  string
	Message string
}
type TradeUpdated struct{ TradeID string }
type TradeClosed struct {
	TradeID   string
	Cancelled bool
}

// Bus is a small fan-out with explicit subscriber lifetime: Subscribe
// returns the channel and the matching unsubscribe. Publishing never
// blocks; a subscriber that falls behind loses events.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
