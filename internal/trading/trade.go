package trading

import (
	"time"

	"tradepost/internal/items"
)

// State of one trade. Both terminal states are absorbing.
type State int

const (
	Negotiating State = iota
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Negotiating:
		return "NEGOTIATING"
	case Completed:
		return "COMPLETED"
	case Cancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// Trade is the server-authoritative state of one two-party exchange.
// Owned exclusively by the Registry goroutine.
type Trade struct {
	ID        string
	Parties   [2]string
	Offers    map[string][]items.Stack
	Accepted  map[string]bool
	State     State
	CreatedAt time.Time
}

func (t *Trade) hasParty(uuid string) bool {
	return t.Parties[0] == uuid || t.Parties[1] == uuid
}

func (t *Trade) otherParty(uuid string) string {
	if t.Parties[0] == uuid {
		return t.Parties[1]
	}
	return t.Parties[0]
}

// clearAccepted revokes every acceptance. Called on any offer mutation:
// changing the deal never carries prior consent forward.
func (t *Trade) clearAccepted() {
	for k := range t.Accepted {
		delete(t.Accepted, k)
	}
}

func (t *Trade) bothAccepted() bool {
	return t.Accepted[t.Parties[0]] && t.Accepted[t.Parties[1]]
}

// ImmutableTrade is a value snapshot for consumers outside the registry
// goroutine. Collections are copied, never aliased.
type ImmutableTrade struct {
	ID             string
	Parties        [2]string
	OtherParty     string
	OtherPartyName string
	Offers         map[string][]items.Stack
	Accepted       []string
	State          State
}

func snapshotTrade(t *Trade, viewer, viewerOtherName string) ImmutableTrade {
	offers := make(map[string][]items.Stack, len(t.Offers))
	for k, v := range t.Offers {
		offers[k] = items.Clone(v)
	}
	var accepted []string
	for _, p := range t.Parties {
		if t.Accepted[p] {
			accepted = append(accepted, p)
		}
	}
	return ImmutableTrade{
		ID:             t.ID,
		Parties:        t.Parties,
		OtherParty:     t.otherParty(viewer),
		OtherPartyName: viewerOtherName,
		Offers:         offers,
		Accepted:       accepted,
		State:          t.State,
	}
}

// Record is the terminal-notice bookkeeping for a completed or cancelled
// trade. It outlives connections: the record persists until every party
// in PendingNotice has acknowledged the terminal packet.
type Record struct {
	TradeID       string
	Parties       [2]string
	Cancelled     bool
	ItemsFor      map[string][]items.Stack // what each party receives; empty when cancelled
	PendingNotice map[string]bool
	CreatedAt     time.Time
}

func (r *Record) otherParty(uuid string) string {
	if r.Parties[0] == uuid {
		return r.Parties[1]
	}
	return r.Parties[0]
}

// pairKey identifies an unordered party pair; at most one live trade may
// exist per pair.
func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}
