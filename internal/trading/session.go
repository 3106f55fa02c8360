package trading

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/items"
	"tradepost/internal/protocol"
)

// World is the game-world hook the session mutates optimistically.
// ReturnItems must be pure and idempotent per reservation: it is also
// invoked from the reconnect reconciliation pass.
type World interface {
	// TakeItems removes the stacks from play before server confirmation.
	TakeItems(stacks []items.Stack) error
	// ReturnItems materializes stacks back at the last safe location.
	ReturnItems(stacks []items.Stack)
	// SpawnItems materializes inbound items from a completed trade.
	SpawnItems(stacks []items.Stack)
}

// Reservation tracks items pulled from the world under a token, awaiting
// the server's verdict on the tagged offer update.
type Reservation struct {
	Token     string
	Items     []items.Stack
	CreatedAt time.Time
}

// Outbound transmits a frame to the server.
type Outbound func(module, msgType string, payload any)

// Session mirrors the registry's view of one trade on the client and
// owns the optimistic reservation flow. Guarded by a mutex: the network
// dispatch goroutine and UI calls both enter here.
type Session struct {
	TradeID   string
	SelfUUID  string
	OtherUUID string
	OtherName string

	mu             sync.Mutex
	confirmedOffer []items.Stack // self offer as last confirmed by the server
	otherOffer     []items.Stack
	accepted       map[string]bool // authoritative accepted flags
	localAccepted  bool            // what we last requested; reconciled on events
	reservations   map[string]*Reservation
	order          []string // reservation tokens in creation order
	closed         bool
	cancelled      bool

	world     World
	send      Outbound
	sessionID func() string
	logger    *log.Logger
	now       func() time.Time
}

// SessionView is a value snapshot for the UI.
type SessionView struct {
	TradeID          string
	OtherUUID        string
	OtherName        string
	SelfOffer        []items.Stack // confirmed plus reserved, what the UI shows
	OtherOffer       []items.Stack
	Accepted         []string
	LocalAccepted    bool
	OpenReservations int
	Closed           bool
	Cancelled        bool
}

func NewSession(tradeID, selfUUID, otherUUID, otherName string, world World, send Outbound, sessionID func() string, logger *log.Logger) *Session {
	return &Session{
		TradeID:      tradeID,
		SelfUUID:     selfUUID,
		OtherUUID:    otherUUID,
		OtherName:    otherName,
		accepted:     map[string]bool{},
		reservations: map[string]*Reservation{},
		world:        world,
		send:         send,
		sessionID:    sessionID,
		logger:       logger,
		now:          time.Now,
	}
}

// ProposeOfferChange pulls the stacks out of the world immediately and
// transmits the full new offer tagged with a fresh token. The removal is
// speculative until the tagged result arrives.
func (s *Session) ProposeOfferChange(toAdd []items.Stack) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("trade %s is closed", s.TradeID)
	}
	if err := s.world.TakeItems(toAdd); err != nil {
		return "", err
	}
	token := uuid.NewString()
	s.reservations[token] = &Reservation{Token: token, Items: items.Clone(toAdd), CreatedAt: s.now()}
	s.order = append(s.order, token)

	// The transmitted offer is confirmed plus every reservation still
	// awaiting a verdict. The server replaces the whole offer per update,
	// so leaving an open reservation out would revoke its items.
	full := items.Clone(s.confirmedOffer)
	for _, tok := range s.order {
		if resv := s.reservations[tok]; resv != nil {
			full = items.Merge(full, resv.Items)
		}
	}
	s.send(protocol.ModuleTrading, protocol.TypeTradeOfferUpdate, protocol.TradeOfferUpdate{
		SessionID: s.sessionID(),
		TradeID:   s.TradeID,
		Token:     token,
		Items:     items.ToWire(full),
	})
	return token, nil
}

// HandleOfferResult reconciles one tagged verdict. Unknown tokens are
// logged and ignored; duplicate or late results never act twice.
func (s *Session) HandleOfferResult(res protocol.TradeOfferResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resv := s.reservations[res.Token]
	if resv == nil {
		s.logger.Printf("trade %s: result for unknown token %s; ignored", s.TradeID, res.Token)
		return
	}
	s.dropReservation(res.Token)
	if res.Success {
		// Items are committed to the trade now; nothing to roll back.
		s.confirmedOffer = items.Merge(s.confirmedOffer, resv.Items)
		// Our own update revoked all acceptances server-side.
		s.accepted = map[string]bool{}
		s.localAccepted = false
		return
	}
	s.world.ReturnItems(resv.Items)
}

// SetAccepted mirrors the flag locally and transmits the request. The
// authoritative value arrives via HandleAcceptedState.
func (s *Session) SetAccepted(v bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.localAccepted = v
	s.mu.Unlock()
	s.send(protocol.ModuleTrading, protocol.TypeTradeAcceptedSet, protocol.TradeAcceptedSet{
		SessionID: s.sessionID(),
		TradeID:   s.TradeID,
		Accepted:  v,
	})
}

// HandleAcceptedState adopts the server-confirmed accepted set.
func (s *Session) HandleAcceptedState(st protocol.TradeAcceptedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = map[string]bool{}
	for _, p := range st.Accepted {
		s.accepted[p] = true
	}
	s.localAccepted = s.accepted[s.SelfUUID]
}

// HandleOfferChanged adopts the other party's new offer. Any offer
// change clears all acceptances.
func (s *Session) HandleOfferChanged(chg protocol.TradeOfferChanged) {
	stacks, err := items.FromWire(chg.Items)
	if err != nil {
		s.logger.Printf("trade %s: bad offer change: %v", s.TradeID, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if chg.PartyUUID != s.OtherUUID {
		return
	}
	s.otherOffer = stacks
	s.accepted = map[string]bool{}
	s.localAccepted = false
}

// HandleCompleted materializes the inbound items and closes the session.
// Items still held under open reservations were already removed from the
// world and are now consumed by the trade, so they are discarded, not
// returned. Duplicate notices are no-ops (but still worth acking).
func (s *Session) HandleCompleted(msg protocol.TradeCompleted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	inbound, err := items.FromWire(msg.Items)
	if err != nil {
		s.logger.Printf("trade %s: bad completion items: %v", s.TradeID, err)
		inbound = nil
	}
	s.world.SpawnItems(inbound)
	s.reservations = map[string]*Reservation{}
	s.order = nil
}

// HandleCancelled rolls back the confirmed offer and every open
// reservation, then closes the session. Nothing was transferred, so
// everything optimistically removed from the world comes back.
func (s *Session) HandleCancelled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancelled = true
	if len(s.confirmedOffer) > 0 {
		s.world.ReturnItems(s.confirmedOffer)
		s.confirmedOffer = nil
	}
	for _, token := range s.order {
		if resv := s.reservations[token]; resv != nil {
			s.world.ReturnItems(resv.Items)
		}
	}
	s.reservations = map[string]*Reservation{}
	s.order = nil
}

// HandleStateSync reconciles against the authoritative view after a
// reconnect. The server's offer for self becomes the confirmed offer; a
// still-open reservation is considered applied only if the synced offer
// covers its items beyond what was confirmed before the disconnect —
// otherwise its outcome is unknown-and-lost and it is rolled back.
func (s *Session) HandleStateSync(sync protocol.TradeStateSync) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	selfOffer, err := items.FromWire(sync.Offers[s.SelfUUID])
	if err != nil {
		s.logger.Printf("trade %s: bad state sync: %v", s.TradeID, err)
		return
	}
	otherOffer, err := items.FromWire(sync.Offers[s.OtherUUID])
	if err != nil {
		s.logger.Printf("trade %s: bad state sync: %v", s.TradeID, err)
		return
	}

	extra := items.Subtract(selfOffer, s.confirmedOffer)
	for _, token := range s.order {
		resv := s.reservations[token]
		if resv == nil {
			continue
		}
		if items.Contains(extra, resv.Items) {
			// The tagged update landed before the disconnect.
			extra = items.Subtract(extra, resv.Items)
		} else {
			s.world.ReturnItems(resv.Items)
		}
	}
	s.reservations = map[string]*Reservation{}
	s.order = nil

	s.confirmedOffer = selfOffer
	s.otherOffer = otherOffer
	s.accepted = map[string]bool{}
	for _, p := range sync.Accepted {
		s.accepted[p] = true
	}
	s.localAccepted = s.accepted[s.SelfUUID]
}

// ExpireReservations rolls back reservations older than ttl: no verdict
// by then is treated as denied. A verdict arriving later hits an unknown
// token and is ignored.
func (s *Session) ExpireReservations(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	cutoff := s.now().Add(-ttl)
	expired := 0
	for _, token := range append([]string(nil), s.order...) {
		resv := s.reservations[token]
		if resv == nil || resv.CreatedAt.After(cutoff) {
			continue
		}
		s.world.ReturnItems(resv.Items)
		s.dropReservation(token)
		expired++
		s.logger.Printf("trade %s: reservation %s expired; rolled back", s.TradeID, token)
	}
	return expired
}

func (s *Session) dropReservation(token string) {
	delete(s.reservations, token)
	for i, t := range s.order {
		if t == token {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// View returns a value snapshot for the UI.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	shown := items.Clone(s.confirmedOffer)
	for _, token := range s.order {
		if resv := s.reservations[token]; resv != nil {
			shown = items.Merge(shown, resv.Items)
		}
	}
	var accepted []string
	for p, ok := range s.accepted {
		if ok {
			accepted = append(accepted, p)
		}
	}
	return SessionView{
		TradeID:          s.TradeID,
		OtherUUID:        s.OtherUUID,
		OtherName:        s.OtherName,
		SelfOffer:        shown,
		OtherOffer:       items.Clone(s.otherOffer),
		Accepted:         accepted,
		LocalAccepted:    s.localAccepted,
		OpenReservations: len(s.reservations),
		Closed:           s.closed,
		Cancelled:        s.cancelled,
	}
}

// Closed reports whether the trade reached a terminal state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
