package trading

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/auth"
	"tradepost/internal/items"
	plog "tradepost/internal/persistence/log"
	"tradepost/internal/protocol"
)

// Gate answers whether a session id names a live, authenticated session.
type Gate interface {
	Validate(sessionID string) auth.ValidateResult
}

// Sender delivers frames. SendToUser reports whether the user had an
// active connection; a false return leaves a terminal notice pending.
type Sender interface {
	SendToConn(connID, module, msgType string, payload any) bool
	SendToUser(uuid, module, msgType string, payload any) bool
}

// Presence exposes login state and display data for users.
type Presence interface {
	IsOnline(uuid string) bool
	DisplayName(uuid string) string
	AcceptsTrades(uuid string) bool
}

// RecordStore persists terminal-notice records across restarts. May be
// a no-op.
type RecordStore interface {
	PutRecord(r Record) error
	DeleteRecord(tradeID string) error
}

// Audit records durable audit entries. May be nil.
type Audit interface {
	WriteAudit(e plog.Entry) error
}

// Registry is the server-side authoritative trade lifecycle. A single
// goroutine owns trades and terminal records; every operation goes
// through the request channel, which is the only serialization point
// between the two parties of a trade.
type Registry struct {
	maxActive int
	gate      Gate
	sender    Sender
	presence  Presence
	store     RecordStore
	audit     Audit
	logger    *log.Logger
	now       func() time.Time
	retry     time.Duration

	reqs chan registryReq

	trades  map[string]*Trade
	records map[string]*Record
	pairs   map[string]string // pairKey -> tradeID
}

type registryReqKind int

const (
	reqCreate registryReqKind = iota + 1
	reqUpdateOffer
	reqSetAccepted
	reqCancel
	reqAck
	reqPartyOnline
	reqSeedRecords
	reqSnapshot
	reqRecordsLeft
)

type registryReq struct {
	kind registryReqKind

	connID   string
	create   protocol.CreateTradeRequest
	update   protocol.TradeOfferUpdate
	accepted protocol.TradeAcceptedSet
	cancel   protocol.TradeCancelRequest
	ack      protocol.TradeNoticeAck

	uuid string

	seed []Record

	tradeID  string
	snapResp chan *ImmutableTrade
	leftResp chan int
}

type RegistryConfig struct {
	MaxActiveTrades int
	RetryInterval   time.Duration
}

func NewRegistry(cfg RegistryConfig, gate Gate, sender Sender, presence Presence, store RecordStore, audit Audit, logger *log.Logger) *Registry {
	if cfg.MaxActiveTrades <= 0 {
		cfg.MaxActiveTrades = 256
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 15 * time.Second
	}
	return &Registry{
		maxActive: cfg.MaxActiveTrades,
		gate:      gate,
		sender:    sender,
		presence:  presence,
		store:     store,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
		retry:     cfg.RetryInterval,
		reqs:      make(chan registryReq, 256),
		trades:    map[string]*Trade{},
		records:   map[string]*Record{},
		pairs:     map[string]string{},
	}
}

// Run owns the registry state until ctx is cancelled. Pending terminal
// notices are re-attempted on a timer in addition to login/reconnect.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.reqs:
			r.apply(req)
		case <-ticker.C:
			r.retryNotices()
		}
	}
}

func (r *Registry) apply(req registryReq) {
	switch req.kind {
	case reqCreate:
		r.handleCreate(req.connID, req.create)
	case reqUpdateOffer:
		r.handleUpdateOffer(req.connID, req.update)
	case reqSetAccepted:
		r.handleSetAccepted(req.connID, req.accepted)
	case reqCancel:
		r.handleCancel(req.connID, req.cancel)
	case reqAck:
		r.handleAck(req.connID, req.ack)
	case reqPartyOnline:
		r.handlePartyOnline(req.uuid)
	case reqSeedRecords:
		for i := range req.seed {
			rec := req.seed[i]
			r.records[rec.TradeID] = &rec
		}
	case reqSnapshot:
		req.snapResp <- r.snapshotFor(req.tradeID, req.uuid)
	case reqRecordsLeft:
		req.leftResp <- len(r.records)
	}
}

// Create enqueues a trade-creation request.
func (r *Registry) Create(connID string, msg protocol.CreateTradeRequest) {
	r.reqs <- registryReq{kind: reqCreate, connID: connID, create: msg}
}

// UpdateOffer enqueues an offer replacement for one party.
func (r *Registry) UpdateOffer(connID string, msg protocol.TradeOfferUpdate) {
	r.reqs <- registryReq{kind: reqUpdateOffer, connID: connID, update: msg}
}

// SetAccepted enqueues an acceptance toggle.
func (r *Registry) SetAccepted(connID string, msg protocol.TradeAcceptedSet) {
	r.reqs <- registryReq{kind: reqSetAccepted, connID: connID, accepted: msg}
}

// Cancel enqueues a cancellation request.
func (r *Registry) Cancel(connID string, msg protocol.TradeCancelRequest) {
	r.reqs <- registryReq{kind: reqCancel, connID: connID, cancel: msg}
}

// AckNotice enqueues a terminal-notice acknowledgement.
func (r *Registry) AckNotice(connID string, msg protocol.TradeNoticeAck) {
	r.reqs <- registryReq{kind: reqAck, connID: connID, ack: msg}
}

// PartyOnline re-syncs active trades to a freshly (re)connected party and
// re-attempts any pending terminal notices for them.
func (r *Registry) PartyOnline(uuid string) {
	r.reqs <- registryReq{kind: reqPartyOnline, uuid: uuid}
}

// SeedRecords loads persisted terminal records at boot.
func (r *Registry) SeedRecords(recs []Record) {
	r.reqs <- registryReq{kind: reqSeedRecords, seed: recs}
}

// Snapshot returns a value copy of one trade as seen by viewer, or nil.
func (r *Registry) Snapshot(tradeID, viewer string) *ImmutableTrade {
	resp := make(chan *ImmutableTrade, 1)
	r.reqs <- registryReq{kind: reqSnapshot, tradeID: tradeID, uuid: viewer, snapResp: resp}
	return <-resp
}

// PendingRecords reports how many terminal records still await acks.
func (r *Registry) PendingRecords() int {
	resp := make(chan int, 1)
	r.reqs <- registryReq{kind: reqRecordsLeft, leftResp: resp}
	return <-resp
}

func (r *Registry) handleCreate(connID string, msg protocol.CreateTradeRequest) {
	deny := func(reason, detail string) {
		r.sender.SendToConn(connID, protocol.ModuleTrading, protocol.TypeCreateTradeResponse, protocol.CreateTradeResponse{
			Success:        false,
			OtherPartyUUID: msg.OtherPartyUUID,
			FailureReason:  reason,
			FailureMessage: detail,
		})
	}

	v := r.gate.Validate(msg.SessionID)
	if !v.OK || v.UUID != msg.UUID {
		deny(protocol.ErrNotLoggedIn, "not logged in")
		return
	}
	initiator, other := v.UUID, msg.OtherPartyUUID
	if other == "" || other == initiator {
		deny(protocol.ErrBadRequest, "bad other party")
		return
	}
	if !r.presence.IsOnline(other) {
		deny(protocol.ErrTargetUnavailable, "party offline")
		return
	}
	if !r.presence.AcceptsTrades(other) {
		deny(protocol.ErrTargetUnavailable, "party not accepting trades")
		return
	}
	if _, exists := r.pairs[pairKey(initiator, other)]; exists {
		deny(protocol.ErrTradeExists, "trade already open with this party")
		return
	}
	if len(r.trades) >= r.maxActive {
		deny(protocol.ErrCapacity, "server at trade capacity")
		return
	}

	t := &Trade{
		ID:        uuid.NewString(),
		Parties:   [2]string{initiator, other},
		Offers:    map[string][]items.Stack{},
		Accepted:  map[string]bool{},
		State:     Negotiating,
		CreatedAt: r.now(),
	}
	r.trades[t.ID] = t
	r.pairs[pairKey(initiator, other)] = t.ID

	r.auditTrade(t.ID, initiator, "TRADE_CREATED", map[string]any{"other": other})

	r.sender.SendToConn(connID, protocol.ModuleTrading, protocol.TypeCreateTradeResponse, protocol.CreateTradeResponse{
		Success:        true,
		TradeID:        t.ID,
		OtherPartyUUID: other,
	})
	r.sender.SendToUser(other, protocol.ModuleTrading, protocol.TypeCreateTradeResponse, protocol.CreateTradeResponse{
		Success:        true,
		TradeID:        t.ID,
		OtherPartyUUID: initiator,
	})
}

func (r *Registry) handleUpdateOffer(connID string, msg protocol.TradeOfferUpdate) {
	deny := func(reason, detail string) {
		r.sender.SendToConn(connID, protocol.ModuleTrading, protocol.TypeTradeOfferResult, protocol.TradeOfferResult{
			TradeID:        msg.TradeID,
			Success:        false,
			Token:          msg.Token,
			FailureReason:  reason,
			FailureMessage: detail,
		})
	}

	v := r.gate.Validate(msg.SessionID)
	if !v.OK {
		deny(protocol.ErrNotLoggedIn, "not logged in")
		return
	}
	t := r.trades[msg.TradeID]
	if t == nil {
		if r.records[msg.TradeID] != nil {
			deny(protocol.ErrTradeClosed, "trade already closed")
		} else {
			deny(protocol.ErrUnknownTrade, "unknown trade")
		}
		return
	}
	if !t.hasParty(v.UUID) {
		deny(protocol.ErrNotInTrade, "not a party to this trade")
		return
	}
	stacks, err := items.FromWire(msg.Items)
	if err != nil {
		deny(protocol.ErrBadRequest, err.Error())
		return
	}

	t.Offers[v.UUID] = stacks
	t.clearAccepted()

	r.auditTrade(t.ID, v.UUID, "TRADE_OFFER_UPDATED", map[string]any{"total": items.Total(stacks)})

	r.sender.SendToConn(connID, protocol.ModuleTrading, protocol.TypeTradeOfferResult, protocol.TradeOfferResult{
		TradeID: t.ID,
		Success: true,
		Token:   msg.Token,
	})
	r.sender.SendToUser(t.otherParty(v.UUID), protocol.ModuleTrading, protocol.TypeTradeOfferChanged, protocol.TradeOfferChanged{
		TradeID:   t.ID,
		PartyUUID: v.UUID,
		Items:     items.ToWire(stacks),
	})
}

func (r *Registry) handleSetAccepted(connID string, msg protocol.TradeAcceptedSet) {
	v := r.gate.Validate(msg.SessionID)
	if !v.OK {
		return
	}
	t := r.trades[msg.TradeID]
	if t == nil || !t.hasParty(v.UUID) {
		return
	}

	if msg.Accepted {
		t.Accepted[v.UUID] = true
	} else {
		delete(t.Accepted, v.UUID)
	}

	state := protocol.TradeAcceptedState{TradeID: t.ID}
	for _, p := range t.Parties {
		if t.Accepted[p] {
			state.Accepted = append(state.Accepted, p)
		}
	}
	for _, p := range t.Parties {
		r.sender.SendToUser(p, protocol.ModuleTrading, protocol.TypeTradeAcceptedState, state)
	}

	if t.bothAccepted() {
		r.complete(t)
	}
}

// complete transitions atomically: by the time any party hears about it,
// the trade is out of the active set and the terminal record exists.
func (r *Registry) complete(t *Trade) {
	rec := &Record{
		TradeID:       t.ID,
		Parties:       t.Parties,
		ItemsFor:      map[string][]items.Stack{},
		PendingNotice: map[string]bool{},
		CreatedAt:     r.now(),
	}
	for _, p := range t.Parties {
		rec.ItemsFor[p] = items.Clone(t.Offers[t.otherParty(p)])
		rec.PendingNotice[p] = true
	}
	t.State = Completed
	r.retire(t, rec)
	r.auditTrade(t.ID, "", "TRADE_COMPLETED", nil)
	r.deliverNotices(rec)
}

func (r *Registry) handleCancel(connID string, msg protocol.TradeCancelRequest) {
	v := r.gate.Validate(msg.SessionID)
	if !v.OK {
		return
	}
	t := r.trades[msg.TradeID]
	if t == nil || !t.hasParty(v.UUID) {
		return
	}

	// Nothing is transferred: offered items never left their owners
	// server-side, so cancellation only needs the terminal notices.
	rec := &Record{
		TradeID:       t.ID,
		Parties:       t.Parties,
		Cancelled:     true,
		ItemsFor:      map[string][]items.Stack{},
		PendingNotice: map[string]bool{t.Parties[0]: true, t.Parties[1]: true},
		CreatedAt:     r.now(),
	}
	t.State = Cancelled
	r.retire(t, rec)
	r.auditTrade(t.ID, v.UUID, "TRADE_CANCELLED", nil)
	r.deliverNotices(rec)
}

func (r *Registry) retire(t *Trade, rec *Record) {
	delete(r.trades, t.ID)
	delete(r.pairs, pairKey(t.Parties[0], t.Parties[1]))
	r.records[t.ID] = rec
	if r.store != nil {
		if err := r.store.PutRecord(*rec); err != nil {
			r.logger.Printf("persist record %s: %v", t.ID, err)
		}
	}
}

func (r *Registry) handleAck(connID string, msg protocol.TradeNoticeAck) {
	v := r.gate.Validate(msg.SessionID)
	if !v.OK {
		return
	}
	rec := r.records[msg.TradeID]
	if rec == nil || !rec.PendingNotice[v.UUID] {
		// Duplicate or stale ack: harmless, drop with a log line.
		r.logger.Printf("stale notice ack: trade=%s uuid=%s", msg.TradeID, v.UUID)
		return
	}
	delete(rec.PendingNotice, v.UUID)
	if len(rec.PendingNotice) == 0 {
		delete(r.records, msg.TradeID)
		if r.store != nil {
			if err := r.store.DeleteRecord(msg.TradeID); err != nil {
				r.logger.Printf("delete record %s: %v", msg.TradeID, err)
			}
		}
	} else if r.store != nil {
		if err := r.store.PutRecord(*rec); err != nil {
			r.logger.Printf("persist record %s: %v", msg.TradeID, err)
		}
	}
}

func (r *Registry) handlePartyOnline(uuid string) {
	// Authoritative re-sync of every active trade this party is in.
	for _, t := range r.trades {
		if !t.hasParty(uuid) {
			continue
		}
		sync := protocol.TradeStateSync{
			TradeID:        t.ID,
			OtherPartyUUID: t.otherParty(uuid),
			Offers:         map[string][]protocol.ItemRef{},
		}
		for p, stacks := range t.Offers {
			sync.Offers[p] = items.ToWire(stacks)
		}
		for _, p := range t.Parties {
			if t.Accepted[p] {
				sync.Accepted = append(sync.Accepted, p)
			}
		}
		r.sender.SendToUser(uuid, protocol.ModuleTrading, protocol.TypeTradeStateSync, sync)
	}
	// Then any terminal notices that never got acknowledged.
	for _, rec := range r.records {
		if rec.PendingNotice[uuid] {
			r.sendNotice(rec, uuid)
		}
	}
}

func (r *Registry) retryNotices() {
	for _, rec := range r.records {
		r.deliverNotices(rec)
	}
}

func (r *Registry) deliverNotices(rec *Record) {
	for p := range rec.PendingNotice {
		r.sendNotice(rec, p)
	}
}

func (r *Registry) sendNotice(rec *Record, party string) {
	if rec.Cancelled {
		r.sender.SendToUser(party, protocol.ModuleTrading, protocol.TypeTradeCancelled, protocol.TradeCancelled{
			TradeID:        rec.TradeID,
			OtherPartyUUID: rec.otherParty(party),
		})
		return
	}
	r.sender.SendToUser(party, protocol.ModuleTrading, protocol.TypeTradeCompleted, protocol.TradeCompleted{
		TradeID:        rec.TradeID,
		OtherPartyUUID: rec.otherParty(party),
		Items:          items.ToWire(rec.ItemsFor[party]),
	})
}

func (r *Registry) snapshotFor(tradeID, viewer string) *ImmutableTrade {
	t := r.trades[tradeID]
	if t == nil || !t.hasParty(viewer) {
		return nil
	}
	other := t.otherParty(viewer)
	snap := snapshotTrade(t, viewer, r.presence.DisplayName(other))
	return &snap
}

func (r *Registry) auditTrade(tradeID, actor, action string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["trade_id"] = tradeID
	_ = r.audit.WriteAudit(plog.Entry{
		TimeMs: r.now().UnixMilli(),
		Actor:  actor,
		Action: action,
		Detail: detail,
	})
}
