package chat

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/auth"
	plog "tradepost/internal/persistence/log"
	"tradepost/internal/protocol"
)

// Message is one canonical history entry. The server-issued ID is the
// authoritative identifier; client-supplied ids never enter the history.
type Message struct {
	ID         string
	SenderUUID string
	Text       string
	Timestamp  time.Time
}

// Gate answers whether a session id names a live, authenticated session.
type Gate interface {
	Validate(sessionID string) auth.ValidateResult
}

// Sender delivers frames to connections. Implementations must not block.
type Sender interface {
	SendToConn(connID, module, msgType string, payload any) bool
	BroadcastExcept(connID, module, msgType string, payload any)
}

// Store persists the canonical history. May be a no-op.
type Store interface {
	AppendMessage(m Message) error
}

// Audit records durable audit entries. May be nil.
type Audit interface {
	WriteAudit(e plog.Entry) error
}

// Ledger is the server-authoritative chat history. A single goroutine
// owns the ring buffer; all access goes through the request channel.
type Ledger struct {
	capacity  int
	maxText   int
	rlWindow  time.Duration
	rlMax     int
	gate      Gate
	sender    Sender
	store     Store
	audit     Audit
	logger    *log.Logger
	now       func() time.Time
	reqs      chan ledgerReq

	history []Message
	rl      map[string]*rateWindow
}

type rateWindow struct {
	Start time.Time
	Count int
}

type ledgerReqKind int

const (
	reqSubmit ledgerReqKind = iota + 1
	reqLoggedIn
	reqSeed
	reqHistory
)

type ledgerReq struct {
	kind   ledgerReqKind
	connID string
	submit protocol.ChatSubmit
	seed   []Message
	resp   chan []Message
}

type LedgerConfig struct {
	Capacity        int
	MaxTextLen      int
	RateLimitWindow time.Duration
	RateLimitMax    int
}

func NewLedger(cfg LedgerConfig, gate Gate, sender Sender, store Store, audit Audit, logger *log.Logger) *Ledger {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 200
	}
	return &Ledger{
		capacity: cfg.Capacity,
		maxText:  cfg.MaxTextLen,
		rlWindow: cfg.RateLimitWindow,
		rlMax:    cfg.RateLimitMax,
		gate:     gate,
		sender:   sender,
		store:    store,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
		reqs:     make(chan ledgerReq, 256),
		rl:       map[string]*rateWindow{},
	}
}

// Run owns the ledger state until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.reqs:
			l.apply(req)
		}
	}
}

func (l *Ledger) apply(req ledgerReq) {
	switch req.kind {
	case reqSubmit:
		l.handleSubmit(req.connID, req.submit)
	case reqLoggedIn:
		l.handleLoggedIn(req.connID)
	case reqSeed:
		l.handleSeed(req.seed)
	case reqHistory:
		req.resp <- l.snapshot()
	}
}

// Submit enqueues a client chat submission for the owning goroutine.
func (l *Ledger) Submit(connID string, msg protocol.ChatSubmit) {
	l.reqs <- ledgerReq{kind: reqSubmit, connID: connID, submit: msg}
}

// ConnLoggedIn pushes the full history to a freshly logged-in connection.
func (l *Ledger) ConnLoggedIn(connID string) {
	l.reqs <- ledgerReq{kind: reqLoggedIn, connID: connID}
}

// Seed loads persisted history at boot, oldest first.
func (l *Ledger) Seed(msgs []Message) {
	l.reqs <- ledgerReq{kind: reqSeed, seed: msgs}
}

// History returns a copy of the current buffer.
func (l *Ledger) History() []Message {
	resp := make(chan []Message, 1)
	l.reqs <- ledgerReq{kind: reqHistory, resp: resp}
	return <-resp
}

func (l *Ledger) handleSubmit(connID string, msg protocol.ChatSubmit) {
	deny := func(reason string) {
		l.sender.SendToConn(connID, protocol.ModuleChat, protocol.TypeChatResponse, protocol.ChatResponse{
			Success:           false,
			OriginalMessageID: msg.ClientMessageID,
			FailureReason:     reason,
		})
	}

	if msg.ClientMessageID == "" {
		l.logger.Printf("chat submit without client id from %s; dropped", connID)
		return
	}
	v := l.gate.Validate(msg.SessionID)
	if !v.OK || v.UUID != msg.SenderUUID {
		deny(protocol.ErrNotLoggedIn)
		return
	}
	if !l.allowRate(v.UUID) {
		deny(protocol.ErrRateLimit)
		return
	}
	text := Sanitize(msg.Text, l.maxText)
	if text == "" {
		deny(protocol.ErrBadRequest)
		return
	}

	m := Message{
		ID:         uuid.NewString(),
		SenderUUID: v.UUID,
		Text:       text,
		Timestamp:  l.now(),
	}
	l.append(m)

	if l.store != nil {
		if err := l.store.AppendMessage(m); err != nil {
			l.logger.Printf("persist chat %s: %v", m.ID, err)
		}
	}
	if l.audit != nil {
		_ = l.audit.WriteAudit(plog.Entry{
			TimeMs: m.Timestamp.UnixMilli(),
			Actor:  m.SenderUUID,
			Action: "CHAT_SUBMIT",
			Detail: map[string]any{"message_id": m.ID, "len": len(m.Text)},
		})
	}

	// Direct response to the sender, broadcast copy to everyone else.
	l.sender.SendToConn(connID, protocol.ModuleChat, protocol.TypeChatResponse, protocol.ChatResponse{
		Success:           true,
		OriginalMessageID: msg.ClientMessageID,
		NewMessageID:      m.ID,
		Text:              m.Text,
	})
	l.sender.BroadcastExcept(connID, protocol.ModuleChat, protocol.TypeChatBroadcast, toBroadcast(m))
}

func (l *Ledger) handleLoggedIn(connID string) {
	sync := protocol.ChatHistorySync{Messages: make([]protocol.ChatBroadcast, 0, len(l.history))}
	for _, m := range l.history {
		sync.Messages = append(sync.Messages, toBroadcast(m))
	}
	l.sender.SendToConn(connID, protocol.ModuleChat, protocol.TypeChatHistorySync, sync)
}

func (l *Ledger) handleSeed(msgs []Message) {
	for _, m := range msgs {
		l.append(m)
	}
}

func (l *Ledger) append(m Message) {
	l.history = append(l.history, m)
	if len(l.history) > l.capacity {
		l.history = l.history[len(l.history)-l.capacity:]
	}
}

func (l *Ledger) snapshot() []Message {
	out := make([]Message, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Ledger) allowRate(uuid string) bool {
	if l.rlMax <= 0 || l.rlWindow <= 0 {
		return true
	}
	now := l.now()
	w := l.rl[uuid]
	if w == nil || now.Sub(w.Start) >= l.rlWindow {
		l.rl[uuid] = &rateWindow{Start: now, Count: 1}
		return true
	}
	w.Count++
	return w.Count <= l.rlMax
}

func toBroadcast(m Message) protocol.ChatBroadcast {
	return protocol.ChatBroadcast{
		MessageID:  m.ID,
		SenderUUID: m.SenderUUID,
		Text:       m.Text,
		Timestamp:  m.Timestamp.UnixMilli(),
	}
}
