package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradepost/internal/chat"
	"tradepost/internal/items"
	"tradepost/internal/protocol"
	"tradepost/internal/trading"
)

// Config tunes the client-side timers.
type Config struct {
	ExtendEvery    time.Duration // session keep-alive interval
	ChatPendingTTL time.Duration // PENDING chat entries older than this flip to DENIED
	ReservationTTL time.Duration // unacknowledged reservations older than this roll back
}

func DefaultConfig() Config {
	return Config{
		ExtendEvery:    60 * time.Second,
		ChatPendingTTL: 30 * time.Second,
		ReservationTTL: 30 * time.Second,
	}
}

// Client is the explicit client-core object: one connection, one login,
// the chat ledger, and the live trade sessions. Constructed per use, no
// package-level instance.
type Client struct {
	url    string
	cfg    Config
	world  trading.World
	logger *log.Logger
	bus    *Bus

	mu          sync.Mutex
	conn        *websocket.Conn
	online      bool
	sessionID   string
	selfUUID    string
	displayName string
	ledger      *chat.ClientLedger
	sessions    map[string]*trading.Session
	roster      map[string]string // uuid -> display name

	loginCh chan protocol.LoginResponse
	done    chan struct{}
}

func New(url string, cfg Config, world trading.World, logger *log.Logger) *Client {
	return &Client{
		url:      url,
		cfg:      cfg,
		world:    world,
		logger:   logger,
		bus:      NewBus(),
		sessions: map[string]*trading.Session{},
		roster:   map[string]string{},
		loginCh:  make(chan protocol.LoginResponse, 1),
	}
}

// Events exposes the client's notification bus.
func (c *Client) Events() *Bus { return c.bus }

// Dial connects and starts the read and timer loops. Call Login next.
func (c *Client) Dial(ctx context.Context) error {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = wsConn
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.readLoop(wsConn)
	go c.timerLoop()
	return nil
}

// Login authenticates and, on success, primes the ledger and marks the
// client online. The server follows up with the chat history sync and
// trade state re-sync on its own.
func (c *Client) Login(name, secret string) error {
	if err := c.send(protocol.ModuleAuth, protocol.TypeLoginRequest, protocol.LoginRequest{Name: name, Secret: secret}); err != nil {
		return err
	}
	select {
	case res := <-c.loginCh:
		if !res.Success {
			return fmt.Errorf("login rejected: %s (%s)", res.FailureReason, res.FailureMessage)
		}
		c.mu.Lock()
		c.online = true
		c.sessionID = res.SessionID
		c.selfUUID = res.UUID
		c.displayName = res.DisplayName
		if c.ledger == nil {
			c.ledger = chat.NewClientLedger(res.UUID, c.logger)
		}
		c.mu.Unlock()
		c.bus.Publish(LoggedIn{UUID: res.UUID})
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("login timed out")
	}
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.online = false
	done := c.done
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SelfUUID returns the logged-in user uuid, empty before login.
func (c *Client) SelfUUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfUUID
}

// Online reports whether the client holds a live session.
func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Chat returns the client chat ledger, nil before first login.
func (c *Client) Chat() *chat.ClientLedger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger
}

// Roster returns uuid -> display name of currently online users.
func (c *Client) Roster() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.roster))
	for k, v := range c.roster {
		out[k] = v
	}
	return out
}

// SendChat appends a PENDING entry and transmits the submission. No
// automatic retry: a denial stays denied.
func (c *Client) SendChat(text string) error {
	c.mu.Lock()
	if !c.online || c.ledger == nil {
		c.mu.Unlock()
		return fmt.Errorf("not online")
	}
	submit := c.ledger.Propose(c.sessionID, text)
	c.mu.Unlock()
	c.bus.Publish(ChatUpdated{})
	return c.send(protocol.ModuleChat, protocol.TypeChatSubmit, submit)
}

// OpenTrade asks the server to create a trade with the other party. The
// session object appears once the server confirms.
func (c *Client) OpenTrade(otherUUID string) error {
	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return fmt.Errorf("not online")
	}
	req := protocol.CreateTradeRequest{SessionID: c.sessionID, UUID: c.selfUUID, OtherPartyUUID: otherUUID}
	c.mu.Unlock()
	return c.send(protocol.ModuleTrading, protocol.TypeCreateTradeRequest, req)
}

// Trade returns the live session for tradeID, or nil.
func (c *Client) Trade(tradeID string) *trading.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[tradeID]
}

// TradeIDs returns the ids of all live trade sessions.
func (c *Client) TradeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// CancelTrade requests cancellation; the rollback happens when the
// TRADE_CANCELLED notice arrives.
func (c *Client) CancelTrade(tradeID string) error {
	c.mu.Lock()
	req := protocol.TradeCancelRequest{SessionID: c.sessionID, TradeID: tradeID}
	c.mu.Unlock()
	return c.send(protocol.ModuleTrading, protocol.TypeTradeCancelRequest, req)
}

func (c *Client) send(module, msgType string, payload any) error {
	b, err := protocol.Encode(module, msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			c.logger.Printf("undecodable frame; dropped")
			continue
		}
		c.dispatch(env)
	}
	// Disconnected: the session outcome of anything in flight is
	// unknown; nothing is rolled back until the post-reconnect sync.
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
	c.bus.Publish(Disconnected{})
}

func (c *Client) timerLoop() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	extend := time.NewTicker(c.cfg.ExtendEvery)
	sweep := time.NewTicker(time.Second)
	defer extend.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-done:
			return
		case <-extend.C:
			c.mu.Lock()
			online, sid := c.online, c.sessionID
			c.mu.Unlock()
			if online {
				_ = c.send(protocol.ModuleAuth, protocol.TypeSessionExtend, protocol.SessionExtend{SessionID: sid})
			}
		case <-sweep.C:
			c.sweepTimeouts()
		}
	}
}

func (c *Client) sweepTimeouts() {
	c.mu.Lock()
	ledger := c.ledger
	sessions := make([]*trading.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	if ledger != nil && ledger.ExpirePending(c.cfg.ChatPendingTTL) > 0 {
		c.bus.Publish(ChatUpdated{})
	}
	for _, s := range sessions {
		if s.ExpireReservations(c.cfg.ReservationTTL) > 0 {
			c.bus.Publish(TradeUpdated{TradeID: s.TradeID})
		}
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	bad := func(err error) {
		c.logger.Printf("bad %s/%s payload: %v", env.Module, env.Type, err)
	}
	switch env.Module {
	case protocol.ModuleAuth:
		c.dispatchAuth(env, bad)
	case protocol.ModuleChat:
		c.dispatchChat(env, bad)
	case protocol.ModuleTrading:
		c.dispatchTrading(env, bad)
	case protocol.ModuleUsers:
		c.dispatchUsers(env, bad)
	default:
		c.logger.Printf("unknown module %q; dropped", env.Module)
	}
}

func (c *Client) dispatchAuth(env protocol.Envelope, bad func(error)) {
	switch env.Type {
	case protocol.TypeLoginResponse:
		var m protocol.LoginResponse
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		select {
		case c.loginCh <- m:
		default:
		}
	case protocol.TypeSessionExpired:
		c.mu.Lock()
		c.online = false
		c.mu.Unlock()
		c.bus.Publish(SessionLapsed{})
	}
}

func (c *Client) dispatchChat(env protocol.Envelope, bad func(error)) {
	c.mu.Lock()
	ledger := c.ledger
	c.mu.Unlock()
	if ledger == nil {
		return
	}
	switch env.Type {
	case protocol.TypeChatResponse:
		var m protocol.ChatResponse
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		ledger.Reconcile(m)
		c.bus.Publish(ChatUpdated{})
	case protocol.TypeChatBroadcast:
		var m protocol.ChatBroadcast
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		ledger.AppendIncoming(m)
		c.bus.Publish(ChatUpdated{})
	case protocol.TypeChatHistorySync:
		var m protocol.ChatHistorySync
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		ledger.SetHistory(m)
		c.bus.Publish(ChatUpdated{})
	}
}

func (c *Client) dispatchTrading(env protocol.Envelope, bad func(error)) {
	switch env.Type {
	case protocol.TypeCreateTradeResponse:
		var m protocol.CreateTradeResponse
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		if !m.Success {
			c.bus.Publish(TradeOpenFailed{Reason: m.FailureReason, Message: m.FailureMessage})
			return
		}
		c.ensureSession(m.TradeID, m.OtherPartyUUID)
		c.bus.Publish(TradeOpened{TradeID: m.TradeID})
	case protocol.TypeTradeOfferResult:
		var m protocol.TradeOfferResult
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		if s := c.Trade(m.TradeID); s != nil {
			s.HandleOfferResult(m)
			c.bus.Publish(TradeUpdated{TradeID: m.TradeID})
		}
	case protocol.TypeTradeOfferChanged:
		var m protocol.TradeOfferChanged
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		if s := c.Trade(m.TradeID); s != nil {
			s.HandleOfferChanged(m)
			c.bus.Publish(TradeUpdated{TradeID: m.TradeID})
		}
	case protocol.TypeTradeAcceptedState:
		var m protocol.TradeAcceptedState
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		if s := c.Trade(m.TradeID); s != nil {
			s.HandleAcceptedState(m)
			c.bus.Publish(TradeUpdated{TradeID: m.TradeID})
		}
	case protocol.TypeTradeStateSync:
		var m protocol.TradeStateSync
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		s := c.ensureSession(m.TradeID, m.OtherPartyUUID)
		s.HandleStateSync(m)
		c.bus.Publish(TradeUpdated{TradeID: m.TradeID})
	case protocol.TypeTradeCompleted:
		var m protocol.TradeCompleted
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		c.handleCompleted(m)
	case protocol.TypeTradeCancelled:
		var m protocol.TradeCancelled
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		c.handleCancelled(m)
	}
}

func (c *Client) handleCompleted(m protocol.TradeCompleted) {
	if s := c.Trade(m.TradeID); s != nil {
		s.HandleCompleted(m)
		c.dropSession(m.TradeID)
		c.bus.Publish(TradeClosed{TradeID: m.TradeID})
	} else {
		// Completed while we were away and the session never came back:
		// the inbound items still belong to us.
		if stacks, err := items.FromWire(m.Items); err == nil {
			c.world.SpawnItems(stacks)
		} else {
			c.logger.Printf("trade %s: bad completion items: %v", m.TradeID, err)
		}
		c.bus.Publish(TradeClosed{TradeID: m.TradeID})
	}
	c.ackNotice(m.TradeID)
}

func (c *Client) handleCancelled(m protocol.TradeCancelled) {
	if s := c.Trade(m.TradeID); s != nil {
		s.HandleCancelled()
		c.dropSession(m.TradeID)
	}
	// Published even when no live session exists (cancelled while away),
	// matching handleCompleted.
	c.bus.Publish(TradeClosed{TradeID: m.TradeID, Cancelled: true})
	c.ackNotice(m.TradeID)
}

// ackNotice confirms a terminal notice. Sent for duplicates too: the
// server treats stale acks as no-ops.
func (c *Client) ackNotice(tradeID string) {
	_ = c.send(protocol.ModuleTrading, protocol.TypeTradeNoticeAck, protocol.TradeNoticeAck{
		SessionID: c.currentSessionID(),
		TradeID:   tradeID,
	})
}

func (c *Client) ensureSession(tradeID, otherUUID string) *trading.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.sessions[tradeID]; s != nil {
		return s
	}
	s := trading.NewSession(tradeID, c.selfUUID, otherUUID, c.roster[otherUUID], c.world, func(module, msgType string, payload any) {
		if err := c.send(module, msgType, payload); err != nil {
			c.logger.Printf("trade %s: send %s: %v", tradeID, msgType, err)
		}
	}, c.currentSessionID, c.logger)
	c.sessions[tradeID] = s
	return s
}

func (c *Client) dropSession(tradeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, tradeID)
}

func (c *Client) dispatchUsers(env protocol.Envelope, bad func(error)) {
	switch env.Type {
	case protocol.TypeUserList:
		var m protocol.UserList
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		c.mu.Lock()
		c.roster = map[string]string{}
		for _, u := range m.Users {
			c.roster[u.UUID] = u.DisplayName
		}
		c.mu.Unlock()
		c.bus.Publish(RosterChanged{})
	case protocol.TypeUserOnline:
		var m protocol.UserOnline
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		c.mu.Lock()
		c.roster[m.UUID] = m.DisplayName
		c.mu.Unlock()
		c.bus.Publish(RosterChanged{})
	case protocol.TypeUserOffline:
		var m protocol.UserOffline
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			bad(err)
			return
		}
		c.mu.Lock()
		delete(c.roster, m.UUID)
		c.mu.Unlock()
		c.bus.Publish(RosterChanged{})
	}
}
