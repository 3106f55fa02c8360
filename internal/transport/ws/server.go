package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradepost/internal/auth"
	"tradepost/internal/chat"
	"tradepost/internal/protocol"
	"tradepost/internal/trading"
)

// Server owns the connection table and routes inbound envelopes to the
// chat ledger, trade registry, and session gate. It implements the
// Sender and Presence interfaces those registries consume. Frames are
// built before any send; the table lock only covers map access.
type Server struct {
	gate   *auth.Gate
	logger *log.Logger

	ledger *chat.Ledger
	trades *trading.Registry

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
	users map[string]*userState // keyed by user uuid; presence = logged in
}

type conn struct {
	id   string
	out  chan []byte
	uuid string // set after login
}

type userState struct {
	ConnID        string
	DisplayName   string
	AcceptsTrades bool
}

func NewServer(gate *auth.Gate, logger *log.Logger) *Server {
	return &Server{
		gate:   gate,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		conns: map[string]*conn{},
		users: map[string]*userState{},
	}
}

// Bind wires the registries. Separate from NewServer because the
// registries need the server as their Sender/Presence.
func (s *Server) Bind(ledger *chat.Ledger, trades *trading.Registry) {
	s.ledger = ledger
	s.trades = trades
}

// ConsumeExpiry forwards session-expiry events from the gate sweep to
// the affected connection and flips the user offline.
func (s *Server) ConsumeExpiry(ctx context.Context, expired <-chan auth.ExpiredSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-expired:
			s.SendToConn(e.ConnID, protocol.ModuleAuth, protocol.TypeSessionExpired, protocol.SessionExpired{SessionID: e.SessionID})
			s.setOffline(e.UUID)
		}
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wsConn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		c := &conn{id: uuid.NewString(), out: make(chan []byte, 64)}
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-c.out:
					if !ok {
						return
					}
					_ = wsConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := wsConn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = wsConn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := wsConn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			env, err := protocol.DecodeEnvelope(msg)
			if err != nil {
				s.logger.Printf("conn %s: undecodable frame; dropped", c.id)
				continue
			}
			s.route(c.id, env)
		}

		s.disconnect(c.id)
	}
}

// route dispatches one envelope. Malformed payloads are dropped with a
// log entry; they never close the connection.
func (s *Server) route(connID string, env protocol.Envelope) {
	drop := func(err error) {
		s.logger.Printf("conn %s: bad %s/%s payload: %v", connID, env.Module, env.Type, err)
	}
	switch env.Module {
	case protocol.ModuleAuth:
		switch env.Type {
		case protocol.TypeLoginRequest:
			var m protocol.LoginRequest
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				drop(err)
				return
			}
			s.handleLogin(connID, m)
		case protocol.TypeSessionExtend:
			var m protocol.SessionExtend
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				drop(err)
				return
			}
			if !s.gate.Extend(m.SessionID) {
				s.SendToConn(connID, protocol.ModuleAuth, protocol.TypeSessionExpired, protocol.SessionExpired{SessionID: m.SessionID})
			}
		default:
			s.logger.Printf("conn %s: unknown auth type %s; dropped", connID, env.Type)
		}
	case protocol.ModuleChat:
		switch env.Type {
		case protocol.TypeChatSubmit:
			var m protocol.ChatSubmit
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				drop(err)
				return
			}
			s.ledger.Submit(connID, m)
		default:
			s.logger.Printf("conn %s: unknown chat type %s; dropped", connID, env.Type)
		}
	case protocol.ModuleTrading:
		s.routeTrading(connID, env, drop)
	case protocol.ModuleUsers:
		s.logger.Printf("conn %s: unexpected inbound usermgmt frame; dropped", connID)
	default:
		s.logger.Printf("conn %s: unknown module %q; dropped", connID, env.Module)
	}
}

func (s *Server) routeTrading(connID string, env protocol.Envelope, drop func(error)) {
	switch env.Type {
	case protocol.TypeCreateTradeRequest:
		var m protocol.CreateTradeRequest
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			drop(err)
			return
		}
		s.trades.Create(connID, m)
	case protocol.TypeTradeOfferUpdate:
		var m protocol.TradeOfferUpdate
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			drop(err)
			return
		}
		s.trades.UpdateOffer(connID, m)
	case protocol.TypeTradeAcceptedSet:
		var m protocol.TradeAcceptedSet
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			drop(err)
			return
		}
		s.trades.SetAccepted(connID, m)
	case protocol.TypeTradeCancelRequest:
		var m protocol.TradeCancelRequest
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			drop(err)
			return
		}
		s.trades.Cancel(connID, m)
	case protocol.TypeTradeNoticeAck:
		var m protocol.TradeNoticeAck
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			drop(err)
			return
		}
		s.trades.AckNotice(connID, m)
	default:
		s.logger.Printf("conn %s: unknown trading type %s; dropped", connID, env.Type)
	}
}

func (s *Server) handleLogin(connID string, m protocol.LoginRequest) {
	res := s.gate.Login(m.Name, m.Secret, connID)
	if !res.Success {
		s.SendToConn(connID, protocol.ModuleAuth, protocol.TypeLoginResponse, protocol.LoginResponse{
			Success:        false,
			FailureReason:  res.FailureReason,
			FailureMessage: res.FailureMessage,
		})
		return
	}

	s.mu.Lock()
	if c := s.conns[connID]; c != nil {
		c.uuid = res.UUID
	}
	// A relog from elsewhere supersedes any previous connection.
	s.users[res.UUID] = &userState{ConnID: connID, DisplayName: res.DisplayName, AcceptsTrades: true}
	roster := make([]protocol.UserOnline, 0, len(s.users))
	for id, u := range s.users {
		roster = append(roster, protocol.UserOnline{UUID: id, DisplayName: u.DisplayName})
	}
	s.mu.Unlock()

	s.SendToConn(connID, protocol.ModuleAuth, protocol.TypeLoginResponse, protocol.LoginResponse{
		Success:     true,
		SessionID:   res.SessionID,
		UUID:        res.UUID,
		DisplayName: res.DisplayName,
	})
	s.SendToConn(connID, protocol.ModuleUsers, protocol.TypeUserList, protocol.UserList{Users: roster})
	s.BroadcastExcept(connID, protocol.ModuleUsers, protocol.TypeUserOnline, protocol.UserOnline{
		UUID:        res.UUID,
		DisplayName: res.DisplayName,
	})

	// Login triggers the chat history sync and the trade re-sync plus
	// any still-pending terminal notices.
	s.ledger.ConnLoggedIn(connID)
	s.trades.PartyOnline(res.UUID)
}

func (s *Server) disconnect(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()

	for _, userUUID := range s.gate.InvalidateConn(connID) {
		s.setOffline(userUUID)
	}
}

func (s *Server) setOffline(userUUID string) {
	s.mu.Lock()
	u := s.users[userUUID]
	if u == nil {
		s.mu.Unlock()
		return
	}
	delete(s.users, userUUID)
	s.mu.Unlock()
	s.BroadcastExcept("", protocol.ModuleUsers, protocol.TypeUserOffline, protocol.UserOffline{UUID: userUUID})
}

// SendToConn implements chat.Sender and trading.Sender.
func (s *Server) SendToConn(connID, module, msgType string, payload any) bool {
	b, err := protocol.Encode(module, msgType, payload)
	if err != nil {
		s.logger.Printf("encode %s/%s: %v", module, msgType, err)
		return false
	}
	s.mu.RLock()
	c := s.conns[connID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	select {
	case c.out <- b:
		return true
	default:
		s.logger.Printf("conn %s: send queue full; %s/%s dropped", connID, module, msgType)
		return false
	}
}

// SendToUser implements trading.Sender: false when the user is offline,
// which leaves terminal notices pending for a later attempt.
func (s *Server) SendToUser(userUUID, module, msgType string, payload any) bool {
	s.mu.RLock()
	u := s.users[userUUID]
	s.mu.RUnlock()
	if u == nil {
		return false
	}
	return s.SendToConn(u.ConnID, module, msgType, payload)
}

// BroadcastExcept sends to every logged-in connection except exceptConn.
func (s *Server) BroadcastExcept(exceptConn, module, msgType string, payload any) {
	b, err := protocol.Encode(module, msgType, payload)
	if err != nil {
		s.logger.Printf("encode %s/%s: %v", module, msgType, err)
		return
	}
	s.mu.RLock()
	targets := make([]*conn, 0, len(s.users))
	for _, u := range s.users {
		if u.ConnID == exceptConn {
			continue
		}
		if c := s.conns[u.ConnID]; c != nil {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range targets {
		select {
		case c.out <- b:
		default:
			s.logger.Printf("conn %s: send queue full; broadcast dropped", c.id)
		}
	}
}

// IsOnline implements trading.Presence.
func (s *Server) IsOnline(userUUID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userUUID] != nil
}

// DisplayName implements trading.Presence.
func (s *Server) DisplayName(userUUID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u := s.users[userUUID]; u != nil {
		return u.DisplayName
	}
	return ""
}

// AcceptsTrades implements trading.Presence.
func (s *Server) AcceptsTrades(userUUID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.users[userUUID]
	return u != nil && u.AcceptsTrades
}

// SetAcceptsTrades toggles whether a user can be invited to trades.
func (s *Server) SetAcceptsTrades(userUUID string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.users[userUUID]; u != nil {
		u.AcceptsTrades = v
	}
}
