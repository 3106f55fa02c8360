package auth

import (
	"context"
	"crypto/subtle"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tradepost/internal/protocol"
)

// Gate is the per-connection authentication oracle. A single goroutine
// owns all session and account state; every operation goes through the
// request channels. Session ids are signed JWTs so a token is
// self-describing, but validity is still decided by the live session
// table (logout and expiry revoke a token before its exp claim does).
type Gate struct {
	secret []byte
	ttl    time.Duration
	sweep  time.Duration
	logger *log.Logger

	login      chan loginReq
	validate   chan validateReq
	extend     chan extendReq
	invalidate chan invalidateReq
	expired    chan<- ExpiredSession
}

type session struct {
	UUID      string
	ConnID    string
	ExpiresAt time.Time
}

type account struct {
	UUID        string
	Secret      string
	DisplayName string
}

// ExpiredSession is emitted by the sweep so the owning connection can be
// told its session lapsed.
type ExpiredSession struct {
	SessionID string
	UUID      string
	ConnID    string
}

type LoginResult struct {
	Success        bool
	SessionID      string
	UUID           string
	DisplayName    string
	FailureReason  string
	FailureMessage string
}

type loginReq struct {
	Name   string
	Secret string
	ConnID string
	Resp   chan LoginResult
}

type validateReq struct {
	SessionID string
	Resp      chan ValidateResult
}

type ValidateResult struct {
	UUID   string
	ConnID string
	OK     bool
}

type extendReq struct {
	SessionID string
	Resp      chan bool
}

type invalidateReq struct {
	ConnID string
	Resp   chan []string // uuids whose sessions were dropped
}

func NewGate(secret []byte, ttl, sweep time.Duration, expired chan<- ExpiredSession, logger *log.Logger) *Gate {
	return &Gate{
		secret:     secret,
		ttl:        ttl,
		sweep:      sweep,
		logger:     logger,
		login:      make(chan loginReq, 16),
		validate:   make(chan validateReq, 64),
		extend:     make(chan extendReq, 16),
		invalidate: make(chan invalidateReq, 16),
		expired:    expired,
	}
}

// Run owns all gate state until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) error {
	sessions := map[string]*session{} // keyed by session id (the token string)
	accounts := map[string]*account{} // keyed by login name

	ticker := time.NewTicker(g.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.login:
			req.Resp <- g.handleLogin(accounts, sessions, req)
		case req := <-g.validate:
			s, ok := sessions[req.SessionID]
			if !ok || time.Now().After(s.ExpiresAt) {
				req.Resp <- ValidateResult{}
				break
			}
			req.Resp <- ValidateResult{UUID: s.UUID, ConnID: s.ConnID, OK: true}
		case req := <-g.extend:
			s, ok := sessions[req.SessionID]
			if !ok || time.Now().After(s.ExpiresAt) {
				req.Resp <- false
				break
			}
			s.ExpiresAt = time.Now().Add(g.ttl)
			req.Resp <- true
		case req := <-g.invalidate:
			var dropped []string
			for id, s := range sessions {
				if s.ConnID == req.ConnID {
					dropped = append(dropped, s.UUID)
					delete(sessions, id)
				}
			}
			req.Resp <- dropped
		case <-ticker.C:
			now := time.Now()
			for id, s := range sessions {
				if now.After(s.ExpiresAt) {
					delete(sessions, id)
					g.logger.Printf("session expired: uuid=%s", s.UUID)
					if g.expired != nil {
						select {
						case g.expired <- ExpiredSession{SessionID: id, UUID: s.UUID, ConnID: s.ConnID}:
						default:
						}
					}
				}
			}
		}
	}
}

func (g *Gate) handleLogin(accounts map[string]*account, sessions map[string]*session, req loginReq) LoginResult {
	if req.Name == "" || req.Secret == "" {
		return LoginResult{FailureReason: protocol.ErrLoginFailed, FailureMessage: "missing name or secret"}
	}
	acc, ok := accounts[req.Name]
	if !ok {
		// First login registers the account.
		acc = &account{UUID: uuid.NewString(), Secret: req.Secret, DisplayName: req.Name}
		accounts[req.Name] = acc
	} else if subtle.ConstantTimeCompare([]byte(acc.Secret), []byte(req.Secret)) != 1 {
		return LoginResult{FailureReason: protocol.ErrLoginFailed, FailureMessage: "bad credentials"}
	}

	// A second login from another connection supersedes the first.
	for id, s := range sessions {
		if s.UUID == acc.UUID {
			delete(sessions, id)
		}
	}

	exp := time.Now().Add(g.ttl)
	token, err := g.mintToken(acc.UUID, exp)
	if err != nil {
		g.logger.Printf("mint token: %v", err)
		return LoginResult{FailureReason: protocol.ErrInternal, FailureMessage: "token mint failed"}
	}
	sessions[token] = &session{UUID: acc.UUID, ConnID: req.ConnID, ExpiresAt: exp}
	return LoginResult{
		Success:     true,
		SessionID:   token,
		UUID:        acc.UUID,
		DisplayName: acc.DisplayName,
	}
}

func (g *Gate) mintToken(userUUID string, exp time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userUUID,
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// VerifyToken checks the signature and exp claim without consulting the
// live table. Used by offline tooling; the server path goes through
// Validate so revocation is honored.
func (g *Gate) VerifyToken(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Login authenticates name/secret for a connection and returns a session.
func (g *Gate) Login(name, secret, connID string) LoginResult {
	resp := make(chan LoginResult, 1)
	g.login <- loginReq{Name: name, Secret: secret, ConnID: connID, Resp: resp}
	return <-resp
}

// Validate reports whether sessionID names a live session and for whom.
func (g *Gate) Validate(sessionID string) ValidateResult {
	resp := make(chan ValidateResult, 1)
	g.validate <- validateReq{SessionID: sessionID, Resp: resp}
	return <-resp
}

// Extend pushes the session's expiry out by the TTL.
func (g *Gate) Extend(sessionID string) bool {
	resp := make(chan bool, 1)
	g.extend <- extendReq{SessionID: sessionID, Resp: resp}
	return <-resp
}

// InvalidateConn drops every session bound to connID and returns the
// affected user uuids.
func (g *Gate) InvalidateConn(connID string) []string {
	resp := make(chan []string, 1)
	g.invalidate <- invalidateReq{ConnID: connID, Resp: resp}
	return <-resp
}
