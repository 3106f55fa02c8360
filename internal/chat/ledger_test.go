package chat

import (
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"tradepost/internal/auth"
	"tradepost/internal/protocol"
)

type fakeGate map[string]auth.ValidateResult

func (g fakeGate) Validate(sessionID string) auth.ValidateResult { return g[sessionID] }

type frame struct {
	Module  string
	Type    string
	Payload any
}

type fakeSender struct {
	direct     map[string][]frame
	broadcasts []frame
}

func newFakeSender() *fakeSender {
	return &fakeSender{direct: map[string][]frame{}}
}

func (s *fakeSender) SendToConn(connID, module, msgType string, payload any) bool {
	s.direct[connID] = append(s.direct[connID], frame{module, msgType, payload})
	return true
}

func (s *fakeSender) BroadcastExcept(connID, module, msgType string, payload any) {
	s.broadcasts = append(s.broadcasts, frame{module, msgType, payload})
}

func newTestLedger(capacity int) (*Ledger, *fakeSender) {
	sender := newFakeSender()
	gate := fakeGate{
		"S-alice": {UUID: "alice", ConnID: "conn-a", OK: true},
		"S-bob":   {UUID: "bob", ConnID: "conn-b", OK: true},
	}
	l := NewLedger(LedgerConfig{Capacity: capacity, MaxTextLen: 64}, gate, sender, nil, nil, log.New(io.Discard, "", 0))
	return l, sender
}

func lastResponse(t *testing.T, sender *fakeSender, connID string) protocol.ChatResponse {
	t.Helper()
	frames := sender.direct[connID]
	if len(frames) == 0 {
		t.Fatalf("no frames for %s", connID)
	}
	last := frames[len(frames)-1]
	resp, ok := last.Payload.(protocol.ChatResponse)
	if !ok {
		t.Fatalf("last frame is %T, want ChatResponse", last.Payload)
	}
	return resp
}

func TestLedger_SubmitSuccess(t *testing.T) {
	l, sender := newTestLedger(10)

	l.handleSubmit("conn-a", protocol.ChatSubmit{
		SessionID:       "S-alice",
		SenderUUID:      "alice",
		ClientMessageID: "C1",
		Text:            "hello",
	})

	resp := lastResponse(t, sender, "conn-a")
	if !resp.Success {
		t.Fatalf("submit denied: %s", resp.FailureReason)
	}
	if resp.OriginalMessageID != "C1" {
		t.Fatalf("original id=%q want C1", resp.OriginalMessageID)
	}
	if resp.NewMessageID == "" || resp.NewMessageID == "C1" {
		t.Fatalf("server id must be fresh, got %q", resp.NewMessageID)
	}
	if resp.Text != "hello" {
		t.Fatalf("text=%q want hello", resp.Text)
	}
	if len(l.history) != 1 || l.history[0].ID != resp.NewMessageID {
		t.Fatalf("history=%v want one entry with server id", l.history)
	}
	// The sender gets the direct response, everyone else the broadcast.
	if len(sender.broadcasts) != 1 {
		t.Fatalf("broadcasts=%d want 1", len(sender.broadcasts))
	}
	bc := sender.broadcasts[0].Payload.(protocol.ChatBroadcast)
	if bc.MessageID != resp.NewMessageID || bc.SenderUUID != "alice" {
		t.Fatalf("broadcast=%+v", bc)
	}
}

func TestLedger_SubmitNotLoggedIn(t *testing.T) {
	l, sender := newTestLedger(10)

	l.handleSubmit("conn-x", protocol.ChatSubmit{
		SessionID:       "S-unknown",
		SenderUUID:      "mallory",
		ClientMessageID: "C1",
		Text:            "hi",
	})

	resp := lastResponse(t, sender, "conn-x")
	if resp.Success || resp.FailureReason != protocol.ErrNotLoggedIn {
		t.Fatalf("resp=%+v want E_NOT_LOGGED_IN", resp)
	}
	if len(l.history) != 0 {
		t.Fatalf("history grew on denied submit")
	}
	if len(sender.broadcasts) != 0 {
		t.Fatalf("denied submit was broadcast")
	}
}

func TestLedger_SubmitSpoofedSender(t *testing.T) {
	l, sender := newTestLedger(10)

	// Valid session, but the claimed sender uuid does not match it.
	l.handleSubmit("conn-a", protocol.ChatSubmit{
		SessionID:       "S-alice",
		SenderUUID:      "bob",
		ClientMessageID: "C1",
		Text:            "hi",
	})

	resp := lastResponse(t, sender, "conn-a")
	if resp.Success || resp.FailureReason != protocol.ErrNotLoggedIn {
		t.Fatalf("resp=%+v want E_NOT_LOGGED_IN", resp)
	}
	if len(l.history) != 0 {
		t.Fatalf("spoofed submit entered history")
	}
}

func TestLedger_SubmitSanitizes(t *testing.T) {
	l, sender := newTestLedger(10)

	l.handleSubmit("conn-a", protocol.ChatSubmit{
		SessionID:       "S-alice",
		SenderUUID:      "alice",
		ClientMessageID: "C1",
		Text:            "  §ahello\x00 world  ",
	})

	resp := lastResponse(t, sender, "conn-a")
	if !resp.Success {
		t.Fatalf("denied: %s", resp.FailureReason)
	}
	if resp.Text != "hello world" {
		t.Fatalf("text=%q want %q", resp.Text, "hello world")
	}
}

func TestLedger_SubmitEmptyAfterSanitize(t *testing.T) {
	l, sender := newTestLedger(10)

	l.handleSubmit("conn-a", protocol.ChatSubmit{
		SessionID:       "S-alice",
		SenderUUID:      "alice",
		ClientMessageID: "C1",
		Text:            "§a§b  \x01",
	})

	resp := lastResponse(t, sender, "conn-a")
	if resp.Success || resp.FailureReason != protocol.ErrBadRequest {
		t.Fatalf("resp=%+v want E_BAD_REQUEST", resp)
	}
}

func TestLedger_RingEviction(t *testing.T) {
	l, _ := newTestLedger(3)

	for i := 0; i < 5; i++ {
		l.handleSubmit("conn-a", protocol.ChatSubmit{
			SessionID:       "S-alice",
			SenderUUID:      "alice",
			ClientMessageID: fmt.Sprintf("C%d", i),
			Text:            fmt.Sprintf("msg %d", i),
		})
	}
	if len(l.history) != 3 {
		t.Fatalf("history len=%d want 3", len(l.history))
	}
	if l.history[0].Text != "msg 2" || l.history[2].Text != "msg 4" {
		t.Fatalf("wrong eviction order: %v", l.history)
	}
}

func TestLedger_RateLimit(t *testing.T) {
	sender := newFakeSender()
	gate := fakeGate{"S-alice": {UUID: "alice", ConnID: "conn-a", OK: true}}
	l := NewLedger(LedgerConfig{
		Capacity:        10,
		MaxTextLen:      64,
		RateLimitWindow: 10 * time.Second,
		RateLimitMax:    2,
	}, gate, sender, nil, nil, log.New(io.Discard, "", 0))

	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		l.handleSubmit("conn-a", protocol.ChatSubmit{
			SessionID:       "S-alice",
			SenderUUID:      "alice",
			ClientMessageID: fmt.Sprintf("C%d", i),
			Text:            "spam",
		})
	}
	resp := lastResponse(t, sender, "conn-a")
	if resp.Success || resp.FailureReason != protocol.ErrRateLimit {
		t.Fatalf("third submit=%+v want E_RATE_LIMIT", resp)
	}

	// A new window admits again.
	l.now = func() time.Time { return base.Add(11 * time.Second) }
	l.handleSubmit("conn-a", protocol.ChatSubmit{
		SessionID:       "S-alice",
		SenderUUID:      "alice",
		ClientMessageID: "C9",
		Text:            "ok again",
	})
	if resp := lastResponse(t, sender, "conn-a"); !resp.Success {
		t.Fatalf("post-window submit denied: %s", resp.FailureReason)
	}
}

func TestLedger_HistorySyncOnLogin(t *testing.T) {
	l, sender := newTestLedger(10)

	l.handleSubmit("conn-a", protocol.ChatSubmit{
		SessionID:       "S-alice",
		SenderUUID:      "alice",
		ClientMessageID: "C1",
		Text:            "first",
	})
	l.handleLoggedIn("conn-b")

	frames := sender.direct["conn-b"]
	if len(frames) != 1 || frames[0].Type != protocol.TypeChatHistorySync {
		t.Fatalf("frames=%v want one history sync", frames)
	}
	sync := frames[0].Payload.(protocol.ChatHistorySync)
	if len(sync.Messages) != 1 || sync.Messages[0].Text != "first" {
		t.Fatalf("sync=%+v", sync)
	}
}

func TestLedger_SeedPreservesOrder(t *testing.T) {
	l, _ := newTestLedger(10)
	l.handleSeed([]Message{
		{ID: "M1", SenderUUID: "alice", Text: "one", Timestamp: time.UnixMilli(1)},
		{ID: "M2", SenderUUID: "bob", Text: "two", Timestamp: time.UnixMilli(2)},
	})
	if len(l.history) != 2 || l.history[0].ID != "M1" || l.history[1].ID != "M2" {
		t.Fatalf("history=%v", l.history)
	}
}
