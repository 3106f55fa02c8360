package chat

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/protocol"
)

// Status of a client-side history entry.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusConfirmed:
		return "CONFIRMED"
	case StatusDenied:
		return "DENIED"
	}
	return "UNKNOWN"
}

// ClientMessage is one entry of the client's annotated history. While
// PENDING its ID is the client-minted id; on confirmation the server id
// overwrites it. A message never regresses out of CONFIRMED/DENIED.
type ClientMessage struct {
	ID         string
	SenderUUID string
	Text       string
	Timestamp  time.Time
	Status     Status
}

// ClientLedger is the client's view of the chat: a superset of the
// server history annotated with reconciliation status, plus the unread
// counter. Mutex-guarded: the network dispatcher and the UI both call in.
type ClientLedger struct {
	selfUUID string
	logger   *log.Logger
	now      func() time.Time

	mu       sync.Mutex
	msgs     []ClientMessage
	ackedLen int
}

func NewClientLedger(selfUUID string, logger *log.Logger) *ClientLedger {
	return &ClientLedger{selfUUID: selfUUID, logger: logger, now: time.Now}
}

// Propose appends a PENDING entry under a fresh client id and returns
// the submit packet to transmit. The UI sees the message immediately.
func (l *ClientLedger) Propose(sessionID, text string) protocol.ChatSubmit {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := ClientMessage{
		ID:         uuid.NewString(),
		SenderUUID: l.selfUUID,
		Text:       text,
		Timestamp:  l.now(),
		Status:     StatusPending,
	}
	l.msgs = append(l.msgs, m)
	return protocol.ChatSubmit{
		SessionID:       sessionID,
		SenderUUID:      l.selfUUID,
		ClientMessageID: m.ID,
		Text:            text,
	}
}

// Reconcile matches a server response to the PENDING entry with the
// original id. Exactly one entry ever transitions out of PENDING per id;
// duplicate or late responses find no PENDING match and are ignored.
func (l *ClientLedger) Reconcile(resp protocol.ChatResponse) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.msgs {
		m := &l.msgs[i]
		if m.ID != resp.OriginalMessageID || m.Status != StatusPending {
			continue
		}
		if resp.Success {
			m.ID = resp.NewMessageID
			m.Text = resp.Text
			m.Status = StatusConfirmed
		} else {
			m.Status = StatusDenied
		}
		return true
	}
	l.logger.Printf("chat response for unknown id %s; ignored", resp.OriginalMessageID)
	return false
}

// AppendIncoming adds a broadcast from another user as CONFIRMED.
func (l *ClientLedger) AppendIncoming(b protocol.ChatBroadcast) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, ClientMessage{
		ID:         b.MessageID,
		SenderUUID: b.SenderUUID,
		Text:       b.Text,
		Timestamp:  time.UnixMilli(b.Timestamp),
		Status:     StatusConfirmed,
	})
}

// SetHistory replaces the confirmed history with the server's buffer,
// keeping any still-PENDING local entries at the tail. The acknowledged
// length is clamped so the unread count stays non-negative and counts
// only genuinely new messages.
func (l *ClientLedger) SetHistory(sync protocol.ChatHistorySync) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []ClientMessage
	for _, m := range l.msgs {
		if m.Status == StatusPending {
			pending = append(pending, m)
		}
	}
	l.msgs = make([]ClientMessage, 0, len(sync.Messages)+len(pending))
	for _, b := range sync.Messages {
		l.msgs = append(l.msgs, ClientMessage{
			ID:         b.MessageID,
			SenderUUID: b.SenderUUID,
			Text:       b.Text,
			Timestamp:  time.UnixMilli(b.Timestamp),
			Status:     StatusConfirmed,
		})
	}
	l.msgs = append(l.msgs, pending...)
	if l.ackedLen > len(l.msgs) {
		l.ackedLen = len(l.msgs)
	}
}

// UnreadCount is history length minus the last acknowledged length.
func (l *ClientLedger) UnreadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.msgs) - l.ackedLen
	if n < 0 {
		return 0
	}
	return n
}

// MarkRead acknowledges everything currently in the history.
func (l *ClientLedger) MarkRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ackedLen = len(l.msgs)
}

// ExpirePending flips PENDING entries older than ttl to DENIED: no
// response by then is treated as a denial.
func (l *ClientLedger) ExpirePending(ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-ttl)
	n := 0
	for i := range l.msgs {
		m := &l.msgs[i]
		if m.Status == StatusPending && !m.Timestamp.After(cutoff) {
			m.Status = StatusDenied
			n++
		}
	}
	return n
}

// Messages returns a snapshot copy of the history.
func (l *ClientLedger) Messages() []ClientMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ClientMessage, len(l.msgs))
	copy(out, l.msgs)
	return out
}
