package store

import (
	"path/filepath"
	"testing"
	"time"

	"tradepost/internal/chat"
	"tradepost/internal/items"
	"tradepost/internal/trading"
)

func TestStore_ChatRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradepost.db")

	s, err := Open(path, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	msgs := []chat.Message{
		{ID: "M1", SenderUUID: "alice", Text: "one", Timestamp: time.UnixMilli(1000)},
		{ID: "M2", SenderUUID: "bob", Text: "two", Timestamp: time.UnixMilli(2000)},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path, 100)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.LoadMessages()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d messages want 2", len(got))
	}
	if got[0].ID != "M1" || got[1].ID != "M2" {
		t.Fatalf("wrong order: %v", got)
	}
	if got[1].Text != "two" || got[1].SenderUUID != "bob" || got[1].Timestamp.UnixMilli() != 2000 {
		t.Fatalf("got[1]=%+v", got[1])
	}
}

func TestStore_ChatHistoryCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradepost.db")

	s, err := Open(path, 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		_ = s.AppendMessage(chat.Message{
			ID:         string(rune('A' + i)),
			SenderUUID: "alice",
			Text:       "m",
			Timestamp:  time.UnixMilli(int64(1000 * (i + 1))),
		})
	}
	_ = s.Close()

	s2, err := Open(path, 3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.LoadMessages()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d want 3 (cap)", len(got))
	}
	if got[0].ID != "C" {
		t.Fatalf("oldest surviving id=%q want C", got[0].ID)
	}
}

func TestStore_RecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradepost.db")

	s, err := Open(path, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := trading.Record{
		TradeID: "T1",
		Parties: [2]string{"alice", "bob"},
		ItemsFor: map[string][]items.Stack{
			"alice": {{ItemID: "STONE", Quantity: 2}},
			"bob":   {{ItemID: "WOOD", Quantity: 5}},
		},
		PendingNotice: map[string]bool{"bob": true},
		CreatedAt:     time.UnixMilli(5000),
	}
	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = s.Close()

	s2, err := Open(path, 100)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	recs, err := s2.LoadRecords()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("loaded %d records want 1", len(recs))
	}
	got := recs[0]
	if got.TradeID != "T1" || got.Cancelled || got.Parties != rec.Parties {
		t.Fatalf("got=%+v", got)
	}
	if len(got.ItemsFor["alice"]) != 1 || got.ItemsFor["alice"][0].Quantity != 2 {
		t.Fatalf("itemsFor=%+v", got.ItemsFor)
	}
	if !got.PendingNotice["bob"] || got.PendingNotice["alice"] {
		t.Fatalf("pending=%v", got.PendingNotice)
	}
}

func TestStore_DeleteRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradepost.db")

	s, err := Open(path, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.PutRecord(trading.Record{
		TradeID:       "T1",
		Parties:       [2]string{"alice", "bob"},
		Cancelled:     true,
		ItemsFor:      map[string][]items.Stack{},
		PendingNotice: map[string]bool{"alice": true, "bob": true},
		CreatedAt:     time.UnixMilli(1),
	})
	if err := s.DeleteRecord("T1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = s.Close()

	s2, err := Open(path, 100)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	recs, err := s2.LoadRecords()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("loaded %d records want 0", len(recs))
	}
}

func TestStore_EnqueueAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradepost.db")
	s, err := Open(path, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	if err := s.AppendMessage(chat.Message{ID: "M1"}); err == nil {
		t.Fatalf("append after close succeeded")
	}
}
