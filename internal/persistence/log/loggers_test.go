package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestAuditLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)

	entries := []Entry{
		{TimeMs: 1000, Actor: "alice", Action: "CHAT_SUBMIT", Detail: map[string]any{"message_id": "M1"}},
		{TimeMs: 2000, Actor: "bob", Action: "TRADE_CANCELLED", Detail: map[string]any{"trade_id": "T1"}},
	}
	for _, e := range entries {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "audit", "audit-*.jsonl.zst"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v want exactly one", files, err)
	}
	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var got []Entry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d entries want 2", len(got))
	}
	if got[0].Actor != "alice" || got[1].Action != "TRADE_CANCELLED" {
		t.Fatalf("got=%+v", got)
	}
	if got[1].Detail["trade_id"] != "T1" {
		t.Fatalf("detail=%v", got[1].Detail)
	}
}
