package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tradepost/internal/chat"
	"tradepost/internal/items"
	"tradepost/internal/trading"
)

// SQLiteStore persists chat history and terminal trade notices. All
// writes are serialized through a single writer goroutine; reads happen
// at boot, before the actors start.
type SQLiteStore struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	historyCap int
}

type reqKind int

const (
	reqChat reqKind = iota + 1
	reqPutRecord
	reqDeleteRecord
)

type req struct {
	kind    reqKind
	msg     chat.Message
	record  trading.Record
	tradeID string
}

func Open(path string, historyCap int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:         db,
		ch:         make(chan req, 1024),
		historyCap: historyCap,
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS chat_history (
  id          TEXT PRIMARY KEY,
  sender_uuid TEXT NOT NULL,
  text        TEXT NOT NULL,
  ts_ms       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_ts ON chat_history(ts_ms);

CREATE TABLE IF NOT EXISTS trade_notices (
  trade_id     TEXT PRIMARY KEY,
  party_a      TEXT NOT NULL,
  party_b      TEXT NOT NULL,
  cancelled    INTEGER NOT NULL,
  items_json   TEXT NOT NULL,
  pending_json TEXT NOT NULL,
  created_ms   INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) writer() {
	defer s.wg.Done()
	for r := range s.ch {
		switch r.kind {
		case reqChat:
			s.writeChat(r.msg)
		case reqPutRecord:
			s.writeRecord(r.record)
		case reqDeleteRecord:
			_, _ = s.db.Exec(`DELETE FROM trade_notices WHERE trade_id = ?`, r.tradeID)
		}
	}
}

func (s *SQLiteStore) writeChat(m chat.Message) {
	_, _ = s.db.Exec(
		`INSERT OR REPLACE INTO chat_history (id, sender_uuid, text, ts_ms) VALUES (?, ?, ?, ?)`,
		m.ID, m.SenderUUID, m.Text, m.Timestamp.UnixMilli(),
	)
	if s.historyCap > 0 {
		_, _ = s.db.Exec(
			`DELETE FROM chat_history WHERE id NOT IN
			   (SELECT id FROM chat_history ORDER BY ts_ms DESC LIMIT ?)`,
			s.historyCap,
		)
	}
}

type recordRow struct {
	ItemsFor map[string][]items.Stack `json:"items_for"`
}

func (s *SQLiteStore) writeRecord(r trading.Record) {
	itemsJSON, err := json.Marshal(recordRow{ItemsFor: r.ItemsFor})
	if err != nil {
		return
	}
	pending := make([]string, 0, len(r.PendingNotice))
	for p := range r.PendingNotice {
		pending = append(pending, p)
	}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return
	}
	cancelled := 0
	if r.Cancelled {
		cancelled = 1
	}
	_, _ = s.db.Exec(
		`INSERT OR REPLACE INTO trade_notices
		   (trade_id, party_a, party_b, cancelled, items_json, pending_json, created_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.TradeID, r.Parties[0], r.Parties[1], cancelled,
		string(itemsJSON), string(pendingJSON), r.CreatedAt.UnixMilli(),
	)
}

// AppendMessage implements chat.Store.
func (s *SQLiteStore) AppendMessage(m chat.Message) error {
	return s.enqueue(req{kind: reqChat, msg: m})
}

// PutRecord implements trading.RecordStore.
func (s *SQLiteStore) PutRecord(r trading.Record) error {
	return s.enqueue(req{kind: reqPutRecord, record: r})
}

// DeleteRecord implements trading.RecordStore.
func (s *SQLiteStore) DeleteRecord(tradeID string) error {
	return s.enqueue(req{kind: reqDeleteRecord, tradeID: tradeID})
}

func (s *SQLiteStore) enqueue(r req) error {
	if s.closed.Load() {
		return fmt.Errorf("store closed")
	}
	select {
	case s.ch <- r:
		return nil
	default:
		return fmt.Errorf("store queue full")
	}
}

// LoadMessages returns the persisted chat history, oldest first.
func (s *SQLiteStore) LoadMessages() ([]chat.Message, error) {
	rows, err := s.db.Query(`SELECT id, sender_uuid, text, ts_ms FROM chat_history ORDER BY ts_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.SenderUUID, &m.Text, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadRecords returns every terminal record that still owes a notice.
func (s *SQLiteStore) LoadRecords() ([]trading.Record, error) {
	rows, err := s.db.Query(
		`SELECT trade_id, party_a, party_b, cancelled, items_json, pending_json, created_ms FROM trade_notices`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trading.Record
	for rows.Next() {
		var (
			r           trading.Record
			cancelled   int
			itemsJSON   string
			pendingJSON string
			created     int64
		)
		if err := rows.Scan(&r.TradeID, &r.Parties[0], &r.Parties[1], &cancelled, &itemsJSON, &pendingJSON, &created); err != nil {
			return nil, err
		}
		r.Cancelled = cancelled != 0
		var row recordRow
		if err := json.Unmarshal([]byte(itemsJSON), &row); err != nil {
			return nil, err
		}
		r.ItemsFor = row.ItemsFor
		var pending []string
		if err := json.Unmarshal([]byte(pendingJSON), &pending); err != nil {
			return nil, err
		}
		r.PendingNotice = map[string]bool{}
		for _, p := range pending {
			r.PendingNotice[p] = true
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close drains the write queue and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
