// Package signallog is the append-only audit trail of engine activity:
// entries, exits, trailing arms, and persistence errors. Rows are written
// best effort and never feed back into trading decisions.
package signallog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"deltaflow/internal/trader"
)

var signalSchema = []string{
	`CREATE TABLE IF NOT EXISTS signal_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		cycle_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		position_id TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_log_symbol_ts ON signal_log(symbol, ts DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_log_kind_ts ON signal_log(kind, ts DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_log_position ON signal_log(position_id)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_log_cycle ON signal_log(cycle_id)`,
}

// Record is one persisted signal row.
type Record struct {
	ID         int64           `json:"id"`
	CycleID    string          `json:"cycle_id"`
	Symbol     string          `json:"symbol"`
	Kind       string          `json:"kind"`
	PositionID string          `json:"position_id,omitempty"`
	Price      float64         `json:"price,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	At         time.Time       `json:"at"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Query filters and pages signal listings.
type Query struct {
	Symbol     string
	Kind       string
	CycleID    string
	PositionID string
	Limit      int
	Offset     int
}

// Store implements trader.SignalLogger on a standalone SQLite database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

var _ trader.SignalLogger = (*Store)(nil)

// New opens (or creates) the signal database at path.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("signal log: database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSignalSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureSignalSchema(db *sql.DB) error {
	for _, stmt := range signalSchema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("signal log schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (s *Store) handle() (*sql.DB, error) {
	if s == nil {
		return nil, fmt.Errorf("signal log not initialized")
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("signal log not initialized")
	}
	return db, nil
}

// LogSignal appends one entry. The engine treats failures as non-fatal,
// so this returns promptly and never blocks on anything but the insert.
func (s *Store) LogSignal(ctx context.Context, entry trader.SignalEntry) error {
	_, err := s.Append(ctx, entry)
	return err
}

// Append inserts the entry and returns its row id.
func (s *Store) Append(ctx context.Context, entry trader.SignalEntry) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(entry.Symbol) == "" {
		return 0, fmt.Errorf("signal symbol cannot be empty")
	}
	if strings.TrimSpace(entry.Kind) == "" {
		return 0, fmt.Errorf("signal kind cannot be empty")
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	enc := func(v interface{}) string {
		if v == nil {
			return ""
		}
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
	res, err := db.ExecContext(ctx, `INSERT INTO signal_log
		(ts, cycle_id, symbol, kind, position_id, price, detail, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(),
		entry.CycleID,
		strings.ToUpper(strings.TrimSpace(entry.Symbol)),
		entry.Kind,
		entry.PositionID,
		entry.Price,
		entry.Detail,
		enc(entry.Payload),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns signal rows, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	var sb strings.Builder
	sb.WriteString(`SELECT id, ts, cycle_id, symbol, kind, position_id, price, detail, payload, created_at FROM signal_log`)
	filter, args := buildSignalFilter(q)
	sb.WriteString(filter)
	sb.WriteString(" ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			rec        Record
			ts, cAt    int64
			payloadStr string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.CycleID, &rec.Symbol, &rec.Kind,
			&rec.PositionID, &rec.Price, &rec.Detail, &payloadStr, &cAt); err != nil {
			return nil, err
		}
		rec.At = time.UnixMilli(ts)
		rec.CreatedAt = time.UnixMilli(cAt)
		if payloadStr != "" {
			rec.Payload = json.RawMessage(payloadStr)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns how many rows match the filter.
func (s *Store) Count(ctx context.Context, q Query) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	filter, args := buildSignalFilter(q)
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM signal_log"+filter, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func buildSignalFilter(q Query) (string, []interface{}) {
	var sb strings.Builder
	args := make([]interface{}, 0, 4)
	sb.WriteString(" WHERE 1=1")
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		sb.WriteString(" AND symbol = ?")
		args = append(args, sym)
	}
	if q.Kind != "" {
		sb.WriteString(" AND kind = ?")
		args = append(args, q.Kind)
	}
	if q.CycleID != "" {
		sb.WriteString(" AND cycle_id = ?")
		args = append(args, q.CycleID)
	}
	if q.PositionID != "" {
		sb.WriteString(" AND position_id = ?")
		args = append(args, q.PositionID)
	}
	return sb.String(), args
}
