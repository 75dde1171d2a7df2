package receipts

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite is the file-backed store: the cheapest way for multiple processes on
// one host to share the fast-path check. The fingerprint primary key makes
// ingest-and-check a single atomic INSERT.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Serialized writers; the unique-key insert is the atomicity mechanism.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS receipts (
  intent_fingerprint TEXT PRIMARY KEY,
  transcript_id      TEXT NOT NULL,
  intent_type        TEXT NOT NULL,
  buyer_agent        TEXT NOT NULL,
  seller_agent       TEXT NOT NULL,
  agreed_price       TEXT NOT NULL,
  ticks_delivered    INTEGER NOT NULL DEFAULT 0,
  status             TEXT NOT NULL,
  created_at         TEXT NOT NULL
)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) IngestAndCheck(ctx context.Context, r Receipt) error {
	if r.IntentFingerprint == "" {
		return errors.New("receipt missing fingerprint")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO receipts(intent_fingerprint,transcript_id,intent_type,buyer_agent,seller_agent,agreed_price,ticks_delivered,status,created_at)
VALUES(?,?,?,?,?,?,?,?,?)`,
		r.IntentFingerprint, r.TranscriptID, r.IntentType, r.BuyerAgent, r.SellerAgent,
		r.AgreedPrice, r.TicksDelivered, r.Status, r.CreatedAt)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}
	var existing string
	if qerr := s.db.QueryRowContext(ctx,
		`SELECT transcript_id FROM receipts WHERE intent_fingerprint = ?`,
		r.IntentFingerprint).Scan(&existing); qerr == nil && existing == r.TranscriptID {
		return nil
	}
	return ErrDoubleCommit
}

func (s *SQLite) UpdateStatus(ctx context.Context, fingerprint, transcriptID, status string, ticksDelivered int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE receipts SET status = ?, ticks_delivered = ?
WHERE intent_fingerprint = ? AND transcript_id = ?`,
		status, ticksDelivered, fingerprint, transcriptID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("receipt not found for fingerprint/transcript")
	}
	return nil
}

func (s *SQLite) TradeCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM receipts WHERE buyer_agent = ? OR seller_agent = ?`,
		agentID, agentID).Scan(&n)
	return n, err
}

func (s *SQLite) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
