package receipts

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"pact/pkg/db"
)

// Postgres is the fleet-wide store for deployments where acquisitions run on
// many hosts. ON CONFLICT DO NOTHING gives the atomic ingest-and-check.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	st := &Postgres{pool: pool}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS receipts (
  intent_fingerprint TEXT PRIMARY KEY,
  transcript_id      TEXT NOT NULL,
  intent_type        TEXT NOT NULL,
  buyer_agent        TEXT NOT NULL,
  seller_agent       TEXT NOT NULL,
  agreed_price       TEXT NOT NULL,
  ticks_delivered    INTEGER NOT NULL DEFAULT 0,
  status             TEXT NOT NULL,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func (s *Postgres) IngestAndCheck(ctx context.Context, r Receipt) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO receipts(intent_fingerprint,transcript_id,intent_type,buyer_agent,seller_agent,agreed_price,ticks_delivered,status)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (intent_fingerprint) DO NOTHING`,
		r.IntentFingerprint, r.TranscriptID, r.IntentType, r.BuyerAgent, r.SellerAgent,
		r.AgreedPrice, r.TicksDelivered, r.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var existing string
	if err := s.pool.QueryRow(ctx,
		`SELECT transcript_id FROM receipts WHERE intent_fingerprint = $1`,
		r.IntentFingerprint).Scan(&existing); err == nil && existing == r.TranscriptID {
		return nil
	}
	return ErrDoubleCommit
}

func (s *Postgres) UpdateStatus(ctx context.Context, fingerprint, transcriptID, status string, ticksDelivered int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE receipts SET status = $1, ticks_delivered = $2
WHERE intent_fingerprint = $3 AND transcript_id = $4`,
		status, ticksDelivered, fingerprint, transcriptID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("receipt not found for fingerprint/transcript")
	}
	return nil
}

func (s *Postgres) TradeCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM receipts WHERE buyer_agent = $1 OR seller_agent = $1`,
		agentID).Scan(&n)
	return n, err
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
