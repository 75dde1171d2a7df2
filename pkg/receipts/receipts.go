// Package receipts is the shared receipt store used to fast-reject double
// commits before settlement is attempted, and to gate the negotiation regime
// on trade count. The file-scan contention detector remains the audit-time
// ground truth; this store is the single-runtime fast path.
package receipts

import (
	"context"
	"errors"
	"sync"

	"pact/pkg/protocol"
)

// ErrDoubleCommit is returned when a fingerprint already has a recorded
// receipt from a different transcript. Carries PACT-331.
var ErrDoubleCommit = protocol.NewError(protocol.CodeDoubleCommit, "double commit: fingerprint already settled")

// Receipt records one settled (or partially fulfilled) acquisition. Partial
// streaming runs record the ticks actually delivered, not the requested
// count.
type Receipt struct {
	IntentFingerprint string `json:"intent_fingerprint"`
	TranscriptID      string `json:"transcript_id"`
	IntentType        string `json:"intent_type"`
	BuyerAgent        string `json:"buyer_agent"`
	SellerAgent       string `json:"seller_agent"`
	AgreedPrice       string `json:"agreed_price"`
	TicksDelivered    int    `json:"ticks_delivered"`
	Status            string `json:"status"`
	CreatedAt         string `json:"created_at"`
}

// Store is the receipt boundary. IngestAndCheck must be atomic:
// check-fingerprint-then-record-or-reject in one operation, so two
// concurrent acquisitions cannot both pass the check.
type Store interface {
	IngestAndCheck(ctx context.Context, r Receipt) error
	UpdateStatus(ctx context.Context, fingerprint, transcriptID, status string, ticksDelivered int) error
	TradeCount(ctx context.Context, agentID string) (int, error)
	Close() error
}

// Memory is the in-process store. A single mutex makes ingest-and-check
// atomic.
type Memory struct {
	mu         sync.Mutex
	byFP       map[string]Receipt
	tradeCount map[string]int
}

func NewMemory() *Memory {
	return &Memory{byFP: map[string]Receipt{}, tradeCount: map[string]int{}}
}

func (m *Memory) IngestAndCheck(ctx context.Context, r Receipt) error {
	if r.IntentFingerprint == "" {
		return errors.New("receipt missing fingerprint")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byFP[r.IntentFingerprint]; ok {
		if prev.TranscriptID == r.TranscriptID {
			// Idempotent re-ingest of the same transcript.
			return nil
		}
		return ErrDoubleCommit
	}
	m.byFP[r.IntentFingerprint] = r
	m.tradeCount[r.BuyerAgent]++
	m.tradeCount[r.SellerAgent]++
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, fingerprint, transcriptID, status string, ticksDelivered int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.byFP[fingerprint]
	if !ok || prev.TranscriptID != transcriptID {
		return errors.New("receipt not found for fingerprint/transcript")
	}
	prev.Status = status
	prev.TicksDelivered = ticksDelivered
	m.byFP[fingerprint] = prev
	return nil
}

func (m *Memory) TradeCount(ctx context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradeCount[agentID], nil
}

func (m *Memory) Close() error { return nil }
