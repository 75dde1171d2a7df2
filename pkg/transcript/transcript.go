// Package transcript implements the hash-chained, append-only negotiation
// record and its sealing rules. A transcript transitions unsealed → sealed
// exactly once; sealed transcripts are immutable and safe for concurrent
// readers.
package transcript

import (
	"errors"

	"pact/pkg/canonjson"
	"pact/pkg/envelope"
	"pact/pkg/protocol"
)

const Version = "pact-transcript/4.0"

var (
	ErrAlreadySealed  = errors.New("transcript already sealed")
	ErrNotSealed      = errors.New("transcript not sealed")
	ErrWrongVersion   = errors.New("unsupported transcript version")
	ErrRoundEnvelopes = errors.New("rounds and envelopes out of step")
)

// Round is one hash-chained step. RoundHash covers every field except itself;
// PreviousRoundHash of round n equals RoundHash of round n-1 (round 0 chains
// from the transcript's initial hash).
type Round struct {
	RoundNumber       int    `json:"round_number"`
	RoundType         string `json:"round_type"`
	MessageHash       string `json:"message_hash"`
	EnvelopeHash      string `json:"envelope_hash"`
	SignerIdentity    string `json:"signer_identity"`
	Timestamp         string `json:"timestamp"`
	PreviousRoundHash string `json:"previous_round_hash"`
	RoundHash         string `json:"round_hash"`
	ContentSummary    string `json:"content_summary"`
}

// SettlementEvent records settlement-side activity (stream batches, cutoffs,
// reconciliation transitions). Events are not part of the round chain but are
// covered by the final hash.
type SettlementEvent struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
	TickFrom   int    `json:"tick_from,omitempty"`
	TickTo     int    `json:"tick_to,omitempty"`
	Reason     string `json:"reason,omitempty"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
}

// Settlement event types.
const (
	EventStreamStart    = "STREAM_START"
	EventBatch          = "BATCH"
	EventCutoff         = "CUTOFF"
	EventStreamComplete = "STREAM_COMPLETE"
	EventReconcile      = "reconcile_event"
)

// Outcome is the settled result recorded at sealing time. OK must agree with
// whether settlement actually committed; the commit gate in pkg/acquire
// enforces that before anything is written.
type Outcome struct {
	OK               bool   `json:"ok"`
	AgreedPrice      string `json:"agreed_price,omitempty"`
	SettlementMode   string `json:"settlement_mode,omitempty"`
	SettlementStatus string `json:"settlement_status,omitempty"`
	SettlementHandle string `json:"settlement_handle,omitempty"`
	TicksRequested   int    `json:"ticks_requested,omitempty"`
	TicksDelivered   int    `json:"ticks_delivered,omitempty"`
}

// Transcript is the complete record of one negotiation+settlement attempt.
// Envelopes[i] is the signed envelope behind Rounds[i]; keeping them lets
// replay re-verify every signature from the file alone.
type Transcript struct {
	TranscriptVersion    string                    `json:"transcript_version"`
	TranscriptID         string                    `json:"transcript_id"`
	IntentID             string                    `json:"intent_id"`
	IntentType           string                    `json:"intent_type"`
	CreatedAt            string                    `json:"created_at"`
	PolicyHash           string                    `json:"policy_hash"`
	StrategyHash         string                    `json:"strategy_hash"`
	IdentitySnapshotHash string                    `json:"identity_snapshot_hash"`
	Rounds               []Round                   `json:"rounds"`
	Envelopes            []envelope.SignedEnvelope `json:"envelopes"`
	SettlementEvents     []SettlementEvent         `json:"settlement_events,omitempty"`
	Outcome              *Outcome                  `json:"outcome,omitempty"`
	FailureEvent         *protocol.FailureEvent    `json:"failure_event,omitempty"`
	FinalHash            string                    `json:"final_hash,omitempty"`
}

// InitialHash is the chain genesis for round 0.
func InitialHash(intentID, createdAt string) string {
	return canonjson.HashString(intentID + "\n" + createdAt)
}

// HashRound computes round_hash: the canonical hash of the round with its
// round_hash field cleared.
func HashRound(r Round) (string, error) {
	r.RoundHash = ""
	return canonjson.HashObject(r)
}

// HashFinal computes final_hash: the canonical hash of the transcript with
// its final_hash field cleared.
func HashFinal(t *Transcript) (string, error) {
	cp := *t
	cp.FinalHash = ""
	return canonjson.HashObject(&cp)
}

// Sealed reports whether the transcript reached a completed outcome.
func (t *Transcript) Sealed() bool { return t.FinalHash != "" }

func (t *Transcript) SealedSuccess() bool { return t.Sealed() && t.FailureEvent == nil }

func (t *Transcript) SealedFailure() bool { return t.Sealed() && t.FailureEvent != nil }

// ChainReport is the result of walking the round chain.
type ChainReport struct {
	Valid          bool
	BrokenAtRound  int    // index of the first round that fails to chain, -1 if none
	LastValidRound int    // index of the last round that chains from genesis, -1 if none
	LastValidHash  string // LVSH: round hash where verified replay stops
}

// VerifyChain walks the hash chain from genesis. It checks only hashes and
// linkage; signature verification is the blame engine's job.
func VerifyChain(t *Transcript) (ChainReport, error) {
	rep := ChainReport{Valid: true, BrokenAtRound: -1, LastValidRound: -1}
	prev := InitialHash(t.IntentID, t.CreatedAt)
	rep.LastValidHash = prev
	for i := range t.Rounds {
		r := t.Rounds[i]
		recomputed, err := HashRound(r)
		if err != nil {
			return ChainReport{}, err
		}
		if r.PreviousRoundHash != prev || r.RoundHash != recomputed || r.RoundNumber != i {
			rep.Valid = false
			rep.BrokenAtRound = i
			return rep, nil
		}
		rep.LastValidRound = i
		rep.LastValidHash = r.RoundHash
		prev = r.RoundHash
	}
	return rep, nil
}

// VerifyFinalHash recomputes final_hash and compares it to the stored value.
func VerifyFinalHash(t *Transcript) (bool, error) {
	if !t.Sealed() {
		return false, ErrNotSealed
	}
	recomputed, err := HashFinal(t)
	if err != nil {
		return false, err
	}
	return recomputed == t.FinalHash, nil
}
