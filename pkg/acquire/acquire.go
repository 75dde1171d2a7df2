// Package acquire runs one acquisition end to end: strategy selection,
// negotiation, settlement, and the atomic commit gate that decides how the
// transcript seals. A sealed-success transcript exists only if settlement
// committed; every failure path still writes a sealed-failure transcript.
package acquire

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pact/pkg/canonjson"
	"pact/pkg/envelope"
	"pact/pkg/fingerprint"
	"pact/pkg/identity"
	"pact/pkg/negotiation"
	"pact/pkg/protocol"
	"pact/pkg/receipts"
	"pact/pkg/settlement"
	"pact/pkg/transcript"
)

// Policy fixes the buyer-side rules for one acquisition. Its hash goes into
// the transcript header and the intent fingerprint, so two attempts under the
// same policy fingerprint identically.
type Policy struct {
	MaxPrice         string
	SettlementMode   string
	ProofType        string
	MaxRounds        int
	MaxTotalDuration time.Duration
	CallTimeout      time.Duration

	// Concession band and advisory tuning for the non-static regimes.
	BandPct        float64
	CandidateCount int
	Epsilon        float64

	// Trades required (per the receipt store) before the buyer leaves the
	// conservative static regime. Zero disables gating.
	RegimeTradeMinimum int

	// When set, the counterparty's credential must verify at this tier before
	// settlement is attempted.
	RequiredKYATier string
}

// Hash is the policy_hash recorded in transcript headers. Durations hash as
// millisecond integers so the value is stable across Duration formatting.
func (p Policy) Hash() (string, error) {
	return canonjson.HashObject(map[string]any{
		"max_price":            p.MaxPrice,
		"settlement_mode":      p.SettlementMode,
		"proof_type":           p.ProofType,
		"max_rounds":           p.MaxRounds,
		"max_total_ms":         p.MaxTotalDuration.Milliseconds(),
		"call_timeout_ms":      p.CallTimeout.Milliseconds(),
		"band_pct":             negotiation.FormatPrice(p.BandPct),
		"candidate_count":      p.CandidateCount,
		"epsilon":              negotiation.FormatPrice(p.Epsilon),
		"regime_trade_minimum": p.RegimeTradeMinimum,
		"required_kya_tier":    p.RequiredKYATier,
	})
}

// IntentSpec is what the buyer wants: the deal-identifying fields that feed
// both the INTENT envelope and the fingerprint.
type IntentSpec struct {
	IntentType  string
	Scope       map[string]any
	Constraints map[string]any
	ExpiresAt   string
}

// Result is the orchestrator outcome. Result.OK mirrors the transcript's
// sealing: true only when settlement committed.
type Result struct {
	Result         protocol.Result
	TranscriptID   string
	TranscriptPath string
	Fingerprint    string
	AgreedPrice    string
	Rounds         int
	TicksDelivered int
	SettlementRef  string
}

// Acquirer wires one buyer agent's collaborators. Receipts, Scorer, and KYA
// are optional; a nil receipt store skips the fast-path double-commit check
// and leaves detection to the audit scan.
type Acquirer struct {
	Identity   *identity.Context
	Transport  negotiation.Transport
	Provider   settlement.Provider
	Receipts   receipts.Store
	Scorer     negotiation.Scorer
	KYA        identity.KYAVerifier
	Policy     Policy
	Settlement settlement.Config

	// Directory for transcript files. Empty skips persistence.
	TranscriptDir string

	Clock func() time.Time
	Sleep func(time.Duration)
}

func (a *Acquirer) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

// Acquire runs the full pipeline for one intent. Protocol failures come back
// as a failed Result with a sealed-failure transcript on disk; a Go error
// means local invariant breakage (bad policy, unwritable directory).
func (a *Acquirer) Acquire(ctx context.Context, spec IntentSpec) (Result, error) {
	policyHash, err := a.Policy.Hash()
	if err != nil {
		return Result{}, err
	}
	strategy, err := a.selectStrategy(ctx)
	if err != nil {
		return Result{}, err
	}
	strategyHash, err := strategy.ConfigHash()
	if err != nil {
		return Result{}, err
	}
	snapshot, err := a.Identity.SnapshotHash()
	if err != nil {
		return Result{}, err
	}

	fp, err := fingerprint.Compute(spec.IntentType, spec.Scope, spec.Constraints, a.Identity.PublicKeyBase64(), policyHash)
	if err != nil {
		return Result{}, err
	}

	intentID := "int_" + uuid.NewString()
	b := transcript.NewBuilder(intentID, spec.IntentType, policyHash, strategyHash, snapshot, a.now())
	if a.Clock != nil {
		b.SetClock(a.Clock)
	}
	res := Result{TranscriptID: b.Transcript().TranscriptID, Fingerprint: fp}

	intent := envelope.Message{
		Type:        envelope.TypeIntent,
		IntentID:    intentID,
		IntentType:  spec.IntentType,
		Scope:       spec.Scope,
		Constraints: spec.Constraints,
		MaxPrice:    a.Policy.MaxPrice,
		ExpiresAt:   spec.ExpiresAt,
	}

	eng := &negotiation.Engine{
		Identity:         a.Identity,
		Strategy:         strategy,
		Transport:        a.Transport,
		SettlementMode:   a.Policy.SettlementMode,
		ProofType:        a.Policy.ProofType,
		MaxRounds:        a.Policy.MaxRounds,
		MaxTotalDuration: a.Policy.MaxTotalDuration,
		CallTimeout:      a.Policy.CallTimeout,
		Clock:            a.Clock,
	}
	neg, err := eng.Run(ctx, intent, b)
	if err != nil {
		return res, err
	}
	res.Rounds = neg.Rounds
	if !neg.Accepted {
		return a.sealFailure(b, res, neg.Result, protocol.StageNegotiation, nil)
	}
	res.AgreedPrice = neg.AgreedPrice

	if fail, ok := a.checkCredential(ctx, b); !ok {
		return a.sealFailure(b, res, fail, protocol.StageNegotiation, nil)
	}

	// Reserve the fingerprint before settlement. The store's atomic
	// ingest-and-check is what stops two concurrent acquisitions from both
	// reaching settlement for the same deal.
	if a.Receipts != nil {
		rec := receipts.Receipt{
			IntentFingerprint: fp,
			TranscriptID:      res.TranscriptID,
			IntentType:        spec.IntentType,
			BuyerAgent:        a.Identity.AgentID,
			SellerAgent:       sellerIdentity(b.Transcript()),
			AgreedPrice:       neg.AgreedPrice,
			Status:            "reserved",
			CreatedAt:         a.now().UTC().Format(time.RFC3339Nano),
		}
		if err := a.Receipts.IngestAndCheck(ctx, rec); err != nil {
			if errors.Is(err, receipts.ErrDoubleCommit) {
				return a.sealFailure(b, res,
					protocol.Fail(protocol.CodeDoubleCommit, "fingerprint already settled by another attempt"),
					protocol.StageSettlement, nil)
			}
			return a.sealFailure(b, res,
				protocol.Fail(protocol.CodeIntegrityFailure, "receipt store: "+err.Error()),
				protocol.StageSettlement, nil)
		}
	}

	cfg := a.Settlement
	if cfg.Mode == "" {
		cfg.Mode = a.Policy.SettlementMode
	}
	coord := &settlement.Coordinator{Provider: a.Provider, Sleep: a.Sleep, Clock: a.Clock}
	sres := coord.Execute(ctx, cfg, intent, neg.AgreedPrice)
	for _, ev := range sres.Events {
		if err := b.AppendSettlementEvent(ev); err != nil {
			return res, err
		}
	}
	res.TicksDelivered = sres.TicksDelivered
	res.SettlementRef = sres.Ref

	// The commit gate. Sealing and the settlement status must agree: success
	// seals only on a committed settlement, everything else seals as failure
	// with the settlement state preserved in the outcome.
	switch sres.Status {
	case settlement.StatusOK:
		out := transcript.Outcome{
			OK:               true,
			AgreedPrice:      neg.AgreedPrice,
			SettlementMode:   cfg.Mode,
			SettlementStatus: "committed",
			SettlementHandle: sres.Handle.ID,
			TicksRequested:   cfg.TotalTicks,
			TicksDelivered:   sres.TicksDelivered,
		}
		if err := b.SealSuccess(out); err != nil {
			return res, err
		}
		path, err := a.writeTranscript(b.Transcript())
		if err != nil {
			return res, err
		}
		res.TranscriptPath = path
		a.updateReceipt(ctx, fp, res.TranscriptID, "committed", sres.TicksDelivered)
		res.Result = protocol.OKResult()
		return res, nil

	case settlement.StatusPending:
		out := &transcript.Outcome{
			AgreedPrice:      neg.AgreedPrice,
			SettlementMode:   cfg.Mode,
			SettlementStatus: "pending",
			SettlementHandle: sres.Handle.ID,
			TicksRequested:   cfg.TotalTicks,
			TicksDelivered:   sres.TicksDelivered,
		}
		a.updateReceipt(ctx, fp, res.TranscriptID, "pending", sres.TicksDelivered)
		return a.sealFailure(b, res, protocol.Fail(sres.Code, sres.Reason), protocol.StageSettlement, out)

	default:
		out := &transcript.Outcome{
			AgreedPrice:      neg.AgreedPrice,
			SettlementMode:   cfg.Mode,
			SettlementStatus: "failed",
			SettlementHandle: sres.Handle.ID,
			TicksRequested:   cfg.TotalTicks,
			TicksDelivered:   sres.TicksDelivered,
		}
		a.updateReceipt(ctx, fp, res.TranscriptID, "failed", sres.TicksDelivered)
		return a.sealFailure(b, res, protocol.Fail(sres.Code, sres.Reason), protocol.StageSettlement, out)
	}
}

// selectStrategy applies regime gating: below the trade minimum the buyer
// stays in the static regime; above it, advisory when a scorer is wired,
// banded concession otherwise.
func (a *Acquirer) selectStrategy(ctx context.Context) (negotiation.Strategy, error) {
	maxPrice, err := negotiation.ParsePrice(a.Policy.MaxPrice)
	if err != nil {
		return nil, protocol.NewError(protocol.CodePolicyViolation, "policy max_price invalid")
	}
	if a.Policy.RegimeTradeMinimum > 0 {
		trades := 0
		if a.Receipts != nil {
			if n, err := a.Receipts.TradeCount(ctx, a.Identity.AgentID); err == nil {
				trades = n
			}
		}
		if trades < a.Policy.RegimeTradeMinimum {
			return &negotiation.Static{OfferPrice: maxPrice}, nil
		}
	}
	banded := &negotiation.BandedConcession{BandPct: a.Policy.BandPct}
	if a.Scorer != nil {
		return &negotiation.MLAdvisory{
			Fallback:       banded,
			Scorer:         a.Scorer,
			CandidateCount: a.Policy.CandidateCount,
			Epsilon:        a.Policy.Epsilon,
		}, nil
	}
	return banded, nil
}

// checkCredential enforces the policy's KYA tier against the counterparty's
// credential envelope. Runs only when both a verifier and a required tier are
// configured.
func (a *Acquirer) checkCredential(ctx context.Context, b *transcript.Builder) (protocol.Result, bool) {
	if a.KYA == nil || a.Policy.RequiredKYATier == "" {
		return protocol.Result{}, true
	}
	for _, env := range b.Transcript().Envelopes {
		if env.Message.Type != envelope.TypeCredential {
			continue
		}
		kr, err := a.KYA.VerifyProof(ctx, []byte(env.Message.Proof))
		if err != nil || !kr.OK {
			return protocol.Fail(protocol.CodePolicyViolation, "counterparty credential failed verification"), false
		}
		if kr.Tier != a.Policy.RequiredKYATier {
			return protocol.Fail(protocol.CodePolicyViolation, "counterparty credential tier "+kr.Tier+" below required "+a.Policy.RequiredKYATier), false
		}
		return protocol.Result{}, true
	}
	return protocol.Fail(protocol.CodePolicyViolation, "counterparty presented no credential"), false
}

// sealFailure closes the transcript with a registry-classified failure event
// and writes it out. The file is written even when the caller is about to
// surface a failed Result.
func (a *Acquirer) sealFailure(b *transcript.Builder, res Result, fail protocol.Result, stage protocol.Stage, out *transcript.Outcome) (Result, error) {
	cls := protocol.ClassifyCode(fail.Code)
	fe := protocol.FailureEvent{
		Code:        fail.Code,
		Stage:       stage,
		FaultDomain: cls.FaultDomain,
		Terminality: cls.Terminality,
		Reason:      fail.Reason,
	}
	if err := b.SealFailure(fe, out); err != nil {
		return res, err
	}
	path, err := a.writeTranscript(b.Transcript())
	if err != nil {
		return res, err
	}
	res.TranscriptPath = path
	res.Result = fail
	return res, nil
}

func (a *Acquirer) writeTranscript(t *transcript.Transcript) (string, error) {
	if a.TranscriptDir == "" {
		return "", nil
	}
	path := filepath.Join(a.TranscriptDir, t.TranscriptID+".json")
	if err := transcript.WriteFile(path, t); err != nil {
		return "", err
	}
	return path, nil
}

// updateReceipt is best effort: the reservation already holds the fingerprint,
// so a failed status update never blocks the acquisition result.
func (a *Acquirer) updateReceipt(ctx context.Context, fp, transcriptID, status string, ticks int) {
	if a.Receipts == nil {
		return
	}
	_ = a.Receipts.UpdateStatus(ctx, fp, transcriptID, status, ticks)
}

// sellerIdentity pulls the counterparty's signer key from the first round not
// signed by the buyer. Empty when negotiation never got a reply.
func sellerIdentity(t *transcript.Transcript) string {
	if len(t.Rounds) == 0 {
		return ""
	}
	buyer := t.Rounds[0].SignerIdentity
	for _, r := range t.Rounds[1:] {
		if r.SignerIdentity != buyer {
			return r.SignerIdentity
		}
	}
	return ""
}
