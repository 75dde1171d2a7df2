package acquire

import (
	"bytes"
	"context"
	"testing"
	"time"

	"pact/pkg/envelope"
	"pact/pkg/identity"
	"pact/pkg/negotiation"
	"pact/pkg/protocol"
	"pact/pkg/receipts"
	"pact/pkg/settlement"
	"pact/pkg/transcript"
)

func buyerIdentity(t *testing.T) *identity.Context {
	t.Helper()
	id, err := identity.FromSeed("agt_buyer", bytes.Repeat([]byte{0x21}, 32))
	if err != nil {
		t.Fatalf("buyer identity: %v", err)
	}
	return id
}

// seller is an in-process counterparty: asks base, counters at floor, accepts
// any bid at or above floor.
type seller struct {
	id    *identity.Context
	base  float64
	floor float64
}

func newSeller(t *testing.T, base, floor float64) *seller {
	t.Helper()
	id, err := identity.FromSeed("agt_seller", bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("seller identity: %v", err)
	}
	return &seller{id: id, base: base, floor: floor}
}

func (s *seller) Exchange(ctx context.Context, env envelope.SignedEnvelope) (envelope.SignedEnvelope, error) {
	msg, err := envelope.Verify(env)
	if err != nil {
		return envelope.SignedEnvelope{}, err
	}
	var reply envelope.Message
	switch msg.Type {
	case envelope.TypeIntent:
		reply = envelope.Message{
			Type: envelope.TypeAsk, IntentID: msg.IntentID,
			Price: negotiation.FormatPrice(s.base), Unit: "call",
		}
	case envelope.TypeBid:
		bid, err := negotiation.ParsePrice(msg.Price)
		if err != nil {
			return envelope.SignedEnvelope{}, err
		}
		if bid >= s.floor {
			reply = envelope.Message{Type: envelope.TypeAccept, IntentID: msg.IntentID, AgreedPrice: msg.Price}
		} else {
			reply = envelope.Message{
				Type: envelope.TypeCounter, IntentID: msg.IntentID,
				Price: negotiation.FormatPrice(s.floor),
			}
		}
	case envelope.TypeAccept:
		reply = envelope.Message{
			Type: envelope.TypeCredential, IntentID: msg.IntentID,
			CredentialType: "kya", Proof: "tier:verified",
		}
	default:
		reply = envelope.Message{Type: envelope.TypeAbort, IntentID: msg.IntentID, Reason: "closed"}
	}
	return envelope.Sign(reply, s.id, time.Now())
}

func weatherSpec() IntentSpec {
	return IntentSpec{
		IntentType: "acquire.timeseries",
		Scope:      map[string]any{"feed": "weather.data", "region": "eu-west"},
		Constraints: map[string]any{
			"resolution": "1m",
			"freshness":  "5s",
		},
	}
}

func testAcquirer(t *testing.T, s *seller, p settlement.Provider) *Acquirer {
	t.Helper()
	return &Acquirer{
		Identity:  buyerIdentity(t),
		Transport: s,
		Provider:  p,
		Policy: Policy{
			MaxPrice:       "0.0002",
			SettlementMode: settlement.ModeHashReveal,
			ProofType:      "hash_reveal",
			MaxRounds:      3,
			BandPct:        0.1,
		},
		TranscriptDir: t.TempDir(),
		Sleep:         func(time.Duration) {},
	}
}

func TestAcquireSealsSuccessOnlyOnCommit(t *testing.T) {
	a := testAcquirer(t, newSeller(t, 0.0003, 0.00018), settlement.NewLocal())
	res, err := a.Acquire(context.Background(), weatherSpec())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.Result.OK {
		t.Fatalf("expected success, got %+v", res.Result)
	}
	if res.AgreedPrice == "" || res.TranscriptPath == "" {
		t.Fatalf("missing agreed price or path: %+v", res)
	}

	tr, err := transcript.ReadFile(res.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !tr.SealedSuccess() {
		t.Fatalf("committed settlement must seal success")
	}
	if tr.Outcome == nil || !tr.Outcome.OK || tr.Outcome.SettlementStatus != "committed" {
		t.Fatalf("outcome disagrees with commit: %+v", tr.Outcome)
	}
	rep, err := transcript.VerifyChain(tr)
	if err != nil || !rep.Valid {
		t.Fatalf("written chain invalid: %+v %v", rep, err)
	}
	ok, err := transcript.VerifyFinalHash(tr)
	if err != nil || !ok {
		t.Fatalf("final hash does not verify: %v", err)
	}
}

func TestAcquireFailedCommitSealsFailure(t *testing.T) {
	prov := settlement.NewLocal()
	prov.FailCommit = true
	a := testAcquirer(t, newSeller(t, 0.0003, 0.00018), prov)

	res, err := a.Acquire(context.Background(), weatherSpec())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Result.OK {
		t.Fatalf("failed commit must not report success")
	}
	if res.Result.Code != protocol.CodeSettlementFailed {
		t.Fatalf("code = %s, want %s", res.Result.Code, protocol.CodeSettlementFailed)
	}

	tr, err := transcript.ReadFile(res.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if tr.SealedSuccess() {
		t.Fatalf("sealed-success transcript exists without a commit")
	}
	if tr.FailureEvent == nil || tr.FailureEvent.Code != protocol.CodeSettlementFailed {
		t.Fatalf("failure event = %+v", tr.FailureEvent)
	}
	if tr.Outcome == nil || tr.Outcome.OK || tr.Outcome.SettlementStatus != "failed" {
		t.Fatalf("outcome = %+v", tr.Outcome)
	}
}

func TestAcquirePendingSealsNonTerminal(t *testing.T) {
	prov := settlement.NewLocal()
	prov.PendingPolls = 100
	a := testAcquirer(t, newSeller(t, 0.0003, 0.00018), prov)
	a.Policy.SettlementMode = settlement.ModeAsyncPending
	a.Settlement = settlement.Config{Mode: settlement.ModeAsyncPending, MaxPollAttempts: 2}

	res, err := a.Acquire(context.Background(), weatherSpec())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Result.Code != protocol.CodePollTimeout {
		t.Fatalf("code = %s, want %s", res.Result.Code, protocol.CodePollTimeout)
	}

	tr, err := transcript.ReadFile(res.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if tr.FailureEvent == nil || tr.FailureEvent.Terminality != protocol.NonTerminal {
		t.Fatalf("poll timeout must seal non-terminal: %+v", tr.FailureEvent)
	}
	if tr.Outcome == nil || tr.Outcome.SettlementStatus != "pending" || tr.Outcome.SettlementHandle == "" {
		t.Fatalf("pending outcome must keep the handle: %+v", tr.Outcome)
	}
}

func TestAcquireNegotiationTimeoutWritesTranscript(t *testing.T) {
	// Seller floor above max price: every bid gets countered until the round
	// budget runs out.
	a := testAcquirer(t, newSeller(t, 0.0003, 0.00025), settlement.NewLocal())

	res, err := a.Acquire(context.Background(), weatherSpec())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Result.Code != protocol.CodeNegotiationTimeout {
		t.Fatalf("code = %s, want %s", res.Result.Code, protocol.CodeNegotiationTimeout)
	}
	tr, err := transcript.ReadFile(res.TranscriptPath)
	if err != nil {
		t.Fatalf("failure path must still write a transcript: %v", err)
	}
	last := tr.Rounds[len(tr.Rounds)-1]
	if last.RoundType != envelope.TypeAbort {
		t.Fatalf("last round = %s, want ABORT", last.RoundType)
	}
}

func TestAcquireDoubleCommitFastPath(t *testing.T) {
	store := receipts.NewMemory()
	spec := weatherSpec()

	a1 := testAcquirer(t, newSeller(t, 0.0003, 0.00018), settlement.NewLocal())
	a1.Receipts = store
	res1, err := a1.Acquire(context.Background(), spec)
	if err != nil || !res1.Result.OK {
		t.Fatalf("first acquisition: %v %+v", err, res1.Result)
	}

	a2 := testAcquirer(t, newSeller(t, 0.0003, 0.00018), settlement.NewLocal())
	a2.Identity = a1.Identity
	a2.Receipts = store
	res2, err := a2.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("second acquisition: %v", err)
	}
	if res2.Result.Code != protocol.CodeDoubleCommit {
		t.Fatalf("code = %s, want %s", res2.Result.Code, protocol.CodeDoubleCommit)
	}
	if res2.Fingerprint != res1.Fingerprint {
		t.Fatalf("same deal must fingerprint identically")
	}
	tr, err := transcript.ReadFile(res2.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !tr.SealedFailure() || tr.FailureEvent.Stage != protocol.StageSettlement {
		t.Fatalf("double commit must seal failure before settlement: %+v", tr.FailureEvent)
	}
}

func TestAcquireRegimeGating(t *testing.T) {
	store := receipts.NewMemory()
	a := testAcquirer(t, newSeller(t, 0.0003, 0.00018), settlement.NewLocal())
	a.Receipts = store
	a.Policy.RegimeTradeMinimum = 1

	res1, err := a.Acquire(context.Background(), weatherSpec())
	if err != nil || !res1.Result.OK {
		t.Fatalf("first acquisition: %v %+v", err, res1.Result)
	}
	tr1, err := transcript.ReadFile(res1.TranscriptPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	staticHash, err := (&negotiation.Static{OfferPrice: 0.0002}).ConfigHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if tr1.StrategyHash != staticHash {
		t.Fatalf("below trade minimum the buyer must stay static, got %s", tr1.StrategyHash)
	}

	// Second deal under the same policy but a different scope, so the
	// fingerprint differs and the trade count now clears the minimum.
	spec2 := weatherSpec()
	spec2.Scope["region"] = "us-east"
	res2, err := a.Acquire(context.Background(), spec2)
	if err != nil || !res2.Result.OK {
		t.Fatalf("second acquisition: %v %+v", err, res2.Result)
	}
	tr2, err := transcript.ReadFile(res2.TranscriptPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	bandedHash, err := (&negotiation.BandedConcession{BandPct: 0.1}).ConfigHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if tr2.StrategyHash != bandedHash {
		t.Fatalf("past trade minimum the buyer must leave static, got %s", tr2.StrategyHash)
	}
}

type fixedKYA struct{ tier string }

func (v fixedKYA) VerifyProof(ctx context.Context, proof []byte) (identity.KYAResult, error) {
	return identity.KYAResult{OK: true, Tier: v.tier}, nil
}

func TestAcquireKYATierEnforced(t *testing.T) {
	a := testAcquirer(t, newSeller(t, 0.0003, 0.00018), settlement.NewLocal())
	a.KYA = fixedKYA{tier: "basic"}
	a.Policy.RequiredKYATier = "verified"

	res, err := a.Acquire(context.Background(), weatherSpec())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Result.Code != protocol.CodePolicyViolation {
		t.Fatalf("code = %s, want %s", res.Result.Code, protocol.CodePolicyViolation)
	}

	a2 := testAcquirer(t, newSeller(t, 0.0003, 0.00018), settlement.NewLocal())
	a2.KYA = fixedKYA{tier: "verified"}
	a2.Policy.RequiredKYATier = "verified"
	res2, err := a2.Acquire(context.Background(), weatherSpec())
	if err != nil || !res2.Result.OK {
		t.Fatalf("matching tier must pass: %v %+v", err, res2.Result)
	}
}
