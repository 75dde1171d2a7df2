package settlement

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pact/pkg/envelope"
	"pact/pkg/identity"
	"pact/pkg/protocol"
	"pact/pkg/transcript"
)

// writePending builds a sealed-failure PACT-311 transcript around a live
// pending handle on p and writes it to a temp file.
func writePending(t *testing.T, p *Local) string {
	t.Helper()
	ctx := context.Background()
	h, err := p.Prepare(ctx, testIntent(), "0.0002")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if cr, err := p.Commit(ctx, h); err != nil || cr.Status != StatusPending {
		t.Fatalf("commit = %+v %v, want pending", cr, err)
	}

	id, err := identity.FromSeed("agt_buyer", bytes.Repeat([]byte{0x55}, 32))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	b := transcript.NewBuilder("int_pending", "acquire.timeseries", "ph", "sh", "ih", time.Now())
	env, err := envelope.Sign(envelope.Message{
		Type: envelope.TypeIntent, IntentID: "int_pending", IntentType: "acquire.timeseries", MaxPrice: "0.0002",
	}, id, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := b.AppendEnvelope(env, "INTENT"); err != nil {
		t.Fatalf("append: %v", err)
	}
	err = b.SealFailure(protocol.FailureEvent{
		Code:        protocol.CodePollTimeout,
		Stage:       protocol.StageSettlement,
		FaultDomain: protocol.ProviderAtFault,
		Terminality: protocol.NonTerminal,
		Reason:      "settlement still pending after poll budget",
	}, &transcript.Outcome{
		AgreedPrice:      "0.0002",
		SettlementMode:   ModeAsyncPending,
		SettlementStatus: StatusPending,
		SettlementHandle: h.ID,
	})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	path := filepath.Join(t.TempDir(), b.Transcript().TranscriptID+".json")
	if err := transcript.WriteFile(path, b.Transcript()); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestReconcileResolvesPending(t *testing.T) {
	p := NewLocal()
	p.PendingPolls = 1
	path := writePending(t, p)

	res, err := Reconcile(context.Background(), path, p, 3, 0, func(time.Duration) {})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.Resealed || res.ToStatus != "committed" {
		t.Fatalf("result = %+v, want resealed committed", res)
	}

	tr, err := transcript.ReadFile(path)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if !tr.SealedSuccess() {
		t.Fatalf("resolved transcript must seal success")
	}
	if tr.Outcome == nil || !tr.Outcome.OK || tr.Outcome.SettlementStatus != "committed" {
		t.Fatalf("outcome = %+v", tr.Outcome)
	}
	last := tr.SettlementEvents[len(tr.SettlementEvents)-1]
	if last.Type != transcript.EventReconcile || last.FromStatus != StatusPending || last.ToStatus != "committed" {
		t.Fatalf("reconcile event = %+v", last)
	}
	if ok, err := transcript.VerifyFinalHash(tr); err != nil || !ok {
		t.Fatalf("re-sealed final hash must verify: %v", err)
	}
}

type failingStatusProvider struct{ Local }

func (p *failingStatusProvider) Status(ctx context.Context, h Handle) (CommitResult, error) {
	return CommitResult{Status: StatusFailed}, nil
}

func TestReconcileFailureSealsTerminal(t *testing.T) {
	inner := NewLocal()
	inner.PendingPolls = 100
	path := writePending(t, inner)

	p := &failingStatusProvider{}
	res, err := Reconcile(context.Background(), path, p, 1, 0, func(time.Duration) {})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.ToStatus != StatusFailed {
		t.Fatalf("result = %+v", res)
	}
	tr, err := transcript.ReadFile(path)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if tr.FailureEvent == nil || tr.FailureEvent.Code != protocol.CodeSettlementFailed ||
		tr.FailureEvent.Terminality != protocol.Terminal {
		t.Fatalf("failure event = %+v", tr.FailureEvent)
	}
}

func TestReconcileRejectsIneligible(t *testing.T) {
	id, err := identity.FromSeed("agt_buyer", bytes.Repeat([]byte{0x55}, 32))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	b := transcript.NewBuilder("int_done", "acquire.timeseries", "ph", "sh", "ih", time.Now())
	env, err := envelope.Sign(envelope.Message{
		Type: envelope.TypeIntent, IntentID: "int_done", IntentType: "acquire.timeseries", MaxPrice: "0.0002",
	}, id, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := b.AppendEnvelope(env, "INTENT"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.SealSuccess(transcript.Outcome{OK: true, AgreedPrice: "0.0002", SettlementStatus: "committed"}); err != nil {
		t.Fatalf("seal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "done.json")
	if err := transcript.WriteFile(path, b.Transcript()); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = Reconcile(context.Background(), path, NewLocal(), 1, 0, func(time.Duration) {})
	if !errors.Is(err, ErrNotReconcilable) {
		t.Fatalf("err = %v, want ErrNotReconcilable", err)
	}
}

func TestReconcileRespectsLock(t *testing.T) {
	p := NewLocal()
	p.PendingPolls = 1
	path := writePending(t, p)

	release, err := transcript.Lock(path)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	if _, err := Reconcile(context.Background(), path, p, 1, 0, func(time.Duration) {}); err == nil {
		t.Fatalf("reconcile must fail while the transcript is locked")
	}
}
