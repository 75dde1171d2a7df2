package settlement

import (
	"context"
	"testing"
	"time"

	"pact/pkg/envelope"
	"pact/pkg/protocol"
	"pact/pkg/transcript"
)

func testCoordinator(p Provider) *Coordinator {
	return &Coordinator{Provider: p, Sleep: func(time.Duration) {}}
}

func testIntent() envelope.Message {
	return envelope.Message{Type: envelope.TypeIntent, IntentID: "int_settle", IntentType: "acquire.timeseries"}
}

func TestHashRevealCommits(t *testing.T) {
	p := NewLocal()
	res := testCoordinator(p).Execute(context.Background(), Config{Mode: ModeHashReveal}, testIntent(), "0.0002")
	if res.Status != StatusOK {
		t.Fatalf("status = %s, want ok: %+v", res.Status, res)
	}
	if res.Handle.ID == "" || res.Ref == "" {
		t.Fatalf("committed result must carry handle and ref: %+v", res)
	}
	if got := p.Escrow.State(res.Handle.ID); got != "released" {
		t.Fatalf("escrow = %s, want released", got)
	}
}

func TestHashRevealCommitFailure(t *testing.T) {
	p := NewLocal()
	p.FailCommit = true
	res := testCoordinator(p).Execute(context.Background(), Config{Mode: ModeHashReveal}, testIntent(), "0.0002")
	if res.Status != StatusFailed || res.Code != protocol.CodeSettlementFailed {
		t.Fatalf("result = %+v, want failed %s", res, protocol.CodeSettlementFailed)
	}
	if got := p.Escrow.State(res.Handle.ID); got != "refunded" {
		t.Fatalf("escrow = %s, want refunded", got)
	}
}

func TestHashRevealRevealFailure(t *testing.T) {
	p := NewLocal()
	p.FailReveal = true
	res := testCoordinator(p).Execute(context.Background(), Config{Mode: ModeHashReveal}, testIntent(), "0.0002")
	if res.Status != StatusFailed || res.Code != protocol.CodeSettlementFailed {
		t.Fatalf("result = %+v, want failed %s", res, protocol.CodeSettlementFailed)
	}
}

func TestUnsupportedModeIsPolicyViolation(t *testing.T) {
	res := testCoordinator(NewLocal()).Execute(context.Background(), Config{Mode: "escrowless"}, testIntent(), "0.0002")
	if res.Code != protocol.CodePolicyViolation {
		t.Fatalf("code = %s, want %s", res.Code, protocol.CodePolicyViolation)
	}
}

func TestStreamingBuyerStopBatchesEvents(t *testing.T) {
	// One tick then buyer stop: STREAM_START, one BATCH, CUTOFF. The event
	// count must stay small no matter the batch size defaulting.
	res := testCoordinator(NewLocal()).Execute(context.Background(), Config{
		Mode: ModeStreaming, TotalTicks: 100, BuyerStopAfterTicks: 1,
	}, testIntent(), "0.0002")
	if res.Status != StatusOK {
		t.Fatalf("partial delivery must still commit: %+v", res)
	}
	if res.TicksDelivered != 1 {
		t.Fatalf("ticks delivered = %d, want 1", res.TicksDelivered)
	}
	if len(res.Events) > 5 {
		t.Fatalf("%d events for a one-tick run", len(res.Events))
	}
	var sawBatch, sawCutoff bool
	for _, ev := range res.Events {
		switch ev.Type {
		case transcript.EventBatch:
			sawBatch = true
		case transcript.EventCutoff:
			if ev.Reason != "BUYER_STOP" {
				t.Fatalf("cutoff reason = %s", ev.Reason)
			}
			sawCutoff = true
		case transcript.EventStreamComplete:
			t.Fatalf("buyer stop must not emit STREAM_COMPLETE")
		}
	}
	if !sawBatch || !sawCutoff {
		t.Fatalf("events missing BATCH or CUTOFF: %+v", res.Events)
	}
}

func TestStreamingFullRunBatches(t *testing.T) {
	res := testCoordinator(NewLocal()).Execute(context.Background(), Config{
		Mode: ModeStreaming, TotalTicks: 25, BatchSize: 10,
	}, testIntent(), "0.0002")
	if res.Status != StatusOK || res.TicksDelivered != 25 {
		t.Fatalf("result = %+v", res)
	}
	// STREAM_START + 3 batches (10, 10, 5) + STREAM_COMPLETE.
	if len(res.Events) != 5 {
		t.Fatalf("events = %d, want 5: %+v", len(res.Events), res.Events)
	}
	last := res.Events[len(res.Events)-1]
	if last.Type != transcript.EventStreamComplete {
		t.Fatalf("last event = %s", last.Type)
	}
}

func TestAsyncPendingExhaustsPollBudget(t *testing.T) {
	p := NewLocal()
	p.PendingPolls = 100
	res := testCoordinator(p).Execute(context.Background(), Config{
		Mode: ModeAsyncPending, MaxPollAttempts: 3,
	}, testIntent(), "0.0002")
	if res.Status != StatusPending || res.Code != protocol.CodePollTimeout {
		t.Fatalf("result = %+v, want pending %s", res, protocol.CodePollTimeout)
	}
	if res.Handle.ID == "" {
		t.Fatalf("pending result must keep the handle for reconciliation")
	}
}

func TestAsyncPendingResolvesWithinBudget(t *testing.T) {
	p := NewLocal()
	p.PendingPolls = 2
	res := testCoordinator(p).Execute(context.Background(), Config{
		Mode: ModeAsyncPending, MaxPollAttempts: 5,
	}, testIntent(), "0.0002")
	if res.Status != StatusOK {
		t.Fatalf("result = %+v, want ok", res)
	}
}

func TestNotImplementedProviderIs430(t *testing.T) {
	res := testCoordinator(&NotImplemented{Capability: "card_processor"}).Execute(
		context.Background(), Config{Mode: ModeHashReveal}, testIntent(), "0.0002")
	if res.Code != protocol.CodeNotImplemented {
		t.Fatalf("code = %s, want %s", res.Code, protocol.CodeNotImplemented)
	}
}
