package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pact/pkg/protocol"
	"pact/pkg/transcript"
)

var (
	ErrNotReconcilable = errors.New("transcript is not eligible for reconciliation")
)

// ReconcileResult reports the transition a reconcile call performed.
type ReconcileResult struct {
	FromStatus string
	ToStatus   string
	Resealed   bool
}

// Reconcile re-polls the provider handle recorded in a pending transcript.
// On resolution it appends a reconcile_event and re-seals the file. This is
// the single sanctioned mutation of a previously written transcript; the
// sibling lock file keeps concurrent reconcilers off the same path.
func Reconcile(ctx context.Context, path string, p Provider, pollAttempts int, interval time.Duration, sleep func(time.Duration)) (ReconcileResult, error) {
	release, err := transcript.Lock(path)
	if err != nil {
		return ReconcileResult{}, err
	}
	defer release()

	t, err := transcript.ReadFile(path)
	if err != nil {
		return ReconcileResult{}, err
	}
	if !t.SealedFailure() || t.FailureEvent.Code != protocol.CodePollTimeout ||
		t.FailureEvent.Terminality != protocol.NonTerminal ||
		t.Outcome == nil || t.Outcome.SettlementStatus != StatusPending || t.Outcome.SettlementHandle == "" {
		return ReconcileResult{}, ErrNotReconcilable
	}

	h := Handle{ID: t.Outcome.SettlementHandle, Mode: t.Outcome.SettlementMode}
	if sleep == nil {
		sleep = time.Sleep
	}
	if pollAttempts <= 0 {
		pollAttempts = 3
	}

	status := StatusPending
	for i := 0; i < pollAttempts && status == StatusPending; i++ {
		if i > 0 && interval > 0 {
			sleep(interval)
		}
		sr, err := p.Status(ctx, h)
		if err != nil {
			return ReconcileResult{}, fmt.Errorf("status poll: %w", err)
		}
		status = sr.Status
	}
	if status == StatusPending {
		return ReconcileResult{FromStatus: StatusPending, ToStatus: StatusPending}, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	t.SettlementEvents = append(t.SettlementEvents, transcript.SettlementEvent{
		Type: transcript.EventReconcile, Timestamp: now,
		FromStatus: StatusPending, ToStatus: statusWord(status),
	})

	out := *t.Outcome
	if status == StatusOK {
		out.OK = true
		out.SettlementStatus = "committed"
		t.FailureEvent = nil
	} else {
		out.OK = false
		out.SettlementStatus = "failed"
		t.FailureEvent = &protocol.FailureEvent{
			Code:           protocol.CodeSettlementFailed,
			Stage:          protocol.StageSettlement,
			FaultDomain:    protocol.ProviderAtFault,
			Terminality:    protocol.Terminal,
			EvidenceRefs:   []string{"reconcile:" + h.ID},
			Timestamp:      now,
			TranscriptHash: t.FailureEvent.TranscriptHash,
			Reason:         "settlement failed during reconciliation",
		}
	}
	t.Outcome = &out

	t.FinalHash = ""
	fh, err := transcript.HashFinal(t)
	if err != nil {
		return ReconcileResult{}, err
	}
	t.FinalHash = fh
	if err := transcript.WriteFile(path, t); err != nil {
		return ReconcileResult{}, err
	}
	return ReconcileResult{FromStatus: StatusPending, ToStatus: statusWord(status), Resealed: true}, nil
}

func statusWord(s string) string {
	if s == StatusOK {
		return "committed"
	}
	return s
}
