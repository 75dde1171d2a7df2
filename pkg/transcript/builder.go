package transcript

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"pact/pkg/envelope"
	"pact/pkg/protocol"
)

// Builder appends signed rounds with correct chaining and performs the
// one-shot seal. It is not safe for concurrent use; one acquisition owns one
// builder.
type Builder struct {
	t     *Transcript
	prev  string
	clock func() time.Time
}

// NewBuilder starts an unsealed transcript. createdAt fixes the chain genesis.
func NewBuilder(intentID, intentType, policyHash, strategyHash, identitySnapshotHash string, createdAt time.Time) *Builder {
	created := createdAt.UTC().Format(time.RFC3339Nano)
	t := &Transcript{
		TranscriptVersion:    Version,
		TranscriptID:         "txr_" + uuid.NewString(),
		IntentID:             intentID,
		IntentType:           intentType,
		CreatedAt:            created,
		PolicyHash:           policyHash,
		StrategyHash:         strategyHash,
		IdentitySnapshotHash: identitySnapshotHash,
		Rounds:               []Round{},
		Envelopes:            []envelope.SignedEnvelope{},
	}
	return &Builder{t: t, prev: InitialHash(intentID, created), clock: time.Now}
}

// SetClock overrides the timestamp source, for deterministic fixtures.
func (b *Builder) SetClock(clock func() time.Time) { b.clock = clock }

// AppendEnvelope verifies env, derives the next chained round from it, and
// appends both. Envelope verification failing here is a protocol error: the
// round never enters the chain.
func (b *Builder) AppendEnvelope(env envelope.SignedEnvelope, summary string) (Round, error) {
	if b.t.Sealed() {
		return Round{}, ErrAlreadySealed
	}
	msg, err := envelope.Verify(env)
	if err != nil {
		return Round{}, fmt.Errorf("append rejected: %w", err)
	}
	envHash, err := envelope.Hash(env)
	if err != nil {
		return Round{}, err
	}
	r := Round{
		RoundNumber:       len(b.t.Rounds),
		RoundType:         msg.Type,
		MessageHash:       env.MessageHash,
		EnvelopeHash:      envHash,
		SignerIdentity:    env.SignerPublicKey,
		Timestamp:         b.clock().UTC().Format(time.RFC3339Nano),
		PreviousRoundHash: b.prev,
		ContentSummary:    summary,
	}
	rh, err := HashRound(r)
	if err != nil {
		return Round{}, err
	}
	r.RoundHash = rh
	b.t.Rounds = append(b.t.Rounds, r)
	b.t.Envelopes = append(b.t.Envelopes, env)
	b.prev = rh
	return r, nil
}

// AppendSettlementEvent records settlement activity. Ignored after sealing
// would be a bug, so it errors instead.
func (b *Builder) AppendSettlementEvent(ev SettlementEvent) error {
	if b.t.Sealed() {
		return ErrAlreadySealed
	}
	if ev.Timestamp == "" {
		ev.Timestamp = b.clock().UTC().Format(time.RFC3339Nano)
	}
	b.t.SettlementEvents = append(b.t.SettlementEvents, ev)
	return nil
}

// SealSuccess writes the outcome and final hash. The caller (the commit gate)
// must only invoke this after settlement actually committed; sealing success
// with outcome.ok=false is rejected outright.
func (b *Builder) SealSuccess(out Outcome) error {
	if b.t.Sealed() {
		return ErrAlreadySealed
	}
	if !out.OK {
		return fmt.Errorf("seal success requires outcome.ok")
	}
	b.t.Outcome = &out
	fh, err := HashFinal(b.t)
	if err != nil {
		b.t.Outcome = nil
		return err
	}
	b.t.FinalHash = fh
	return nil
}

// SealFailure records the failure event and seals. The failure event's
// transcript_hash is stamped with the chain's current head so evidence refs
// can anchor to a verified position.
func (b *Builder) SealFailure(fe protocol.FailureEvent, out *Outcome) error {
	if b.t.Sealed() {
		return ErrAlreadySealed
	}
	if out != nil && out.OK {
		return fmt.Errorf("seal failure cannot carry outcome.ok")
	}
	if fe.Timestamp == "" {
		fe.Timestamp = b.clock().UTC().Format(time.RFC3339Nano)
	}
	if fe.EvidenceRefs == nil {
		fe.EvidenceRefs = []string{}
	}
	fe.TranscriptHash = b.prev
	b.t.FailureEvent = &fe
	b.t.Outcome = out
	fh, err := HashFinal(b.t)
	if err != nil {
		b.t.FailureEvent = nil
		b.t.Outcome = nil
		return err
	}
	b.t.FinalHash = fh
	return nil
}

// Transcript exposes the underlying record. Callers must not mutate it after
// sealing.
func (b *Builder) Transcript() *Transcript { return b.t }

// ChainHead returns the hash the next round would chain from.
func (b *Builder) ChainHead() string { return b.prev }
