// Package negotiation drives the round state machine between buyer and
// seller: INTENT → ASK → {BID ⇄ COUNTER}* → {ACCEPT | REJECT | ABORT}. The
// engine is a sequential cooperative state machine; every network exchange is
// a suspension point with a caller-supplied timeout.
package negotiation

import (
	"context"
	"fmt"
	"time"

	"pact/pkg/envelope"
	"pact/pkg/identity"
	"pact/pkg/protocol"
	"pact/pkg/transcript"
)

// Transport carries one signed envelope to the counterparty and returns its
// signed reply. Implementations map transport failures to protocol.Error
// codes (PACT-401/421/422).
type Transport interface {
	Exchange(ctx context.Context, env envelope.SignedEnvelope) (envelope.SignedEnvelope, error)
}

// Outcome is the negotiation result. Result.OK means an ACCEPT was reached;
// otherwise Code explains the termination.
type Outcome struct {
	Accepted    bool
	AgreedPrice string
	Rounds      int
	Result      protocol.Result
}

type Engine struct {
	Identity         *identity.Context
	Strategy         Strategy
	Transport        Transport
	SettlementMode   string
	ProofType        string
	MaxRounds        int
	MaxTotalDuration time.Duration
	CallTimeout      time.Duration
	Clock            func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// Run executes one negotiation against the counterparty, appending every
// signed round into b. It returns an error only for local invariant
// breakage; protocol and transport failures come back as a failed Result so
// the caller can still seal a transcript.
func (e *Engine) Run(ctx context.Context, intent envelope.Message, b *transcript.Builder) (Outcome, error) {
	maxPrice, err := ParsePrice(intent.MaxPrice)
	if err != nil {
		return Outcome{Result: protocol.Fail(protocol.CodePolicyViolation, "intent max_price invalid")}, nil
	}
	start := e.now()

	env, err := envelope.Sign(intent, e.Identity, e.now())
	if err != nil {
		return Outcome{}, err
	}
	if _, err := b.AppendEnvelope(env, fmt.Sprintf("INTENT %s max=%s", intent.IntentType, intent.MaxPrice)); err != nil {
		return Outcome{}, err
	}

	reply, res := e.exchange(ctx, env)
	if !res.OK {
		return e.abort(b, intent.IntentID, res)
	}
	askMsg, err := e.appendReply(b, reply)
	if err != nil {
		return e.abort(b, intent.IntentID, protocol.Fail(protocol.CodeIntegrityFailure, err.Error()))
	}
	if askMsg.Type != envelope.TypeAsk {
		return e.abort(b, intent.IntentID, protocol.Fail(protocol.CodeProviderError, "expected ASK, got "+askMsg.Type))
	}
	lastAsk, err := ParsePrice(askMsg.Price)
	if err != nil {
		return e.abort(b, intent.IntentID, protocol.Fail(protocol.CodeProviderError, "ask price invalid"))
	}

	lastBid := 0.0
	for round := 0; ; round++ {
		if round >= e.MaxRounds || (e.MaxTotalDuration > 0 && e.now().Sub(start) > e.MaxTotalDuration) {
			return e.abort(b, intent.IntentID, protocol.Fail(protocol.CodeNegotiationTimeout, "negotiation budget exceeded"))
		}

		dec, err := e.Strategy.Decide(ctx, State{
			Round:     round,
			MaxRounds: e.MaxRounds,
			MaxPrice:  maxPrice,
			LastAsk:   lastAsk,
			LastBid:   lastBid,
		})
		if err != nil {
			return e.abort(b, intent.IntentID, protocol.Fail(protocol.CodePolicyViolation, "strategy: "+err.Error()))
		}

		switch dec.Action {
		case ActionAccept:
			return e.accept(ctx, b, intent.IntentID, dec.Price, round)
		case ActionReject:
			msg := envelope.Message{
				Type: envelope.TypeReject, IntentID: intent.IntentID,
				Reason: "price outside policy", Code: protocol.CodeNegotiationRejected,
			}
			renv, err := envelope.Sign(msg, e.Identity, e.now())
			if err != nil {
				return Outcome{}, err
			}
			if _, err := b.AppendEnvelope(renv, "REJECT price outside policy"); err != nil {
				return Outcome{}, err
			}
			_, _ = e.exchange(ctx, renv)
			return Outcome{Rounds: round, Result: protocol.Fail(protocol.CodeNegotiationRejected, "no acceptable price")}, nil
		case ActionBid:
			summary := fmt.Sprintf("BID %s", FormatPrice(dec.Price))
			if dec.Advisory != nil {
				summary = fmt.Sprintf("BID %s advisory_idx=%d", FormatPrice(dec.Price), dec.Advisory.SelectedCandidateIdx)
			}
			msg := envelope.Message{Type: envelope.TypeBid, IntentID: intent.IntentID, Price: FormatPrice(dec.Price)}
			benv, err := envelope.Sign(msg, e.Identity, e.now())
			if err != nil {
				return Outcome{}, err
			}
			if _, err := b.AppendEnvelope(benv, summary); err != nil {
				return Outcome{}, err
			}
			lastBid = dec.Price

			reply, res := e.exchange(ctx, benv)
			if !res.OK {
				return e.abort(b, intent.IntentID, res)
			}
			replyMsg, err := e.appendReply(b, reply)
			if err != nil {
				return e.abort(b, intent.IntentID, protocol.Fail(protocol.CodeIntegrityFailure, err.Error()))
			}
			switch replyMsg.Type {
			case envelope.TypeCounter, envelope.TypeAsk:
				lastAsk, err = ParsePrice(replyMsg.Price)
				if err != nil {
					return e.abort(b, intent.IntentID, protocol.Fail(protocol.CodeProviderError, "counter price invalid"))
				}
			case envelope.TypeAccept:
				price, err := ParsePrice(replyMsg.AgreedPrice)
				if err != nil || price > maxPrice {
					return e.abort(b, intent.IntentID, protocol.Fail(protocol.CodeProviderError, "accept outside agreed bounds"))
				}
				return Outcome{Accepted: true, AgreedPrice: replyMsg.AgreedPrice, Rounds: round + 1, Result: protocol.OKResult()}, nil
			case envelope.TypeReject, envelope.TypeAbort:
				return Outcome{Rounds: round + 1, Result: protocol.Fail(protocol.CodeNegotiationRejected, "counterparty rejected")}, nil
			default:
				return e.abort(b, intent.IntentID, protocol.Fail(protocol.CodeProviderError, "unexpected reply "+replyMsg.Type))
			}
		default:
			return Outcome{}, fmt.Errorf("unknown strategy action %q", dec.Action)
		}
	}
}

// accept sends the buyer's ACCEPT and appends the provider's credential reply
// when one comes back.
func (e *Engine) accept(ctx context.Context, b *transcript.Builder, intentID string, price float64, rounds int) (Outcome, error) {
	agreed := FormatPrice(price)
	msg := envelope.Message{
		Type:           envelope.TypeAccept,
		IntentID:       intentID,
		AgreedPrice:    agreed,
		SettlementMode: e.SettlementMode,
		ProofType:      e.ProofType,
	}
	aenv, err := envelope.Sign(msg, e.Identity, e.now())
	if err != nil {
		return Outcome{}, err
	}
	if _, err := b.AppendEnvelope(aenv, "ACCEPT "+agreed+" mode="+e.SettlementMode); err != nil {
		return Outcome{}, err
	}
	if reply, res := e.exchange(ctx, aenv); res.OK {
		if m, err := envelope.Verify(reply); err == nil && m.Type == envelope.TypeCredential {
			_, _ = b.AppendEnvelope(reply, "CREDENTIAL "+m.CredentialType)
		}
	}
	return Outcome{Accepted: true, AgreedPrice: agreed, Rounds: rounds + 1, Result: protocol.OKResult()}, nil
}

// abort appends a synthetic buyer-signed ABORT carrying the failure code so
// blame replay sees how the run ended.
func (e *Engine) abort(b *transcript.Builder, intentID string, res protocol.Result) (Outcome, error) {
	msg := envelope.Message{Type: envelope.TypeAbort, IntentID: intentID, Reason: res.Reason, Code: res.Code}
	aenv, err := envelope.Sign(msg, e.Identity, e.now())
	if err != nil {
		return Outcome{Result: res}, nil
	}
	_, _ = b.AppendEnvelope(aenv, "ABORT "+res.Code)
	return Outcome{Result: res}, nil
}

func (e *Engine) exchange(ctx context.Context, env envelope.SignedEnvelope) (envelope.SignedEnvelope, protocol.Result) {
	callCtx := ctx
	if e.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.CallTimeout)
		defer cancel()
	}
	reply, err := e.Transport.Exchange(callCtx, env)
	if err != nil {
		code := protocol.CodeOf(err)
		if code == "" {
			code = protocol.CodeProviderUnreachable
		}
		return envelope.SignedEnvelope{}, protocol.Fail(code, err.Error())
	}
	return reply, protocol.OKResult()
}

// appendReply verifies and appends a counterparty envelope, returning its
// message.
func (e *Engine) appendReply(b *transcript.Builder, env envelope.SignedEnvelope) (envelope.Message, error) {
	msg, err := envelope.Verify(env)
	if err != nil {
		return envelope.Message{}, err
	}
	summary := msg.Type
	if msg.Price != "" {
		summary += " " + msg.Price
	}
	if _, err := b.AppendEnvelope(env, summary); err != nil {
		return envelope.Message{}, err
	}
	return msg, nil
}
