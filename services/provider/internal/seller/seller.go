// Package seller holds the provider-side negotiation policy and the
// settlement session bookkeeping behind the HTTP handlers.
package seller

import (
	"context"
	"errors"
	"sync"
	"time"

	"pact/pkg/envelope"
	"pact/pkg/identity"
	"pact/pkg/negotiation"
	"pact/pkg/settlement"
)

var ErrUnsupportedMessage = errors.New("unsupported message type")

// Seller answers envelope exchanges: asks at the base price, concedes toward
// the floor against incoming bids, and accepts any bid at or above it. All
// replies are signed under the provider identity.
type Seller struct {
	Identity       *identity.Context
	Base           float64
	Floor          float64
	Unit           string
	CredentialType string
	CredentialTier string
	Provider       settlement.Provider

	mu        sync.Mutex
	committed map[string]bool
}

func New(id *identity.Context, base, floor float64, unit string, prov settlement.Provider) *Seller {
	return &Seller{
		Identity:  id,
		Base:      base,
		Floor:     floor,
		Unit:      unit,
		Provider:  prov,
		committed: map[string]bool{},
	}
}

// Reply verifies one buyer envelope and produces the signed counterparty
// move.
func (s *Seller) Reply(ctx context.Context, env envelope.SignedEnvelope) (envelope.SignedEnvelope, error) {
	msg, err := envelope.Verify(env)
	if err != nil {
		return envelope.SignedEnvelope{}, err
	}
	var reply envelope.Message
	switch msg.Type {
	case envelope.TypeIntent:
		reply = envelope.Message{
			Type:     envelope.TypeAsk,
			IntentID: msg.IntentID,
			Price:    negotiation.FormatPrice(s.Base),
			Unit:     s.Unit,
		}
	case envelope.TypeBid:
		bid, err := negotiation.ParsePrice(msg.Price)
		if err != nil {
			return envelope.SignedEnvelope{}, err
		}
		if bid >= s.Floor {
			reply = envelope.Message{Type: envelope.TypeAccept, IntentID: msg.IntentID, AgreedPrice: msg.Price}
		} else {
			// Concede halfway toward the bid, never below the floor.
			counter := (bid + s.Base) / 2
			if counter < s.Floor {
				counter = s.Floor
			}
			reply = envelope.Message{
				Type:     envelope.TypeCounter,
				IntentID: msg.IntentID,
				Price:    negotiation.FormatPrice(counter),
				Unit:     s.Unit,
			}
		}
	case envelope.TypeAccept:
		reply = envelope.Message{
			Type:           envelope.TypeCredential,
			IntentID:       msg.IntentID,
			CredentialType: s.CredentialType,
			Proof:          "tier:" + s.CredentialTier,
		}
	case envelope.TypeReject, envelope.TypeAbort:
		reply = envelope.Message{Type: envelope.TypeAbort, IntentID: msg.IntentID, Reason: "closed by counterparty"}
	default:
		return envelope.SignedEnvelope{}, ErrUnsupportedMessage
	}
	return envelope.Sign(reply, s.Identity, time.Now())
}

// CommitOrPoll makes POST /commit idempotent: the first call for a handle
// issues the commit, repeats re-poll its status. The buyer's async poll loop
// re-posts the same handle until it resolves.
func (s *Seller) CommitOrPoll(ctx context.Context, h settlement.Handle) (settlement.CommitResult, error) {
	s.mu.Lock()
	first := !s.committed[h.ID]
	s.committed[h.ID] = true
	s.mu.Unlock()
	if first {
		return s.Provider.Commit(ctx, h)
	}
	return s.Provider.Status(ctx, h)
}

// CredentialDescriptor is the GET /credential body: the credential metadata
// plus a freshly signed CREDENTIAL envelope.
func (s *Seller) CredentialDescriptor() (map[string]any, error) {
	env, err := envelope.Sign(envelope.Message{
		Type:           envelope.TypeCredential,
		IntentID:       "int_descriptor",
		CredentialType: s.CredentialType,
		Proof:          "tier:" + s.CredentialTier,
	}, s.Identity, time.Now())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"credential_type": s.CredentialType,
		"tier":            s.CredentialTier,
		"agent_id":        s.Identity.AgentID,
		"public_key":      s.Identity.PublicKeyBase64(),
		"envelope":        env,
	}, nil
}
