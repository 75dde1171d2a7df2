package envelope

import (
	"errors"
	"testing"
	"time"

	"pact/pkg/identity"
)

func testIdentity(t *testing.T, tag byte) *identity.Context {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = tag + byte(i)
	}
	id, err := identity.FromSeed("agent_test", seed)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	return id
}

func testIntent() Message {
	return Message{
		Type:        TypeIntent,
		IntentID:    "int_test_001",
		IntentType:  "weather.data",
		Scope:       map[string]any{"region": "eu-west"},
		Constraints: map[string]any{"freshness_s": 60},
		MaxPrice:    "0.0002",
		ExpiresAt:   "2026-09-01T00:00:00Z",
	}
}

func TestSignVerify_RoundTrip(t *testing.T) {
	id := testIdentity(t, 1)
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	env, err := Sign(testIntent(), id, now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if env.EnvelopeVersion != EnvelopeVersion {
		t.Fatalf("envelope version: %s", env.EnvelopeVersion)
	}
	if env.SignedAt != "2026-08-20T10:00:00Z" {
		t.Fatalf("signed_at: %s", env.SignedAt)
	}
	msg, err := Verify(env)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if msg.IntentID != "int_test_001" || msg.MaxPrice != "0.0002" {
		t.Fatalf("message round trip mismatch: %+v", msg)
	}
}

func TestVerify_HashRecomputesIdentically(t *testing.T) {
	id := testIdentity(t, 2)
	env, err := Sign(testIntent(), id, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	env2, err := Sign(testIntent(), id, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if env.MessageHash != env2.MessageHash {
		t.Fatalf("message hash not reproducible: %s vs %s", env.MessageHash, env2.MessageHash)
	}
}

func TestVerify_AlteredMessageIsHashMismatchNotBadSignature(t *testing.T) {
	id := testIdentity(t, 3)
	env, err := Sign(testIntent(), id, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	env.Message.MaxPrice = "0.9999"
	_, err = Verify(env)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("want ErrHashMismatch, got %v", err)
	}
}

func TestVerify_TamperedSignature(t *testing.T) {
	id := testIdentity(t, 4)
	env, err := Sign(testIntent(), id, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// Re-sign the stored hash under a different key so only the key binding
	// is broken, not the hash.
	other := testIdentity(t, 5)
	env2, err := Sign(env.Message, other, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	env.Signature = env2.Signature
	_, err = Verify(env)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_SignedAtMustBeUTC(t *testing.T) {
	id := testIdentity(t, 6)
	env, err := Sign(testIntent(), id, time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	env.SignedAt = "2026-08-20T10:00:00+02:00"
	if _, err := Verify(env); !errors.Is(err, ErrInvalidSignedAt) {
		t.Fatalf("want ErrInvalidSignedAt, got %v", err)
	}
}

func TestSign_RejectsUnknownTypeAndMissingIntentID(t *testing.T) {
	id := testIdentity(t, 7)
	if _, err := Sign(Message{Type: "OFFER", IntentID: "x"}, id, time.Now()); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("want ErrUnknownMessageType, got %v", err)
	}
	if _, err := Sign(Message{Type: TypeAsk}, id, time.Now()); !errors.Is(err, ErrMissingIntentID) {
		t.Fatalf("want ErrMissingIntentID, got %v", err)
	}
}
