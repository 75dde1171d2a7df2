// Package envelope constructs, signs, and verifies the protocol messages
// exchanged between buyer and provider agents. Sign and Verify are pure over
// the supplied key material and clock.
package envelope

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"pact/pkg/canonjson"
	"pact/pkg/identity"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrHashMismatch       = errors.New("message hash mismatch")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrInvalidEncoding    = errors.New("invalid encoding")
	ErrInvalidSignedAt    = errors.New("invalid signed_at")
	ErrMissingIntentID    = errors.New("intent_id is required")
)

var knownTypes = map[string]bool{
	TypeIntent: true, TypeAsk: true, TypeBid: true, TypeCounter: true,
	TypeAccept: true, TypeReject: true, TypeAbort: true, TypeCredential: true,
}

// Sign computes the canonical hash of msg, signs it with id, and stamps
// signed_at with the supplied clock value (UTC, RFC3339Nano).
func Sign(msg Message, id *identity.Context, now time.Time) (SignedEnvelope, error) {
	if !knownTypes[msg.Type] {
		return SignedEnvelope{}, ErrUnknownMessageType
	}
	if strings.TrimSpace(msg.IntentID) == "" {
		return SignedEnvelope{}, ErrMissingIntentID
	}
	hashHex, _, err := canonjson.SumObject(msg)
	if err != nil {
		return SignedEnvelope{}, err
	}
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil {
		return SignedEnvelope{}, err
	}
	sig := id.Sign(hashBytes)
	return SignedEnvelope{
		EnvelopeVersion: EnvelopeVersion,
		Message:         msg,
		MessageHash:     hashHex,
		SignerPublicKey: id.PublicKeyBase64(),
		Signature:       base64.StdEncoding.EncodeToString(sig),
		SignedAt:        now.UTC().Format(time.RFC3339Nano),
	}, nil
}

// Verify recomputes the message hash and checks the signature against it.
// A hash mismatch is reported independently of signature validity: an altered
// message and a bad signature are distinct failures.
func Verify(env SignedEnvelope) (Message, error) {
	if strings.TrimSpace(env.EnvelopeVersion) != EnvelopeVersion {
		return Message{}, ErrUnsupportedVersion
	}
	if !knownTypes[env.Message.Type] {
		return Message{}, ErrUnknownMessageType
	}
	if strings.TrimSpace(env.SignedAt) == "" {
		return Message{}, ErrInvalidSignedAt
	}
	signedAt, err := time.Parse(time.RFC3339Nano, env.SignedAt)
	if err != nil {
		return Message{}, ErrInvalidSignedAt
	}
	if !strings.HasSuffix(env.SignedAt, "Z") || !signedAt.Equal(signedAt.UTC()) {
		return Message{}, ErrInvalidSignedAt
	}

	expectedHex, _, err := canonjson.SumObject(env.Message)
	if err != nil {
		return Message{}, err
	}
	expectedBytes, err := hex.DecodeString(expectedHex)
	if err != nil {
		return Message{}, ErrInvalidEncoding
	}
	storedBytes, err := decodeLowerHex32(strings.TrimSpace(env.MessageHash))
	if err != nil {
		return Message{}, err
	}
	if subtle.ConstantTimeCompare(expectedBytes, storedBytes) != 1 {
		return Message{}, ErrHashMismatch
	}

	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.SignerPublicKey))
	if err != nil {
		return Message{}, ErrInvalidEncoding
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Signature))
	if err != nil {
		return Message{}, ErrInvalidEncoding
	}
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return Message{}, ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), storedBytes, sig) {
		return Message{}, ErrInvalidSignature
	}
	return env.Message, nil
}

// Hash returns the canonical hash of the whole signed envelope, used as the
// envelope_hash recorded into transcript rounds.
func Hash(env SignedEnvelope) (string, error) {
	return canonjson.HashObject(env)
}

func decodeLowerHex32(s string) ([]byte, error) {
	if s == "" || s != strings.ToLower(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}
