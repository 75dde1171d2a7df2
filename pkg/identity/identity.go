// Package identity provides the owned signing identity passed into the
// negotiation and settlement components. Key material is scoped to the
// serving process through an explicit Context rather than any package-level
// state.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"pact/pkg/canonjson"
)

var ErrInvalidKey = errors.New("invalid ed25519 key material")

// Context is an agent's signing identity for one process lifetime.
type Context struct {
	AgentID string
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
}

// New wraps an existing private key.
func New(agentID string, priv ed25519.PrivateKey) (*Context, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return &Context{AgentID: agentID, pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// Generate creates a fresh random identity.
func Generate(agentID string) (*Context, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return New(agentID, priv)
}

// FromSeed derives a deterministic identity from a 32-byte seed. Used by
// tests and fixtures that need reproducible keys.
func FromSeed(agentID string, seed []byte) (*Context, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKey
	}
	return New(agentID, ed25519.NewKeyFromSeed(seed))
}

// Sign signs a 32-byte message hash.
func (c *Context) Sign(messageHash []byte) []byte {
	return ed25519.Sign(c.priv, messageHash)
}

func (c *Context) PublicKey() ed25519.PublicKey { return c.pub }

func (c *Context) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(c.pub)
}

// SnapshotHash is the identity_snapshot_hash recorded in transcript headers:
// a canonical hash of the agent id and public key at acquisition start.
func (c *Context) SnapshotHash() (string, error) {
	return canonjson.HashObject(map[string]any{
		"agent_id":   c.AgentID,
		"public_key": c.PublicKeyBase64(),
	})
}
