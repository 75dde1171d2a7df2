package identity

import "context"

// WalletSignature is an opaque signature produced by an external wallet
// adapter. Chain-specific structure is the adapter's business.
type WalletSignature struct {
	Scheme    string `json:"scheme"`
	Signature string `json:"signature"`
	Address   string `json:"address,omitempty"`
}

// WalletSigner is the boundary to chain-specific wallet adapters.
type WalletSigner interface {
	SignAction(ctx context.Context, action []byte) (WalletSignature, error)
	VerifyAction(ctx context.Context, sig WalletSignature, action []byte) (bool, error)
}

// KYAResult reports whether a know-your-agent proof verified and at what tier.
type KYAResult struct {
	OK   bool   `json:"ok"`
	Tier string `json:"tier,omitempty"`
}

// KYAVerifier is the boundary to the ZK-KYA credential verifier.
type KYAVerifier interface {
	VerifyProof(ctx context.Context, proof []byte) (KYAResult, error)
}
