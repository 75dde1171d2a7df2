package envelope

// Round/message types exchanged during a negotiation.
const (
	TypeIntent     = "INTENT"
	TypeAsk        = "ASK"
	TypeBid        = "BID"
	TypeCounter    = "COUNTER"
	TypeAccept     = "ACCEPT"
	TypeReject     = "REJECT"
	TypeAbort      = "ABORT"
	TypeCredential = "CREDENTIAL"
)

const EnvelopeVersion = "pact-env/1"

// Message is the tagged union of protocol messages. Type selects the variant;
// unused fields stay empty and are omitted from the canonical form. Every
// variant carries IntentID for correlation. Prices are decimal strings so the
// canonical form never depends on float printing.
type Message struct {
	Type     string `json:"type"`
	IntentID string `json:"intent_id"`

	// INTENT
	IntentType  string         `json:"intent_type,omitempty"`
	Scope       map[string]any `json:"scope,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
	MaxPrice    string         `json:"max_price,omitempty"`

	// ASK / BID / COUNTER
	Price        string `json:"price,omitempty"`
	Unit         string `json:"unit,omitempty"`
	LatencyMS    int    `json:"latency_ms,omitempty"`
	ValidForMS   int    `json:"valid_for_ms,omitempty"`
	BondRequired string `json:"bond_required,omitempty"`

	// ACCEPT
	AgreedPrice      string `json:"agreed_price,omitempty"`
	SettlementMode   string `json:"settlement_mode,omitempty"`
	ProofType        string `json:"proof_type,omitempty"`
	ChallengeWindow  int    `json:"challenge_window_ms,omitempty"`
	DeliveryDeadline string `json:"delivery_deadline,omitempty"`

	// REJECT / ABORT
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`

	// CREDENTIAL
	CredentialType string `json:"credential_type,omitempty"`
	Proof          string `json:"proof,omitempty"`

	ExpiresAt string `json:"expires_at,omitempty"`
}

// SignedEnvelope wraps one Message with its canonical hash and an ed25519
// signature over that hash. MessageHash must recompute identically from the
// embedded message; Verify enforces this before touching the signature.
type SignedEnvelope struct {
	EnvelopeVersion string  `json:"envelope_version"`
	Message         Message `json:"message"`
	MessageHash     string  `json:"message_hash"`
	SignerPublicKey string  `json:"signer_public_key"`
	Signature       string  `json:"signature"`
	SignedAt        string  `json:"signed_at"`
}
