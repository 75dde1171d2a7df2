// Package protocol holds the PACT error code registry, fault domains, and the
// structured failure/result types shared by the negotiation, settlement, and
// blame resolution components.
package protocol

// Protocol error codes. The numeric ranges group by concern: 1xx policy,
// 2xx negotiation, 3xx settlement, 4xx provider, 5xx integrity.
const (
	CodePolicyViolation     = "PACT-101"
	CodeNegotiationTimeout  = "PACT-201"
	CodeNegotiationRejected = "PACT-211"
	CodeSettlementFailed    = "PACT-301"
	CodePollTimeout         = "PACT-311"
	CodeDoubleCommit        = "PACT-331"
	CodeProviderUnreachable = "PACT-401"
	CodeProviderAPIMismatch = "PACT-421"
	CodeProviderError       = "PACT-422"
	CodeNotImplemented      = "PACT-430"
	CodeIntegrityFailure    = "PACT-501"
)

type FaultDomain string

const (
	BuyerAtFault    FaultDomain = "BUYER_AT_FAULT"
	ProviderAtFault FaultDomain = "PROVIDER_AT_FAULT"
	NoFault         FaultDomain = "NO_FAULT"
	UnknownFault    FaultDomain = "UNKNOWN"
)

type Stage string

const (
	StageNegotiation Stage = "NEGOTIATION"
	StageSettlement  Stage = "SETTLEMENT"
	StageSealing     Stage = "SEALING"
	StageReplay      Stage = "REPLAY"
)

type Terminality string

const (
	Terminal    Terminality = "terminal"
	NonTerminal Terminality = "non_terminal"
)

// FailureEvent is recorded into a transcript when an acquisition fails.
// Non-terminal events (settlement still pending) stay eligible for
// reconciliation; terminal events close the deal.
type FailureEvent struct {
	Code           string      `json:"code"`
	Stage          Stage       `json:"stage"`
	FaultDomain    FaultDomain `json:"fault_domain"`
	Terminality    Terminality `json:"terminality"`
	EvidenceRefs   []string    `json:"evidence_refs"`
	Timestamp      string      `json:"timestamp"`
	TranscriptHash string      `json:"transcript_hash,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

// Result is the structured outcome surfaced by the engines instead of
// uncaught failures. A failed Result always carries a code from the registry.
type Result struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func OKResult() Result { return Result{OK: true} }

func Fail(code, reason string) Result { return Result{OK: false, Code: code, Reason: reason} }

// Classification is the registry default for a code: which side a failure is
// attributed to and whether it closes the deal. The blame engine layers its
// required-actor/action defaults on top of this.
type Classification struct {
	FaultDomain FaultDomain
	Terminality Terminality
}

var classifications = map[string]Classification{
	CodePolicyViolation:     {BuyerAtFault, Terminal},
	CodeNegotiationTimeout:  {NoFault, Terminal},
	CodeNegotiationRejected: {NoFault, Terminal},
	CodeSettlementFailed:    {ProviderAtFault, Terminal},
	CodePollTimeout:         {ProviderAtFault, NonTerminal},
	CodeDoubleCommit:        {BuyerAtFault, Terminal},
	CodeProviderUnreachable: {ProviderAtFault, NonTerminal},
	CodeProviderAPIMismatch: {ProviderAtFault, Terminal},
	CodeProviderError:       {ProviderAtFault, NonTerminal},
	CodeNotImplemented:      {BuyerAtFault, Terminal},
	CodeIntegrityFailure:    {UnknownFault, Terminal},
}

// ClassifyCode returns the registry default for code. Unknown codes classify
// as terminal-unknown so they are never silently tolerated.
func ClassifyCode(code string) Classification {
	if c, ok := classifications[code]; ok {
		return c
	}
	return Classification{UnknownFault, Terminal}
}

// Error carries a protocol code through Go error returns so transport and
// provider failures keep their classification.
type Error struct {
	Code   string
	Reason string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Reason
}

func NewError(code, reason string) *Error { return &Error{Code: code, Reason: reason} }

// CodeOf extracts the protocol code from an error chain, or "" if none.
func CodeOf(err error) string {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			return pe.Code
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
