package dbl

import "pact/pkg/protocol"

// Required next actors.
const (
	ActorBuyer    = "BUYER"
	ActorProvider = "PROVIDER"
	ActorNone     = "NONE"
)

// Default judgments per failure code. These are enforced at final assembly:
// a transcript whose narrative fields are null or missing still yields the
// full judgment for its code.
type codeDefault struct {
	Terminal       bool
	RequiredActor  string
	RequiredAction string
	FaultDomain    protocol.FaultDomain
	Recommendation string
}

var codeDefaults = map[string]codeDefault{
	protocol.CodePolicyViolation: {
		Terminal: true, RequiredActor: ActorBuyer, RequiredAction: "FIX_POLICY_OR_PARAMS",
		FaultDomain: protocol.BuyerAtFault, Recommendation: "correct the policy or intent parameters and start a new acquisition",
	},
	protocol.CodeNegotiationTimeout: {
		Terminal: true, RequiredActor: ActorNone, RequiredAction: "NONE",
		FaultDomain: protocol.NoFault, Recommendation: "no acceptable price inside the round budget",
	},
	protocol.CodeNegotiationRejected: {
		Terminal: true, RequiredActor: ActorNone, RequiredAction: "NONE",
		FaultDomain: protocol.NoFault,
	},
	protocol.CodeSettlementFailed: {
		Terminal: true, RequiredActor: ActorProvider, RequiredAction: "REFUND_OR_RETRY",
		FaultDomain: protocol.ProviderAtFault, Recommendation: "provider must refund or the buyer retries a fresh attempt",
	},
	protocol.CodePollTimeout: {
		Terminal: false, RequiredActor: ActorProvider, RequiredAction: "RECONCILE",
		FaultDomain: protocol.ProviderAtFault, Recommendation: "re-run reconciliation once the provider resolves the pending settlement",
	},
	protocol.CodeDoubleCommit: {
		Terminal: true, RequiredActor: ActorBuyer, RequiredAction: "ABANDON_DUPLICATE",
		FaultDomain: protocol.BuyerAtFault,
	},
	protocol.CodeProviderUnreachable: {
		Terminal: false, RequiredActor: ActorProvider, RequiredAction: "RESTORE_ENDPOINT",
		FaultDomain: protocol.ProviderAtFault,
	},
	protocol.CodeProviderAPIMismatch: {
		Terminal: true, RequiredActor: ActorProvider, RequiredAction: "UPGRADE_API",
		FaultDomain: protocol.ProviderAtFault, Recommendation: "provider does not speak this protocol revision",
	},
	protocol.CodeProviderError: {
		Terminal: false, RequiredActor: ActorProvider, RequiredAction: "RESTORE_ENDPOINT",
		FaultDomain: protocol.ProviderAtFault,
	},
	protocol.CodeNotImplemented: {
		Terminal: true, RequiredActor: ActorBuyer, RequiredAction: "CHOOSE_SUPPORTED_MODE",
		FaultDomain: protocol.BuyerAtFault,
	},
	protocol.CodeIntegrityFailure: {
		Terminal: true, RequiredActor: ActorNone, RequiredAction: "MANUAL_AUDIT",
		FaultDomain: protocol.UnknownFault, Recommendation: "transcript integrity cannot be trusted; escalate to manual audit",
	},
}

// defaultFor returns the registry default for a code, falling back to the
// integrity default for codes this build does not know.
func defaultFor(code string) codeDefault {
	if d, ok := codeDefaults[code]; ok {
		return d
	}
	return codeDefault{
		Terminal: true, RequiredActor: ActorNone, RequiredAction: "MANUAL_AUDIT",
		FaultDomain: protocol.UnknownFault,
	}
}
