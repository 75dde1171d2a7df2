// Package dbl is the deterministic blame resolution engine: it replays a
// transcript, verifies its hash chain and every signature, and produces a
// judgment artifact. ResolveBlame is side-effect-free and idempotent: the
// same transcript bytes always yield byte-identical JSON output.
package dbl

import (
	"encoding/json"
	"errors"

	"pact/pkg/envelope"
	"pact/pkg/protocol"
	"pact/pkg/transcript"
)

const Version = "dbl/2.0"

// Artifact statuses.
const (
	StatusSealedSuccess = "SEALED_SUCCESS"
	StatusSealedFailure = "SEALED_FAILURE"
	StatusUnsealed      = "UNSEALED"
)

// Determinations. The two INDETERMINATE causes stay distinct: a replay that
// ran and failed verification is not the same thing as a transcript that
// could not be replayed at all.
const (
	DeterminationNoFault      = "NO_FAULT"
	DeterminationBuyer        = "BUYER_AT_FAULT"
	DeterminationProvider     = "PROVIDER_AT_FAULT"
	DeterminationUnknown      = "UNKNOWN"
	DeterminationVerifyFailed = "INDETERMINATE_VERIFY_FAILED"
	DeterminationUncomputable = "INDETERMINATE_UNCOMPUTABLE"
)

type Judgment struct {
	Terminal          bool   `json:"terminal"`
	RequiredNextActor string `json:"required_next_actor"`
	RequiredAction    string `json:"required_action"`
}

// Artifact is recomputed on every replay and owned solely by the caller;
// it is never persisted back into transcript state.
type Artifact struct {
	Version          string   `json:"version"`
	Status           string   `json:"status"`
	FailureCode      string   `json:"failureCode,omitempty"`
	LastValidRound   int      `json:"lastValidRound"`
	LastValidSummary string   `json:"lastValidSummary"`
	LastValidHash    string   `json:"lastValidHash"`
	DBLDetermination string   `json:"dblDetermination"`
	Judgment         Judgment `json:"judgment"`
	Confidence       float64  `json:"confidence"`
	PassportImpact   float64  `json:"passportImpact"`
	Recommendation   string   `json:"recommendation,omitempty"`
}

// ResolveBlameBytes parses and judges raw transcript bytes. A transcript that
// cannot be parsed at all is INDETERMINATE_UNCOMPUTABLE, not an error: blame
// resolution always returns an artifact.
func ResolveBlameBytes(b []byte) Artifact {
	t, err := transcript.Parse(b)
	if err != nil {
		return Artifact{
			Version:          Version,
			Status:           StatusUnsealed,
			FailureCode:      protocol.CodeIntegrityFailure,
			LastValidRound:   -1,
			DBLDetermination: DeterminationUncomputable,
			Judgment:         Judgment{Terminal: true, RequiredNextActor: ActorNone, RequiredAction: "MANUAL_AUDIT"},
			Confidence:       0.2,
			Recommendation:   "transcript could not be parsed: " + err.Error(),
		}
	}
	return ResolveBlame(t)
}

// ResolveBlame replays t and assigns fault without human judgment.
func ResolveBlame(t *transcript.Transcript) Artifact {
	rep := replay(t)

	art := Artifact{
		Version:          Version,
		LastValidRound:   rep.lastValidRound,
		LastValidHash:    rep.lastValidHash,
		LastValidSummary: rep.lastValidSummary,
	}
	switch {
	case t.SealedSuccess():
		art.Status = StatusSealedSuccess
	case t.SealedFailure():
		art.Status = StatusSealedFailure
	default:
		art.Status = StatusUnsealed
	}

	switch {
	case !rep.chainIntact:
		// Integrity failure overrides whatever the transcript claims.
		art.FailureCode = protocol.CodeIntegrityFailure
		d := defaultFor(protocol.CodeIntegrityFailure)
		art.DBLDetermination = DeterminationVerifyFailed
		art.Judgment = Judgment{Terminal: d.Terminal, RequiredNextActor: d.RequiredActor, RequiredAction: d.RequiredAction}
		art.Recommendation = d.Recommendation

	case t.FailureEvent != nil:
		fe := t.FailureEvent
		d := defaultFor(fe.Code)
		art.FailureCode = fe.Code
		art.DBLDetermination = determinationFor(faultDomainOr(fe.FaultDomain, d.FaultDomain))
		// Defaults win at assembly: terminality and required actor/action are
		// filled from the registry even when the event's narrative fields
		// were absent.
		art.Judgment = Judgment{
			Terminal:          d.Terminal,
			RequiredNextActor: d.RequiredActor,
			RequiredAction:    d.RequiredAction,
		}
		art.Recommendation = d.Recommendation

	case t.SealedSuccess():
		art.DBLDetermination = DeterminationNoFault
		art.Judgment = Judgment{Terminal: true, RequiredNextActor: ActorNone, RequiredAction: "NONE"}

	default:
		// Unsealed with an intact chain: still in flight or abandoned
		// mid-settlement. Never a completed outcome.
		art.DBLDetermination = DeterminationUnknown
		art.Judgment = Judgment{Terminal: false, RequiredNextActor: ActorNone, RequiredAction: "AWAIT_COMPLETION"}
	}

	art.Confidence = confidence(rep)
	art.PassportImpact = passportImpact(art)
	return art
}

// MarshalArtifact renders the canonical JSON for an artifact. Struct field
// order is fixed, so repeated replays of the same bytes emit identical JSON.
func MarshalArtifact(a Artifact) ([]byte, error) {
	return json.Marshal(a)
}

type replayReport struct {
	chainIntact      bool
	sigsVerified     bool
	finalHashOK      bool
	lastValidRound   int
	lastValidHash    string
	lastValidSummary string
}

// replay verifies the chain and every round's envelope binding and signature.
// The first failing round stops verification there; everything before it
// stays verified (the LVSH rule).
func replay(t *transcript.Transcript) replayReport {
	rep := replayReport{
		chainIntact:    true,
		sigsVerified:   true,
		lastValidRound: -1,
		lastValidHash:  transcript.InitialHash(t.IntentID, t.CreatedAt),
	}
	prev := rep.lastValidHash
	for i := range t.Rounds {
		r := t.Rounds[i]
		rh, err := transcript.HashRound(r)
		if err != nil || r.PreviousRoundHash != prev || r.RoundHash != rh || r.RoundNumber != i {
			rep.chainIntact = false
			return rep
		}
		if i >= len(t.Envelopes) {
			rep.chainIntact = false
			return rep
		}
		env := t.Envelopes[i]
		envHash, err := envelope.Hash(env)
		if err != nil || envHash != r.EnvelopeHash || env.MessageHash != r.MessageHash ||
			env.SignerPublicKey != r.SignerIdentity {
			rep.chainIntact = false
			return rep
		}
		if _, err := envelope.Verify(env); err != nil {
			if errors.Is(err, envelope.ErrInvalidSignature) || errors.Is(err, envelope.ErrHashMismatch) {
				rep.sigsVerified = false
				rep.chainIntact = false
				return rep
			}
			// Encoding or version trouble means the signature could not be
			// checked at all; the hashes held, so replay continues with
			// degraded confidence.
			rep.sigsVerified = false
		}
		rep.lastValidRound = i
		rep.lastValidHash = r.RoundHash
		rep.lastValidSummary = r.ContentSummary
		prev = r.RoundHash
	}
	if t.Sealed() {
		ok, err := transcript.VerifyFinalHash(t)
		rep.finalHashOK = err == nil && ok
		if !rep.finalHashOK {
			rep.chainIntact = false
		}
	} else {
		rep.finalHashOK = true
	}
	return rep
}

// confidence scales with how much of the transcript replay could verify.
func confidence(rep replayReport) float64 {
	switch {
	case rep.chainIntact && rep.sigsVerified:
		return 1.0
	case rep.chainIntact:
		return 0.7
	case rep.lastValidRound >= 0:
		return 0.4
	default:
		return 0.2
	}
}

func passportImpact(a Artifact) float64 {
	switch {
	case a.DBLDetermination == DeterminationNoFault && a.Status == StatusSealedSuccess && a.Confidence == 1.0:
		return 0.25
	case a.Judgment.Terminal && (a.DBLDetermination == DeterminationBuyer || a.DBLDetermination == DeterminationProvider):
		return -1.0
	default:
		return 0
	}
}

func determinationFor(fd protocol.FaultDomain) string {
	switch fd {
	case protocol.BuyerAtFault:
		return DeterminationBuyer
	case protocol.ProviderAtFault:
		return DeterminationProvider
	case protocol.NoFault:
		return DeterminationNoFault
	default:
		return DeterminationUnknown
	}
}

func faultDomainOr(fd, fallback protocol.FaultDomain) protocol.FaultDomain {
	if fd == "" {
		return fallback
	}
	return fd
}
