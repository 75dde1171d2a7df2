// Package fingerprint computes the stable intent fingerprint and scans
// transcript populations for double-commit: two independently terminal
// transcripts for what should be a single deal.
package fingerprint

import (
	"errors"
	"sort"

	"pact/pkg/canonjson"
	"pact/pkg/dbl"
	"pact/pkg/envelope"
	"pact/pkg/protocol"
	"pact/pkg/transcript"
)

var ErrNoIntentRound = errors.New("transcript has no verifiable INTENT round")

// Compute derives the intent fingerprint: the canonical hash of the deal's
// identifying fields plus the buyer key and policy hash. Transcript IDs and
// filenames deliberately play no part, so two transcripts for the same deal
// fingerprint identically even when written by separate processes.
func Compute(intentType string, scope, constraints map[string]any, buyerPublicKeyB64, policyHash string) (string, error) {
	bodyHash, err := canonjson.HashObject(map[string]any{
		"intent_type": intentType,
		"scope":       scope,
		"constraints": constraints,
	})
	if err != nil {
		return "", err
	}
	return canonjson.HashString(bodyHash + "\n" + buyerPublicKeyB64 + "\n" + policyHash), nil
}

// FromTranscript recovers the fingerprint from a transcript file alone, using
// the signed INTENT envelope as the source of scope and constraints.
func FromTranscript(t *transcript.Transcript) (string, error) {
	for i := range t.Rounds {
		if t.Rounds[i].RoundType != envelope.TypeIntent {
			continue
		}
		if i >= len(t.Envelopes) {
			return "", ErrNoIntentRound
		}
		env := t.Envelopes[i]
		msg, err := envelope.Verify(env)
		if err != nil {
			return "", err
		}
		return Compute(msg.IntentType, msg.Scope, msg.Constraints, env.SignerPublicKey, t.PolicyHash)
	}
	return "", ErrNoIntentRound
}

// Group is one fingerprint's population in a scan.
type Group struct {
	Fingerprint   string   `json:"fingerprint"`
	TranscriptIDs []string `json:"transcript_ids"`
	Paths         []string `json:"paths"`
	TerminalCount int      `json:"terminal_count"`
	DoubleCommit  bool     `json:"double_commit"`
}

// Report is the contention scan result. Code is PACT-331 when any group
// double-committed.
type Report struct {
	Groups      []Group  `json:"groups"`
	DoubleCount int      `json:"double_count"`
	Code        string   `json:"code,omitempty"`
	SoftErrors  []string `json:"soft_errors,omitempty"`
}

// ScanDir is the audit-time ground truth: it groups every readable transcript
// under dir by fingerprint, judging each independently through blame replay,
// with no shared runtime state. A group with more than one terminal
// transcript is a double commit.
func ScanDir(dir string) (Report, error) {
	population, softErrs, err := transcript.ScanDir(dir)
	if err != nil {
		return Report{}, err
	}
	byFP := map[string]*Group{}
	var rep Report
	for _, e := range softErrs {
		rep.SoftErrors = append(rep.SoftErrors, e.Error())
	}

	paths := make([]string, 0, len(population))
	for p := range population {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		t := population[path]
		fp, err := FromTranscript(t)
		if err != nil {
			rep.SoftErrors = append(rep.SoftErrors, path+": "+err.Error())
			continue
		}
		g, ok := byFP[fp]
		if !ok {
			g = &Group{Fingerprint: fp}
			byFP[fp] = g
		}
		g.TranscriptIDs = append(g.TranscriptIDs, t.TranscriptID)
		g.Paths = append(g.Paths, path)
		art := dbl.ResolveBlame(t)
		if art.Judgment.Terminal {
			g.TerminalCount++
		}
	}

	fps := make([]string, 0, len(byFP))
	for fp := range byFP {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	for _, fp := range fps {
		g := byFP[fp]
		g.DoubleCommit = g.TerminalCount > 1
		if g.DoubleCommit {
			rep.DoubleCount++
		}
		rep.Groups = append(rep.Groups, *g)
	}
	if rep.DoubleCount > 0 {
		rep.Code = protocol.CodeDoubleCommit
	}
	return rep, nil
}
