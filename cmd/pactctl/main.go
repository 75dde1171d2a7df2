package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"pact/pkg/acquire"
	"pact/pkg/client"
	"pact/pkg/dbl"
	"pact/pkg/envelope"
	"pact/pkg/fingerprint"
	"pact/pkg/identity"
	"pact/pkg/negotiation"
	"pact/pkg/receipts"
	"pact/pkg/settlement"
	"pact/pkg/transcript"
)

const usageLine = "usage: pactctl negotiate [flags] | judge --transcript <path> | scan --dir <path> | verify --transcript <path> | reconcile --transcript <path> --provider-url <url>"

func main() {
	if len(os.Args) < 2 {
		failSummary("", usageLine)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "negotiate":
		runNegotiate(os.Args[2:])
	case "judge":
		runJudge(os.Args[2:])
	case "scan":
		runScan(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "reconcile":
		runReconcile(os.Args[2:])
	default:
		failSummary(os.Args[1], usageLine)
		os.Exit(2)
	}
}

func runNegotiate(args []string) {
	fs := flag.NewFlagSet("negotiate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	providerURL := fs.String("provider-url", "", "provider base URL; empty runs the built-in in-process provider")
	transcriptDir := fs.String("transcript-dir", ".", "directory for transcript files")
	agentID := fs.String("agent-id", "agt_buyer", "buyer agent id")
	intentType := fs.String("intent-type", "acquire.timeseries", "intent type")
	feed := fs.String("feed", "weather.data", "scope feed")
	maxPrice := fs.String("max-price", "0.0002", "policy max price")
	mode := fs.String("mode", settlement.ModeHashReveal, "settlement mode: hash_reveal, streaming, async_pending")
	rounds := fs.Int("rounds", 6, "negotiation round budget")
	band := fs.Float64("band", 0.1, "concession band fraction")
	ticks := fs.Int("ticks", 0, "streaming ticks to request")
	stopAfter := fs.Int("stop-after", 0, "buyer stop after N ticks (streaming)")
	pollAttempts := fs.Int("poll-attempts", 5, "async poll attempts")
	receiptsPath := fs.String("receipts", "", "sqlite receipt store path; empty skips the fast-path check")
	if err := fs.Parse(args); err != nil {
		failSummary("negotiate", err.Error())
		os.Exit(2)
	}

	id, err := identity.Generate(*agentID)
	if err != nil {
		failSummary("negotiate", "identity: "+err.Error())
		os.Exit(1)
	}

	var (
		transport negotiation.Transport
		provider  settlement.Provider
	)
	if *providerURL != "" {
		c := client.New(*providerURL)
		transport, provider = c, c
	} else {
		sellerID, err := identity.Generate("agt_provider")
		if err != nil {
			failSummary("negotiate", "identity: "+err.Error())
			os.Exit(1)
		}
		transport = &demoSeller{id: sellerID, base: 0.0001, floor: 0.00008}
		provider = settlement.NewLocal()
	}

	a := &acquire.Acquirer{
		Identity:  id,
		Transport: transport,
		Provider:  provider,
		Policy: acquire.Policy{
			MaxPrice:       *maxPrice,
			SettlementMode: *mode,
			ProofType:      *mode,
			MaxRounds:      *rounds,
			BandPct:        *band,
			CallTimeout:    10 * time.Second,
		},
		Settlement: settlement.Config{
			Mode:                *mode,
			TotalTicks:          *ticks,
			BuyerStopAfterTicks: *stopAfter,
			MaxPollAttempts:     *pollAttempts,
		},
		TranscriptDir: *transcriptDir,
	}
	if *receiptsPath != "" {
		store, err := receipts.OpenSQLite(*receiptsPath)
		if err != nil {
			failSummary("negotiate", "receipts: "+err.Error())
			os.Exit(1)
		}
		defer store.Close()
		a.Receipts = store
	}

	res, err := a.Acquire(context.Background(), acquire.IntentSpec{
		IntentType:  *intentType,
		Scope:       map[string]any{"feed": *feed},
		Constraints: map[string]any{"resolution": "1m"},
	})
	if err != nil {
		failSummary("negotiate", err.Error())
		os.Exit(1)
	}
	line := fmt.Sprintf("transcript=%s path=%s agreed_price=%s rounds=%d", res.TranscriptID, res.TranscriptPath, res.AgreedPrice, res.Rounds)
	if res.Result.OK {
		passSummary("negotiate", line)
		return
	}
	failSummary("negotiate", fmt.Sprintf("%s code=%s reason=%q", line, res.Result.Code, res.Result.Reason))
	os.Exit(1)
}

func runJudge(args []string) {
	fs := flag.NewFlagSet("judge", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := fs.String("transcript", "", "path to transcript json")
	if err := fs.Parse(args); err != nil || *path == "" {
		failSummary("judge", "--transcript is required")
		os.Exit(2)
	}
	b, err := os.ReadFile(*path)
	if err != nil {
		failSummary("judge", "read transcript: "+err.Error())
		os.Exit(1)
	}
	art := dbl.ResolveBlameBytes(b)
	out, err := dbl.MarshalArtifact(art)
	if err != nil {
		failSummary("judge", err.Error())
		os.Exit(1)
	}
	fmt.Println(string(out))
	switch art.DBLDetermination {
	case dbl.DeterminationNoFault, dbl.DeterminationUnknown:
		passSummary("judge", fmt.Sprintf("determination=%s confidence=%.2f", art.DBLDetermination, art.Confidence))
	default:
		failSummary("judge", fmt.Sprintf("determination=%s code=%s confidence=%.2f", art.DBLDetermination, art.FailureCode, art.Confidence))
		os.Exit(1)
	}
}

func runScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", ".", "directory of transcript files")
	if err := fs.Parse(args); err != nil {
		failSummary("scan", err.Error())
		os.Exit(2)
	}
	rep, err := fingerprint.ScanDir(*dir)
	if err != nil {
		failSummary("scan", err.Error())
		os.Exit(1)
	}
	for _, g := range rep.Groups {
		fmt.Printf("fingerprint=%s transcripts=%d terminal=%d double_commit=%v\n",
			g.Fingerprint, len(g.TranscriptIDs), g.TerminalCount, g.DoubleCommit)
	}
	if rep.DoubleCount > 0 {
		failSummary("scan", fmt.Sprintf("groups=%d double_commits=%d code=%s", len(rep.Groups), rep.DoubleCount, rep.Code))
		os.Exit(1)
	}
	passSummary("scan", fmt.Sprintf("groups=%d soft_errors=%d", len(rep.Groups), len(rep.SoftErrors)))
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := fs.String("transcript", "", "path to transcript json")
	if err := fs.Parse(args); err != nil || *path == "" {
		failSummary("verify", "--transcript is required")
		os.Exit(2)
	}
	t, err := transcript.ReadFile(*path)
	if err != nil {
		failSummary("verify", "read transcript: "+err.Error())
		os.Exit(1)
	}
	rep, err := transcript.VerifyChain(t)
	if err != nil {
		failSummary("verify", err.Error())
		os.Exit(1)
	}
	if !rep.Valid {
		failSummary("verify", fmt.Sprintf("chain broken at round %d (last valid %d, hash %s)", rep.BrokenAtRound, rep.LastValidRound, rep.LastValidHash))
		os.Exit(1)
	}
	for i, env := range t.Envelopes {
		if _, err := envelope.Verify(env); err != nil {
			failSummary("verify", fmt.Sprintf("round %d signature: %v", i, err))
			os.Exit(1)
		}
	}
	if t.Sealed() {
		ok, err := transcript.VerifyFinalHash(t)
		if err != nil || !ok {
			failSummary("verify", "final hash does not verify")
			os.Exit(1)
		}
	}
	passSummary("verify", fmt.Sprintf("transcript=%s rounds=%d sealed=%v", t.TranscriptID, len(t.Rounds), t.Sealed()))
}

func runReconcile(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := fs.String("transcript", "", "path to pending transcript json")
	providerURL := fs.String("provider-url", "", "provider base URL")
	pollAttempts := fs.Int("poll-attempts", 3, "status poll attempts")
	intervalMS := fs.Int("interval-ms", 1000, "poll interval in milliseconds")
	if err := fs.Parse(args); err != nil || *path == "" || *providerURL == "" {
		failSummary("reconcile", "--transcript and --provider-url are required")
		os.Exit(2)
	}
	res, err := settlement.Reconcile(context.Background(), *path, client.New(*providerURL),
		*pollAttempts, time.Duration(*intervalMS)*time.Millisecond, nil)
	if err != nil {
		failSummary("reconcile", err.Error())
		os.Exit(1)
	}
	line := fmt.Sprintf("from=%s to=%s resealed=%v", res.FromStatus, res.ToStatus, res.Resealed)
	if res.ToStatus == "committed" {
		passSummary("reconcile", line)
		return
	}
	failSummary("reconcile", line)
	os.Exit(1)
}

// demoSeller is the built-in counterparty for offline negotiate runs: asks
// base, accepts any bid at or above floor, counters halfway otherwise.
type demoSeller struct {
	id    *identity.Context
	base  float64
	floor float64
}

func (s *demoSeller) Exchange(ctx context.Context, env envelope.SignedEnvelope) (envelope.SignedEnvelope, error) {
	msg, err := envelope.Verify(env)
	if err != nil {
		return envelope.SignedEnvelope{}, err
	}
	var reply envelope.Message
	switch msg.Type {
	case envelope.TypeIntent:
		reply = envelope.Message{Type: envelope.TypeAsk, IntentID: msg.IntentID, Price: negotiation.FormatPrice(s.base), Unit: "call"}
	case envelope.TypeBid:
		bid, err := negotiation.ParsePrice(msg.Price)
		if err != nil {
			return envelope.SignedEnvelope{}, err
		}
		if bid >= s.floor {
			reply = envelope.Message{Type: envelope.TypeAccept, IntentID: msg.IntentID, AgreedPrice: msg.Price}
		} else {
			counter := (bid + s.base) / 2
			if counter < s.floor {
				counter = s.floor
			}
			reply = envelope.Message{Type: envelope.TypeCounter, IntentID: msg.IntentID, Price: negotiation.FormatPrice(counter)}
		}
	case envelope.TypeAccept:
		reply = envelope.Message{Type: envelope.TypeCredential, IntentID: msg.IntentID, CredentialType: "kya", Proof: "tier:verified"}
	default:
		reply = envelope.Message{Type: envelope.TypeAbort, IntentID: msg.IntentID, Reason: "closed"}
	}
	return envelope.Sign(reply, s.id, time.Now())
}

func passSummary(cmd, line string) {
	fmt.Printf("%s cmd=%s %s\n", color.GreenString("PASS"), cmd, line)
}

func failSummary(cmd, reason string) {
	fmt.Printf("%s cmd=%s %s\n", color.RedString("FAIL"), cmd, reason)
}
