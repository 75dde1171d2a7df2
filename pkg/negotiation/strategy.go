package negotiation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"pact/pkg/canonjson"
)

// Strategy decision actions.
const (
	ActionAccept = "ACCEPT"
	ActionBid    = "BID"
	ActionReject = "REJECT"
)

// State is everything a strategy may look at: the visible round history
// distilled to the previous quotes and the elapsed round count. No hidden
// state survives between calls.
type State struct {
	Round     int
	MaxRounds int
	MaxPrice  float64
	LastAsk   float64
	LastBid   float64
}

// Advisory records what an external scorer contributed to a decision. It is
// metadata only; the deterministic decision stands with or without it.
type Advisory struct {
	SelectedCandidateIdx int       `json:"selected_candidate_idx"`
	TopScores            []float64 `json:"top_scores"`
}

type Decision struct {
	Action   string
	Price    float64
	Advisory *Advisory
}

// Strategy produces the buyer's next move. Implementations must be pure
// functions of State so two runs over the same history decide identically.
type Strategy interface {
	Name() string
	ConfigHash() (string, error)
	Decide(ctx context.Context, st State) (Decision, error)
}

// Static always offers one fixed price and accepts any ask at or under it.
type Static struct {
	OfferPrice float64
}

func (s *Static) Name() string { return "static" }

func (s *Static) ConfigHash() (string, error) {
	return canonjson.HashObject(map[string]any{"strategy": "static", "offer_price": FormatPrice(s.OfferPrice)})
}

func (s *Static) Decide(ctx context.Context, st State) (Decision, error) {
	ceiling := math.Min(s.OfferPrice, st.MaxPrice)
	if st.LastAsk <= ceiling {
		return Decision{Action: ActionAccept, Price: st.LastAsk}, nil
	}
	if st.Round >= st.MaxRounds {
		return Decision{Action: ActionReject}, nil
	}
	return Decision{Action: ActionBid, Price: ceiling}, nil
}

// BandedConcession narrows toward the ask over the allowed rounds: the bid at
// round r is ask*(1 - band + band*r/maxRounds), capped at max_price. Each
// bid is a pure function of the previous ask and the round count.
type BandedConcession struct {
	BandPct float64
}

func (s *BandedConcession) Name() string { return "banded_concession" }

func (s *BandedConcession) ConfigHash() (string, error) {
	return canonjson.HashObject(map[string]any{"strategy": "banded_concession", "band_pct": FormatPrice(s.BandPct)})
}

func (s *BandedConcession) Decide(ctx context.Context, st State) (Decision, error) {
	if st.LastAsk <= st.MaxPrice {
		return Decision{Action: ActionAccept, Price: st.LastAsk}, nil
	}
	if st.Round >= st.MaxRounds {
		return Decision{Action: ActionReject}, nil
	}
	frac := 0.0
	if st.MaxRounds > 0 {
		frac = float64(st.Round) / float64(st.MaxRounds)
	}
	bid := st.LastAsk * (1 - s.BandPct + s.BandPct*frac)
	if bid > st.MaxPrice {
		bid = st.MaxPrice
	}
	return Decision{Action: ActionBid, Price: bid}, nil
}

// Scorer ranks candidate prices. External implementations may be slow or
// flaky; the advisory strategy treats every scorer failure as advice to fall
// back, never as a negotiation failure.
type Scorer interface {
	Score(ctx context.Context, candidates []float64) ([]float64, error)
}

var errMalformedScores = errors.New("malformed scorer result")

// MLAdvisory generates deterministic candidates around the fallback bid, asks
// the scorer to rank them, and records the ranking as advisory metadata. The
// accept/reject decision always comes from the deterministic fallback.
type MLAdvisory struct {
	Fallback       *BandedConcession
	Scorer         Scorer
	CandidateCount int
	ScoreTimeout   time.Duration
	Epsilon        float64
}

func (s *MLAdvisory) Name() string { return "ml_advisory" }

func (s *MLAdvisory) ConfigHash() (string, error) {
	return canonjson.HashObject(map[string]any{
		"strategy":        "ml_advisory",
		"band_pct":        FormatPrice(s.Fallback.BandPct),
		"candidate_count": s.CandidateCount,
		"epsilon":         FormatPrice(s.Epsilon),
	})
}

func (s *MLAdvisory) Decide(ctx context.Context, st State) (Decision, error) {
	base, err := s.Fallback.Decide(ctx, st)
	if err != nil {
		return Decision{}, err
	}
	if base.Action != ActionBid || s.CandidateCount < 1 {
		return base, nil
	}

	candidates := s.candidates(base.Price)
	scores, err := s.score(ctx, candidates)
	if err != nil {
		// Scorer error, timeout, or malformed result: deterministic fallback.
		return base, nil
	}
	idx := pickCandidate(candidates, scores, s.Epsilon)
	return Decision{
		Action: ActionBid,
		Price:  candidates[idx],
		Advisory: &Advisory{
			SelectedCandidateIdx: idx,
			TopScores:            scores,
		},
	}, nil
}

// candidates spreads CandidateCount prices downward from the fallback bid
// within half the concession band. Candidate 0 is the fallback bid itself.
func (s *MLAdvisory) candidates(basePrice float64) []float64 {
	out := make([]float64, s.CandidateCount)
	for i := 0; i < s.CandidateCount; i++ {
		step := s.Fallback.BandPct / 2 * float64(i) / float64(s.CandidateCount)
		out[i] = basePrice * (1 - step)
	}
	return out
}

func (s *MLAdvisory) score(ctx context.Context, candidates []float64) ([]float64, error) {
	if s.Scorer == nil {
		return nil, errors.New("no scorer")
	}
	timeout := s.ScoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	scores, err := s.Scorer.Score(sctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("%w: got %d scores for %d candidates", errMalformedScores, len(scores), len(candidates))
	}
	for _, sc := range scores {
		if math.IsNaN(sc) || math.IsInf(sc, 0) {
			return nil, errMalformedScores
		}
	}
	return scores, nil
}

// pickCandidate selects the best-scored candidate. Scores equal within
// epsilon tie-break to the lower price, then the lowest index, so selection
// is stable across runs and hosts.
func pickCandidate(candidates, scores []float64, epsilon float64) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		d := scores[i] - scores[best]
		switch {
		case d > epsilon:
			best = i
		case d >= -epsilon:
			if candidates[i] < candidates[best] {
				best = i
			}
			// Equal price within a tie keeps the lower index.
		}
	}
	return best
}
