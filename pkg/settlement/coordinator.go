package settlement

import (
	"context"
	"time"

	"pact/pkg/envelope"
	"pact/pkg/protocol"
	"pact/pkg/transcript"
)

// Config fixes the settlement behavior for one acquisition.
type Config struct {
	Mode                string
	TotalTicks          int
	BuyerStopAfterTicks int
	BatchSize           int
	AutoPollMS          int
	MaxPollAttempts     int
}

// Result is the settlement outcome. Status pending means the attempt is
// eligible for a later Reconcile; Code then carries PACT-311.
type Result struct {
	Status         string
	Code           string
	Reason         string
	Ref            string
	Handle         Handle
	TicksDelivered int
	Events         []transcript.SettlementEvent
}

// Coordinator runs one settlement protocol sequentially. Per-tick polling is
// a bounded loop, never concurrent fan-out.
type Coordinator struct {
	Provider Provider
	Sleep    func(time.Duration)
	Clock    func() time.Time
}

func (c *Coordinator) sleep(d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (c *Coordinator) stamp() string {
	now := time.Now
	if c.Clock != nil {
		now = c.Clock
	}
	return now().UTC().Format(time.RFC3339Nano)
}

// Execute settles an accepted deal. It never returns a Go error for provider
// failures; everything is classified into Result so the caller can seal a
// matching transcript.
func (c *Coordinator) Execute(ctx context.Context, cfg Config, intent envelope.Message, agreedPrice string) Result {
	switch cfg.Mode {
	case ModeHashReveal, ModeStreaming, ModeAsyncPending:
	default:
		return Result{Status: StatusFailed, Code: protocol.CodePolicyViolation, Reason: "unsupported settlement mode " + cfg.Mode}
	}

	h, err := c.Provider.Prepare(ctx, intent, agreedPrice)
	if err != nil {
		return classify(err, "prepare")
	}
	h.Mode = cfg.Mode

	switch cfg.Mode {
	case ModeHashReveal:
		return c.hashReveal(ctx, h)
	case ModeStreaming:
		return c.streaming(ctx, cfg, h)
	default:
		return c.asyncPending(ctx, cfg, h)
	}
}

func (c *Coordinator) hashReveal(ctx context.Context, h Handle) Result {
	cr, err := c.Provider.Commit(ctx, h)
	if err != nil {
		return classify(err, "commit")
	}
	if cr.Status != StatusOK {
		// Hash-reveal is fully synchronous; anything but ok is terminal for
		// this attempt.
		return Result{Status: StatusFailed, Code: protocol.CodeSettlementFailed, Reason: "commit " + cr.Status, Handle: h}
	}
	rr, err := c.Provider.Reveal(ctx, h)
	if err != nil {
		return classify(err, "reveal")
	}
	if !rr.OK {
		return Result{Status: StatusFailed, Code: protocol.CodeSettlementFailed, Reason: "reveal failed", Handle: h}
	}
	return Result{Status: StatusOK, Ref: cr.Ref, Handle: h}
}

// streaming delivers chunks tick by tick, batching events so a long run does
// not bloat the transcript. Buyer stop flushes accumulated partial state into
// the result instead of discarding it.
func (c *Coordinator) streaming(ctx context.Context, cfg Config, h Handle) Result {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	events := []transcript.SettlementEvent{{Type: transcript.EventStreamStart, Timestamp: c.stamp()}}
	delivered := 0
	batchFrom := 1
	pendingTicks := 0

	flush := func(upTo int) {
		if pendingTicks == 0 {
			return
		}
		events = append(events, transcript.SettlementEvent{
			Type: transcript.EventBatch, Timestamp: c.stamp(), TickFrom: batchFrom, TickTo: upTo,
		})
		batchFrom = upTo + 1
		pendingTicks = 0
	}

	for tick := 1; tick <= cfg.TotalTicks; tick++ {
		chunk, err := c.Provider.Chunk(ctx, h, tick)
		if err != nil {
			res := classify(err, "chunk")
			res.TicksDelivered = delivered
			res.Events = events
			res.Handle = h
			return res
		}
		delivered += chunk.Delivered
		pendingTicks++
		if pendingTicks >= batchSize {
			flush(tick)
		}
		if cfg.BuyerStopAfterTicks > 0 && tick >= cfg.BuyerStopAfterTicks {
			flush(tick)
			events = append(events, transcript.SettlementEvent{
				Type: transcript.EventCutoff, Timestamp: c.stamp(), TickTo: tick, Reason: "BUYER_STOP",
			})
			return c.commitStream(ctx, h, delivered, events)
		}
		if chunk.Done {
			break
		}
	}
	flush(cfg.TotalTicks)
	events = append(events, transcript.SettlementEvent{Type: transcript.EventStreamComplete, Timestamp: c.stamp()})
	return c.commitStream(ctx, h, delivered, events)
}

func (c *Coordinator) commitStream(ctx context.Context, h Handle, delivered int, events []transcript.SettlementEvent) Result {
	cr, err := c.Provider.Commit(ctx, h)
	if err != nil {
		res := classify(err, "commit")
		res.TicksDelivered = delivered
		res.Events = events
		res.Handle = h
		return res
	}
	if cr.Status != StatusOK {
		return Result{Status: StatusFailed, Code: protocol.CodeSettlementFailed, Reason: "commit " + cr.Status,
			TicksDelivered: delivered, Events: events, Handle: h}
	}
	return Result{Status: StatusOK, Ref: cr.Ref, TicksDelivered: delivered, Events: events, Handle: h}
}

// asyncPending commits, then polls a bounded number of times. Exhausting the
// bound is the non-terminal PACT-311: the transcript stays eligible for
// reconciliation.
func (c *Coordinator) asyncPending(ctx context.Context, cfg Config, h Handle) Result {
	cr, err := c.Provider.Commit(ctx, h)
	if err != nil {
		return classify(err, "commit")
	}
	switch cr.Status {
	case StatusOK:
		return Result{Status: StatusOK, Ref: cr.Ref, Handle: h}
	case StatusFailed:
		return Result{Status: StatusFailed, Code: protocol.CodeSettlementFailed, Reason: "commit failed", Handle: h}
	}

	interval := time.Duration(cfg.AutoPollMS) * time.Millisecond
	attempts := cfg.MaxPollAttempts
	if attempts <= 0 {
		attempts = 5
	}
	for i := 0; i < attempts; i++ {
		if interval > 0 {
			c.sleep(interval)
		}
		sr, err := c.Provider.Status(ctx, h)
		if err != nil {
			return classify(err, "status")
		}
		switch sr.Status {
		case StatusOK:
			return Result{Status: StatusOK, Ref: sr.Ref, Handle: h}
		case StatusFailed:
			return Result{Status: StatusFailed, Code: protocol.CodeSettlementFailed, Reason: "settlement failed while pending", Handle: h}
		}
	}
	return Result{Status: StatusPending, Code: protocol.CodePollTimeout,
		Reason: "settlement still pending after poll budget", Handle: h}
}

// classify maps a provider error into a settlement result, defaulting
// unclassified transport failures to provider-unreachable.
func classify(err error, step string) Result {
	code := protocol.CodeOf(err)
	if code == "" {
		code = protocol.CodeProviderUnreachable
	}
	return Result{Status: StatusFailed, Code: code, Reason: step + ": " + err.Error()}
}
