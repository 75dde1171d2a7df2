// Package settlement executes one of three settlement protocols against a
// pluggable provider: synchronous hash-reveal, streaming with batched events,
// and asynchronous pending/reconcile.
package settlement

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"pact/pkg/envelope"
	"pact/pkg/protocol"
)

// Settlement modes.
const (
	ModeHashReveal   = "hash_reveal"
	ModeStreaming    = "streaming"
	ModeAsyncPending = "async_pending"
)

// Commit statuses.
const (
	StatusOK      = "ok"
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Handle identifies one prepared settlement at the provider.
type Handle struct {
	ID   string `json:"id"`
	Mode string `json:"mode"`
}

type CommitResult struct {
	Status string `json:"status"`
	Ref    string `json:"ref,omitempty"`
}

type RevealResult struct {
	OK      bool   `json:"ok"`
	Payload string `json:"payload,omitempty"`
}

type ChunkResult struct {
	Delivered int  `json:"delivered"`
	Done      bool `json:"done"`
}

// Provider is the pluggable settlement backend contract. Status re-polls a
// previously committed-pending handle; async mode and reconciliation depend
// on it.
type Provider interface {
	Prepare(ctx context.Context, intent envelope.Message, agreedPrice string) (Handle, error)
	Commit(ctx context.Context, h Handle) (CommitResult, error)
	Reveal(ctx context.Context, h Handle) (RevealResult, error)
	Chunk(ctx context.Context, h Handle, tick int) (ChunkResult, error)
	Status(ctx context.Context, h Handle) (CommitResult, error)
}

// Escrow is the boundary to external payment backends, keyed by an opaque
// handle.
type Escrow interface {
	Lock(ctx context.Context, handleID, amount string) error
	Release(ctx context.Context, handleID string) error
	Refund(ctx context.Context, handleID string) error
}

// MemoryEscrow is the in-process escrow used by the local provider and tests.
type MemoryEscrow struct {
	mu    sync.Mutex
	locks map[string]string // handleID -> amount; removed on release/refund
	done  map[string]string // handleID -> "released" | "refunded"
}

func NewMemoryEscrow() *MemoryEscrow {
	return &MemoryEscrow{locks: map[string]string{}, done: map[string]string{}}
}

func (e *MemoryEscrow) Lock(ctx context.Context, handleID, amount string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.locks[handleID]; ok {
		return errors.New("escrow: already locked")
	}
	e.locks[handleID] = amount
	return nil
}

func (e *MemoryEscrow) Release(ctx context.Context, handleID string) error {
	return e.finish(handleID, "released")
}

func (e *MemoryEscrow) Refund(ctx context.Context, handleID string) error {
	return e.finish(handleID, "refunded")
}

func (e *MemoryEscrow) finish(handleID, state string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.locks[handleID]; !ok {
		return errors.New("escrow: not locked")
	}
	delete(e.locks, handleID)
	e.done[handleID] = state
	return nil
}

// State reports the terminal escrow state for a handle, for assertions.
func (e *MemoryEscrow) State(handleID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.locks[handleID]; ok {
		return "locked"
	}
	return e.done[handleID]
}

// NotImplemented is the capability-gated variant for optional backends
// (card processors, on-chain escrow) that are not wired in this build. Every
// call returns a structured PACT-430 instead of probing for libraries at
// runtime.
type NotImplemented struct {
	Capability string
}

func (p *NotImplemented) err() error {
	return protocol.NewError(protocol.CodeNotImplemented, "settlement capability not implemented: "+p.Capability)
}

func (p *NotImplemented) Prepare(ctx context.Context, intent envelope.Message, agreedPrice string) (Handle, error) {
	return Handle{}, p.err()
}
func (p *NotImplemented) Commit(ctx context.Context, h Handle) (CommitResult, error) {
	return CommitResult{}, p.err()
}
func (p *NotImplemented) Reveal(ctx context.Context, h Handle) (RevealResult, error) {
	return RevealResult{}, p.err()
}
func (p *NotImplemented) Chunk(ctx context.Context, h Handle, tick int) (ChunkResult, error) {
	return ChunkResult{}, p.err()
}
func (p *NotImplemented) Status(ctx context.Context, h Handle) (CommitResult, error) {
	return CommitResult{}, p.err()
}

type localState struct {
	price     string
	polls     int
	committed bool
}

// Local is the deterministic in-process provider used by tests and the
// pactctl demo path. Failure injection fields shape the scenarios.
type Local struct {
	Escrow *MemoryEscrow

	FailCommit   bool
	FailReveal   bool
	PendingPolls int // Status returns pending for this many polls after commit
	ChunkSize    int // units delivered per tick, default 1

	mu     sync.Mutex
	states map[string]*localState
}

func NewLocal() *Local {
	return &Local{Escrow: NewMemoryEscrow(), states: map[string]*localState{}}
}

func (p *Local) Prepare(ctx context.Context, intent envelope.Message, agreedPrice string) (Handle, error) {
	h := Handle{ID: "stl_" + uuid.NewString(), Mode: ""}
	p.mu.Lock()
	if p.states == nil {
		p.states = map[string]*localState{}
	}
	p.states[h.ID] = &localState{price: agreedPrice}
	p.mu.Unlock()
	if err := p.Escrow.Lock(ctx, h.ID, agreedPrice); err != nil {
		return Handle{}, err
	}
	return h, nil
}

func (p *Local) Commit(ctx context.Context, h Handle) (CommitResult, error) {
	p.mu.Lock()
	st, ok := p.states[h.ID]
	p.mu.Unlock()
	if !ok {
		return CommitResult{}, protocol.NewError(protocol.CodeProviderError, "unknown settlement handle")
	}
	if p.FailCommit {
		_ = p.Escrow.Refund(ctx, h.ID)
		return CommitResult{Status: StatusFailed}, nil
	}
	if p.PendingPolls > 0 {
		return CommitResult{Status: StatusPending, Ref: h.ID}, nil
	}
	p.mu.Lock()
	st.committed = true
	p.mu.Unlock()
	_ = p.Escrow.Release(ctx, h.ID)
	return CommitResult{Status: StatusOK, Ref: h.ID}, nil
}

func (p *Local) Status(ctx context.Context, h Handle) (CommitResult, error) {
	p.mu.Lock()
	st, ok := p.states[h.ID]
	if !ok {
		p.mu.Unlock()
		return CommitResult{}, protocol.NewError(protocol.CodeProviderError, "unknown settlement handle")
	}
	if st.committed {
		p.mu.Unlock()
		return CommitResult{Status: StatusOK, Ref: h.ID}, nil
	}
	st.polls++
	ready := st.polls >= p.PendingPolls
	if ready {
		st.committed = true
	}
	p.mu.Unlock()
	if ready {
		_ = p.Escrow.Release(ctx, h.ID)
		return CommitResult{Status: StatusOK, Ref: h.ID}, nil
	}
	return CommitResult{Status: StatusPending, Ref: h.ID}, nil
}

func (p *Local) Reveal(ctx context.Context, h Handle) (RevealResult, error) {
	if p.FailReveal {
		return RevealResult{OK: false}, nil
	}
	return RevealResult{OK: true, Payload: "reveal:" + h.ID}, nil
}

func (p *Local) Chunk(ctx context.Context, h Handle, tick int) (ChunkResult, error) {
	size := p.ChunkSize
	if size <= 0 {
		size = 1
	}
	return ChunkResult{Delivered: size, Done: false}, nil
}
