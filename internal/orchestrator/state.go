package orchestrator

import (
	"time"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

// delegateState consolidates every per-worker flag the barrier relies on.
// One record per worker, owned by the control goroutine.
type delegateState struct {
	// onRelay: the worker is executing a supervisor delegation; its plain
	// output is buffered instead of surfaced.
	onRelay        bool
	relayStartedAt time.Time
	buffer         []string

	// crossTalkMutedAt: the worker is answering a peer; its plain output is
	// suppressed until a kind-dependent threshold elapses or a terminal
	// status arrives. Zero means not muted.
	crossTalkMutedAt time.Time
	// awaitingReply: the worker initiated cross-talk and must not be caught
	// by the safety net while it waits.
	awaitingReply bool
	waitingPulses int

	// lastTask is the most recent delegated content, kept for fallback
	// redelegation.
	lastTask string
}

func (s *delegateState) muted() bool {
	return !s.crossTalkMutedAt.IsZero()
}

func (s *delegateState) clearRelay() {
	s.onRelay = false
	s.relayStartedAt = time.Time{}
	s.buffer = nil
	s.waitingPulses = 0
}

// round is one delegation barrier: who was asked, who has answered, and the
// correlation chain the round's relays share. pending's keys are always a
// subset of expected; the round completes when they are equal.
type round struct {
	correlationID string
	expected      map[identity.Identity]bool
	pending       map[identity.Identity]string
}

func newRound(correlationID string) *round {
	return &round{
		correlationID: correlationID,
		expected:      make(map[identity.Identity]bool),
		pending:       make(map[identity.Identity]string),
	}
}

func (r *round) reported(id identity.Identity) bool {
	_, ok := r.pending[id]
	return ok
}

func (r *round) complete() bool {
	return len(r.expected) > 0 && len(r.pending) == len(r.expected)
}

func (r *round) missing() []identity.Identity {
	var out []identity.Identity
	for id := range r.expected {
		if !r.reported(id) {
			out = append(out, id)
		}
	}
	return out
}
