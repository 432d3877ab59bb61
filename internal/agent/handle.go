// Package agent defines the uniform handle every worker adapter satisfies,
// the per-worker serialized send queue, and the local adapters: a
// spawn-per-turn process, a persistent PTY-backed process, and a NATS-speaking
// worker.
package agent

import (
	"context"
	"time"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

// OutputKind classifies one output event. The orchestration core inspects the
// kind to decide buffering; it never interprets adapter-specific formatting.
type OutputKind string

const (
	OutputText   OutputKind = "text"   // normal agent text
	OutputAction OutputKind = "action" // structured/system action
	OutputDiag   OutputKind = "diag"   // diagnostic info
)

// OutputEvent is one chunk of worker output.
type OutputEvent struct {
	Text      string
	Timestamp time.Time
	Kind      OutputKind
}

// OutputFunc receives classified output events from an adapter.
type OutputFunc func(OutputEvent)

// StatusFunc receives adapter status transitions.
type StatusFunc func(identity.Status)

// Handle is the contract each worker adapter implements. Callbacks fire on
// adapter-owned goroutines; the orchestrator serializes them onto its control
// loop.
type Handle interface {
	// Start launches the backing process with an initial briefing.
	Start(ctx context.Context, briefing string) error
	// Send delivers one message for the agent's next turn.
	Send(text string) error
	// SendUrgent best-effort injects text into a live turn. It never fails.
	SendUrgent(text string)
	// Stop terminates the backing process.
	Stop(ctx context.Context) error

	OnOutput(OutputFunc)
	OnStatusChange(StatusFunc)

	// SessionID returns the adapter's native session identifier, or "" if the
	// backend has not issued one. It is preserved across orchestrator
	// restarts so the worker can resume its own conversation.
	SessionID() string
	// ResumeSession primes the adapter with a previously captured session id.
	ResumeSession(id string)

	// Mute discards further output from the current turn.
	Mute()

	Status() identity.Status
	LastError() string
	Kind() identity.Kind
}
