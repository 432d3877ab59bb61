package orchestrator

import (
	"github.com/RebaiFedi/fedi-cli/internal/agent"
	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

// All orchestration state is mutated by a single control goroutine that
// drains these events. Adapter callbacks, timers and the public API only ever
// post; they never touch state directly.
type event interface{ isEvent() }

type outputEvent struct {
	id identity.Identity
	ev agent.OutputEvent
}

type statusEvent struct {
	id     identity.Identity
	status identity.Status
}

type timerEvent struct {
	kind timerKind
	id   identity.Identity
	gen  uint64
}

type userEvent struct {
	text string
}

type sendFailureEvent struct {
	id  identity.Identity
	err error
}

type startEvent struct {
	task  string
	extra string
	errCh chan error
}

type restartEvent struct {
	task  string
	errCh chan error
}

type stopEvent struct {
	done chan struct{}
}

type snapshotEvent struct {
	resp chan Snapshot
}

func (outputEvent) isEvent()      {}
func (statusEvent) isEvent()      {}
func (timerEvent) isEvent()       {}
func (userEvent) isEvent()        {}
func (sendFailureEvent) isEvent() {}
func (startEvent) isEvent()       {}
func (restartEvent) isEvent()     {}
func (stopEvent) isEvent()        {}
func (snapshotEvent) isEvent()    {}
