package orchestrator

import (
	"sync"
	"time"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

type timerKind int

const (
	timerGrace    timerKind = iota // safety-net grace period, re-armed per waiting pulse
	timerDelegate                  // whole-round delegate timeout
	timerRelay                     // per-worker relay timeout
)

func (k timerKind) String() string {
	switch k {
	case timerGrace:
		return "grace"
	case timerDelegate:
		return "delegate"
	case timerRelay:
		return "relay"
	}
	return "unknown"
}

type timerKey struct {
	kind timerKind
	id   identity.Identity
}

// timerSet is a cancellable timer registry keyed by (kind, worker). Every
// expiry posts back onto the control loop carrying a generation number; a
// fire whose generation is stale (re-armed or cancelled in the meantime) is
// ignored, so no callback can act on torn-down state.
type timerSet struct {
	mu     sync.Mutex
	gen    map[timerKey]uint64
	active map[timerKey]*time.Timer
	post   func(event)
}

func newTimerSet(post func(event)) *timerSet {
	return &timerSet{
		gen:    make(map[timerKey]uint64),
		active: make(map[timerKey]*time.Timer),
		post:   post,
	}
}

// arm (re)starts the timer for key, invalidating any earlier fire.
func (t *timerSet) arm(kind timerKind, id identity.Identity, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := timerKey{kind, id}
	if old, ok := t.active[key]; ok {
		old.Stop()
	}
	t.gen[key]++
	g := t.gen[key]
	t.active[key] = time.AfterFunc(d, func() {
		t.post(timerEvent{kind: kind, id: id, gen: g})
	})
}

func (t *timerSet) cancel(kind timerKind, id identity.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := timerKey{kind, id}
	if old, ok := t.active[key]; ok {
		old.Stop()
		delete(t.active, key)
	}
	t.gen[key]++
}

func (t *timerSet) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, timer := range t.active {
		timer.Stop()
		delete(t.active, key)
		t.gen[key]++
	}
}

// current reports whether gen is still the live generation for key.
func (t *timerSet) current(kind timerKind, id identity.Identity, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen[timerKey{kind, id}] == gen
}
