package identity

import "strings"

// Identity names one agent role. Roles are compared by value; the set of
// valid roles for a session is closed and held by the Roster.
type Identity string

// Default roles. The supervisor originates delegations and receives the
// combined reports; the rest are workers.
const (
	Opus   Identity = "opus"
	Codex  Identity = "codex"
	Gemini Identity = "gemini"
	Qwen   Identity = "qwen"
)

// Tag returns the uppercase wire form used in relay directives, e.g. "CODEX".
func (i Identity) Tag() string {
	return strings.ToUpper(string(i))
}

func (i Identity) String() string {
	return string(i)
}

// Status is an agent's externally driven lifecycle state. The orchestration
// core reacts to transitions; it never sets them for workers it controls.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusWaiting Status = "waiting"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Terminal reports whether the status means the agent is no longer able to
// produce a report this turn.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusStopped
}

// Kind distinguishes how a worker's backing process behaves. Stream workers
// run one persistent process for the whole session; spawn workers start a
// fresh process per turn and may re-fire the same terminal status once per
// invocation.
type Kind string

const (
	KindStream Kind = "stream"
	KindSpawn  Kind = "spawn"
)

// Roster is the closed identity set for a session: exactly one supervisor,
// zero or more workers, each worker's process kind, and the static fallback
// compatibility table.
type Roster struct {
	Supervisor Identity
	Workers    []Identity
	Kinds      map[Identity]Kind
	Fallbacks  map[Identity][]Identity
}

// Default returns the stock roster: opus supervising codex, gemini and qwen.
func Default() *Roster {
	return &Roster{
		Supervisor: Opus,
		Workers:    []Identity{Codex, Gemini, Qwen},
		Kinds: map[Identity]Kind{
			Codex:  KindSpawn,
			Gemini: KindSpawn,
			Qwen:   KindSpawn,
		},
		Fallbacks: map[Identity][]Identity{
			Codex:  {Gemini, Qwen},
			Gemini: {Codex, Qwen},
			Qwen:   {Codex, Gemini},
		},
	}
}

// All returns the supervisor followed by every worker.
func (r *Roster) All() []Identity {
	out := make([]Identity, 0, len(r.Workers)+1)
	out = append(out, r.Supervisor)
	out = append(out, r.Workers...)
	return out
}

// Contains reports whether id is part of the closed set.
func (r *Roster) Contains(id Identity) bool {
	if id == r.Supervisor {
		return true
	}
	for _, w := range r.Workers {
		if w == id {
			return true
		}
	}
	return false
}

// IsWorker reports whether id is a non-supervisor member of the set.
func (r *Roster) IsWorker(id Identity) bool {
	return id != r.Supervisor && r.Contains(id)
}

// FromTag resolves a wire tag (case-insensitive) to an identity. It returns
// false for names outside the closed set.
func (r *Roster) FromTag(tag string) (Identity, bool) {
	id := Identity(strings.ToLower(strings.TrimSpace(tag)))
	if r.Contains(id) {
		return id, true
	}
	return "", false
}

// KindOf returns the process kind for a worker, defaulting to spawn.
func (r *Roster) KindOf(id Identity) Kind {
	if k, ok := r.Kinds[id]; ok {
		return k
	}
	return KindSpawn
}

// Substitutes returns the ordered fallback candidates for a worker.
func (r *Roster) Substitutes(id Identity) []Identity {
	return r.Fallbacks[id]
}
