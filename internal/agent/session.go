package agent

import (
	"sync"
	"time"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

// Session tracks one worker's external state: the adapter's native session
// identifier (opaque, survives orchestrator restarts) and activity times.
type Session struct {
	Agent      identity.Identity `json:"agent"`
	NativeID   string            `json:"native_id"`
	Status     identity.Status   `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	LastActive time.Time         `json:"last_active"`
}

type SessionTracker struct {
	sessions map[identity.Identity]*Session
	mu       sync.RWMutex
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[identity.Identity]*Session),
	}
}

func (t *SessionTracker) Set(id identity.Identity, session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = session
}

func (t *SessionTracker) Get(id identity.Identity) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

func (t *SessionTracker) Touch(id identity.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		s.LastActive = time.Now()
	}
}

func (t *SessionTracker) SetStatus(id identity.Identity, status identity.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		s.Status = status
		s.LastActive = time.Now()
	}
}

// SetNativeID records the adapter's native session identifier.
func (t *SessionTracker) SetNativeID(id identity.Identity, nativeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		s.NativeID = nativeID
		return
	}
	t.sessions[id] = &Session{Agent: id, NativeID: nativeID}
}

// NativeIDs snapshots every known native session id, for persistence and for
// re-priming adapters after a restart.
func (t *SessionTracker) NativeIDs() map[identity.Identity]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[identity.Identity]string, len(t.sessions))
	for id, s := range t.sessions {
		if s.NativeID != "" {
			out[id] = s.NativeID
		}
	}
	return out
}

func (t *SessionTracker) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		copied := *s
		out = append(out, &copied)
	}
	return out
}
