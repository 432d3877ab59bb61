package agent

import (
	"testing"
	"time"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

func TestSessionTrackerNativeIDs(t *testing.T) {
	tr := NewSessionTracker()

	tr.SetNativeID(identity.Codex, "sess-1")
	tr.Set(identity.Gemini, &Session{Agent: identity.Gemini, StartedAt: time.Now()})
	tr.SetNativeID(identity.Gemini, "sess-2")

	ids := tr.NativeIDs()
	if ids[identity.Codex] != "sess-1" || ids[identity.Gemini] != "sess-2" {
		t.Errorf("unexpected native ids: %v", ids)
	}
	if _, ok := ids[identity.Qwen]; ok {
		t.Error("agents without a native id must be absent")
	}
}

func TestSessionTrackerStatus(t *testing.T) {
	tr := NewSessionTracker()
	tr.Set(identity.Codex, &Session{Agent: identity.Codex})

	tr.SetStatus(identity.Codex, identity.StatusRunning)
	if got := tr.Get(identity.Codex).Status; got != identity.StatusRunning {
		t.Errorf("expected running, got %s", got)
	}
}
