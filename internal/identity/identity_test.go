package identity

import "testing"

func TestFromTag(t *testing.T) {
	r := Default()

	id, ok := r.FromTag("CODEX")
	if !ok || id != Codex {
		t.Errorf("expected codex, got %q ok=%v", id, ok)
	}

	id, ok = r.FromTag("opus")
	if !ok || id != Opus {
		t.Errorf("expected opus, got %q ok=%v", id, ok)
	}

	if _, ok := r.FromTag("UNKNOWN"); ok {
		t.Error("expected unknown tag to be rejected")
	}
}

func TestTagRoundTrip(t *testing.T) {
	r := Default()
	for _, id := range r.All() {
		got, ok := r.FromTag(id.Tag())
		if !ok || got != id {
			t.Errorf("tag round trip failed for %q: got %q ok=%v", id, got, ok)
		}
	}
}

func TestIsWorker(t *testing.T) {
	r := Default()
	if r.IsWorker(Opus) {
		t.Error("supervisor must not be a worker")
	}
	if !r.IsWorker(Gemini) {
		t.Error("gemini should be a worker")
	}
	if r.IsWorker("stranger") {
		t.Error("identities outside the set are not workers")
	}
}

func TestTerminalStatus(t *testing.T) {
	if StatusWaiting.Terminal() || StatusRunning.Terminal() || StatusIdle.Terminal() {
		t.Error("non-terminal status reported terminal")
	}
	if !StatusError.Terminal() || !StatusStopped.Terminal() {
		t.Error("terminal status not reported terminal")
	}
}
