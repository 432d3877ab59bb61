package store

import (
	"path/filepath"
	"testing"

	"github.com/RebaiFedi/fedi-cli/internal/bus"
	"github.com/RebaiFedi/fedi-cli/internal/config"
	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateRun("run-1", "ship the release"); err != nil {
		t.Fatalf("create run: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Status != "running" {
		t.Errorf("expected status 'running', got '%s'", got.Status)
	}
	if got.Task != "ship the release" {
		t.Errorf("unexpected task '%s'", got.Task)
	}
	if got.CompletedAt != nil {
		t.Error("new run should have no completion time")
	}

	if err := s.FinishRun("run-1"); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	got, _ = s.GetRun("run-1")
	if got.Status != "completed" {
		t.Errorf("expected status 'completed', got '%s'", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("finished run should have a completion time")
	}
}

func TestGetRunMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetRun("nope")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestLatestRun(t *testing.T) {
	s := newTestStore(t)

	latest, err := s.LatestRun()
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}
	if latest != nil {
		t.Fatal("expected nil on empty store")
	}

	s.CreateRun("run-1", "first")
	s.CreateRun("run-2", "second")
	// started_at has second granularity; break the tie explicitly.
	if _, err := s.db.Exec(`UPDATE runs SET started_at = datetime('now', '+1 hour') WHERE id = 'run-2'`); err != nil {
		t.Fatalf("bump started_at: %v", err)
	}

	latest, err = s.LatestRun()
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}
	if latest == nil || latest.ID != "run-2" {
		t.Fatalf("expected run-2, got %+v", latest)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.CreateRun("run-1", "task")

	msgs := []bus.Message{
		{From: "user", To: "opus", Content: "do the thing"},
		{From: "opus", To: "codex", Content: "build it", CorrelationID: "chain-1", RelayCount: 0},
		{From: "codex", To: "opus", Content: "built", CorrelationID: "chain-1", RelayCount: 1},
	}
	for _, m := range msgs {
		if err := s.SaveMessage("run-1", m); err != nil {
			t.Fatalf("save message: %v", err)
		}
	}

	got, err := s.GetMessages("run-1", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Content != "do the thing" {
		t.Errorf("messages not in chronological order: first is '%s'", got[0].Content)
	}
	if got[1].CorrelationID != "chain-1" {
		t.Errorf("correlation id lost: '%s'", got[1].CorrelationID)
	}
	if got[2].RelayCount != 1 {
		t.Errorf("relay count lost: %d", got[2].RelayCount)
	}

	n, err := s.CountByCorrelation("chain-1")
	if err != nil {
		t.Fatalf("count by correlation: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 chained messages, got %d", n)
	}
}

func TestMessagesLimit(t *testing.T) {
	s := newTestStore(t)
	s.CreateRun("run-1", "task")

	for i := 0; i < 5; i++ {
		s.SaveMessage("run-1", bus.Message{From: "opus", To: "user", Content: "m"})
	}
	got, err := s.GetMessages("run-1", 2)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
}

func TestAgentSessionsUpsert(t *testing.T) {
	s := newTestStore(t)
	s.CreateRun("run-1", "task")

	if err := s.SaveAgentSession("run-1", identity.Codex, "native-1"); err != nil {
		t.Fatalf("save agent session: %v", err)
	}
	if err := s.SaveAgentSession("run-1", identity.Codex, "native-2"); err != nil {
		t.Fatalf("upsert agent session: %v", err)
	}
	if err := s.SaveAgentSession("run-1", identity.Gemini, "native-3"); err != nil {
		t.Fatalf("save second agent: %v", err)
	}

	got, err := s.GetAgentSessions("run-1")
	if err != nil {
		t.Fatalf("get agent sessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[identity.Codex] != "native-2" {
		t.Errorf("upsert did not replace native id: '%s'", got[identity.Codex])
	}
	if got[identity.Gemini] != "native-3" {
		t.Errorf("unexpected gemini session '%s'", got[identity.Gemini])
	}
}
