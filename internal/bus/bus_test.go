package bus

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

func newTestBus(limit, depth int) *Bus {
	return New(identity.Default(), limit, depth)
}

func TestSendStampsAndRoutes(t *testing.T) {
	b := newTestBus(500, 5)

	var got []Message
	b.OnTarget("codex", func(m Message) { got = append(got, m) })

	sent := b.Send(Message{From: "opus", To: "codex", Content: "hello"})
	if sent.ID == "" || sent.Timestamp.IsZero() {
		t.Error("send must assign id and timestamp")
	}
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("per-target handler not invoked: %+v", got)
	}
}

func TestSendToAllFansOut(t *testing.T) {
	b := newTestBus(500, 5)

	hits := make(map[string]int)
	for _, id := range identity.Default().All() {
		id := id
		b.OnTarget(string(id), func(Message) { hits[string(id)]++ })
	}

	b.Send(Message{From: "system", To: TargetAll, Content: "broadcast"})

	for _, id := range identity.Default().All() {
		if hits[string(id)] != 1 {
			t.Errorf("expected exactly one delivery to %s, got %d", id, hits[string(id)])
		}
	}
}

func TestRelayDepthGuard(t *testing.T) {
	b := newTestBus(500, 5)

	var blocked []Message
	b.OnBlocked(func(m Message) { blocked = append(blocked, m) })

	var delivered int
	b.OnTarget("gemini", func(Message) { delivered++ })
	b.OnTarget("codex", func(Message) { delivered++ })

	cid := ""
	for i := 0; i < 5; i++ {
		var ok bool
		cid, ok = b.Relay("codex", "gemini", "hop", cid)
		if !ok {
			t.Fatalf("hop %d unexpectedly blocked", i+1)
		}
	}

	// Sixth hop in the chain must never reach its target.
	if _, ok := b.Relay("gemini", "codex", "hop", cid); ok {
		t.Fatal("sixth hop should be refused")
	}
	if delivered != 5 {
		t.Errorf("expected 5 deliveries, got %d", delivered)
	}
	if len(blocked) != 1 || blocked[0].RelayCount != 5 {
		t.Errorf("expected one blocked event at depth 5, got %+v", blocked)
	}
}

func TestRelayCountMonotonic(t *testing.T) {
	b := newTestBus(500, 5)

	cid := ""
	for want := 0; want < 5; want++ {
		var ok bool
		cid, ok = b.Relay("opus", "codex", "hop", cid)
		if !ok {
			t.Fatalf("hop %d blocked", want)
		}
		hist := b.History()
		if got := hist[len(hist)-1].RelayCount; got != want {
			t.Errorf("hop %d: relay count %d", want, got)
		}
	}
}

func TestHistoryBounded(t *testing.T) {
	b := newTestBus(10, 5)

	for i := 0; i < 25; i++ {
		b.Record(Message{From: "user", To: "opus", Content: "m"})
	}
	if got := len(b.History()); got != 10 {
		t.Errorf("expected history capped at 10, got %d", got)
	}
	if b.Len() != 25 {
		t.Errorf("absolute index should keep advancing, got %d", b.Len())
	}
}

func TestRecordDoesNotRoute(t *testing.T) {
	b := newTestBus(500, 5)

	routed := 0
	observed := 0
	b.OnMessage(func(Message) { observed++ })
	b.OnTarget("opus", func(Message) { routed++ })

	b.Record(Message{From: "system", To: "opus", Content: "note"})
	if routed != 0 {
		t.Errorf("record must not deliver to targets, got %d", routed)
	}
	if observed != 1 {
		t.Errorf("record must still reach generic handlers, got %d", observed)
	}
	if len(b.History()) != 1 {
		t.Error("record must append to history")
	}
}

func TestContextSummaryFiltersAndAdvances(t *testing.T) {
	b := newTestBus(500, 5)

	b.Record(Message{From: "opus", To: "codex", Content: "fix the linter"})
	b.Record(Message{From: "codex", To: "opus", Content: "linter fixed"})
	b.Record(Message{From: "opus", To: "gemini", Content: "draft the docs"})

	summary, idx := b.ContextSummary("codex", 0, 5)
	if !strings.Contains(summary, "[OPUS→GEMINI] draft the docs") {
		t.Errorf("expected third-party message in summary, got %q", summary)
	}
	if strings.Contains(summary, "fix the linter") || strings.Contains(summary, "linter fixed") {
		t.Errorf("summary must exclude codex's own traffic: %q", summary)
	}

	// Idempotent: same watermark, same summary.
	again, _ := b.ContextSummary("codex", 0, 5)
	if again != summary {
		t.Error("summary not idempotent for the same watermark")
	}

	// Advancing the watermark never resends old history.
	empty, _ := b.ContextSummary("codex", idx, 5)
	if empty != "" {
		t.Errorf("expected empty summary past watermark, got %q", empty)
	}
}

func TestContextSummaryTruncatesOnRuneBoundary(t *testing.T) {
	b := newTestBus(500, 5)

	// Byte cap lands inside a multi-byte rune.
	long := "x" + strings.Repeat("界", 60)
	b.Record(Message{From: "opus", To: "gemini", Content: long})

	summary, _ := b.ContextSummary("codex", 0, 5)
	if !utf8.ValidString(summary) {
		t.Fatalf("summary contains a split rune: %q", summary)
	}
	if !strings.HasSuffix(summary, "...") {
		t.Errorf("long line should be truncated: %q", summary)
	}
}

func TestContextSummaryRespectsMax(t *testing.T) {
	b := newTestBus(500, 5)

	for i := 0; i < 10; i++ {
		b.Record(Message{From: "opus", To: "gemini", Content: "x"})
	}
	summary, _ := b.ContextSummary("codex", 0, 3)
	if got := len(strings.Split(summary, "\n")); got != 3 {
		t.Errorf("expected 3 lines, got %d", got)
	}
}

func TestResetPreservesWatermarks(t *testing.T) {
	b := newTestBus(500, 5)

	for i := 0; i < 5; i++ {
		b.Record(Message{From: "opus", To: "gemini", Content: "old"})
	}
	_, idx := b.ContextSummary("codex", 0, 5)

	b.Reset()
	if len(b.History()) != 0 {
		t.Fatal("reset must clear history")
	}

	b.Record(Message{From: "opus", To: "gemini", Content: "new"})
	summary, _ := b.ContextSummary("codex", idx, 5)
	if !strings.Contains(summary, "new") || strings.Contains(summary, "old") {
		t.Errorf("watermark should survive reset, got %q", summary)
	}
}
