package protocol

import (
	"strings"
	"testing"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

func newTestParser() *Parser {
	return NewParser(identity.Default())
}

func TestDirectiveAtLineStart(t *testing.T) {
	p := newTestParser()

	dirs, found := p.Parse("[TO:CODEX] fix the build")
	if !found {
		t.Fatal("expected a directive to be found")
	}
	if len(dirs) != 1 || dirs[0].Target != identity.Codex {
		t.Fatalf("unexpected directives: %+v", dirs)
	}
	if dirs[0].Content != "fix the build" {
		t.Errorf("unexpected content %q", dirs[0].Content)
	}
}

func TestLeadingWhitespaceAllowed(t *testing.T) {
	p := newTestParser()

	dirs, found := p.Parse("   [TO:GEMINI] review this")
	if !found || len(dirs) != 1 || dirs[0].Target != identity.Gemini {
		t.Fatalf("expected gemini directive, got %+v found=%v", dirs, found)
	}
}

func TestMidSentenceTagIsPlainText(t *testing.T) {
	p := newTestParser()

	dirs, found := p.Parse("I will ask [TO:CODEX] to handle it")
	if found || len(dirs) != 0 {
		t.Fatalf("mid-sentence tag must not route, got %+v found=%v", dirs, found)
	}
}

func TestUnknownTagIsPlainText(t *testing.T) {
	p := newTestParser()

	dirs, found := p.Parse("[TO:NOBODY] hello")
	if found || len(dirs) != 0 {
		t.Fatalf("unknown tag must not route, got %+v found=%v", dirs, found)
	}
}

func TestMultipleDirectivesOnSeparateLines(t *testing.T) {
	p := newTestParser()

	dirs, _ := p.Parse("[TO:CODEX] do X\n[TO:GEMINI] do Y")
	if len(dirs) != 2 {
		t.Fatalf("expected 2 directives, got %d", len(dirs))
	}
	if dirs[0].Target != identity.Codex || dirs[0].Content != "do X" {
		t.Errorf("unexpected first directive %+v", dirs[0])
	}
	if dirs[1].Target != identity.Gemini || dirs[1].Content != "do Y" {
		t.Errorf("unexpected second directive %+v", dirs[1])
	}
}

func TestConcatenatedDirectivesOneLine(t *testing.T) {
	p := newTestParser()

	dirs, _ := p.Parse("[TO:CODEX] do X [TO:GEMINI] do Y")
	if len(dirs) != 2 {
		t.Fatalf("expected 2 directives, got %d: %+v", len(dirs), dirs)
	}
	if dirs[0].Target != identity.Codex || dirs[0].Content != "do X" {
		t.Errorf("unexpected first directive %+v", dirs[0])
	}
	if dirs[1].Target != identity.Gemini || dirs[1].Content != "do Y" {
		t.Errorf("unexpected second directive %+v", dirs[1])
	}
}

func TestGreedyContentConsumption(t *testing.T) {
	p := newTestParser()

	text := "[TO:CODEX] first line\nsecond line\nthird line\n[TO:GEMINI] other"
	dirs, _ := p.Parse(text)
	if len(dirs) != 2 {
		t.Fatalf("expected 2 directives, got %d", len(dirs))
	}
	want := "first line\nsecond line\nthird line"
	if dirs[0].Content != want {
		t.Errorf("expected %q, got %q", want, dirs[0].Content)
	}
}

func TestContentContinuesAcrossMidSentenceTag(t *testing.T) {
	p := newTestParser()

	text := "[TO:CODEX] start\nplease coordinate with [TO:GEMINI] later"
	dirs, _ := p.Parse(text)
	if len(dirs) != 1 {
		t.Fatalf("expected 1 directive, got %d: %+v", len(dirs), dirs)
	}
	if !strings.Contains(dirs[0].Content, "[TO:GEMINI]") {
		t.Error("mid-sentence tag should remain inside the content")
	}
}

func TestEmptyDirectiveDropped(t *testing.T) {
	p := newTestParser()

	dirs, found := p.Parse("[TO:CODEX]   \n\n[TO:GEMINI] real work")
	if !found {
		t.Fatal("expected directives to be found")
	}
	if len(dirs) != 1 || dirs[0].Target != identity.Gemini {
		t.Fatalf("empty directive should be dropped, got %+v", dirs)
	}
}

func TestPlainTextBeforeFirstDirectiveIgnored(t *testing.T) {
	p := newTestParser()

	dirs, _ := p.Parse("thinking out loud\n[TO:QWEN] summarize")
	if len(dirs) != 1 || dirs[0].Content != "summarize" {
		t.Fatalf("unexpected directives %+v", dirs)
	}
}

func TestLowercaseTagAccepted(t *testing.T) {
	p := newTestParser()

	dirs, found := p.Parse("[TO:codex] lower")
	if !found || len(dirs) != 1 || dirs[0].Target != identity.Codex {
		t.Fatalf("lowercase tag should route, got %+v found=%v", dirs, found)
	}
}
