package agent

import "testing"

func TestClassifyPlainText(t *testing.T) {
	ev, sid := classifyLine("just some text")
	if ev.Kind != OutputText || ev.Text != "just some text" || sid != "" {
		t.Errorf("unexpected classification: %+v sid=%q", ev, sid)
	}
}

func TestClassifyJSONText(t *testing.T) {
	ev, _ := classifyLine(`{"type":"text","content":"hello"}`)
	if ev.Kind != OutputText || ev.Text != "hello" {
		t.Errorf("unexpected classification: %+v", ev)
	}
}

func TestClassifyAction(t *testing.T) {
	ev, _ := classifyLine(`{"type":"tool","content":"ran tests"}`)
	if ev.Kind != OutputAction {
		t.Errorf("expected action kind, got %+v", ev)
	}
}

func TestClassifySessionLine(t *testing.T) {
	ev, sid := classifyLine(`{"type":"session","session_id":"abc-123"}`)
	if sid != "abc-123" {
		t.Errorf("expected session id, got %q", sid)
	}
	if ev.Kind != OutputDiag {
		t.Errorf("session announcements are diagnostics, got %+v", ev)
	}
}

func TestClassifyMalformedJSONIsText(t *testing.T) {
	ev, _ := classifyLine(`{"type": broken`)
	if ev.Kind != OutputText {
		t.Errorf("malformed json should stay text, got %+v", ev)
	}
}
