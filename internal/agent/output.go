package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// wireLine is the streamed-JSON dialect local CLI workers emit, one object
// per line: {"type":"text","content":"..."}. Unknown or non-JSON lines are
// treated as plain text.
type wireLine struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
}

// classifyLine turns one raw output line into an event. The second return
// value carries a native session id when the line announced one.
func classifyLine(line string) (OutputEvent, string) {
	ev := OutputEvent{Text: line, Timestamp: time.Now(), Kind: OutputText}

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return ev, ""
	}

	var wl wireLine
	if err := json.Unmarshal([]byte(trimmed), &wl); err != nil {
		return ev, ""
	}

	switch wl.Type {
	case "session":
		ev.Kind = OutputDiag
		ev.Text = wl.Content
		return ev, wl.SessionID
	case "action", "tool":
		ev.Kind = OutputAction
		ev.Text = wl.Content
	case "diag", "debug":
		ev.Kind = OutputDiag
		ev.Text = wl.Content
	case "text", "result", "":
		ev.Text = wl.Content
	default:
		ev.Kind = OutputDiag
		ev.Text = wl.Content
	}
	return ev, wl.SessionID
}
