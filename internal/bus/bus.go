// Package bus implements the typed pub/sub hub the orchestrator routes every
// message through: bounded append-only history, per-target subscriptions,
// relay-depth enforcement along correlation chains, and compact context
// summaries for briefing agents that were silent.
package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
	"github.com/google/uuid"
)

// Reserved addresses that are not agent identities.
const (
	SenderUser   = "user"
	SenderSystem = "system"
	TargetAll    = "all"
)

// Message is one routed unit. RelayCount strictly increases along a chain of
// relays sharing the same CorrelationID.
type Message struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Content       string    `json:"content"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RelayCount    int       `json:"relay_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// Handler receives a copy of a routed message.
type Handler func(Message)

// Bus routes messages and keeps a bounded history. The orchestrator owns all
// mutation; the mutex only protects read accessors used by observers (web,
// persistence) on other goroutines.
type Bus struct {
	mu       sync.RWMutex
	roster   *identity.Roster
	history  []Message
	base     int // absolute index of history[0]
	limit    int
	maxDepth int

	generic   []Handler
	perTarget map[string][]Handler
	blocked   []Handler
}

func New(roster *identity.Roster, historyLimit, maxRelayDepth int) *Bus {
	return &Bus{
		roster:    roster,
		limit:     historyLimit,
		maxDepth:  maxRelayDepth,
		perTarget: make(map[string][]Handler),
	}
}

// OnMessage registers a handler for every message appended to history,
// whether routed or merely recorded.
func (b *Bus) OnMessage(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generic = append(b.generic, h)
}

// OnTarget registers a handler for messages addressed to one target. A
// message to "all" fans out to every worker handler plus the supervisor's.
func (b *Bus) OnTarget(target string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perTarget[target] = append(b.perTarget[target], h)
}

// OnBlocked registers a handler for relays refused by the depth guard.
func (b *Bus) OnBlocked(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked = append(b.blocked, h)
}

// Send assigns id and timestamp, appends to history and emits the generic
// event plus the per-target event. It returns the stored message.
func (b *Bus) Send(msg Message) Message {
	b.mu.Lock()
	msg = b.stamp(msg)
	b.append(msg)
	generic := append([]Handler(nil), b.generic...)
	targets := b.fanOutLocked(msg.To)
	b.mu.Unlock()

	for _, h := range generic {
		h(msg)
	}
	for _, h := range targets {
		h(msg)
	}
	return msg
}

// Relay routes one depth-limited hop. The hop's RelayCount is the number of
// prior messages sharing the correlation id; once it reaches the ceiling the
// message is not delivered and a blocked event is emitted instead. It returns
// whether the hop was admitted, along with the correlation id of the chain.
func (b *Bus) Relay(from, to, content, correlationID string) (string, bool) {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	b.mu.Lock()
	count := 0
	for _, m := range b.history {
		if m.CorrelationID == correlationID {
			count++
		}
	}
	if count >= b.maxDepth {
		blocked := append([]Handler(nil), b.blocked...)
		b.mu.Unlock()
		msg := Message{From: from, To: to, Content: content, CorrelationID: correlationID, RelayCount: count}
		for _, h := range blocked {
			h(msg)
		}
		return correlationID, false
	}
	b.mu.Unlock()

	b.Send(Message{
		From:          from,
		To:            to,
		Content:       content,
		CorrelationID: correlationID,
		RelayCount:    count,
	})
	return correlationID, true
}

// Record appends a message to history without routing it to any target.
// Generic handlers still observe it, so narration and system notices reach
// the transcript store like delivered messages do.
func (b *Bus) Record(msg Message) Message {
	b.mu.Lock()
	msg = b.stamp(msg)
	b.append(msg)
	generic := append([]Handler(nil), b.generic...)
	b.mu.Unlock()

	for _, h := range generic {
		h(msg)
	}
	return msg
}

// Reset clears history. The absolute index keeps advancing so context-summary
// watermarks held by callers stay valid.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.base += len(b.history)
	b.history = nil
}

// History returns a copy of the retained messages, oldest first.
func (b *Bus) History() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// Len returns the absolute index just past the newest message.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.base + len(b.history)
}

const summaryLineCap = 120

// ContextSummary formats the most recent max messages after sinceIndex that
// neither came from nor went to forAgent, as "[FROM→TO] text" lines. The
// returned watermark makes repeated calls idempotent: passing it back never
// resends the same history twice.
func (b *Bus) ContextSummary(forAgent string, sinceIndex, max int) (string, int) {
	if max <= 0 {
		max = 5
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	newIndex := b.base + len(b.history)
	start := sinceIndex - b.base
	if start < 0 {
		start = 0
	}

	var lines []string
	for i := len(b.history) - 1; i >= start && len(lines) < max; i-- {
		m := b.history[i]
		if m.From == forAgent || m.To == forAgent || m.To == TargetAll {
			continue
		}
		text := truncate(strings.TrimSpace(m.Content), summaryLineCap)
		lines = append(lines, fmt.Sprintf("[%s→%s] %s", strings.ToUpper(m.From), strings.ToUpper(m.To), text))
	}

	// Collected newest-first; present oldest-first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	return strings.Join(lines, "\n"), newIndex
}

// truncate caps s at n bytes, backing up so a multi-byte rune is never split.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func (b *Bus) stamp(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

func (b *Bus) append(msg Message) {
	b.history = append(b.history, msg)
	if over := len(b.history) - b.limit; b.limit > 0 && over > 0 {
		b.history = b.history[over:]
		b.base += over
	}
}

func (b *Bus) fanOutLocked(to string) []Handler {
	if to != TargetAll {
		return append([]Handler(nil), b.perTarget[to]...)
	}
	var out []Handler
	for _, id := range b.roster.All() {
		out = append(out, b.perTarget[string(id)]...)
	}
	return out
}
