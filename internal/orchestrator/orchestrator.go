// Package orchestrator is the control core: it routes relay directives
// between a supervisor agent and its workers, synchronizes delegation rounds
// behind a combined-report barrier, polices relay depth and rate, and rescues
// silent delegates with the safety-net auto-relay, handing the task to a
// substitute when a delegate produced nothing at all.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/RebaiFedi/fedi-cli/internal/agent"
	"github.com/RebaiFedi/fedi-cli/internal/bus"
	"github.com/RebaiFedi/fedi-cli/internal/config"
	"github.com/RebaiFedi/fedi-cli/internal/identity"
	"github.com/RebaiFedi/fedi-cli/internal/natsbus"
	"github.com/RebaiFedi/fedi-cli/internal/protocol"
	"github.com/google/uuid"
)

// HandleFactory builds the adapter for one agent. Workers are only started on
// their first delegation, so the factory is invoked lazily.
type HandleFactory func(id identity.Identity) agent.Handle

// Store is the slice of persistence the orchestrator needs. It is satisfied
// by *store.Store; tests pass nil.
type Store interface {
	CreateRun(id, task string) error
	FinishRun(id string) error
	SaveMessage(runID string, m bus.Message) error
	SaveAgentSession(runID string, agent identity.Identity, nativeID string) error
}

type Orchestrator struct {
	cfg    *config.Config
	roster *identity.Roster
	msgBus *bus.Bus
	parser *protocol.Parser

	factory HandleFactory
	store   Store
	events  *natsbus.Client

	hmu     sync.RWMutex
	handles map[identity.Identity]agent.Handle
	queues  map[identity.Identity]*agent.SendQueue

	sessions *agent.SessionTracker

	// Everything below is owned by the control goroutine.
	delegates       map[identity.Identity]*delegateState
	delivered       map[identity.Identity]bool
	round           *round
	crossTalkCount  int
	crossTalkChains map[string]string
	supBuffer       []string
	watermarks      map[identity.Identity]int
	limiter         *slidingWindow
	timers          *timerSet

	task  string
	runID string

	mu      sync.Mutex
	running bool
	ctx     context.Context
	loopCh  chan event
	closed  chan struct{}
}

func New(cfg *config.Config, roster *identity.Roster, msgBus *bus.Bus, factory HandleFactory, st Store, events *natsbus.Client) *Orchestrator {
	o := &Orchestrator{
		cfg:             cfg,
		roster:          roster,
		msgBus:          msgBus,
		parser:          protocol.NewParser(roster),
		factory:         factory,
		store:           st,
		events:          events,
		handles:         make(map[identity.Identity]agent.Handle),
		queues:          make(map[identity.Identity]*agent.SendQueue),
		sessions:        agent.NewSessionTracker(),
		delegates:       make(map[identity.Identity]*delegateState),
		delivered:       make(map[identity.Identity]bool),
		crossTalkChains: make(map[string]string),
		watermarks:      make(map[identity.Identity]int),
		limiter:         newSlidingWindow(cfg.Relay.RateWindow, cfg.Relay.RateLimit),
	}
	o.timers = newTimerSet(o.post)
	o.wireBus()
	return o
}

// wireBus registers the routing listeners once. Per-target handlers run on
// the control goroutine because every Send originates there.
func (o *Orchestrator) wireBus() {
	o.msgBus.OnMessage(func(m bus.Message) {
		if o.store != nil && o.runID != "" {
			if err := o.store.SaveMessage(o.runID, m); err != nil {
				slog.Error("persist message failed", "error", err)
			}
		}
		o.publishEvent("message", map[string]any{
			"from": m.From, "to": m.To, "relay_count": m.RelayCount,
		})
	})

	o.msgBus.OnBlocked(func(m bus.Message) {
		slog.Warn("relay blocked at depth ceiling", "from", m.From, "to", m.To, "depth", m.RelayCount)
		o.publishEvent("relay_blocked", map[string]any{
			"from": m.From, "to": m.To, "depth": m.RelayCount,
		})
	})

	for _, id := range o.roster.All() {
		id := id
		o.msgBus.OnTarget(string(id), func(m bus.Message) {
			o.deliver(id, m)
		})
	}
}

// Start launches the control loop and the supervisor. Workers stay unstarted
// until their first delegation.
func (o *Orchestrator) Start(ctx context.Context, task string) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("session already running")
	}
	o.running = true
	o.ctx = ctx
	o.loopCh = make(chan event, 256)
	o.closed = make(chan struct{})
	o.mu.Unlock()

	go o.loop()

	errCh := make(chan error, 1)
	o.post(startEvent{task: task, errCh: errCh})
	return <-errCh
}

// Restart summarizes recent bus history, tears down all round state and every
// worker process, then starts over with the summary appended to the
// supervisor's briefing. Native session ids survive so workers resume their
// own conversations.
func (o *Orchestrator) Restart(task string) error {
	errCh := make(chan error, 1)
	o.post(restartEvent{task: task, errCh: errCh})
	select {
	case err := <-errCh:
		return err
	case <-o.closed:
		return errors.New("session stopped")
	}
}

// Stop cancels all timers, captures native session ids, stops every agent and
// finalizes the persisted run.
func (o *Orchestrator) Stop() {
	done := make(chan struct{})
	o.post(stopEvent{done: done})
	select {
	case <-done:
	case <-o.closed:
	}
}

// UserMessage routes operator input: an "@agent" prefix addresses one worker
// directly, everything else goes to the supervisor.
func (o *Orchestrator) UserMessage(text string) {
	o.post(userEvent{text: text})
}

// Snapshot returns a read-only view of the live state, served by the control
// goroutine so observers never race it.
func (o *Orchestrator) Snapshot() Snapshot {
	resp := make(chan Snapshot, 1)
	o.post(snapshotEvent{resp: resp})
	select {
	case s := <-resp:
		return s
	case <-o.closed:
		return Snapshot{}
	}
}

func (o *Orchestrator) post(ev event) {
	o.mu.Lock()
	ch, closed := o.loopCh, o.closed
	o.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-closed:
	}
}

func (o *Orchestrator) loop() {
	for ev := range o.loopCh {
		switch e := ev.(type) {
		case outputEvent:
			o.handleOutput(e.id, e.ev)
		case statusEvent:
			o.handleStatus(e.id, e.status)
		case timerEvent:
			o.handleTimer(e)
		case userEvent:
			o.handleUser(e.text)
		case sendFailureEvent:
			o.handleSendFailure(e.id, e.err)
		case startEvent:
			e.errCh <- o.doStart(e.task, e.extra)
		case restartEvent:
			e.errCh <- o.doRestart(e.task)
		case stopEvent:
			o.doStop()
			close(e.done)
			return
		case snapshotEvent:
			e.resp <- o.snapshot()
		}
	}
}

func (o *Orchestrator) doStart(task, extra string) error {
	o.task = task
	o.runID = uuid.New().String()
	if o.store != nil {
		if err := o.store.CreateRun(o.runID, task); err != nil {
			return fmt.Errorf("persist run: %w", err)
		}
	}

	sup := o.roster.Supervisor
	if err := o.ensureStarted(sup, o.supervisorBriefing(task, extra)); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	o.msgBus.Record(bus.Message{From: bus.SenderUser, To: string(sup), Content: task})
	o.publishEvent("session_started", map[string]any{"run_id": o.runID})
	slog.Info("session started", "run", o.runID, "supervisor", sup)
	return nil
}

func (o *Orchestrator) doRestart(task string) error {
	summary := o.summarizeHistory()
	o.teardown()
	o.msgBus.Reset()
	slog.Info("restarting session", "summary_lines", strings.Count(summary, "\n")+1)
	return o.doStart(task, summary)
}

func (o *Orchestrator) doStop() {
	o.teardown()

	if o.store != nil && o.runID != "" {
		for id, sid := range o.sessions.NativeIDs() {
			if err := o.store.SaveAgentSession(o.runID, id, sid); err != nil {
				slog.Error("persist agent session failed", "agent", id, "error", err)
			}
		}
		if err := o.store.FinishRun(o.runID); err != nil {
			slog.Error("finalize run failed", "error", err)
		}
	}

	o.publishEvent("session_stopped", map[string]any{"run_id": o.runID})

	o.mu.Lock()
	o.running = false
	close(o.closed)
	o.mu.Unlock()
}

// teardown cancels every pending timer before clearing state, so no late
// callback can observe or mutate a half-cleared session.
func (o *Orchestrator) teardown() {
	o.timers.cancelAll()
	o.round = nil
	o.supBuffer = nil
	o.crossTalkCount = 0
	o.crossTalkChains = make(map[string]string)
	o.delegates = make(map[identity.Identity]*delegateState)
	o.delivered = make(map[identity.Identity]bool)
	o.limiter.reset()

	o.hmu.Lock()
	handles := o.handles
	o.handles = make(map[identity.Identity]agent.Handle)
	for _, q := range o.queues {
		q.Clear()
	}
	o.hmu.Unlock()

	// Capture native session ids before the processes go away.
	for id, h := range handles {
		if sid := h.SessionID(); sid != "" {
			o.sessions.SetNativeID(id, sid)
		}
	}

	var wg sync.WaitGroup
	for id, h := range handles {
		wg.Add(1)
		go func(id identity.Identity, h agent.Handle) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.Stop(ctx); err != nil {
				slog.Warn("agent stop failed", "agent", id, "error", err)
			}
		}(id, h)
	}
	wg.Wait()
}

// ensureStarted lazily builds and starts the adapter for id. Already-running
// agents are left alone.
func (o *Orchestrator) ensureStarted(id identity.Identity, briefing string) error {
	if h := o.handleOf(id); h != nil && h.Status() != identity.StatusStopped {
		return nil
	}

	h := o.factory(id)
	if h == nil {
		return fmt.Errorf("no adapter configured for agent %s", id)
	}

	h.OnOutput(func(ev agent.OutputEvent) {
		o.post(outputEvent{id: id, ev: ev})
	})
	h.OnStatusChange(func(s identity.Status) {
		o.post(statusEvent{id: id, status: s})
	})

	if sid := o.sessions.NativeIDs()[id]; sid != "" {
		h.ResumeSession(sid)
	}

	o.hmu.Lock()
	o.handles[id] = h
	if _, ok := o.queues[id]; !ok {
		o.queues[id] = agent.NewSendQueue(id)
	}
	o.hmu.Unlock()

	if briefing == "" {
		briefing = o.workerBriefing(id)
	}

	if err := h.Start(o.ctx, briefing); err != nil {
		return fmt.Errorf("start agent %s: %w", id, err)
	}

	now := time.Now()
	o.sessions.Set(id, &agent.Session{
		Agent:      id,
		NativeID:   h.SessionID(),
		Status:     h.Status(),
		StartedAt:  now,
		LastActive: now,
	})
	slog.Info("agent started", "agent", id, "kind", h.Kind())
	return nil
}

func (o *Orchestrator) handleOf(id identity.Identity) agent.Handle {
	o.hmu.RLock()
	defer o.hmu.RUnlock()
	return o.handles[id]
}

func (o *Orchestrator) queue(id identity.Identity) *agent.SendQueue {
	o.hmu.Lock()
	defer o.hmu.Unlock()
	q, ok := o.queues[id]
	if !ok {
		q = agent.NewSendQueue(id)
		o.queues[id] = q
	}
	return q
}

// deliver runs on the control goroutine: every bus.Send originates there. It
// clears the cross-talk reply guard when a peer's answer arrives, then hands
// the message to the target's serialized send queue.
func (o *Orchestrator) deliver(id identity.Identity, m bus.Message) {
	if st, ok := o.delegates[id]; ok && st.awaitingReply && o.roster.IsWorker(identity.Identity(m.From)) {
		st.awaitingReply = false
		o.maybeCompleteRound()
	}

	q := o.queue(id)
	q.Enqueue(agent.QueuedMessage{From: m.From, Text: m.Content})
	go o.processQueue(id)
}

// processQueue drains one worker's queue with single concurrency, delivering
// messages in arrival order.
func (o *Orchestrator) processQueue(id identity.Identity) {
	q := o.queue(id)
	if !q.TryLock() {
		return
	}
	defer q.Unlock()

	for {
		msg, ok := q.Dequeue()
		if !ok {
			return
		}

		h := o.handleOf(id)
		if h == nil {
			return
		}

		text := msg.Text
		if msg.From != bus.SenderSystem {
			text = fmt.Sprintf("[FROM:%s] %s", strings.ToUpper(msg.From), msg.Text)
		}
		if err := h.Send(text); err != nil {
			slog.Error("send failed", "agent", id, "error", err)
			o.post(sendFailureEvent{id: id, err: err})
		}
	}
}

// handleSendFailure reports an unwritable worker inline and forces its status
// to error so the barrier folds it into the round.
func (o *Orchestrator) handleSendFailure(id identity.Identity, err error) {
	o.msgBus.Record(bus.Message{
		From:    bus.SenderSystem,
		To:      string(o.roster.Supervisor),
		Content: fmt.Sprintf("(send to %s failed: %v)", id.Tag(), err),
	})
	o.handleStatus(id, identity.StatusError)
}

func (o *Orchestrator) handleUser(text string) {
	if strings.HasPrefix(text, "@") {
		parts := strings.SplitN(text, " ", 2)
		if id, ok := o.roster.FromTag(strings.TrimPrefix(parts[0], "@")); ok {
			body := ""
			if len(parts) > 1 {
				body = parts[1]
			}
			if err := o.ensureStarted(id, ""); err != nil {
				slog.Error("start agent for user message failed", "agent", id, "error", err)
				return
			}
			o.msgBus.Send(bus.Message{From: bus.SenderUser, To: string(id), Content: body})
			return
		}
		// Unknown @name falls through to the supervisor.
	}
	o.msgBus.Send(bus.Message{From: bus.SenderUser, To: string(o.roster.Supervisor), Content: text})
}

func (o *Orchestrator) supervisorBriefing(task, extra string) string {
	var sb strings.Builder
	sb.WriteString("You are the supervisor of a team of agents. Delegate work by starting a line with [TO:AGENT]; the rest of the line plus following lines form the instruction. Workers answer you with [TO:")
	sb.WriteString(o.roster.Supervisor.Tag())
	sb.WriteString("] and their reports arrive as one combined message once everyone has answered.\n\nYour team:\n")
	for _, w := range o.roster.Workers {
		fmt.Fprintf(&sb, "- [TO:%s]\n", w.Tag())
	}
	sb.WriteString("\n## Task\n\n")
	sb.WriteString(task)
	if extra != "" {
		sb.WriteString("\n\n## Context from previous session\n\n")
		sb.WriteString(extra)
	}
	return sb.String()
}

func (o *Orchestrator) workerBriefing(id identity.Identity) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a worker agent. When you finish a delegated task, report by starting a line with [TO:%s]. You may message a peer the same way.\n",
		id.Tag(), o.roster.Supervisor.Tag())

	summary, idx := o.msgBus.ContextSummary(string(id), o.watermarks[id], 5)
	o.watermarks[id] = idx
	if summary != "" {
		sb.WriteString("\nWhile you were away:\n")
		sb.WriteString(summary)
		sb.WriteString("\n")
	}
	return sb.String()
}

// summarizeHistory condenses the tail of bus history into a compact context
// block carried across a restart.
func (o *Orchestrator) summarizeHistory() string {
	msgs := o.msgBus.History()
	if n := o.cfg.Restart.SummaryMessages; n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}

	limit := o.cfg.Restart.BodyCap
	var lines []string
	for _, m := range msgs {
		body := truncateBody(strings.TrimSpace(m.Content), limit)
		lines = append(lines, fmt.Sprintf("[%s→%s] %s", strings.ToUpper(m.From), strings.ToUpper(m.To), body))
	}
	return strings.Join(lines, "\n")
}

// truncateBody caps s at n bytes without splitting a multi-byte rune.
func truncateBody(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func (o *Orchestrator) publishEvent(eventType string, data map[string]any) {
	if o.events == nil {
		return
	}
	payload := map[string]any{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := o.events.PublishJSON(natsbus.TopicEventsOrchestrator, payload); err != nil {
		slog.Debug("publish event failed", "type", eventType, "error", err)
	}
}

// Snapshot is a point-in-time view for observers.
type Snapshot struct {
	RunID          string          `json:"run_id"`
	Task           string          `json:"task"`
	Agents         []AgentSnapshot `json:"agents"`
	RoundActive    bool            `json:"round_active"`
	Expected       []string        `json:"expected,omitempty"`
	Reported       []string        `json:"reported,omitempty"`
	CrossTalkCount int             `json:"cross_talk_count"`
}

type AgentSnapshot struct {
	Agent         string `json:"agent"`
	Status        string `json:"status"`
	OnRelay       bool   `json:"on_relay"`
	Muted         bool   `json:"muted"`
	AwaitingReply bool   `json:"awaiting_reply"`
}

func (o *Orchestrator) snapshot() Snapshot {
	s := Snapshot{
		RunID:          o.runID,
		Task:           o.task,
		RoundActive:    o.round != nil,
		CrossTalkCount: o.crossTalkCount,
	}
	for _, id := range o.roster.All() {
		as := AgentSnapshot{Agent: string(id), Status: string(identity.StatusIdle)}
		if h := o.handleOf(id); h != nil {
			as.Status = string(h.Status())
		}
		if st, ok := o.delegates[id]; ok {
			as.OnRelay = st.onRelay
			as.Muted = st.muted()
			as.AwaitingReply = st.awaitingReply
		}
		s.Agents = append(s.Agents, as)
	}
	if o.round != nil {
		for id := range o.round.expected {
			s.Expected = append(s.Expected, string(id))
		}
		for id := range o.round.pending {
			s.Reported = append(s.Reported, string(id))
		}
	}
	return s
}

func (o *Orchestrator) state(id identity.Identity) *delegateState {
	st, ok := o.delegates[id]
	if !ok {
		st = &delegateState{}
		o.delegates[id] = st
	}
	return st
}
