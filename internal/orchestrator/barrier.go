package orchestrator

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/RebaiFedi/fedi-cli/internal/agent"
	"github.com/RebaiFedi/fedi-cli/internal/bus"
	"github.com/RebaiFedi/fedi-cli/internal/identity"
	"github.com/RebaiFedi/fedi-cli/internal/protocol"
	"github.com/google/uuid"
)

const reportDivider = "\n\n---\n\n"

// handleOutput is the entry point for agent text: scan for directives, route
// them, and buffer or surface the remainder according to relay/mute state.
func (o *Orchestrator) handleOutput(id identity.Identity, ev agent.OutputEvent) {
	o.sessions.Touch(id)
	if h := o.handleOf(id); h != nil {
		if sid := h.SessionID(); sid != "" {
			o.sessions.SetNativeID(id, sid)
		}
	}

	// Only normal text participates in routing and report buffering.
	if ev.Kind != agent.OutputText {
		return
	}

	dirs, found := o.parser.Parse(ev.Text)

	if id == o.roster.Supervisor {
		o.handleSupervisorOutput(dirs, found, ev.Text)
		return
	}
	o.handleWorkerOutput(id, dirs, found, ev.Text)
}

func (o *Orchestrator) handleSupervisorOutput(dirs []protocol.Directive, found bool, raw string) {
	if !found {
		if o.round != nil {
			// In-progress supervisor text is buffered and later discarded in
			// favor of a fresh synthesis of the combined report.
			o.supBuffer = append(o.supBuffer, raw)
			return
		}
		o.msgBus.Record(bus.Message{From: string(o.roster.Supervisor), To: bus.SenderUser, Content: raw})
		return
	}

	var delegations []protocol.Directive
	for _, d := range dirs {
		if d.Target == o.roster.Supervisor {
			continue
		}
		delegations = append(delegations, d)
	}
	if len(delegations) > 0 {
		o.startDelegation(delegations)
	}
}

// startDelegation opens (or extends) the delegation round: every admitted
// target goes on relay, joins expectedDelegates and gets the task through its
// send queue. The delegate timeout restarts on each delegation.
func (o *Orchestrator) startDelegation(dirs []protocol.Directive) {
	if o.round == nil {
		o.round = newRound(uuid.New().String())
		o.crossTalkCount = 0
		o.crossTalkChains = make(map[string]string)
		o.supBuffer = nil
	}

	delegated := false
	for _, d := range dirs {
		if !o.limiter.Allow() {
			slog.Warn("delegation rate-limited", "target", d.Target)
			o.msgBus.Record(bus.Message{
				From:    bus.SenderSystem,
				To:      string(o.roster.Supervisor),
				Content: fmt.Sprintf("(relay to %s rate-limited)", d.Target.Tag()),
			})
			o.publishEvent("rate_limited", map[string]any{"target": string(d.Target)})
			continue
		}

		if err := o.ensureStarted(d.Target, ""); err != nil {
			slog.Error("start delegate failed", "agent", d.Target, "error", err)
			o.msgBus.Record(bus.Message{
				From:    bus.SenderSystem,
				To:      string(o.roster.Supervisor),
				Content: fmt.Sprintf("(could not start %s: %v)", d.Target.Tag(), err),
			})
			continue
		}

		if _, ok := o.msgBus.Relay(string(o.roster.Supervisor), string(d.Target), d.Content, o.round.correlationID); !ok {
			continue
		}

		st := o.state(d.Target)
		st.onRelay = true
		st.relayStartedAt = time.Now()
		st.buffer = nil
		st.waitingPulses = 0
		st.lastTask = d.Content

		o.round.expected[d.Target] = true
		delete(o.round.pending, d.Target)
		delete(o.delivered, d.Target)

		o.timers.arm(timerRelay, d.Target, o.cfg.Relay.Timeout)
		delegated = true
		slog.Info("delegated", "target", d.Target, "round", o.round.correlationID)
	}

	if delegated {
		o.timers.arm(timerDelegate, "", o.cfg.Round.DelegateTimeout)
		o.publishEvent("delegation", map[string]any{"expected": len(o.round.expected)})
	} else if len(o.round.expected) == 0 {
		o.round = nil
	}
}

func (o *Orchestrator) handleWorkerOutput(id identity.Identity, dirs []protocol.Directive, found bool, raw string) {
	st := o.state(id)

	for _, d := range dirs {
		switch {
		case d.Target == o.roster.Supervisor:
			o.handleWorkerReport(id, d.Content)
		case d.Target == id:
			// Self-addressed directives are noise.
		default:
			o.handleCrossTalk(id, d.Target, d.Content)
		}
	}

	if found {
		return
	}

	switch {
	case st.onRelay:
		// Output during a delegation is withheld; the safety net may turn it
		// into the worker's implicit report.
		st.buffer = append(st.buffer, raw)
	case o.delivered[id]:
		// This worker's round already shipped to the supervisor; residual
		// output is dropped.
	case st.muted():
		// Muted while answering a peer.
	default:
		o.msgBus.Record(bus.Message{From: string(id), To: bus.SenderUser, Content: raw})
	}
}

// handleWorkerReport stores an explicit [TO:supervisor] report from an
// expected delegate, or routes it as an ordinary relay otherwise.
func (o *Orchestrator) handleWorkerReport(id identity.Identity, content string) {
	if o.round != nil && o.round.expected[id] && !o.round.reported(id) {
		o.acceptReport(id, content)
		return
	}

	// Unsolicited worker → supervisor traffic is still a relay hop.
	o.msgBus.Relay(string(id), string(o.roster.Supervisor), content, "")
}

// acceptReport books a report (explicit, implicit or placeholder) for an
// expected delegate and re-checks the barrier.
func (o *Orchestrator) acceptReport(id identity.Identity, content string) {
	o.round.pending[id] = content
	st := o.state(id)
	st.clearRelay()
	o.timers.cancel(timerGrace, id)
	o.timers.cancel(timerRelay, id)
	slog.Info("delegate reported", "agent", id, "pending", len(o.round.pending), "expected", len(o.round.expected))
	o.maybeCompleteRound()
}

// maybeCompleteRound releases the combined report once every expected
// delegate has answered, but not while peer cross-talk is still pending for
// any delegate in the round.
func (o *Orchestrator) maybeCompleteRound() {
	if o.round == nil || !o.round.complete() {
		return
	}
	if o.crossTalkPending() {
		slog.Debug("round complete but cross-talk pending, holding combined report")
		return
	}
	o.completeRound()
}

func (o *Orchestrator) crossTalkPending() bool {
	if o.round == nil {
		return false
	}
	for id := range o.round.expected {
		if st, ok := o.delegates[id]; ok && (st.awaitingReply || st.muted()) {
			return true
		}
	}
	return false
}

// completeRound joins all reports into one system → supervisor message,
// mutes every delegate, and atomically clears the round. Supervisor output
// buffered during the round is discarded, not replayed.
func (o *Orchestrator) completeRound() {
	r := o.round

	ids := make([]identity.Identity, 0, len(r.expected))
	for id := range r.expected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("[FROM:%s] %s", id.Tag(), r.pending[id]))
	}
	combined := strings.Join(parts, reportDivider)

	o.timers.cancel(timerDelegate, "")
	for _, id := range ids {
		o.timers.cancel(timerGrace, id)
		o.timers.cancel(timerRelay, id)
	}

	// Clear the round before delivery so a reentrant supervisor directive
	// observes a fresh barrier.
	o.round = nil

	for _, id := range ids {
		o.delivered[id] = true
		st := o.state(id)
		st.clearRelay()
		if h := o.handleOf(id); h != nil {
			h.Mute()
		}
	}

	if n := len(o.supBuffer); n > 0 {
		slog.Debug("discarding buffered supervisor output", "chunks", n)
	}
	o.supBuffer = nil

	o.msgBus.Send(bus.Message{
		From:    bus.SenderSystem,
		To:      string(o.roster.Supervisor),
		Content: combined,
	})

	o.publishEvent("round_completed", map[string]any{"delegates": len(ids)})
	slog.Info("combined report delivered", "delegates", len(ids))
}

// handleCrossTalk routes peer-to-peer directives that bypass the supervisor,
// bounded by the per-round ceiling. The initiator is shielded from the safety
// net until the reply arrives; the target is muted while it answers.
func (o *Orchestrator) handleCrossTalk(from, to identity.Identity, content string) {
	// A message to a peer that is waiting on us is the reply, not a new
	// initiation; replies are never dropped so an in-flight exchange can
	// finish. Check before Relay: delivery clears the guard synchronously.
	reply := false
	if st, ok := o.delegates[to]; ok && st.awaitingReply {
		reply = true
	}

	if !reply && o.cfg.Round.MaxCrossTalk > 0 && o.crossTalkCount >= o.cfg.Round.MaxCrossTalk {
		slog.Debug("cross-talk ceiling reached, dropping", "from", from, "to", to)
		return
	}

	if err := o.ensureStarted(to, ""); err != nil {
		slog.Error("start cross-talk target failed", "agent", to, "error", err)
		return
	}

	key := pairKey(from, to)
	cid, ok := o.msgBus.Relay(string(from), string(to), content, o.crossTalkChains[key])
	o.crossTalkChains[key] = cid
	if !ok {
		return
	}

	o.crossTalkCount++
	if !reply {
		o.state(from).awaitingReply = true
		tgt := o.state(to)
		tgt.crossTalkMutedAt = time.Now()
		tgt.waitingPulses = 0
	}

	o.publishEvent("cross_talk", map[string]any{
		"from": string(from), "to": string(to), "count": o.crossTalkCount, "reply": reply,
	})
}

func pairKey(a, b identity.Identity) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

// handleStatus reacts to externally driven status transitions: cross-talk
// mute clearing, the safety-net auto-relay, and crash placeholders.
func (o *Orchestrator) handleStatus(id identity.Identity, status identity.Status) {
	o.sessions.SetStatus(id, status)
	o.publishEvent("agent_status", map[string]any{"agent": string(id), "status": string(status)})

	if id == o.roster.Supervisor {
		return
	}
	st := o.state(id)
	kind := o.kindOf(id)

	if status == identity.StatusWaiting {
		o.clearMuteOnWaiting(id, st, kind)
		o.armSafetyNet(id, st, kind)
		return
	}

	if status.Terminal() {
		// A terminal status ends any cross-talk mute and reply wait.
		wasEngaged := st.muted() || st.awaitingReply
		st.crossTalkMutedAt = time.Time{}
		st.awaitingReply = false

		if o.round != nil && o.round.expected[id] && !o.round.reported(id) {
			// A crash is an implicit report: book the placeholder so the
			// barrier never waits on a dead worker.
			slog.Warn("expected delegate reached terminal status", "agent", id, "status", status)
			o.acceptReport(id, fmt.Sprintf("(agent %s - no report)", status))
			return
		}
		if wasEngaged {
			o.maybeCompleteRound()
		}
	}
}

// clearMuteOnWaiting lifts a cross-talk mute once the kind-specific threshold
// has elapsed. Spawn-per-turn workers legitimately re-fire waiting once per
// invocation, so their mute only clears after the minimum elapsed time no
// matter how many pulses arrive.
func (o *Orchestrator) clearMuteOnWaiting(id identity.Identity, st *delegateState, kind identity.Kind) {
	if !st.muted() {
		return
	}
	elapsed := time.Since(st.crossTalkMutedAt)

	switch kind {
	case identity.KindStream:
		if elapsed >= o.cfg.CrossTalk.StreamMuteClear {
			st.crossTalkMutedAt = time.Time{}
		}
	default:
		st.waitingPulses++
		if elapsed >= o.cfg.CrossTalk.SpawnMuteMin {
			st.crossTalkMutedAt = time.Time{}
		}
	}

	if !st.muted() {
		slog.Debug("cross-talk mute cleared", "agent", id, "elapsed", elapsed)
		o.maybeCompleteRound()
	}
}

// armSafetyNet handles a delegate that finished its turn without an explicit
// report: stream workers fire immediately, spawn workers get a grace timer
// re-armed on every waiting pulse because the first pulse may precede the
// full buffer.
func (o *Orchestrator) armSafetyNet(id identity.Identity, st *delegateState, kind identity.Kind) {
	if !st.onRelay || st.awaitingReply {
		return
	}
	if o.round == nil || !o.round.expected[id] || o.round.reported(id) {
		return
	}

	if kind == identity.KindStream {
		o.autoRelayBuffer(id)
		return
	}
	o.timers.arm(timerGrace, id, o.cfg.Round.GracePeriod)
}

func (o *Orchestrator) handleTimer(e timerEvent) {
	if !o.timers.current(e.kind, e.id, e.gen) {
		return // stale fire, re-armed or cancelled since
	}

	switch e.kind {
	case timerGrace:
		st := o.state(e.id)
		if !st.onRelay || st.awaitingReply {
			return
		}
		if o.round == nil || !o.round.expected[e.id] || o.round.reported(e.id) {
			return
		}
		o.autoRelayBuffer(e.id)

	case timerDelegate:
		if o.round == nil {
			return
		}
		missing := o.round.missing()
		slog.Warn("delegate timeout, force-completing round", "missing", len(missing))
		for _, id := range missing {
			o.round.pending[id] = "(timeout - no report)"
			o.state(id).clearRelay()
			o.timers.cancel(timerGrace, id)
			o.timers.cancel(timerRelay, id)
		}
		// Timeout overrides the cross-talk hold.
		o.completeRound()

	case timerRelay:
		if o.round == nil || !o.round.expected[e.id] || o.round.reported(e.id) {
			return
		}
		slog.Warn("per-worker relay timeout", "agent", e.id)
		o.acceptReport(e.id, "(relay timeout - no report)")
	}
}

// autoRelayBuffer synthesizes the implicit report for a delegate that went
// waiting without one: buffered output first, then a fallback redelegation
// if the buffer is empty, then the worker's last error, then a placeholder.
func (o *Orchestrator) autoRelayBuffer(id identity.Identity) {
	st := o.state(id)
	report := strings.TrimSpace(strings.Join(st.buffer, "\n"))

	if report == "" && st.lastTask != "" {
		if sub, ok := o.pickFallback(id); ok {
			o.redelegate(id, sub, st.lastTask)
			return
		}
	}

	if report == "" {
		if h := o.handleOf(id); h != nil {
			report = strings.TrimSpace(h.LastError())
		}
	}
	if report == "" {
		report = "(no output captured)"
	}

	slog.Info("safety net relayed buffered output", "agent", id, "bytes", len(report))
	o.publishEvent("auto_relay", map[string]any{"agent": string(id)})
	o.acceptReport(id, report)
}

// pickFallback returns the first substitute that is neither already expected
// this round nor in a terminal status.
func (o *Orchestrator) pickFallback(failed identity.Identity) (identity.Identity, bool) {
	for _, sub := range o.roster.Substitutes(failed) {
		if o.round != nil && o.round.expected[sub] {
			continue
		}
		if h := o.handleOf(sub); h != nil && h.Status().Terminal() {
			continue
		}
		return sub, true
	}
	return "", false
}

// redelegate swaps a failed delegate for a healthy substitute and re-issues
// the original task; the barrier now waits on the substitute instead.
func (o *Orchestrator) redelegate(failed, sub identity.Identity, task string) {
	slog.Info("fallback redelegation", "failed", failed, "substitute", sub)

	delete(o.round.expected, failed)
	delete(o.round.pending, failed)
	o.state(failed).clearRelay()
	o.timers.cancel(timerGrace, failed)
	o.timers.cancel(timerRelay, failed)

	if err := o.ensureStarted(sub, ""); err != nil {
		slog.Error("start fallback failed", "agent", sub, "error", err)
		o.acceptReportFor(failed, "(fallback exhausted - no report)")
		return
	}

	content := fmt.Sprintf("(fallback for %s) %s", failed.Tag(), task)
	if _, ok := o.msgBus.Relay(string(o.roster.Supervisor), string(sub), content, o.round.correlationID); !ok {
		o.acceptReportFor(failed, "(fallback exhausted - no report)")
		return
	}

	st := o.state(sub)
	st.onRelay = true
	st.relayStartedAt = time.Now()
	st.buffer = nil
	st.lastTask = task

	o.round.expected[sub] = true
	delete(o.delivered, sub)
	o.timers.arm(timerRelay, sub, o.cfg.Relay.Timeout)
	o.timers.arm(timerDelegate, "", o.cfg.Round.DelegateTimeout)

	o.publishEvent("fallback", map[string]any{"failed": string(failed), "substitute": string(sub)})
}

// acceptReportFor books a placeholder under an identity that may have just
// been evicted from the round (fallback-exhausted path).
func (o *Orchestrator) acceptReportFor(id identity.Identity, content string) {
	if o.round == nil {
		return
	}
	o.round.expected[id] = true
	o.acceptReport(id, content)
}

func (o *Orchestrator) kindOf(id identity.Identity) identity.Kind {
	if h := o.handleOf(id); h != nil {
		return h.Kind()
	}
	return o.roster.KindOf(id)
}
