package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
	"github.com/RebaiFedi/fedi-cli/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// NATSHandle drives a worker that speaks JSON over the embedded NATS bus:
// input on agent.<id>.input, output on agent.<id>.output, status pulses on
// agent.<id>.status. The backing process is spawned locally and told where to
// connect via the NATS_URL environment variable.
type NATSHandle struct {
	id      identity.Identity
	client  *natsbus.Client
	natsURL string
	command string
	args    []string

	mu        sync.Mutex
	status    identity.Status
	lastErr   string
	sessionID string
	muted     bool
	cmd       *exec.Cmd
	subs      []*nats.Subscription

	outputFns []OutputFunc
	statusFns []StatusFunc
}

var _ Handle = (*NATSHandle)(nil)

func NewNATSHandle(id identity.Identity, client *natsbus.Client, natsURL, command string, args []string) *NATSHandle {
	return &NATSHandle{
		id:      id,
		client:  client,
		natsURL: natsURL,
		command: command,
		args:    args,
		status:  identity.StatusIdle,
	}
}

func (h *NATSHandle) Kind() identity.Kind { return identity.KindStream }

func (h *NATSHandle) OnOutput(fn OutputFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputFns = append(h.outputFns, fn)
}

func (h *NATSHandle) OnStatusChange(fn StatusFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusFns = append(h.statusFns, fn)
}

func (h *NATSHandle) Start(ctx context.Context, briefing string) error {
	outSub, err := h.client.Subscribe(natsbus.TopicAgentOutput(string(h.id)), h.handleOutput)
	if err != nil {
		return fmt.Errorf("subscribe output: %w", err)
	}
	statusSub, err := h.client.Subscribe(natsbus.TopicAgentStatus(string(h.id)), h.handleStatus)
	if err != nil {
		outSub.Unsubscribe()
		return fmt.Errorf("subscribe status: %w", err)
	}

	h.mu.Lock()
	h.subs = []*nats.Subscription{outSub, statusSub}
	sessionID := h.sessionID
	h.mu.Unlock()

	if h.command != "" {
		cmd := exec.Command(h.command, h.args...)
		cmd.Env = append(os.Environ(),
			"NATS_URL="+h.natsURL,
			"AGENT_ID="+string(h.id),
		)
		if sessionID != "" {
			cmd.Env = append(cmd.Env, "AGENT_SESSION_ID="+sessionID)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("spawn %s: %w", h.command, err)
		}
		h.mu.Lock()
		h.cmd = cmd
		h.mu.Unlock()
		go func() {
			err := cmd.Wait()
			h.mu.Lock()
			h.cmd = nil
			stopped := h.status == identity.StatusStopped
			if err != nil && !stopped {
				h.lastErr = err.Error()
			}
			h.mu.Unlock()
			if stopped {
				return
			}
			if err != nil {
				h.setStatus(identity.StatusError)
			} else {
				h.setStatus(identity.StatusStopped)
			}
		}()
	}

	if briefing != "" {
		return h.Send(briefing)
	}
	return nil
}

func (h *NATSHandle) handleOutput(msg *nats.Msg) {
	ev, sid := classifyLine(string(msg.Data))
	if sid != "" {
		h.mu.Lock()
		h.sessionID = sid
		h.mu.Unlock()
	}

	h.mu.Lock()
	if h.muted {
		h.mu.Unlock()
		return
	}
	fns := append([]OutputFunc(nil), h.outputFns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *NATSHandle) handleStatus(msg *nats.Msg) {
	var pulse struct {
		Status    string `json:"status"`
		Error     string `json:"error,omitempty"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := json.Unmarshal(msg.Data, &pulse); err != nil {
		slog.Debug("invalid status pulse", "agent", h.id, "error", err)
		return
	}

	h.mu.Lock()
	if pulse.SessionID != "" {
		h.sessionID = pulse.SessionID
	}
	if pulse.Error != "" {
		h.lastErr = pulse.Error
	}
	h.mu.Unlock()

	h.setStatus(identity.Status(pulse.Status))
}

func (h *NATSHandle) Send(text string) error {
	h.mu.Lock()
	h.muted = false
	h.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"text": text})
	if err := h.client.Publish(natsbus.TopicAgentInput(string(h.id)), payload); err != nil {
		return fmt.Errorf("publish to %s: %w", h.id, err)
	}
	h.setStatus(identity.StatusRunning)
	return h.client.Flush()
}

// SendUrgent publishes on the control topic; workers that support live
// injection pick it up mid-turn. It never fails.
func (h *NATSHandle) SendUrgent(text string) {
	payload, _ := json.Marshal(map[string]string{"type": "inject", "text": text})
	if err := h.client.Publish(natsbus.TopicAgentControl(string(h.id)), payload); err != nil {
		slog.Debug("urgent send dropped", "agent", h.id, "error", err)
	}
}

func (h *NATSHandle) Stop(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{"type": "stop"})
	_ = h.client.Publish(natsbus.TopicAgentControl(string(h.id)), payload)
	_ = h.client.Flush()

	h.mu.Lock()
	cmd := h.cmd
	h.status = identity.StatusStopped
	subs := h.subs
	h.subs = nil
	fns := append([]StatusFunc(nil), h.statusFns...)
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	if cmd != nil && cmd.Process != nil {
		// Give the worker a moment to exit on its own before killing it.
		done := make(chan struct{})
		go func() {
			for cmd.ProcessState == nil {
				time.Sleep(50 * time.Millisecond)
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		}
	}

	for _, fn := range fns {
		fn(identity.StatusStopped)
	}
	return nil
}

func (h *NATSHandle) Mute() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted = true
}

func (h *NATSHandle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

func (h *NATSHandle) ResumeSession(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

func (h *NATSHandle) Status() identity.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *NATSHandle) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *NATSHandle) setStatus(s identity.Status) {
	h.mu.Lock()
	h.status = s
	fns := append([]StatusFunc(nil), h.statusFns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
