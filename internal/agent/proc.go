package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

// ProcHandle drives a spawn-per-turn CLI worker: every Send launches one
// fresh process, streams its stdout line-wise, and maps the exit code to a
// status transition. The native session id, once announced by the CLI, is
// passed back via a resume flag so consecutive turns share one conversation.
type ProcHandle struct {
	id         identity.Identity
	command    string
	args       []string
	resumeFlag string

	mu        sync.Mutex
	status    identity.Status
	lastErr   string
	sessionID string
	muted     bool
	started   bool
	cur       *exec.Cmd
	stdin     io.WriteCloser

	outputFns []OutputFunc
	statusFns []StatusFunc
}

var _ Handle = (*ProcHandle)(nil)

func NewProcHandle(id identity.Identity, command string, args []string, resumeFlag string) *ProcHandle {
	return &ProcHandle{
		id:         id,
		command:    command,
		args:       args,
		resumeFlag: resumeFlag,
		status:     identity.StatusIdle,
	}
}

func (h *ProcHandle) Kind() identity.Kind { return identity.KindSpawn }

func (h *ProcHandle) OnOutput(fn OutputFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputFns = append(h.outputFns, fn)
}

func (h *ProcHandle) OnStatusChange(fn StatusFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusFns = append(h.statusFns, fn)
}

func (h *ProcHandle) Start(ctx context.Context, briefing string) error {
	h.mu.Lock()
	h.started = true
	h.status = identity.StatusIdle
	h.mu.Unlock()

	if briefing != "" {
		return h.Send(briefing)
	}
	return nil
}

func (h *ProcHandle) Send(text string) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return fmt.Errorf("agent %s not started", h.id)
	}
	args := append([]string(nil), h.args...)
	if h.resumeFlag != "" && h.sessionID != "" {
		args = append(args, h.resumeFlag, h.sessionID)
	}
	h.muted = false
	h.mu.Unlock()

	cmd := exec.Command(h.command, args...)
	cmd.Stdin = strings.NewReader(text)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		h.setError(fmt.Sprintf("spawn %s: %v", h.command, err))
		return fmt.Errorf("spawn %s: %w", h.command, err)
	}

	h.mu.Lock()
	h.cur = cmd
	h.mu.Unlock()
	h.setStatus(identity.StatusRunning)

	go h.drain(cmd, stdout, &stderr)
	return nil
}

func (h *ProcHandle) drain(cmd *exec.Cmd, stdout io.Reader, stderr *strings.Builder) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev, sid := classifyLine(scanner.Text())
		if sid != "" {
			h.mu.Lock()
			h.sessionID = sid
			h.mu.Unlock()
		}
		h.emit(ev)
	}

	err := cmd.Wait()

	h.mu.Lock()
	h.cur = nil
	h.stdin = nil
	stopped := h.status == identity.StatusStopped
	h.mu.Unlock()
	if stopped {
		return
	}

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		h.setError(msg)
		return
	}
	h.setStatus(identity.StatusWaiting)
}

// SendUrgent best-effort writes into the live process. Spawn-per-turn workers
// read stdin once at startup, so this is usually a no-op; it never fails.
func (h *ProcHandle) SendUrgent(text string) {
	h.mu.Lock()
	stdin := h.stdin
	h.mu.Unlock()
	if stdin == nil {
		return
	}
	if _, err := io.WriteString(stdin, text+"\n"); err != nil {
		slog.Debug("urgent send dropped", "agent", h.id, "error", err)
	}
}

func (h *ProcHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	cmd := h.cur
	h.status = identity.StatusStopped
	h.started = false
	fns := append([]StatusFunc(nil), h.statusFns...)
	h.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	for _, fn := range fns {
		fn(identity.StatusStopped)
	}
	return nil
}

func (h *ProcHandle) Mute() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted = true
}

func (h *ProcHandle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

func (h *ProcHandle) ResumeSession(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

func (h *ProcHandle) Status() identity.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *ProcHandle) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *ProcHandle) emit(ev OutputEvent) {
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

func (h *ProcHandle) setStatus(s identity.Status) {
	h.mu.Lock()
	h.status = s
	fns := append([]StatusFunc(nil), h.statusFns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (h *ProcHandle) setError(msg string) {
	h.mu.Lock()
	h.lastErr = msg
	h.mu.Unlock()
	h.setStatus(identity.StatusError)
}
