//go:build !windows

package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
	"github.com/creack/pty"
)

// StreamHandle drives a persistent CLI worker under a PTY: one long-lived
// process for the whole session, messages written to its terminal, output
// scanned line-wise. A configurable prompt marker signals the end of a turn.
type StreamHandle struct {
	id           identity.Identity
	command      string
	args         []string
	resumeFlag   string
	promptMarker string

	mu        sync.Mutex
	status    identity.Status
	lastErr   string
	sessionID string
	muted     bool
	cmd       *exec.Cmd
	ptmx      *os.File

	outputFns []OutputFunc
	statusFns []StatusFunc
}

var _ Handle = (*StreamHandle)(nil)

func NewStreamHandle(id identity.Identity, command string, args []string, resumeFlag, promptMarker string) *StreamHandle {
	return &StreamHandle{
		id:           id,
		command:      command,
		args:         args,
		resumeFlag:   resumeFlag,
		promptMarker: promptMarker,
		status:       identity.StatusIdle,
	}
}

func (h *StreamHandle) Kind() identity.Kind { return identity.KindStream }

func (h *StreamHandle) OnOutput(fn OutputFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputFns = append(h.outputFns, fn)
}

func (h *StreamHandle) OnStatusChange(fn StatusFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusFns = append(h.statusFns, fn)
}

func (h *StreamHandle) Start(ctx context.Context, briefing string) error {
	h.mu.Lock()
	if h.cmd != nil {
		h.mu.Unlock()
		return fmt.Errorf("agent %s already running", h.id)
	}
	args := append([]string(nil), h.args...)
	if h.resumeFlag != "" && h.sessionID != "" {
		args = append(args, h.resumeFlag, h.sessionID)
	}
	h.mu.Unlock()

	cmd := exec.Command(h.command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		h.mu.Lock()
		h.lastErr = err.Error()
		h.status = identity.StatusError
		h.mu.Unlock()
		return fmt.Errorf("start %s: %w", h.command, err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.ptmx = ptmx
	h.status = identity.StatusIdle
	h.muted = false
	h.mu.Unlock()

	go h.drain(ptmx, cmd)

	if briefing != "" {
		return h.Send(briefing)
	}
	return nil
}

func (h *StreamHandle) drain(ptmx *os.File, cmd *exec.Cmd) {
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if h.promptMarker != "" && strings.HasPrefix(strings.TrimSpace(line), h.promptMarker) {
			h.setStatus(identity.StatusWaiting)
			continue
		}

		ev, sid := classifyLine(line)
		if sid != "" {
			h.mu.Lock()
			h.sessionID = sid
			h.mu.Unlock()
		}
		h.emit(ev)
	}

	err := cmd.Wait()

	h.mu.Lock()
	h.cmd = nil
	h.ptmx = nil
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
		return
	}
	h.setStatus(identity.StatusStopped)
}

func (h *StreamHandle) Send(text string) error {
	h.mu.Lock()
	ptmx := h.ptmx
	h.muted = false
	h.mu.Unlock()

	if ptmx == nil {
		return fmt.Errorf("agent %s not running", h.id)
	}
	if _, err := ptmx.WriteString(text + "\n"); err != nil {
		h.mu.Lock()
		h.lastErr = err.Error()
		h.mu.Unlock()
		return fmt.Errorf("write to %s: %w", h.id, err)
	}
	h.setStatus(identity.StatusRunning)
	return nil
}

// SendUrgent writes directly into the live PTY. It never fails.
func (h *StreamHandle) SendUrgent(text string) {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()
	if ptmx == nil {
		return
	}
	if _, err := ptmx.WriteString(text + "\n"); err != nil {
		slog.Debug("urgent send dropped", "agent", h.id, "error", err)
	}
}

func (h *StreamHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	cmd := h.cmd
	ptmx := h.ptmx
	h.status = identity.StatusStopped
	fns := append([]StatusFunc(nil), h.statusFns...)
	h.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	for _, fn := range fns {
		fn(identity.StatusStopped)
	}
	return nil
}

func (h *StreamHandle) Mute() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted = true
}

func (h *StreamHandle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

func (h *StreamHandle) ResumeSession(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

func (h *StreamHandle) Status() identity.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *StreamHandle) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *StreamHandle) emit(ev OutputEvent) {
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

func (h *StreamHandle) setStatus(s identity.Status) {
	h.mu.Lock()
	h.status = s
	fns := append([]StatusFunc(nil), h.statusFns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
