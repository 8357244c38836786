package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/agents"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session/wire"
)

const (
	geminiPollInterval = 1 * time.Second
	geminiCaptureLines = 2000

	// quietPolls without pane changes after output flowed marks the turn done.
	geminiQuietPolls = 3
)

// GeminiAdapter drives an interactive-only CLI inside a detached tmux
// session. Messages go in via send-keys; output comes out by capturing the
// pane and diffing against the previous capture. There is no native session
// identifier, so one is synthesized from the tmux session name.
type GeminiAdapter struct {
	def    agents.Definition
	logger *logger.Logger

	mu       sync.Mutex
	cb       Callbacks
	approval ApprovalHandler

	tmuxName   string
	panePID    int
	lastPane   string
	pendingOut strings.Builder
	quietCount int
	streaming  bool

	cancelPoll context.CancelFunc
	stopOnce   sync.Once
}

var _ Adapter = (*GeminiAdapter)(nil)

// NewGeminiAdapter creates a TTY-poll adapter for the given definition.
func NewGeminiAdapter(def agents.Definition, log *logger.Logger) *GeminiAdapter {
	return &GeminiAdapter{
		def:    def,
		logger: log.WithFields(zap.String("component", "gemini-adapter")),
	}
}

// SetCallbacks installs the supervisor callbacks. Must precede Start.
func (a *GeminiAdapter) SetCallbacks(cb Callbacks) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
}

// SetApprovalHandler is accepted for interface symmetry; the TTY protocol has
// no structured approval channel, prompts surface as pane text.
func (a *GeminiAdapter) SetApprovalHandler(fn ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approval = fn
}

// tmuxProcess is the Process handle over a tmux session: signals target the
// pane pid, liveness is has-session.
type tmuxProcess struct {
	adapter *GeminiAdapter
}

func (p *tmuxProcess) PID() int { return p.adapter.panePID }

func (p *tmuxProcess) Alive() bool {
	return exec.Command("tmux", "has-session", "-t", p.adapter.tmuxName).Run() == nil
}

func (p *tmuxProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	if p.adapter.panePID <= 0 {
		return fmt.Errorf("pane pid unknown")
	}
	return syscall.Kill(p.adapter.panePID, s)
}

func (p *tmuxProcess) Kill() error {
	return p.adapter.Kill()
}

// Start creates the detached tmux session and begins polling the pane.
func (a *GeminiAdapter) Start(ctx context.Context, opts SpawnOptions) (Process, error) {
	name := "agendo-" + opts.SessionID

	args := []string{"new-session", "-d", "-s", name}
	if opts.WorkDir != "" {
		args = append(args, "-c", opts.WorkDir)
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	command := a.def.Binary
	if len(a.def.Args) > 0 {
		command += " " + strings.Join(a.def.Args, " ")
	}
	args = append(args, command)

	if out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("failed to create tmux session: %s: %w", strings.TrimSpace(string(out)), err)
	}

	pid := 0
	if out, err := exec.Command("tmux", "list-panes", "-t", name, "-F", "#{pane_pid}").Output(); err == nil {
		pid, _ = strconv.Atoi(strings.TrimSpace(string(out)))
	}

	pollCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.tmuxName = name
	a.panePID = pid
	a.cancelPoll = cancel
	cb := a.cb
	a.mu.Unlock()

	// No agent-assigned identifier exists; the session name stands in so
	// resume can re-attach to a still-running pane.
	if cb.OnSessionRef != nil {
		cb.OnSessionRef("tmux:" + name)
	}
	if cb.OnEvents != nil {
		cb.OnEvents([]wire.Payload{wire.NewPayload(wire.EventSessionInit, map[string]any{
			"sessionRef": "tmux:" + name,
			"cwd":        opts.WorkDir,
		})})
	}

	go a.pollLoop(pollCtx)
	return &tmuxProcess{adapter: a}, nil
}

func (a *GeminiAdapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(geminiPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.poll() {
				return
			}
		}
	}
}

// poll captures the pane, harvests new output as deltas, and detects both
// turn quiescence and session death. Returns false when polling should stop.
func (a *GeminiAdapter) poll() bool {
	out, err := exec.Command("tmux", "capture-pane", "-p", "-t", a.tmuxName,
		"-S", fmt.Sprintf("-%d", geminiCaptureLines)).Output()
	if err != nil {
		// Pane gone: the CLI exited or the session was killed externally.
		a.mu.Lock()
		cb := a.cb
		a.mu.Unlock()
		if cb.OnThinking != nil {
			cb.OnThinking(false)
		}
		if cb.OnExit != nil {
			cb.OnExit(0)
		}
		return false
	}

	pane := string(out)

	a.mu.Lock()
	fresh := harvestNewOutput(a.lastPane, pane)
	a.lastPane = pane
	cb := a.cb

	if fresh != "" {
		a.pendingOut.WriteString(fresh)
		a.quietCount = 0
		a.streaming = true
		a.mu.Unlock()

		if cb.OnRawLine != nil {
			cb.OnRawLine("stdout", fresh)
		}
		if cb.OnThinking != nil {
			cb.OnThinking(true)
		}
		if cb.OnEvents != nil {
			cb.OnEvents([]wire.Payload{wire.NewPayload(wire.EventAgentTextDelta, map[string]any{"text": fresh})})
		}
		return true
	}

	if !a.streaming {
		a.mu.Unlock()
		return true
	}
	a.quietCount++
	if a.quietCount < geminiQuietPolls {
		a.mu.Unlock()
		return true
	}

	// Output has settled: emit the accumulated text as the completed turn.
	text := strings.TrimSpace(a.pendingOut.String())
	a.pendingOut.Reset()
	a.streaming = false
	a.quietCount = 0
	a.mu.Unlock()

	if cb.OnThinking != nil {
		cb.OnThinking(false)
	}
	if cb.OnEvents != nil && text != "" {
		cb.OnEvents([]wire.Payload{
			wire.NewPayload(wire.EventAgentText, map[string]any{"text": text}),
			wire.NewPayload(wire.EventAgentResult, map[string]any{"turns": 1, "isError": false}),
		})
	}
	return true
}

// harvestNewOutput returns the text cur adds beyond prev. The pane is an
// append-mostly scroll buffer: usually prev is a suffix-overlapping prefix of
// cur; when the screens share no overlap (clear, redraw) cur wins whole.
func harvestNewOutput(prev, cur string) string {
	if prev == cur {
		return ""
	}
	if prev == "" {
		return cur
	}
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):]
	}
	// Scrolled: find the longest suffix of prev that prefixes cur.
	for i := 0; i < len(prev); i++ {
		if strings.HasPrefix(cur, prev[i:]) {
			return cur[len(prev)-i:]
		}
	}
	return cur
}

// SendMessage injects the text literally, then presses Enter. Images cannot
// cross a terminal boundary and are reported as unsupported.
func (a *GeminiAdapter) SendMessage(ctx context.Context, text string, image *Image) error {
	if image != nil {
		return fmt.Errorf("image attachments are not supported by the tty adapter")
	}
	a.mu.Lock()
	name := a.tmuxName
	a.mu.Unlock()
	if name == "" {
		return fmt.Errorf("gemini adapter not started")
	}
	if out, err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "-l", text).CombinedOutput(); err != nil {
		return fmt.Errorf("send-keys failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if out, err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "Enter").CombinedOutput(); err != nil {
		return fmt.Errorf("send-keys enter failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Interrupt delivers Ctrl-C to the pane.
func (a *GeminiAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	name := a.tmuxName
	a.mu.Unlock()
	if name == "" {
		return fmt.Errorf("gemini adapter not started")
	}
	return exec.CommandContext(ctx, "tmux", "send-keys", "-t", name, "C-c").Run()
}

// Alive reports whether the tmux session still exists.
func (a *GeminiAdapter) Alive() bool {
	a.mu.Lock()
	name := a.tmuxName
	a.mu.Unlock()
	if name == "" {
		return false
	}
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

// Kill tears the tmux session down.
func (a *GeminiAdapter) Kill() error {
	a.mu.Lock()
	name := a.tmuxName
	a.mu.Unlock()
	if name == "" {
		return nil
	}
	return exec.Command("tmux", "kill-session", "-t", name).Run()
}

// Stop halts the poll loop.
func (a *GeminiAdapter) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		cancel := a.cancelPoll
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}
