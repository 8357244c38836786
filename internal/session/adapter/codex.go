package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/agents"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session/process"
	"github.com/agendo/agendo/internal/session/wire"
	"github.com/agendo/agendo/pkg/codex"
)

const codexHandshakeTimeout = 30 * time.Second

// CodexAdapter drives an OpenAI Codex app-server over its JSON-RPC protocol.
// The thread id assigned by thread/start becomes the sessionRef.
type CodexAdapter struct {
	def    agents.Definition
	logger *logger.Logger

	mu       sync.Mutex
	cb       Callbacks
	approval ApprovalHandler

	proc       *process.Managed
	client     *codex.Client
	threadID   string
	cancelRead context.CancelFunc
	stopOnce   sync.Once
}

var _ Adapter = (*CodexAdapter)(nil)

// NewCodexAdapter creates a JSON-RPC adapter for the given definition.
func NewCodexAdapter(def agents.Definition, log *logger.Logger) *CodexAdapter {
	return &CodexAdapter{
		def:    def,
		logger: log.WithFields(zap.String("component", "codex-adapter")),
	}
}

// SetCallbacks installs the supervisor callbacks. Must precede Start.
func (a *CodexAdapter) SetCallbacks(cb Callbacks) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
}

// SetApprovalHandler installs the blocking approval handler.
func (a *CodexAdapter) SetApprovalHandler(fn ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approval = fn
}

// Start spawns the app-server, performs the initialize/initialized handshake,
// and starts or resumes the thread. The thread id is reported via
// OnSessionRef before Start returns.
func (a *CodexAdapter) Start(ctx context.Context, opts SpawnOptions) (Process, error) {
	proc, err := process.Start(context.Background(), process.Spec{
		Command: a.def.Binary,
		Args:    append([]string{}, a.def.Args...),
		Dir:     opts.WorkDir,
		Env:     opts.Env,
	}, func(code int) {
		a.mu.Lock()
		onExit := a.cb.OnExit
		a.mu.Unlock()
		if onExit != nil {
			onExit(code)
		}
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn codex app-server: %w", err)
	}

	client := codex.NewClient(proc.Stdin(), proc.Stdout(), a.logger)
	client.SetNotificationHandler(a.handleNotification)
	client.SetRequestHandler(a.handleRequest)
	client.SetRawLineHandler(a.handleStrayLine)

	readCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.proc = proc
	a.client = client
	a.cancelRead = cancel
	a.mu.Unlock()

	proc.ScanStderr(func(line string) {
		a.mu.Lock()
		cb := a.cb
		a.mu.Unlock()
		if cb.OnRawLine != nil {
			cb.OnRawLine("stderr", line)
		}
	})

	client.Start(readCtx)

	hsCtx, cancelHS := context.WithTimeout(ctx, codexHandshakeTimeout)
	defer cancelHS()

	if err := a.handshake(hsCtx, opts); err != nil {
		cancel()
		_ = proc.Kill()
		return nil, err
	}
	return proc, nil
}

func (a *CodexAdapter) handshake(ctx context.Context, opts SpawnOptions) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	resp, err := client.Call(ctx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "agendo", Version: "1.0"},
	})
	if err != nil {
		return fmt.Errorf("codex initialize failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("codex initialize failed: %s", resp.Error.Message)
	}
	if err := client.Notify(codex.MethodInitialized, nil); err != nil {
		return fmt.Errorf("codex initialized notify failed: %w", err)
	}

	var thread *codex.Thread
	if opts.ResumeRef != "" {
		resp, err = client.Call(ctx, codex.MethodThreadResume, &codex.ThreadResumeParams{
			ThreadID:       opts.ResumeRef,
			Cwd:            opts.WorkDir,
			ApprovalPolicy: "on-request",
			SandboxPolicy:  &codex.SandboxPolicy{Type: "workspace-write"},
		})
		if err == nil && resp.Error == nil {
			var result codex.ThreadResumeResult
			if uerr := json.Unmarshal(resp.Result, &result); uerr == nil {
				thread = result.Thread
			}
		}
	}
	if thread == nil {
		resp, err = client.Call(ctx, codex.MethodThreadStart, &codex.ThreadStartParams{
			Model:          opts.Model,
			Cwd:            opts.WorkDir,
			ApprovalPolicy: "on-request",
			SandboxPolicy:  &codex.SandboxPolicy{Type: "workspace-write"},
		})
		if err != nil {
			return fmt.Errorf("codex thread/start failed: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("codex thread/start failed: %s", resp.Error.Message)
		}
		var result codex.ThreadStartResult
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
			return fmt.Errorf("codex thread/start returned no thread")
		}
		thread = result.Thread
	}

	a.mu.Lock()
	a.threadID = thread.ID
	cb := a.cb
	a.mu.Unlock()

	if cb.OnSessionRef != nil {
		cb.OnSessionRef(thread.ID)
	}
	if cb.OnEvents != nil {
		cb.OnEvents([]wire.Payload{wire.NewPayload(wire.EventSessionInit, map[string]any{
			"sessionRef": thread.ID,
			"model":      opts.Model,
			"cwd":        opts.WorkDir,
		})})
	}
	return nil
}

// handleStrayLine surfaces plain-text stdout the app-server printed outside
// the JSON-RPC protocol: into the session log, and as agent text.
func (a *CodexAdapter) handleStrayLine(line string) {
	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()
	if cb.OnRawLine != nil {
		cb.OnRawLine("stdout", line)
	}
	if cb.OnEvents != nil {
		cb.OnEvents([]wire.Payload{wire.NewPayload(wire.EventAgentText, map[string]any{
			"text": line,
		})})
	}
}

func (a *CodexAdapter) handleNotification(method string, params json.RawMessage) {
	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()

	if cb.OnRawLine != nil {
		frame, err := json.Marshal(map[string]any{"method": method, "params": params})
		if err == nil {
			cb.OnRawLine("stdout", string(frame))
		}
	}

	if cb.OnThinking != nil {
		switch method {
		case codex.NotifyTurnStarted, codex.NotifyItemStarted:
			cb.OnThinking(true)
		case codex.NotifyTurnCompleted, "turn/failed":
			cb.OnThinking(false)
		}
	}

	payloads := mapCodexNotification(method, params)
	if len(payloads) > 0 && cb.OnEvents != nil {
		cb.OnEvents(payloads)
	}
}

// handleRequest answers server-initiated approval requests by blocking on the
// supervisor's approval handler off the read loop.
func (a *CodexAdapter) handleRequest(id interface{}, method string, params json.RawMessage) {
	a.mu.Lock()
	handler := a.approval
	client := a.client
	a.mu.Unlock()

	var req ApprovalRequest
	switch method {
	case codex.NotifyItemCmdExecRequestApproval:
		var p codex.CommandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			a.logger.Warn("bad command approval params", zap.Error(err))
			return
		}
		req = ApprovalRequest{
			ID:        fmt.Sprintf("%v", id),
			ToolName:  "Shell",
			ToolUseID: p.ItemID,
			Input:     map[string]any{"command": p.Command, "cwd": p.Cwd, "reasoning": p.Reasoning},
		}
	case codex.NotifyItemFileChangeRequestApproval:
		var p codex.FileChangeApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			a.logger.Warn("bad file change approval params", zap.Error(err))
			return
		}
		req = ApprovalRequest{
			ID:        fmt.Sprintf("%v", id),
			ToolName:  "FileChange",
			ToolUseID: p.ItemID,
			Input:     map[string]any{"path": p.Path, "diff": p.Diff, "reasoning": p.Reasoning},
		}
	default:
		if err := client.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "Method not found"}); err != nil {
			a.logger.Warn("failed to refuse request", zap.Error(err))
		}
		return
	}

	go func() {
		decision := ApprovalDecision{Behavior: wire.DecisionDeny}
		if handler != nil {
			decision = handler(req)
		}
		wireDecision := "decline"
		switch decision.Behavior {
		case wire.DecisionAllow:
			wireDecision = "accept"
		case wire.DecisionAllowSession:
			wireDecision = "acceptForSession"
		}
		if err := client.SendResponse(id, codex.CommandApprovalResponse{Decision: wireDecision}, nil); err != nil {
			a.logger.Warn("failed to send approval response", zap.Error(err))
		}
	}()
}

// SendMessage starts a new turn on the thread. The call blocks only until the
// turn is accepted; completion arrives via notifications.
func (a *CodexAdapter) SendMessage(ctx context.Context, text string, image *Image) error {
	a.mu.Lock()
	client := a.client
	threadID := a.threadID
	a.mu.Unlock()
	if client == nil || threadID == "" {
		return fmt.Errorf("codex adapter not started")
	}

	input := []codex.UserInput{{Type: "text", Text: text}}
	if image != nil {
		input = append(input, codex.UserInput{Type: "localImage", Path: image.Path})
	}

	go func() {
		resp, err := client.Call(context.Background(), codex.MethodTurnStart, &codex.TurnStartParams{
			ThreadID: threadID,
			Input:    input,
		})
		if err != nil {
			a.logger.Warn("turn/start failed", zap.Error(err))
			return
		}
		if resp.Error != nil {
			a.logger.Warn("turn/start rejected", zap.String("error", resp.Error.Message))
		}
	}()
	return nil
}

// Interrupt stops the in-flight turn.
func (a *CodexAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	threadID := a.threadID
	a.mu.Unlock()
	if client == nil || threadID == "" {
		return fmt.Errorf("codex adapter not started")
	}
	resp, err := client.Call(ctx, codex.MethodTurnInterrupt, &codex.TurnInterruptParams{ThreadID: threadID})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("turn/interrupt failed: %s", resp.Error.Message)
	}
	return nil
}

// Alive reports subprocess liveness.
func (a *CodexAdapter) Alive() bool {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	return proc != nil && proc.Alive()
}

// Kill force-terminates the subprocess group.
func (a *CodexAdapter) Kill() error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

// Stop tears down the protocol client and read loop.
func (a *CodexAdapter) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		client := a.client
		cancel := a.cancelRead
		a.mu.Unlock()
		if client != nil {
			client.Stop()
		}
		if cancel != nil {
			cancel()
		}
	})
}
