package adapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/agents"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session/process"
	"github.com/agendo/agendo/internal/session/wire"
	"github.com/agendo/agendo/pkg/claudecode"
)

const (
	claudeInitTimeout    = 30 * time.Second
	claudeControlTimeout = 10 * time.Second
)

// ClaudeAdapter drives a Claude Code CLI over the stream-json protocol.
type ClaudeAdapter struct {
	def    agents.Definition
	logger *logger.Logger

	mu       sync.Mutex
	cb       Callbacks
	approval ApprovalHandler

	proc       *process.Managed
	client     *claudecode.Client
	refOnce    sync.Once
	cancelRead context.CancelFunc
}

var _ Adapter = (*ClaudeAdapter)(nil)
var _ PermissionModeSetter = (*ClaudeAdapter)(nil)
var _ ModelSetter = (*ClaudeAdapter)(nil)
var _ McpStatusProvider = (*ClaudeAdapter)(nil)

// NewClaudeAdapter creates a stream-json adapter for the given definition.
func NewClaudeAdapter(def agents.Definition, log *logger.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{
		def:    def,
		logger: log.WithFields(zap.String("component", "claude-adapter")),
	}
}

// SetCallbacks installs the supervisor callbacks. Must precede Start.
func (a *ClaudeAdapter) SetCallbacks(cb Callbacks) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
}

// SetApprovalHandler installs the blocking approval handler. Must precede the
// first tool call or approvals deadlock into denial.
func (a *ClaudeAdapter) SetApprovalHandler(fn ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approval = fn
}

// Start spawns the CLI, wires the protocol client, and kicks off the
// initialize handshake in the background.
func (a *ClaudeAdapter) Start(ctx context.Context, opts SpawnOptions) (Process, error) {
	args := append([]string{}, a.def.Args...)
	if opts.Model != "" && a.def.ModelFlag != "" {
		args = append(args, a.def.ModelFlag, opts.Model)
	}
	if opts.McpConfigPath != "" && a.def.McpConfigFlag != "" {
		args = append(args, a.def.McpConfigFlag, opts.McpConfigPath)
	}
	if opts.ResumeRef != "" && a.def.ResumeFlag != "" {
		args = append(args, a.def.ResumeFlag, opts.ResumeRef)
	}

	proc, err := process.Start(context.Background(), process.Spec{
		Command: a.def.Binary,
		Args:    args,
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
		return nil, fmt.Errorf("failed to spawn claude: %w", err)
	}

	client := claudecode.NewClient(proc.Stdin(), proc.Stdout(), a.logger)
	client.SetMessageHandler(a.handleMessage)
	client.SetRequestHandler(a.handleControlRequest)
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

	<-client.Start(readCtx)

	// The control channel only comes up after initialize; run the handshake
	// without holding up the spawn.
	go func() {
		initCtx, cancelInit := context.WithTimeout(readCtx, claudeInitTimeout)
		defer cancelInit()
		if _, err := client.Initialize(initCtx, claudeInitTimeout); err != nil {
			a.logger.Warn("claude initialize handshake failed", zap.Error(err))
		}
	}()

	return proc, nil
}

// handleStrayLine surfaces plain-text stdout the CLI printed outside the
// stream-json protocol. The line goes to the session log and is also emitted
// as agent text so it reaches the user.
func (a *ClaudeAdapter) handleStrayLine(line string) {
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

func (a *ClaudeAdapter) handleMessage(msg *claudecode.CLIMessage) {
	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()

	if cb.OnRawLine != nil && len(msg.RawContent) > 0 {
		cb.OnRawLine("stdout", string(msg.RawContent))
	}

	if msg.Type == claudecode.MessageTypeSystem && msg.Subtype == claudecode.SystemSubtypeInit && msg.SessionID != "" {
		a.refOnce.Do(func() {
			if cb.OnSessionRef != nil {
				cb.OnSessionRef(msg.SessionID)
			}
		})
	}

	if cb.OnThinking != nil {
		switch msg.Type {
		case claudecode.MessageTypeAssistant, claudecode.MessageTypeStreamEvent:
			cb.OnThinking(true)
		case claudecode.MessageTypeResult:
			cb.OnThinking(false)
		}
	}

	payloads := mapClaudeMessage(msg)
	if len(payloads) > 0 && cb.OnEvents != nil {
		cb.OnEvents(payloads)
	}
}

func (a *ClaudeAdapter) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		// Unknown control subtypes are refused rather than left hanging.
		a.respondControl(requestID, &claudecode.ControlResponse{
			Subtype: "error",
			Error:   fmt.Sprintf("unsupported control subtype %q", req.Subtype),
		})
		return
	}

	a.mu.Lock()
	handler := a.approval
	a.mu.Unlock()

	// The handler blocks on the human; keep the read loop free.
	go func() {
		decision := ApprovalDecision{Behavior: wire.DecisionDeny, Message: "no approval handler installed"}
		if handler != nil {
			decision = handler(ApprovalRequest{
				ID:        requestID,
				ToolName:  req.ToolName,
				ToolUseID: req.ToolUseID,
				Input:     req.Input,
			})
		}

		result := &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: decision.Message}
		if decision.Behavior == wire.DecisionAllow || decision.Behavior == wire.DecisionAllowSession {
			result.Behavior = claudecode.BehaviorAllow
			result.Message = ""
			if decision.UpdatedInput != nil {
				result.UpdatedInput = decision.UpdatedInput
			}
		}
		a.respondControl(requestID, &claudecode.ControlResponse{Subtype: "success", Result: result})
	}()
}

func (a *ClaudeAdapter) respondControl(requestID string, resp *claudecode.ControlResponse) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	}); err != nil {
		a.logger.Warn("failed to send control response", zap.Error(err))
	}
}

// SendMessage writes a user message on stdin. Images are read from disk and
// attached as base64 blocks.
func (a *ClaudeAdapter) SendMessage(ctx context.Context, text string, image *Image) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("claude adapter not started")
	}
	if image == nil {
		return client.SendUserMessage(text)
	}

	data, err := os.ReadFile(image.Path)
	if err != nil {
		return fmt.Errorf("failed to read image attachment: %w", err)
	}
	blocks := []any{
		claudecode.ImageBlockParam{
			Type: "image",
			Source: claudecode.ImageSourceParam{
				Type:      "base64",
				MediaType: image.MimeType,
				Data:      base64.StdEncoding.EncodeToString(data),
			},
		},
	}
	if text != "" {
		blocks = append(blocks, claudecode.TextBlockParam{Type: "text", Text: text})
	}
	return client.SendUserMessageBlocks(blocks)
}

// Interrupt sends the graceful interrupt control frame. The client waits up
// to 3 s for the acknowledgment; if none arrives the process is presumed
// dead and the error tells the supervisor so.
func (a *ClaudeAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("claude adapter not started")
	}
	return client.Interrupt(ctx)
}

// SetPermissionMode switches the mode in place over the control channel.
func (a *ClaudeAdapter) SetPermissionMode(ctx context.Context, mode string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("claude adapter not started")
	}
	return client.SetPermissionMode(ctx, mode, claudeControlTimeout)
}

// SetModel switches the model in place over the control channel.
func (a *ClaudeAdapter) SetModel(ctx context.Context, model string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("claude adapter not started")
	}
	return client.SetModel(ctx, model, claudeControlTimeout)
}

// McpStatus queries MCP server health over the control channel.
func (a *ClaudeAdapter) McpStatus(ctx context.Context) ([]ServerStatus, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("claude adapter not started")
	}
	servers, err := client.McpStatus(ctx, claudeControlTimeout)
	if err != nil {
		return nil, err
	}
	out := make([]ServerStatus, 0, len(servers))
	for _, s := range servers {
		out = append(out, ServerStatus{Name: s.Name, Status: s.Status})
	}
	return out, nil
}

// Alive reports subprocess liveness.
func (a *ClaudeAdapter) Alive() bool {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	return proc != nil && proc.Alive()
}

// Kill force-terminates the subprocess group.
func (a *ClaudeAdapter) Kill() error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

// Stop tears down the protocol client and read loop.
func (a *ClaudeAdapter) Stop() {
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
}
