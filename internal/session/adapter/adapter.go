// Package adapter translates between the supervisor's uniform interface and
// the agent-specific subprocess protocols: stream-json over stdio (Claude),
// JSON-RPC over stdio (Codex), and tmux TTY polling (Gemini). Each adapter
// owns the protocol client; the supervisor owns state, sequencing, and
// persistence.
package adapter

import (
	"context"
	"os"

	"github.com/agendo/agendo/internal/session/wire"
)

// Process is the subprocess handle an adapter hands back from Start. The
// stream-json and JSON-RPC adapters return a real managed process; the TTY
// adapter returns a handle over the multiplexer session.
type Process interface {
	PID() int
	Alive() bool
	Signal(sig os.Signal) error
	Kill() error
}

// SpawnOptions carries everything needed to spawn or resume an agent.
type SpawnOptions struct {
	SessionID     string
	WorkDir       string
	Env           []string
	Model         string
	McpConfigPath string

	// ResumeRef, when non-empty, requests a cold resume of a prior
	// conversation instead of a fresh spawn.
	ResumeRef string
}

// Image is an attachment forwarded alongside a user message.
type Image struct {
	Path     string
	MimeType string
}

// Callbacks are set once by the supervisor before Start. OnExit fires exactly
// once. OnSessionRef fires at most once, as soon as the agent-assigned
// identifier is known.
type Callbacks struct {
	// OnEvents delivers mapped payloads in protocol order. Delta-typed
	// payloads are routed by the supervisor into its batching buffers.
	OnEvents func(payloads []wire.Payload)

	// OnRawLine feeds the session log writer.
	OnRawLine func(stream, line string)

	OnSessionRef func(ref string)
	OnThinking   func(active bool)
	OnExit       func(code int)
}

// ApprovalRequest asks the human to allow or deny a tool use.
type ApprovalRequest struct {
	ID        string
	ToolName  string
	ToolUseID string
	Input     map[string]any
}

// ApprovalDecision is the resolved outcome of an approval request.
type ApprovalDecision struct {
	Behavior     string // wire.DecisionAllow, DecisionAllowSession, DecisionDeny
	UpdatedInput map[string]any
	Message      string
}

// ApprovalHandler blocks until a decision is available. It must be installed
// before any tool call can fire; adapters without a handler deny.
type ApprovalHandler func(req ApprovalRequest) ApprovalDecision

// Adapter is the uniform supervisor-facing surface. Optional capabilities are
// expressed as separate interfaces below.
type Adapter interface {
	// Start spawns (or, with opts.ResumeRef, resumes) the agent and returns
	// synchronously with the process handle. All I/O wiring happens inside.
	Start(ctx context.Context, opts SpawnOptions) (Process, error)

	// SendMessage forwards a user message, optionally with an image.
	SendMessage(ctx context.Context, text string, image *Image) error

	// Interrupt asks the agent to stop the current turn without killing it.
	Interrupt(ctx context.Context) error

	// Alive reports whether the adapter can still send input and expect a
	// response.
	Alive() bool

	// Kill force-terminates the agent.
	Kill() error

	// Stop releases protocol resources (read loops, pollers).
	Stop()

	SetCallbacks(cb Callbacks)
	SetApprovalHandler(fn ApprovalHandler)
}

// ToolResultSender is implemented by adapters whose protocol accepts an
// out-of-band tool result (interactive tools).
type ToolResultSender interface {
	SendToolResult(ctx context.Context, toolUseID, content string) error
}

// PermissionModeSetter is implemented by adapters that can switch permission
// mode in place; sessions on other adapters restart instead.
type PermissionModeSetter interface {
	SetPermissionMode(ctx context.Context, mode string) error
}

// ModelSetter is implemented by adapters that can switch model mid-session.
type ModelSetter interface {
	SetModel(ctx context.Context, model string) error
}

// ServerStatus is the health of one MCP server as the agent reports it.
type ServerStatus struct {
	Name   string
	Status string
}

// Healthy reports whether the server is usable.
func (s ServerStatus) Healthy() bool {
	return s.Status == "connected" || s.Status == "ready"
}

// McpStatusProvider is implemented by adapters that can query MCP server
// health through the agent protocol.
type McpStatusProvider interface {
	McpStatus(ctx context.Context) ([]ServerStatus, error)
}
