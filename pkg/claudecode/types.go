// Package claudecode provides types and a client for the Claude Code CLI
// stream-json protocol. Claude Code emits newline-delimited JSON on stdout and
// accepts user messages and control requests on stdin; permission prompts
// arrive as control_request frames that must be answered with a
// control_response.
package claudecode

import (
	"encoding/json"
	"strings"
)

// Message types from Claude Code CLI
const (
	// MessageTypeSystem is a system message (init, compact_boundary, ...)
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool_use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeUser is a user message (prompt or tool_result echo)
	MessageTypeUser = "user"
	// MessageTypeStreamEvent is a partial content update (--include-partial-messages)
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeRateLimit carries rate limit status updates.
	// Claude Code sends "rate_limit_event", not "rate_limit".
	MessageTypeRateLimit = "rate_limit_event"
)

// System message subtypes
const (
	// SystemSubtypeInit is the first system message of a session
	SystemSubtypeInit = "init"
	// SystemSubtypeCompactBoundary marks a context compaction point
	SystemSubtypeCompactBoundary = "compact_boundary"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback is a hook callback request
	SubtypeHookCallback = "hook_callback"
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
	// SubtypeSetModel switches the active model
	SubtypeSetModel = "set_model"
	// SubtypeMcpStatus queries MCP server health
	SubtypeMcpStatus = "mcp_status"
)

// Permission behaviors
const (
	// BehaviorAllow allows the tool use
	BehaviorAllow = "allow"
	// BehaviorDeny denies the tool use
	BehaviorDeny = "deny"
)

// CLIMessage represents messages from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, control_request, etc.)
	Type string `json:"type"`

	// UUID identifies the message within the CLI's transcript.
	UUID string `json:"uuid,omitempty"`

	// IsReplay marks messages re-emitted from the transcript on --resume.
	// IsSynthetic marks messages the CLI fabricated (e.g. checkpoint notes).
	IsReplay    bool `json:"isReplay,omitempty"`
	IsSynthetic bool `json:"isSynthetic,omitempty"`

	// For control_request messages (CLI -> us)
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages (CLI -> us, answering our requests).
	// The request_id lives inside the response object, not at message level.
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system messages
	SessionID      string            `json:"session_id,omitempty"`
	SessionStatus  string            `json:"session_status,omitempty"`
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	CWD            string            `json:"cwd,omitempty"`
	Tools          []string          `json:"tools,omitempty"`
	SlashCommands  []string          `json:"slash_commands,omitempty"`
	MCPServers     []McpServerStatus `json:"mcp_servers,omitempty"`

	// For system compact_boundary messages
	CompactMetadata *CompactMetadata `json:"compact_metadata,omitempty"`

	// For assistant and user messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For user messages carrying sub-agent (Task) results: rich metadata
	// about the completed sub-agent run, shape varies by tool.
	ToolUseResult json.RawMessage `json:"tool_use_result,omitempty"`

	// ParentToolUseID links sub-agent messages to the spawning tool_use.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// For stream_event messages (partial deltas)
	Event *StreamEvent `json:"event,omitempty"`

	// For rate_limit_event messages
	RateLimitInfo *RateLimitInfo `json:"rate_limit_info,omitempty"`

	// For result messages.
	// Result can be either a string (error message) or an object (ResultData).
	Result            json.RawMessage            `json:"result,omitempty"`
	Subtype           string                     `json:"subtype,omitempty"`
	CostUSD           float64                    `json:"total_cost_usd,omitempty"`
	DurationMS        int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS     int64                      `json:"duration_api_ms,omitempty"`
	IsError           bool                       `json:"is_error,omitempty"`
	NumTurns          int                        `json:"num_turns,omitempty"`
	Usage             *Usage                     `json:"usage,omitempty"`
	ModelUsage        map[string]ModelUsageStats `json:"modelUsage,omitempty"`
	PermissionDenials []PermissionDenial         `json:"permission_denials,omitempty"`

	// Raw message for parsing content blocks
	RawContent json.RawMessage `json:"-"`
}

// AssistantMessage contains the assistant's (or echoed user's) message body.
// Content is either a string or an array of content blocks.
type AssistantMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// GetContentBlocks parses Content as an array of content blocks.
// Returns nil when the content is empty or a plain string.
func (m *AssistantMessage) GetContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// GetContentString parses Content as a plain string.
// Returns "" when the content is empty or an array of blocks.
func (m *AssistantMessage) GetContentString() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is either a string or an array of
	// text blocks; use GetContentString.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// GetContentString flattens a tool_result content field to plain text.
// String content is returned as-is; arrays of text blocks are joined with
// newlines.
func (b *ContentBlock) GetContentString() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, blk := range blocks {
		if blk.Type == "text" {
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultData contains the final result information.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed as ResultData.
func (m *CLIMessage) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field as a string.
// This is used when the result is an error message string.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		// Not a string, return empty
		return ""
	}
	return s
}

// ModelUsageStats contains per-model usage statistics from a result message.
// The context_window field provides the actual model context window size.
type ModelUsageStats struct {
	InputTokens              int64   `json:"inputTokens,omitempty"`
	OutputTokens             int64   `json:"outputTokens,omitempty"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens,omitempty"`
	CostUSD                  float64 `json:"costUSD,omitempty"`
	ContextWindow            *int64  `json:"context_window,omitempty"`
}

// PermissionDenial records a tool use the user denied during the turn.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// CompactMetadata describes a context compaction boundary.
type CompactMetadata struct {
	// Trigger is "manual" or "auto".
	Trigger string `json:"trigger,omitempty"`
	// PreTokens is the context size before compaction.
	PreTokens int64 `json:"pre_tokens,omitempty"`
}

// RateLimitInfo carries rate limit status from a rate_limit_event message.
type RateLimitInfo struct {
	Status      string `json:"status,omitempty"`
	RateLimit   string `json:"rate_limit,omitempty"`
	ResetsAt    int64  `json:"resetsAt,omitempty"`
	UsedPercent int    `json:"usedPercent,omitempty"`
}

// McpServerStatus is the health of one configured MCP server.
type McpServerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Healthy reports whether the server is usable.
func (s McpServerStatus) Healthy() bool {
	return s.Status == "connected" || s.Status == "ready"
}

// ControlRequest represents a control request from Claude Code CLI.
// This is used for permission requests (can_use_tool) and hook callbacks.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// For hook_callback requests
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`

	// Permission suggestions from Claude
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate represents a permission rule update.
type PermissionUpdate struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput allows modifying the tool input
	UpdatedInput any `json:"updatedInput,omitempty"`

	// UpdatedPermissions adds permission rules for future requests
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`

	// Message provides feedback to the model
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// IncomingControlResponse is a control_response frame from the CLI answering
// one of our SDK control requests (initialize, interrupt, set_model, ...).
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"` // success, error
	RequestID string                  `json:"request_id"`
	Response  *InitializeResponseData `json:"response,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// InitializeResponseData is the payload of a successful SDK control response.
// initialize fills commands/agents/modes; mcp_status fills MCPServers.
type InitializeResponseData struct {
	Commands   []CommandInfo     `json:"commands,omitempty"`
	Agents     []string          `json:"agents,omitempty"`
	Modes      []string          `json:"modes,omitempty"`
	MCPServers []McpServerStatus `json:"mcp_servers,omitempty"`
}

// CommandInfo describes a slash command exposed by the CLI.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SDKControlRequest is a control request sent to Claude Code CLI.
// Used for initialize, interrupt, and other control operations.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	// Subtype identifies the operation (initialize, interrupt,
	// set_permission_mode, set_model, mcp_status)
	Subtype string `json:"subtype"`

	// For initialize requests
	Hooks map[string]any `json:"hooks,omitempty"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`

	// For set_model requests
	Model string `json:"model,omitempty"`
}

// HookConfig declares SDK hook registrations for the initialize request.
type HookConfig struct {
	PreToolUse []HookEntry
	Stop       []HookEntry
}

// HookEntry is one hook registration: an optional tool-name matcher and the
// callback ids the CLI should invoke.
type HookEntry struct {
	Matcher         string   `json:"matcher,omitempty"`
	HookCallbackIDs []string `json:"hookCallbackIds"`
}

// ToMap converts the config to the wire shape expected by initialize.
// Empty hook lists are omitted entirely.
func (h HookConfig) ToMap() map[string]any {
	m := make(map[string]any)
	if len(h.PreToolUse) > 0 {
		m["PreToolUse"] = h.PreToolUse
	}
	if len(h.Stop) > 0 {
		m["Stop"] = h.Stop
	}
	return m
}

// UserMessage is sent to provide a prompt to Claude Code.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// BlockUserMessage is a user message whose content is an array of blocks,
// used when attaching images alongside text.
type BlockUserMessage struct {
	Type    string               `json:"type"` // "user"
	Message BlockUserMessageBody `json:"message"`
}

// BlockUserMessageBody contains block-structured user content.
type BlockUserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content []any  `json:"content"`
}

// TextBlockParam is a text block for block-structured user content.
type TextBlockParam struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// ImageBlockParam is a base64 image block for block-structured user content.
type ImageBlockParam struct {
	Type   string           `json:"type"` // "image"
	Source ImageSourceParam `json:"source"`
}

// ImageSourceParam is the payload of an image block.
type ImageSourceParam struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// StreamEvent is the inner API event of a stream_event message: partial
// content updates emitted with --include-partial-messages.
type StreamEvent struct {
	Type string `json:"type"`

	// Index of the content block the delta applies to.
	Index int `json:"index,omitempty"`

	// For content_block_start events
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta events
	Delta *StreamDelta `json:"delta,omitempty"`
}

// StreamDelta is the delta payload of a content_block_delta event.
type StreamDelta struct {
	Type        string `json:"type"` // text_delta, thinking_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// Stream event types
const (
	StreamEventContentBlockStart = "content_block_start"
	StreamEventContentBlockDelta = "content_block_delta"
	StreamEventContentBlockStop  = "content_block_stop"

	StreamDeltaText     = "text_delta"
	StreamDeltaThinking = "thinking_delta"
)

// Common tool names that require permission
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
)
