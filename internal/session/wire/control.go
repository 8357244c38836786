package wire

// ControlType discriminates inbound control messages.
type ControlType string

// Control types (closed set).
const (
	ControlCancel            ControlType = "cancel"
	ControlInterrupt         ControlType = "interrupt"
	ControlMessage           ControlType = "message"
	ControlRedirect          ControlType = "redirect"
	ControlToolApproval      ControlType = "tool-approval"
	ControlToolResult        ControlType = "tool-result"
	ControlAnswerQuestion    ControlType = "answer-question"
	ControlSetPermissionMode ControlType = "set-permission-mode"
	ControlSetModel          ControlType = "set-model"
)

// Approval decisions.
const (
	DecisionAllow        = "allow"
	DecisionAllowSession = "allow-session"
	DecisionDeny         = "deny"
)

// Control is the discriminated union carried on the per-session control
// channel. Only the fields of the active variant are populated.
type Control struct {
	Type ControlType `json:"type"`

	// message / redirect
	Text      string `json:"text,omitempty"`
	ImageRef  string `json:"imageRef,omitempty"`
	NewPrompt string `json:"newPrompt,omitempty"`

	// tool-approval
	ApprovalID          string         `json:"approvalId,omitempty"`
	Decision            string         `json:"decision,omitempty"`
	UpdatedInput        map[string]any `json:"updatedInput,omitempty"`
	PostApprovalMode    string         `json:"postApprovalMode,omitempty"`
	PostApprovalCompact bool           `json:"postApprovalCompact,omitempty"`
	ClearContextRestart bool           `json:"clearContextRestart,omitempty"`

	// tool-result
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`

	// answer-question
	RequestID string            `json:"requestId,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"`

	// set-permission-mode / set-model
	Mode  string `json:"mode,omitempty"`
	Model string `json:"model,omitempty"`
}
