package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/session/wire"
	"github.com/agendo/agendo/pkg/codex"
)

func TestMapCodexCommandExecution(t *testing.T) {
	started := mapCodexNotification(codex.NotifyItemStarted, json.RawMessage(`{
		"threadId":"th-1","turnId":"tu-1",
		"item":{"id":"item-1","type":"commandExecution","status":"inProgress",
			"command":"go test ./...","cwd":"/work"}
	}`))
	require.Len(t, started, 1)
	assert.Equal(t, wire.EventAgentToolStart, started[0].Type)
	assert.Equal(t, "item-1", started[0].Fields["toolUseId"])
	assert.Equal(t, "Shell", started[0].Fields["toolName"])
	input := started[0].Fields["input"].(map[string]any)
	assert.Equal(t, "go test ./...", input["command"])

	completed := mapCodexNotification(codex.NotifyItemCompleted, json.RawMessage(`{
		"threadId":"th-1","turnId":"tu-1",
		"item":{"id":"item-1","type":"commandExecution","status":"completed",
			"aggregatedOutput":"ok","exitCode":0,"durationMs":312}
	}`))
	require.Len(t, completed, 1)
	assert.Equal(t, wire.EventAgentToolEnd, completed[0].Type)
	assert.Equal(t, "ok", completed[0].Fields["content"])
	assert.Equal(t, false, completed[0].Fields["isError"])
	assert.Equal(t, 312, completed[0].Fields["durationMs"])
}

func TestMapCodexCommandExecutionFailure(t *testing.T) {
	for _, raw := range []string{
		`{"item":{"id":"i","type":"commandExecution","status":"failed","aggregatedOutput":"boom"}}`,
		`{"item":{"id":"i","type":"commandExecution","status":"completed","exitCode":2}}`,
	} {
		payloads := mapCodexNotification(codex.NotifyItemCompleted, json.RawMessage(raw))
		require.Len(t, payloads, 1)
		assert.Equal(t, true, payloads[0].Fields["isError"])
	}
}

func TestMapCodexFileChange(t *testing.T) {
	started := mapCodexNotification(codex.NotifyItemStarted, json.RawMessage(`{
		"item":{"id":"fc-1","type":"fileChange","status":"inProgress",
			"changes":[{"path":"a.go","kind":{"type":"modify"}},{"path":"b.go","kind":{"type":"add"}}]}
	}`))
	require.Len(t, started, 1)
	assert.Equal(t, "FileChange", started[0].Fields["toolName"])
	paths := started[0].Fields["input"].(map[string]any)["paths"].([]string)
	assert.Equal(t, []string{"a.go", "b.go"}, paths)

	completed := mapCodexNotification(codex.NotifyItemCompleted, json.RawMessage(`{
		"item":{"id":"fc-1","type":"fileChange","status":"completed",
			"changes":[{"path":"a.go","kind":{"type":"modify"}},{"path":"b.go","kind":{"type":"add"}}]}
	}`))
	require.Len(t, completed, 1)
	assert.Equal(t, "a.go\nb.go", completed[0].Fields["content"])
	assert.Equal(t, 2, completed[0].Fields["numFiles"])
}

func TestMapCodexMcpToolCall(t *testing.T) {
	started := mapCodexNotification(codex.NotifyItemStarted, json.RawMessage(`{
		"item":{"id":"mcp-1","type":"mcpToolCall","status":"inProgress",
			"server":"agendo","tool":"list_tasks","arguments":{"status":"open"}}
	}`))
	require.Len(t, started, 1)
	assert.Equal(t, "agendo:list_tasks", started[0].Fields["toolName"])

	failed := mapCodexNotification(codex.NotifyItemCompleted, json.RawMessage(`{
		"item":{"id":"mcp-1","type":"mcpToolCall","status":"completed","error":"timeout"}
	}`))
	require.Len(t, failed, 1)
	assert.Equal(t, true, failed[0].Fields["isError"])
}

func TestMapCodexAgentMessageAndReasoning(t *testing.T) {
	text := mapCodexNotification(codex.NotifyItemCompleted, json.RawMessage(`{
		"item":{"id":"m-1","type":"agentMessage","status":"completed",
			"content":[{"type":"output_text","text":"Done."}]}
	}`))
	require.Len(t, text, 1)
	assert.Equal(t, wire.EventAgentText, text[0].Type)
	assert.Equal(t, "Done.", text[0].Fields["text"])

	// Reasoning prefers the summary; plain-string content is accepted too.
	thinking := mapCodexNotification(codex.NotifyItemCompleted, json.RawMessage(`{
		"item":{"id":"r-1","type":"reasoning","status":"completed","summary":"weighing options"}
	}`))
	require.Len(t, thinking, 1)
	assert.Equal(t, wire.EventAgentThinking, thinking[0].Type)
	assert.Equal(t, "weighing options", thinking[0].Fields["text"])

	assert.Empty(t, mapCodexNotification(codex.NotifyItemCompleted, json.RawMessage(`{
		"item":{"id":"m-2","type":"agentMessage","status":"completed","content":[]}
	}`)), "empty messages carry nothing")
}

func TestMapCodexDeltas(t *testing.T) {
	text := mapCodexNotification(codex.NotifyItemAgentMessageDelta, json.RawMessage(`{
		"threadId":"th-1","itemId":"m-1","delta":"Hel"
	}`))
	require.Len(t, text, 1)
	assert.Equal(t, wire.EventAgentTextDelta, text[0].Type)
	assert.Equal(t, "Hel", text[0].Fields["text"])

	thinking := mapCodexNotification(codex.NotifyItemReasoningSummaryDelta, json.RawMessage(`{
		"itemId":"r-1","delta":"hmm"
	}`))
	require.Len(t, thinking, 1)
	assert.Equal(t, wire.EventAgentThinkingDelta, thinking[0].Type)

	assert.Empty(t, mapCodexNotification(codex.NotifyItemAgentMessageDelta, json.RawMessage(`{"delta":""}`)))
}

func TestMapCodexTurnCompletion(t *testing.T) {
	ok := mapCodexNotification(codex.NotifyTurnCompleted, json.RawMessage(`{"success":true}`))
	require.Len(t, ok, 1)
	assert.Equal(t, wire.EventAgentResult, ok[0].Type)
	assert.Equal(t, false, ok[0].Fields["isError"])
	assert.Equal(t, 1, ok[0].Fields["turns"])

	failed := mapCodexNotification("turn/failed", json.RawMessage(`{"error":"model overloaded"}`))
	require.Len(t, failed, 1)
	assert.Equal(t, true, failed[0].Fields["isError"])
	assert.Equal(t, "model overloaded", failed[0].Fields["error"])
}

func TestMapCodexTokenCount(t *testing.T) {
	payloads := mapCodexNotification(codex.NotifyTokenCount, json.RawMessage(`{
		"rateLimits":{"primary":{"usedPercent":80,"resetsAt":1735689600}}
	}`))
	require.Len(t, payloads, 1)
	assert.Equal(t, wire.EventSystemRateLimit, payloads[0].Type)
	assert.Equal(t, int32(80), payloads[0].Fields["usedPercent"])
	assert.Equal(t, int64(1735689600), payloads[0].Fields["resetsAt"])

	assert.Empty(t, mapCodexNotification(codex.NotifyTokenCount, json.RawMessage(`{"info":{}}`)),
		"token counts without rate limit data are dropped")
}

func TestMapCodexErrorAndCompaction(t *testing.T) {
	errPayloads := mapCodexNotification(codex.NotifyError, json.RawMessage(`{"message":"stream closed"}`))
	require.Len(t, errPayloads, 1)
	assert.Equal(t, wire.EventSystemError, errPayloads[0].Type)
	assert.Equal(t, "stream closed", errPayloads[0].Fields["message"])

	compacted := mapCodexNotification(codex.NotifyContextCompacted, nil)
	require.Len(t, compacted, 1)
	assert.Equal(t, wire.EventSystemInfo, compacted[0].Type)
}

func TestMapCodexIgnoresUnknownAndMalformed(t *testing.T) {
	assert.Empty(t, mapCodexNotification("thread/started", json.RawMessage(`{}`)))
	assert.Empty(t, mapCodexNotification(codex.NotifyItemStarted, json.RawMessage(`not json`)))
	assert.Empty(t, mapCodexNotification(codex.NotifyItemStarted, json.RawMessage(`{"item":null}`)))
}
