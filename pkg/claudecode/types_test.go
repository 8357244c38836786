package claudecode

import (
	"encoding/json"
	"testing"
)

func TestCLIMessage_DecodeStreamEventDeltas(t *testing.T) {
	tests := []struct {
		name         string
		line         string
		wantType     string
		wantIndex    int
		wantText     string
		wantThinking string
	}{
		{
			name: "text delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":0,` +
				`"delta":{"type":"text_delta","text":"Hel"}}}`,
			wantType:  StreamEventContentBlockDelta,
			wantIndex: 0,
			wantText:  "Hel",
		},
		{
			name: "thinking delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","index":2,` +
				`"delta":{"type":"thinking_delta","thinking":"checking the diff"}}}`,
			wantType:     StreamEventContentBlockDelta,
			wantIndex:    2,
			wantThinking: "checking the diff",
		},
		{
			name: "block start carries the content block",
			line: `{"type":"stream_event","event":{"type":"content_block_start","index":1,` +
				`"content_block":{"type":"tool_use","id":"tu_9","name":"Bash"}}}`,
			wantType:  StreamEventContentBlockStart,
			wantIndex: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg CLIMessage
			if err := json.Unmarshal([]byte(tt.line), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if msg.Type != MessageTypeStreamEvent {
				t.Fatalf("Type = %q, want %q", msg.Type, MessageTypeStreamEvent)
			}
			if msg.Event == nil {
				t.Fatal("Event is nil")
			}
			if msg.Event.Type != tt.wantType {
				t.Errorf("Event.Type = %q, want %q", msg.Event.Type, tt.wantType)
			}
			if msg.Event.Index != tt.wantIndex {
				t.Errorf("Event.Index = %d, want %d", msg.Event.Index, tt.wantIndex)
			}
			if tt.wantText != "" {
				if msg.Event.Delta == nil || msg.Event.Delta.Text != tt.wantText {
					t.Errorf("Delta = %+v, want text %q", msg.Event.Delta, tt.wantText)
				}
			}
			if tt.wantThinking != "" {
				if msg.Event.Delta == nil || msg.Event.Delta.Thinking != tt.wantThinking {
					t.Errorf("Delta = %+v, want thinking %q", msg.Event.Delta, tt.wantThinking)
				}
			}
			if tt.wantType == StreamEventContentBlockStart {
				if msg.Event.ContentBlock == nil || msg.Event.ContentBlock.Name != "Bash" {
					t.Errorf("ContentBlock = %+v, want tool_use Bash", msg.Event.ContentBlock)
				}
			}
		})
	}
}

func TestCLIMessage_DecodeRateLimitEvent(t *testing.T) {
	line := `{"type":"rate_limit_event","rate_limit_info":` +
		`{"status":"allowed_warning","rate_limit":"five_hour","resetsAt":1772400000,"usedPercent":85}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MessageTypeRateLimit {
		t.Fatalf("Type = %q, want %q", msg.Type, MessageTypeRateLimit)
	}
	info := msg.RateLimitInfo
	if info == nil {
		t.Fatal("RateLimitInfo is nil")
	}
	if info.Status != "allowed_warning" {
		t.Errorf("Status = %q", info.Status)
	}
	if info.ResetsAt != 1772400000 {
		t.Errorf("ResetsAt = %d", info.ResetsAt)
	}
	if info.UsedPercent != 85 {
		t.Errorf("UsedPercent = %d", info.UsedPercent)
	}
}

func TestCLIMessage_DecodeResultWithModelUsage(t *testing.T) {
	line := `{"type":"result","subtype":"success","total_cost_usd":0.42,"num_turns":3,` +
		`"duration_ms":9100,"result":{"text":"done","session_id":"sess-1"},` +
		`"modelUsage":{"claude-sonnet-4":{"inputTokens":1200,"outputTokens":300,` +
		`"costUSD":0.42,"context_window":200000}},` +
		`"permission_denials":[{"tool_name":"Bash","tool_use_id":"tu_3",` +
		`"tool_input":{"command":"rm -rf /"}}]}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.CostUSD != 0.42 {
		t.Errorf("CostUSD = %v", msg.CostUSD)
	}
	if msg.NumTurns != 3 {
		t.Errorf("NumTurns = %d", msg.NumTurns)
	}

	usage, ok := msg.ModelUsage["claude-sonnet-4"]
	if !ok {
		t.Fatal("modelUsage entry missing")
	}
	if usage.InputTokens != 1200 || usage.OutputTokens != 300 {
		t.Errorf("usage tokens = %d/%d", usage.InputTokens, usage.OutputTokens)
	}
	if usage.ContextWindow == nil || *usage.ContextWindow != 200000 {
		t.Errorf("ContextWindow = %v, want 200000", usage.ContextWindow)
	}

	if len(msg.PermissionDenials) != 1 {
		t.Fatalf("PermissionDenials = %d entries", len(msg.PermissionDenials))
	}
	denial := msg.PermissionDenials[0]
	if denial.ToolName != "Bash" || denial.ToolUseID != "tu_3" {
		t.Errorf("denial = %+v", denial)
	}

	data := msg.GetResultData()
	if data == nil || data.Text != "done" || data.SessionID != "sess-1" {
		t.Errorf("GetResultData() = %+v", data)
	}
}

func TestCLIMessage_ResultStringVsObject(t *testing.T) {
	var errMsg CLIMessage
	if err := json.Unmarshal([]byte(`{"type":"result","is_error":true,"result":"rate limited"}`), &errMsg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := errMsg.GetResultString(); got != "rate limited" {
		t.Errorf("GetResultString() = %q", got)
	}
	if errMsg.GetResultData() != nil {
		t.Error("GetResultData() must be nil for a string result")
	}

	var okMsg CLIMessage
	if err := json.Unmarshal([]byte(`{"type":"result","result":{"text":"finished"}}`), &okMsg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if okMsg.GetResultString() != "" {
		t.Error("GetResultString() must be empty for an object result")
	}

	var empty CLIMessage
	if empty.GetResultString() != "" || empty.GetResultData() != nil {
		t.Error("empty result must yield zero values")
	}
}

func TestCLIMessage_DecodeCompactBoundary(t *testing.T) {
	line := `{"type":"system","subtype":"compact_boundary",` +
		`"compact_metadata":{"trigger":"auto","pre_tokens":155000}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Subtype != SystemSubtypeCompactBoundary {
		t.Fatalf("Subtype = %q", msg.Subtype)
	}
	if msg.CompactMetadata == nil {
		t.Fatal("CompactMetadata is nil")
	}
	if msg.CompactMetadata.Trigger != "auto" || msg.CompactMetadata.PreTokens != 155000 {
		t.Errorf("CompactMetadata = %+v", msg.CompactMetadata)
	}
}

func TestCLIMessage_ReplayAndSyntheticFlags(t *testing.T) {
	line := `{"type":"assistant","isReplay":true,"isSynthetic":false,"uuid":"u-1",` +
		`"parent_tool_use_id":"tu_parent","message":{"role":"assistant","content":"old turn"}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !msg.IsReplay {
		t.Error("IsReplay not decoded")
	}
	if msg.IsSynthetic {
		t.Error("IsSynthetic decoded as true")
	}
	if msg.ParentToolUseID != "tu_parent" {
		t.Errorf("ParentToolUseID = %q", msg.ParentToolUseID)
	}
}

func TestCLIMessage_DecodeIncomingControlResponse(t *testing.T) {
	// The request_id lives inside the response object, not at message level.
	line := `{"type":"control_response","response":{"subtype":"success","request_id":"req-7",` +
		`"response":{"commands":[{"name":"compact","description":"Compact context"}],` +
		`"modes":["default","plan"],` +
		`"mcp_servers":[{"name":"agendo","status":"connected"},{"name":"ext","status":"failed"}]}}}`

	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MessageTypeControlResponse {
		t.Fatalf("Type = %q", msg.Type)
	}
	resp := msg.Response
	if resp == nil {
		t.Fatal("Response is nil")
	}
	if resp.RequestID != "req-7" || resp.Subtype != "success" {
		t.Errorf("response envelope = %+v", resp)
	}
	if len(resp.Response.Commands) != 1 || resp.Response.Commands[0].Name != "compact" {
		t.Errorf("Commands = %+v", resp.Response.Commands)
	}
	servers := resp.Response.MCPServers
	if len(servers) != 2 {
		t.Fatalf("MCPServers = %d entries", len(servers))
	}
	if !servers[0].Healthy() {
		t.Error("connected server must be healthy")
	}
	if servers[1].Healthy() {
		t.Error("failed server must be unhealthy")
	}
}

func TestAssistantMessage_ContentShapes(t *testing.T) {
	blocks := &AssistantMessage{Content: json.RawMessage(
		`[{"type":"text","text":"hi"},{"type":"tool_use","id":"tu_1","name":"Read","input":{"path":"x"}}]`)}
	got := blocks.GetContentBlocks()
	if len(got) != 2 {
		t.Fatalf("GetContentBlocks() = %d blocks", len(got))
	}
	if got[1].Name != "Read" || got[1].Input["path"] != "x" {
		t.Errorf("tool_use block = %+v", got[1])
	}
	if blocks.GetContentString() != "" {
		t.Error("block content must not decode as a string")
	}

	plain := &AssistantMessage{Content: json.RawMessage(`"just text"`)}
	if plain.GetContentString() != "just text" {
		t.Errorf("GetContentString() = %q", plain.GetContentString())
	}
	if plain.GetContentBlocks() != nil {
		t.Error("string content must not decode as blocks")
	}

	var empty AssistantMessage
	if empty.GetContentBlocks() != nil || empty.GetContentString() != "" {
		t.Error("empty content must yield zero values")
	}
}

func TestContentBlock_ToolResultContent(t *testing.T) {
	str := &ContentBlock{Content: json.RawMessage(`"exit status 0"`)}
	if got := str.GetContentString(); got != "exit status 0" {
		t.Errorf("string content = %q", got)
	}

	joined := &ContentBlock{Content: json.RawMessage(
		`[{"type":"text","text":"line one"},{"type":"image","text":"skipped"},{"type":"text","text":"line two"}]`)}
	if got := joined.GetContentString(); got != "line one\nline two" {
		t.Errorf("joined content = %q", got)
	}

	var empty ContentBlock
	if empty.GetContentString() != "" {
		t.Error("empty content must yield \"\"")
	}
}

func TestHookConfig_ToMapOmitsEmptyLists(t *testing.T) {
	var none HookConfig
	if got := none.ToMap(); len(got) != 0 {
		t.Errorf("ToMap() = %v, want empty", got)
	}

	cfg := HookConfig{
		PreToolUse: []HookEntry{{Matcher: "Bash", HookCallbackIDs: []string{"cb-1"}}},
	}
	m := cfg.ToMap()
	if _, ok := m["PreToolUse"]; !ok {
		t.Error("PreToolUse missing")
	}
	if _, ok := m["Stop"]; ok {
		t.Error("empty Stop must be omitted")
	}
}

func TestSDKControlRequest_WireShape(t *testing.T) {
	req := SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: "req-1",
		Request:   SDKControlRequestBody{Subtype: SubtypeSetModel, Model: "opus"},
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if flat["type"] != MessageTypeControlRequest {
		t.Errorf("type = %v", flat["type"])
	}
	body, ok := flat["request"].(map[string]any)
	if !ok {
		t.Fatal("request body missing")
	}
	if body["subtype"] != SubtypeSetModel || body["model"] != "opus" {
		t.Errorf("body = %v", body)
	}
	if _, leaked := body["mode"]; leaked {
		t.Error("unused variant fields must be omitted")
	}
}
