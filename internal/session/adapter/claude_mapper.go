package adapter

import (
	"encoding/json"

	"github.com/agendo/agendo/internal/session/wire"
	"github.com/agendo/agendo/pkg/claudecode"
)

// mapClaudeMessage maps one stream-json frame to zero or more uniform event
// payloads. It is a pure function: no sequencing, no publishing, no state.
func mapClaudeMessage(msg *claudecode.CLIMessage) []wire.Payload {
	if msg == nil {
		return nil
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		return mapClaudeSystem(msg)

	case claudecode.MessageTypeAssistant:
		// Replayed transcript frames on resume are history, not new output.
		if msg.IsReplay {
			return nil
		}
		return mapClaudeAssistant(msg)

	case claudecode.MessageTypeUser:
		if msg.IsReplay || msg.IsSynthetic {
			return nil
		}
		return mapClaudeToolResults(msg)

	case claudecode.MessageTypeStreamEvent:
		return mapClaudeStreamEvent(msg.Event)

	case claudecode.MessageTypeResult:
		return mapClaudeResult(msg)

	case claudecode.MessageTypeRateLimit:
		if msg.RateLimitInfo == nil {
			return nil
		}
		return []wire.Payload{wire.NewPayload(wire.EventSystemRateLimit, map[string]any{
			"status":   msg.RateLimitInfo.Status,
			"resetsAt": msg.RateLimitInfo.ResetsAt,
		})}
	}
	return nil
}

func mapClaudeSystem(msg *claudecode.CLIMessage) []wire.Payload {
	switch msg.Subtype {
	case claudecode.SystemSubtypeInit:
		servers := make([]map[string]any, 0, len(msg.MCPServers))
		for _, s := range msg.MCPServers {
			servers = append(servers, map[string]any{"name": s.Name, "status": s.Status})
		}
		return []wire.Payload{wire.NewPayload(wire.EventSessionInit, map[string]any{
			"sessionRef":     msg.SessionID,
			"model":          msg.Model,
			"cwd":            msg.CWD,
			"tools":          msg.Tools,
			"slashCommands":  msg.SlashCommands,
			"permissionMode": msg.PermissionMode,
			"mcpServers":     servers,
		})}
	case claudecode.SystemSubtypeCompactBoundary:
		fields := map[string]any{"message": "Context compacted"}
		if msg.CompactMetadata != nil {
			fields["trigger"] = msg.CompactMetadata.Trigger
			fields["preTokens"] = msg.CompactMetadata.PreTokens
		}
		return []wire.Payload{wire.NewPayload(wire.EventSystemInfo, fields)}
	}
	return nil
}

func mapClaudeAssistant(msg *claudecode.CLIMessage) []wire.Payload {
	if msg.Message == nil {
		return nil
	}
	var payloads []wire.Payload
	for _, block := range msg.Message.GetContentBlocks() {
		switch block.Type {
		case "text":
			if block.Text != "" {
				payloads = append(payloads, wire.NewPayload(wire.EventAgentText, map[string]any{
					"text": block.Text,
				}))
			}
		case "thinking":
			if block.Thinking != "" {
				payloads = append(payloads, wire.NewPayload(wire.EventAgentThinking, map[string]any{
					"text": block.Thinking,
				}))
			}
		case "tool_use":
			payloads = append(payloads, wire.NewPayload(wire.EventAgentToolStart, map[string]any{
				"toolUseId": block.ID,
				"toolName":  block.Name,
				"input":     block.Input,
			}))
		}
	}
	return payloads
}

// mapClaudeToolResults handles the CLI's user-typed back-channel frames that
// carry tool_result blocks. The isError flag is preserved: the supervisor uses
// it to detect interactive tools awaiting a human response.
func mapClaudeToolResults(msg *claudecode.CLIMessage) []wire.Payload {
	if msg.Message == nil {
		return nil
	}
	var meta map[string]any
	if len(msg.ToolUseResult) > 0 {
		_ = json.Unmarshal(msg.ToolUseResult, &meta)
	}
	var payloads []wire.Payload
	for _, block := range msg.Message.GetContentBlocks() {
		if block.Type != "tool_result" {
			continue
		}
		fields := map[string]any{
			"toolUseId": block.ToolUseID,
			"content":   block.GetContentString(),
			"isError":   block.IsError,
		}
		if meta != nil {
			if d, ok := meta["totalDurationMs"]; ok {
				fields["durationMs"] = d
			} else if d, ok := meta["durationMs"]; ok {
				fields["durationMs"] = d
			}
			if n, ok := meta["numFiles"]; ok {
				fields["numFiles"] = n
			}
			if tr, ok := meta["truncated"]; ok {
				fields["truncated"] = tr
			}
		}
		payloads = append(payloads, wire.NewPayload(wire.EventAgentToolEnd, fields))
	}
	return payloads
}

func mapClaudeStreamEvent(ev *claudecode.StreamEvent) []wire.Payload {
	if ev == nil || ev.Type != claudecode.StreamEventContentBlockDelta || ev.Delta == nil {
		return nil
	}
	switch ev.Delta.Type {
	case claudecode.StreamDeltaText:
		if ev.Delta.Text == "" {
			return nil
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentTextDelta, map[string]any{
			"text": ev.Delta.Text,
		})}
	case claudecode.StreamDeltaThinking:
		if ev.Delta.Thinking == "" {
			return nil
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentThinkingDelta, map[string]any{
			"text": ev.Delta.Thinking,
		})}
	}
	return nil
}

func mapClaudeResult(msg *claudecode.CLIMessage) []wire.Payload {
	fields := map[string]any{
		"costUsd":    msg.CostUSD,
		"turns":      msg.NumTurns,
		"durationMs": msg.DurationMS,
		"isError":    msg.IsError,
	}
	if msg.IsError {
		if s := msg.GetResultString(); s != "" {
			fields["error"] = s
		}
	}
	if len(msg.ModelUsage) > 0 {
		usage := make(map[string]any, len(msg.ModelUsage))
		for model, stats := range msg.ModelUsage {
			entry := map[string]any{
				"inputTokens":  stats.InputTokens,
				"outputTokens": stats.OutputTokens,
				"costUsd":      stats.CostUSD,
			}
			if stats.ContextWindow != nil {
				entry["contextWindow"] = *stats.ContextWindow
			}
			usage[model] = entry
		}
		fields["modelUsage"] = usage
	}
	if len(msg.PermissionDenials) > 0 {
		denials := make([]map[string]any, 0, len(msg.PermissionDenials))
		for _, d := range msg.PermissionDenials {
			denials = append(denials, map[string]any{
				"toolName":  d.ToolName,
				"toolUseId": d.ToolUseID,
			})
		}
		fields["permissionDenials"] = denials
	}
	return []wire.Payload{wire.NewPayload(wire.EventAgentResult, fields)}
}
