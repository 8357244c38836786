package adapter

import (
	"encoding/json"
	"strings"

	"github.com/agendo/agendo/internal/session/wire"
	"github.com/agendo/agendo/pkg/codex"
)

// mapCodexNotification maps one app-server notification to zero or more
// uniform event payloads. Pure; approval requests are not notifications and
// are handled by the adapter directly.
func mapCodexNotification(method string, params json.RawMessage) []wire.Payload {
	switch method {
	case codex.NotifyItemStarted:
		var p codex.ItemStartedParams
		if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
			return nil
		}
		return mapCodexItemStarted(p.Item)

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
			return nil
		}
		return mapCodexItemCompleted(p.Item)

	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if err := json.Unmarshal(params, &p); err != nil || p.Delta == "" {
			return nil
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentTextDelta, map[string]any{"text": p.Delta})}

	case codex.NotifyItemReasoningSummaryDelta, codex.NotifyItemReasoningTextDelta:
		var p codex.ReasoningDeltaParams
		if err := json.Unmarshal(params, &p); err != nil || p.Delta == "" {
			return nil
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentThinkingDelta, map[string]any{"text": p.Delta})}

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil
		}
		fields := map[string]any{"turns": 1, "isError": !p.Success}
		if p.Error != "" {
			fields["error"] = p.Error
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentResult, fields)}

	case "turn/failed":
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil
		}
		fields := map[string]any{"turns": 1, "isError": true}
		if p.Error != "" {
			fields["error"] = p.Error
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentResult, fields)}

	case codex.NotifyTokenCount:
		var p codex.TokenCountParams
		if err := json.Unmarshal(params, &p); err != nil || p.RateLimits == nil || p.RateLimits.Primary == nil {
			return nil
		}
		fields := map[string]any{"usedPercent": p.RateLimits.Primary.UsedPercent}
		if p.RateLimits.Primary.ResetsAt != nil {
			fields["resetsAt"] = *p.RateLimits.Primary.ResetsAt
		}
		return []wire.Payload{wire.NewPayload(wire.EventSystemRateLimit, fields)}

	case codex.NotifyContextCompacted:
		return []wire.Payload{wire.Info("Context compacted")}

	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(params, &p); err != nil || p.Message == "" {
			return nil
		}
		return []wire.Payload{wire.Error(p.Message)}
	}
	return nil
}

func mapCodexItemStarted(item *codex.Item) []wire.Payload {
	switch item.Type {
	case "commandExecution":
		return []wire.Payload{wire.NewPayload(wire.EventAgentToolStart, map[string]any{
			"toolUseId": item.ID,
			"toolName":  "Shell",
			"input":     map[string]any{"command": item.Command, "cwd": item.Cwd},
		})}
	case "fileChange":
		return []wire.Payload{wire.NewPayload(wire.EventAgentToolStart, map[string]any{
			"toolUseId": item.ID,
			"toolName":  "FileChange",
			"input":     map[string]any{"paths": fileChangePaths(item.Changes)},
		})}
	case "mcpToolCall":
		var args map[string]any
		if len(item.Arguments) > 0 {
			_ = json.Unmarshal(item.Arguments, &args)
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentToolStart, map[string]any{
			"toolUseId": item.ID,
			"toolName":  item.Server + ":" + item.Tool,
			"input":     args,
		})}
	}
	return nil
}

func mapCodexItemCompleted(item *codex.Item) []wire.Payload {
	switch item.Type {
	case "agentMessage":
		text := flattenCodexContent(item.Content)
		if text == "" {
			return nil
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentText, map[string]any{"text": text})}

	case "reasoning":
		text := flattenCodexContent(item.Summary)
		if text == "" {
			text = flattenCodexContent(item.Content)
		}
		if text == "" {
			return nil
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentThinking, map[string]any{"text": text})}

	case "commandExecution":
		fields := map[string]any{
			"toolUseId": item.ID,
			"content":   item.AggregatedOutput,
			"isError":   item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0),
		}
		if item.DurationMs != nil {
			fields["durationMs"] = *item.DurationMs
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentToolEnd, fields)}

	case "fileChange":
		return []wire.Payload{wire.NewPayload(wire.EventAgentToolEnd, map[string]any{
			"toolUseId": item.ID,
			"content":   strings.Join(fileChangePaths(item.Changes), "\n"),
			"numFiles":  len(item.Changes),
			"isError":   item.Status == "failed",
		})}

	case "mcpToolCall":
		content := ""
		if len(item.Result) > 0 {
			content = string(item.Result)
		}
		return []wire.Payload{wire.NewPayload(wire.EventAgentToolEnd, map[string]any{
			"toolUseId": item.ID,
			"content":   content,
			"isError":   item.ToolError != "" || item.Status == "failed",
		})}
	}
	return nil
}

func flattenCodexContent(content codex.FlexibleContent) string {
	parts := make([]string, 0, len(content))
	for _, p := range content {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func fileChangePaths(changes []codex.FileChange) []string {
	paths := make([]string, 0, len(changes))
	for _, ch := range changes {
		paths = append(paths, ch.Path)
	}
	return paths
}
