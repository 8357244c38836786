package agents

// builtinDefinitions returns the agents supported out of the box. A registry
// file can override any of these by id.
func builtinDefinitions() []Definition {
	return []Definition{
		{
			ID:     "claude-code",
			Name:   "Claude Code",
			Binary: "claude",
			Args: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
				"--include-partial-messages",
			},
			Protocol:       ProtocolStreamJSON,
			ResumeFlag:     "--resume",
			ModelFlag:      "--model",
			McpConfigFlag:  "--mcp-config",
			PromptTemplate: "Work on the following task:\n\n{{description}}",
			DefaultModel:   "sonnet",
		},
		{
			ID:             "codex",
			Name:           "OpenAI Codex",
			Binary:         "codex",
			Args:           []string{"app-server"},
			Protocol:       ProtocolJSONRPC,
			ModelFlag:      "--model",
			PromptTemplate: "Work on the following task:\n\n{{description}}",
			DefaultModel:   "gpt-5-codex",
		},
		{
			ID:             "gemini",
			Name:           "Google Gemini",
			Binary:         "gemini",
			Protocol:       ProtocolTTY,
			PromptTemplate: "Work on the following task:\n\n{{description}}",
		},
	}
}
