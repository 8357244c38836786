package adapter

import (
	"fmt"

	"github.com/agendo/agendo/internal/agents"
	"github.com/agendo/agendo/internal/common/logger"
)

// New builds the adapter variant for an agent definition's protocol.
func New(def agents.Definition, log *logger.Logger) (Adapter, error) {
	switch def.Protocol {
	case agents.ProtocolStreamJSON:
		return NewClaudeAdapter(def, log), nil
	case agents.ProtocolJSONRPC:
		return NewCodexAdapter(def, log), nil
	case agents.ProtocolTTY:
		return NewGeminiAdapter(def, log), nil
	default:
		return nil, fmt.Errorf("unknown agent protocol %q", def.Protocol)
	}
}
