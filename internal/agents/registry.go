// Package agents holds the registry of supported agent CLIs: how each one is
// spawned, resumed, and which protocol its adapter speaks. Definitions come
// from an optional YAML file layered over the compiled-in defaults.
package agents

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Protocols an adapter can speak.
const (
	ProtocolStreamJSON = "stream-json"
	ProtocolJSONRPC    = "jsonrpc"
	ProtocolTTY        = "tty"
)

// Definition describes one agent CLI.
type Definition struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Binary and base args for a fresh spawn.
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	// Protocol selects the adapter variant.
	Protocol string `yaml:"protocol"`

	// ResumeFlag is appended with the sessionRef on cold resume.
	ResumeFlag string `yaml:"resumeFlag"`

	// ModelFlag is appended with the model name when the session pins one.
	ModelFlag string `yaml:"modelFlag"`

	// McpConfigFlag is appended with the MCP config file path when present.
	McpConfigFlag string `yaml:"mcpConfigFlag"`

	// PromptTemplate builds the initial prompt from task fields when the
	// session carries no explicit prompt. {{description}} is interpolated.
	PromptTemplate string `yaml:"promptTemplate"`

	DefaultModel   string `yaml:"defaultModel"`
	DefaultWorkDir string `yaml:"defaultWorkDir"`
}

// Registry resolves agent ids to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry builds a registry from the compiled-in defaults, optionally
// overlaid with definitions from a YAML file.
func NewRegistry(registryPath string) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition)}
	for _, def := range builtinDefinitions() {
		r.defs[def.ID] = def
	}
	if registryPath != "" {
		if err := r.loadFile(registryPath); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agent registry: %w", err)
	}
	var file struct {
		Agents []Definition `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agent registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range file.Agents {
		if def.ID == "" || def.Binary == "" {
			return fmt.Errorf("agent registry entry missing id or binary")
		}
		r.defs[def.ID] = def
	}
	return nil
}

// Get returns the definition for an agent id.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("unknown agent %q", id)
	}
	return def, nil
}

// List returns all definitions.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}
