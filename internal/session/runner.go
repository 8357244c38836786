package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/agents"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/session/adapter"
	"github.com/agendo/agendo/internal/session/store"
	"github.com/agendo/agendo/internal/session/wire"
	"github.com/agendo/agendo/internal/tracing"
)

// Runner resolves one queued work item into a concrete agent invocation:
// working directory, environment, initial prompt, MCP config, optional
// resume image. It then drives a supervisor through start and waits for the
// queue slot to free.
type Runner struct {
	deps    Deps
	agents  *agents.Registry
	mailbox *queue.Mailbox
	log     *logger.Logger

	// offline holds per-session control subscriptions kept open while a
	// resumable session has no resident supervisor. Controls arriving on them
	// land in the mailbox and replay on the next claim.
	offMu   sync.Mutex
	offline map[string]bus.Subscription
}

// NewRunner creates a runner over shared supervisor dependencies.
func NewRunner(deps Deps, reg *agents.Registry, mailbox *queue.Mailbox) *Runner {
	return &Runner{
		deps:    deps,
		agents:  reg,
		mailbox: mailbox,
		log:     deps.Logger.WithFields(zap.String("component", "session-runner")),
		offline: make(map[string]bus.Subscription),
	}
}

// collectOffline subscribes to a session's control subject and mailboxes
// everything that arrives until the next claim stops the collector.
func (r *Runner) collectOffline(sessionID string) {
	sub, err := r.deps.Bus.Subscribe(bus.ControlSubject(sessionID), func(ctx context.Context, event *bus.Event) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return err
		}
		var ctrl wire.Control
		if err := json.Unmarshal(data, &ctrl); err != nil {
			r.log.Warn("undecodable control message for suspended session",
				zap.String("sessionId", sessionID), zap.Error(err))
			return nil
		}
		r.mailbox.Put(sessionID, ctrl)
		return nil
	})
	if err != nil {
		r.log.Warn("failed to subscribe suspended-session controls",
			zap.String("sessionId", sessionID), zap.Error(err))
		return
	}
	r.offMu.Lock()
	defer r.offMu.Unlock()
	if old := r.offline[sessionID]; old != nil {
		_ = old.Unsubscribe()
	}
	r.offline[sessionID] = sub
}

// stopOffline tears down the session's offline collector, if any.
func (r *Runner) stopOffline(sessionID string) {
	r.offMu.Lock()
	defer r.offMu.Unlock()
	if sub := r.offline[sessionID]; sub != nil {
		_ = sub.Unsubscribe()
		delete(r.offline, sessionID)
	}
}

// Handle processes one queue item end to end. It returns once the session
// has released its queue slot (first awaiting_input or exit); the subprocess
// may outlive the call.
func (r *Runner) Handle(ctx context.Context, item queue.Item) error {
	ctx, span := tracing.Tracer("session-runner").Start(ctx, "session.run",
		trace.WithAttributes(attribute.String("session.id", item.SessionID)))
	defer span.End()

	sess, err := r.deps.Store.Get(ctx, item.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", item.SessionID, err)
	}
	def, err := r.agents.Get(sess.AgentID)
	if err != nil {
		return err
	}

	resumeRef := item.ResumeRef
	if resumeRef == "" && sess.SessionRef.Valid {
		resumeRef = sess.SessionRef.String
	}

	workDir := resolveWorkDir(sess, def, r.deps.Config.PermittedRoots)
	env := buildEnv(sess)

	var mcpPath string
	if sess.McpEnabled && r.deps.Config.McpServerURL != "" {
		mcpPath, err = writeMcpConfig(sess.ID, r.deps.Config.McpServerURL)
		if err != nil {
			r.log.Warn("failed to write mcp config, continuing without",
				zap.String("sessionId", sess.ID), zap.Error(err))
			mcpPath = ""
		}
	}

	prompt, display := resolvePrompt(sess, def, resumeRef, mcpPath != "")

	var image *adapter.Image
	if resumeRef != "" {
		image = consumePendingImage(r.deps.Config.LogDir, sess.ID, r.log)
	}

	// The supervisor's own control subscription takes over from here; the
	// mailbox drain below replays anything collected in the meantime.
	r.stopOffline(sess.ID)

	sup := New(r.deps, sess, def)
	// Registered before the process starts: an instantly-exiting subprocess
	// fires onExit (and its registry removal) concurrently with this call, so
	// a post-start Add could strand a stale entry.
	if !r.deps.Registry.Add(sup) {
		r.log.Info("session already live on this worker, ignoring duplicate delivery",
			zap.String("sessionId", sess.ID))
		if mcpPath != "" {
			_ = os.Remove(mcpPath)
		}
		return nil
	}
	runErr := sup.Run(ctx, RunOptions{
		Prompt:        prompt,
		DisplayText:   display,
		ResumeRef:     resumeRef,
		WorkDir:       workDir,
		Env:           env,
		McpConfigPath: mcpPath,
		Image:         image,
	})
	if runErr != nil {
		if mcpPath != "" {
			_ = os.Remove(mcpPath)
		}
		return runErr
	}

	// Controls that arrived while no supervisor was resident are replayed in
	// arrival order before anything new can interleave.
	for _, ctrl := range r.mailbox.TakeQueued(sess.ID) {
		sup.handleControl(ctx, ctrl)
	}

	go func() {
		_, _ = sup.WaitForExit(context.Background())
		if mcpPath != "" {
			_ = os.Remove(mcpPath)
		}
		// A session suspended in idle stays addressable: its controls are
		// collected into the mailbox until the next claim.
		bg := context.Background()
		if after, err := r.deps.Store.Get(bg, sess.ID); err == nil && after.Status == store.StatusIdle {
			r.collectOffline(sess.ID)
		}
	}()

	return sup.WaitForSlotRelease(ctx)
}

// resolveWorkDir picks the working directory by priority: per-task override,
// project root, agent default, /tmp. Each candidate must exist and fall under
// a permitted root.
func resolveWorkDir(sess *store.Session, def agents.Definition, permittedRoots []string) string {
	candidates := []string{
		sess.WorkingDir.String,
		sess.ProjectRoot.String,
		def.DefaultWorkDir,
	}
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if underPermittedRoot(dir, permittedRoots) {
			return dir
		}
	}
	return os.TempDir()
}

// underPermittedRoot reports whether dir is inside one of the configured
// roots. An empty configuration permits everything.
func underPermittedRoot(dir string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	clean := filepath.Clean(dir)
	for _, root := range roots {
		cr := filepath.Clean(root)
		if clean == cr || strings.HasPrefix(clean, cr+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// buildEnv assembles the child environment: the parent environment minus the
// nested-session guards, the session's persisted overrides, then the
// identity variables.
func buildEnv(sess *store.Session) []string {
	env := make([]string, 0, len(os.Environ())+6)
	for _, kv := range os.Environ() {
		// Stripped so the agent CLI does not refuse to run inside what it
		// thinks is another agent session.
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE_ENTRYPOINT=") {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range sess.EnvOverrides() {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"AGENDO_SESSION_ID="+sess.ID,
		"AGENDO_AGENT_ID="+sess.AgentID,
	)
	if sess.TaskID.Valid {
		env = append(env, "AGENDO_TASK_ID="+sess.TaskID.String)
	}
	if sess.ProjectID.Valid {
		env = append(env, "AGENDO_PROJECT_ID="+sess.ProjectID.String)
	}
	return env
}

// resolvePrompt builds the text sent to the agent and the text shown to the
// user. The preamble is prepended only on a cold MCP-enabled start; the
// display text never carries it.
func resolvePrompt(sess *store.Session, def agents.Definition, resumeRef string, mcpWired bool) (prompt, display string) {
	base := sess.InitialPrompt.String
	if base == "" && def.PromptTemplate != "" {
		base = strings.ReplaceAll(def.PromptTemplate, "{{description}}", "")
		base = strings.TrimSpace(base)
	} else if def.PromptTemplate != "" && strings.Contains(def.PromptTemplate, "{{description}}") {
		base = strings.ReplaceAll(def.PromptTemplate, "{{description}}", base)
	}

	if resumeRef != "" {
		display = "Continue where you left off."
		prompt = "## Previous Work Summary\n\nThis conversation is being resumed; your prior context is preserved. Review what you were doing and continue where you left off."
		return prompt, display
	}

	display = base
	prompt = base
	if mcpWired && prompt != "" {
		prompt = agendoPreamble(sess.ID) + prompt
	}
	return prompt, display
}

func agendoPreamble(sessionID string) string {
	return fmt.Sprintf("## Agendo Context\n\nYou are running under the Agendo session supervisor (session %s). Collaboration tools are available through the \"agendo\" MCP server.\n\n", sessionID)
}

// writeMcpConfig writes the per-session MCP config file the agent CLI is
// pointed at. Deleted on final process exit.
func writeMcpConfig(sessionID, serverURL string) (string, error) {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"agendo": map[string]any{
				"type": "http",
				"url":  serverURL,
				"headers": map[string]string{
					"X-Agendo-Session": sessionID,
				},
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(os.TempDir(), "agendo-mcp-"+sessionID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// consumePendingImage reads and deletes the resume-pending attachment
// metadata, if a subscriber left one while the session was suspended.
func consumePendingImage(logDir, sessionID string, log *logger.Logger) *adapter.Image {
	path := filepath.Join(logDir, "attachments", sessionID, "resume-pending.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	defer os.Remove(path)
	var meta struct {
		Path     string `json:"path"`
		MimeType string `json:"mimeType"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Warn("undecodable pending image metadata", zap.String("sessionId", sessionID), zap.Error(err))
		return nil
	}
	if meta.Path == "" {
		return nil
	}
	return &adapter.Image{Path: meta.Path, MimeType: meta.MimeType}
}
