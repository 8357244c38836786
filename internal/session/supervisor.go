// Package session implements the supervisor that owns one claimed session
// end to end: the atomic claim, the agent subprocess, event sequencing and
// publication, approval gating, timers, and the exit state machine.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/agents"
	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/notify"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/session/adapter"
	"github.com/agendo/agendo/internal/session/logwriter"
	"github.com/agendo/agendo/internal/session/store"
	"github.com/agendo/agendo/internal/session/wire"
)

const (
	// askUserTimeout bounds how long an interactive question card stays
	// unanswered before it resolves as a denial.
	askUserTimeout = 5 * time.Minute

	// controlBuffer bounds the per-session control channel. Controls beyond
	// it are dropped with a log line rather than blocking the bus handler.
	controlBuffer = 64
)

// Deps are the collaborators a supervisor needs. All are shared across
// sessions; per-session state lives on the Supervisor itself.
type Deps struct {
	Store    *store.Store
	Bus      bus.EventBus
	Queue    queue.Enqueuer
	Pusher   notify.Pusher
	Registry *Registry
	Config   *config.SessionConfig
	Logger   *logger.Logger

	// TeamInbox, when set, is polled for teammate messages while a
	// team-leader session awaits input.
	TeamInbox notify.TeamInbox

	// ResetRecovery, when set, is invoked on every transition to
	// awaiting_input so crash-recovery counters restart from zero.
	ResetRecovery func(sessionID string)

	// NewAdapter overrides adapter construction. Nil selects the protocol
	// adapter for the agent definition.
	NewAdapter func(def agents.Definition, log *logger.Logger) (adapter.Adapter, error)
}

// RunOptions carry the resolved invocation from the runner.
type RunOptions struct {
	Prompt        string
	DisplayText   string // user-facing text for the initial user:message; falls back to Prompt
	ResumeRef     string
	WorkDir       string
	Env           []string
	McpConfigPath string
	Image         *adapter.Image
}

// toolUse is the recorded start of one tool invocation, kept for synthesized
// cleanup and interactive-question extraction.
type toolUse struct {
	name  string
	input map[string]any
}

// Supervisor drives one session claim. Create with New, then Run; Run returns
// once the subprocess is up (or the claim was lost), and the exit handler
// finishes the lifecycle asynchronously.
type Supervisor struct {
	id   string
	sess *store.Session
	def  agents.Definition

	store     *store.Store
	bus       bus.EventBus
	queue     queue.Enqueuer
	pusher    notify.Pusher
	teamInbox notify.TeamInbox
	registry  *Registry
	cfg       *config.SessionConfig
	log       *logger.Logger

	resetRecovery func(sessionID string)

	newAdapter func(def agents.Definition, log *logger.Logger) (adapter.Adapter, error)

	ad   adapter.Adapter
	proc adapter.Process
	logw *logwriter.Writer

	tracker   *activityTracker
	approvals *approvalManager

	seqMu sync.Mutex
	seq   uint64

	mu             sync.Mutex
	status         string
	permissionMode string
	allowedTools   []string
	sessionRef     string
	planFile       string

	cancelKilled        bool
	terminateKilled     bool
	idleTimeoutKilled   bool
	interruptKilled     bool
	modeChangeRestart   bool
	clearContextRestart bool
	interruptInProgress bool
	exitHandled         bool

	activeTools  map[string]toolUse
	pendingHuman map[string]*time.Timer // toolUseId -> answer timeout
	suppressed   map[string]bool

	killTimers []*time.Timer

	ctrlMu     sync.Mutex
	ctrlCh     chan wire.Control
	ctrlClosed bool
	ctrlSub    bus.Subscription

	slotOnce     sync.Once
	slotReleased chan struct{}
	exitOnce     sync.Once
	exited       chan struct{}
	exitCode     int
}

// New builds a supervisor for a loaded session row. Run performs the claim.
func New(deps Deps, sess *store.Session, def agents.Definition) *Supervisor {
	idle := deps.Config.IdleTimeout()
	if sess.IdleTimeoutSec > 0 {
		idle = time.Duration(sess.IdleTimeoutSec) * time.Second
	}
	s := &Supervisor{
		id:             sess.ID,
		sess:           sess,
		def:            def,
		store:          deps.Store,
		bus:            deps.Bus,
		queue:          deps.Queue,
		pusher:         deps.Pusher,
		teamInbox:      deps.TeamInbox,
		registry:       deps.Registry,
		cfg:            deps.Config,
		log:            deps.Logger.WithSessionID(sess.ID),
		resetRecovery:  deps.ResetRecovery,
		newAdapter:     deps.NewAdapter,
		tracker:        newActivityTracker(idle, deps.Config.DeltaFlush()),
		approvals:      newApprovalManager(),
		status:         store.StatusActive,
		permissionMode: sess.PermissionMode,
		allowedTools:   sess.AllowedToolList(),
		sessionRef:     sess.SessionRef.String,
		planFile:       sess.PlanFilePath.String,
		activeTools:    make(map[string]toolUse),
		pendingHuman:   make(map[string]*time.Timer),
		suppressed:     make(map[string]bool),
		slotReleased:   make(chan struct{}),
		exited:         make(chan struct{}),
	}
	return s
}

// ID returns the session id.
func (s *Supervisor) ID() string { return s.id }

// Run claims the session, spawns the agent, and sends the initial prompt. A
// lost claim is not an error: both futures resolve and Run returns nil.
func (s *Supervisor) Run(ctx context.Context, opts RunOptions) error {
	seq, ok, err := s.store.Claim(ctx, s.id, s.cfg.WorkerID)
	if err != nil {
		s.registry.Remove(s.id)
		s.resolveSlot()
		s.resolveExit(-1)
		return err
	}
	if !ok {
		s.log.Info("session already claimed, skipping")
		s.registry.Remove(s.id)
		s.resolveSlot()
		s.resolveExit(0)
		return nil
	}
	s.seq = seq

	logw, err := logwriter.New(s.cfg.LogDir, s.id)
	if err != nil {
		return s.failStart(ctx, fmt.Errorf("failed to open session log: %w", err))
	}
	s.logw = logw
	if err := s.store.SetLogFilePath(ctx, s.id, logw.Path()); err != nil {
		s.log.Warn("failed to persist log file path", zap.Error(err))
	}

	if err := s.subscribeControls(); err != nil {
		return s.failStart(ctx, fmt.Errorf("failed to subscribe control channel: %w", err))
	}

	newAdapter := s.newAdapter
	if newAdapter == nil {
		newAdapter = adapter.New
	}
	ad, err := newAdapter(s.def, s.log)
	if err != nil {
		return s.failStart(ctx, err)
	}
	s.ad = ad
	ad.SetApprovalHandler(s.gateApproval)
	ad.SetCallbacks(adapter.Callbacks{
		OnEvents:     s.handleAdapterEvents,
		OnRawLine:    s.handleRawLine,
		OnSessionRef: s.handleSessionRef,
		OnThinking:   s.handleThinking,
		OnExit:       s.onExit,
	})

	proc, err := ad.Start(ctx, adapter.SpawnOptions{
		SessionID:     s.id,
		WorkDir:       opts.WorkDir,
		Env:           opts.Env,
		Model:         s.sess.Model.String,
		McpConfigPath: opts.McpConfigPath,
		ResumeRef:     opts.ResumeRef,
	})
	if err != nil {
		return s.failStart(ctx, fmt.Errorf("failed to start agent: %w", err))
	}
	s.proc = proc
	if err := s.store.SetPID(ctx, s.id, proc.PID()); err != nil {
		s.log.Warn("failed to persist pid", zap.Error(err))
	}

	s.emit(ctx, wire.NewPayload(wire.EventSessionState, map[string]any{"status": store.StatusActive}))
	display := opts.DisplayText
	if display == "" {
		display = opts.Prompt
	}
	if display != "" {
		s.emit(ctx, wire.NewPayload(wire.EventUserMessage, map[string]any{"text": display}))
	}

	s.tracker.setFlushHandlers(
		func(text string, gen uint64) {
			s.emitDelta(wire.EventAgentTextDelta, text, gen)
		},
		func(text string, gen uint64) {
			s.emitDelta(wire.EventAgentThinkingDelta, text, gen)
		},
	)
	s.tracker.startHeartbeat(s.cfg.Heartbeat(), s.heartbeat)
	if _, ok := ad.(adapter.McpStatusProvider); ok && s.sess.McpEnabled {
		s.tracker.startMcpHealth(s.cfg.McpHealth(), s.mcpHealth)
	}

	if opts.Prompt != "" || opts.Image != nil {
		if err := ad.SendMessage(ctx, opts.Prompt, opts.Image); err != nil {
			s.log.Error("failed to send initial prompt", zap.Error(err))
		}
	}
	return nil
}

// failStart surfaces a spawn-path failure and winds the session down to
// ended before the subprocess ever ran.
func (s *Supervisor) failStart(ctx context.Context, err error) error {
	s.log.Error("session start failed", zap.Error(err))
	s.emit(ctx, wire.Error(err.Error()))
	if serr := s.store.SetStatus(ctx, s.id, store.StatusEnded); serr != nil {
		s.log.Warn("failed to persist ended status", zap.Error(serr))
	}
	s.emit(ctx, wire.NewPayload(wire.EventSessionState, map[string]any{"status": store.StatusEnded}))
	s.closeControls()
	if s.logw != nil {
		_ = s.logw.Close()
	}
	s.registry.Remove(s.id)
	s.resolveSlot()
	s.resolveExit(-1)
	return err
}

// WaitForSlotRelease blocks until the first awaiting_input transition or
// process exit, whichever is earlier. The subprocess stays resident.
func (s *Supervisor) WaitForSlotRelease(ctx context.Context) error {
	select {
	case <-s.slotReleased:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForExit blocks until the final exit and returns the exit code.
func (s *Supervisor) WaitForExit(ctx context.Context) (int, error) {
	select {
	case <-s.exited:
		return s.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Supervisor) resolveSlot() {
	s.slotOnce.Do(func() { close(s.slotReleased) })
}

func (s *Supervisor) resolveExit(code int) {
	s.exitOnce.Do(func() {
		s.exitCode = code
		close(s.exited)
	})
}

// emit assigns the next sequence number and publishes the payload.
func (s *Supervisor) emit(ctx context.Context, p wire.Payload) {
	s.seqMu.Lock()
	s.seq++
	seq := s.seq
	s.seqMu.Unlock()
	s.publish(ctx, seq, p)
}

// emitDelta publishes a batched delta flush unless the buffers were
// invalidated after the flush captured its text. The generation check and the
// sequence assignment share seqMu, so a stale flush can never sequence after
// the complete event that superseded it.
func (s *Supervisor) emitDelta(t wire.EventType, text string, gen uint64) {
	s.seqMu.Lock()
	if s.tracker.generation() != gen {
		s.seqMu.Unlock()
		return
	}
	s.seq++
	seq := s.seq
	s.seqMu.Unlock()
	s.publish(context.Background(), seq, wire.NewPayload(t, map[string]any{"text": text}))
}

// publish persists the sequence number, mirrors system and user events into
// the log file, and publishes the sequenced event on the session's event
// subject. Publish or persistence failures log and continue; sequencing never
// stalls the session.
func (s *Supervisor) publish(ctx context.Context, seq uint64, p wire.Payload) {
	if err := s.store.SetEventSeq(ctx, s.id, seq); err != nil {
		s.log.Warn("failed to persist event seq", zap.Error(err))
	}

	if s.logw != nil {
		switch {
		case p.Type == wire.EventUserMessage:
			if text, _ := p.Fields["text"].(string); text != "" {
				_ = s.logw.Write(logwriter.StreamUser, text)
			}
		case strings.HasPrefix(string(p.Type), "system:"):
			if msg, _ := p.Fields["message"].(string); msg != "" {
				_ = s.logw.Write(logwriter.StreamSystem, msg)
			}
		}
	}

	wev := wire.Event{
		ID:        seq,
		SessionID: s.id,
		TS:        time.Now().UTC(),
		Type:      p.Type,
		Fields:    p.Fields,
	}
	event := bus.NewEvent(string(p.Type), "session-supervisor", wev.Flatten())
	if err := s.bus.Publish(ctx, bus.EventsSubject(s.id), event); err != nil {
		s.log.Warn("failed to publish event", zap.String("eventType", string(p.Type)), zap.Error(err))
	}
}

// --- adapter callbacks ---

func (s *Supervisor) handleRawLine(stream, line string) {
	if s.logw != nil {
		_ = s.logw.Write(stream, line)
	}
}

func (s *Supervisor) handleSessionRef(ref string) {
	s.mu.Lock()
	s.sessionRef = ref
	s.mu.Unlock()
	if err := s.store.SetSessionRef(context.Background(), s.id, ref); err != nil {
		s.log.Warn("failed to persist session ref", zap.Error(err))
	}
}

func (s *Supervisor) handleThinking(active bool) {
	s.tracker.recordActivity()
	s.emit(context.Background(), wire.NewPayload(wire.EventAgentActivity, map[string]any{"thinking": active}))
}

// handleAdapterEvents routes mapped payloads: deltas into the batcher, tool
// events through the bookkeeping sets, everything else straight to emit.
func (s *Supervisor) handleAdapterEvents(payloads []wire.Payload) {
	ctx := context.Background()
	for _, p := range payloads {
		switch p.Type {
		case wire.EventAgentTextDelta:
			if text, _ := p.Fields["text"].(string); text != "" {
				s.tracker.appendDelta(text)
			}
			s.tracker.recordActivity()

		case wire.EventAgentThinkingDelta:
			if text, _ := p.Fields["text"].(string); text != "" {
				s.tracker.appendThinkingDelta(text)
			}
			s.tracker.recordActivity()

		case wire.EventAgentText, wire.EventAgentThinking:
			s.tracker.clearDeltaBuffers()
			s.tracker.recordActivity()
			s.emit(ctx, p)

		case wire.EventAgentToolStart:
			s.handleToolStart(ctx, p)

		case wire.EventAgentToolEnd:
			s.handleToolEnd(ctx, p)

		case wire.EventAgentResult:
			s.handleResult(ctx, p)

		case wire.EventSessionInit:
			if mode, _ := p.Fields["permissionMode"].(string); mode != "" {
				s.mu.Lock()
				s.permissionMode = mode
				s.mu.Unlock()
			}
			s.emit(ctx, p)

		default:
			s.tracker.recordActivity()
			s.emit(ctx, p)
		}
	}
}

func (s *Supervisor) handleToolStart(ctx context.Context, p wire.Payload) {
	id, _ := p.Fields["toolUseId"].(string)
	name, _ := p.Fields["toolName"].(string)
	input, _ := p.Fields["input"].(map[string]any)
	s.tracker.recordActivity()

	if approvalGated(name) {
		// Gated tools surface only as approval cards; their start/end
		// events stay hidden.
		s.mu.Lock()
		s.suppressed[id] = true
		s.mu.Unlock()
		if name == "ExitPlanMode" {
			s.capturePlan(ctx)
		}
		return
	}

	s.mu.Lock()
	s.activeTools[id] = toolUse{name: name, input: input}
	s.mu.Unlock()
	s.emit(ctx, p)
}

func (s *Supervisor) handleToolEnd(ctx context.Context, p wire.Payload) {
	id, _ := p.Fields["toolUseId"].(string)
	isError, _ := p.Fields["isError"].(bool)

	s.mu.Lock()
	if s.suppressed[id] {
		delete(s.suppressed, id)
		s.mu.Unlock()
		return
	}
	if _, pending := s.pendingHuman[id]; pending {
		// The error-form result was already consumed; the card stays live
		// until the human answers.
		s.mu.Unlock()
		return
	}
	use, active := s.activeTools[id]
	if active && isError {
		// Generic interactive-tool detection: an error-form result for a
		// still-active tool means the real answer comes from a human.
		timer := time.AfterFunc(askUserTimeout, func() { s.expireQuestion(id) })
		s.pendingHuman[id] = timer
		s.mu.Unlock()
		s.emit(ctx, wire.NewPayload(wire.EventAgentAskUser, map[string]any{
			"requestId": id,
			"questions": questionsFromInput(use.input),
		}))
		s.pusher.SendPushToAll("Agent has a question", fmt.Sprintf("Session %s is waiting for your answer", s.id), "")
		return
	}
	delete(s.activeTools, id)
	s.mu.Unlock()
	s.tracker.recordActivity()
	s.emit(ctx, p)
}

func (s *Supervisor) handleResult(ctx context.Context, p wire.Payload) {
	cost, _ := p.Fields["costUsd"].(float64)
	turns := 0
	switch v := p.Fields["turns"].(type) {
	case int:
		turns = v
	case float64:
		turns = int(v)
	}
	if err := s.store.AddUsage(ctx, s.id, cost, turns); err != nil {
		s.log.Warn("failed to record usage", zap.Error(err))
	}

	s.tracker.clearDeltaBuffers()
	s.emit(ctx, p)

	s.mu.Lock()
	interrupting := s.interruptInProgress
	s.mu.Unlock()
	if !interrupting {
		s.enterAwaitingInput(ctx)
	}
}

// questionsFromInput extracts the question list an interactive tool recorded
// at start time; the raw input is the fallback.
func questionsFromInput(input map[string]any) any {
	if input == nil {
		return nil
	}
	if q, ok := input["questions"]; ok {
		return q
	}
	return input
}

// expireQuestion resolves an unanswered interactive question as a denial.
func (s *Supervisor) expireQuestion(id string) {
	s.mu.Lock()
	timer, ok := s.pendingHuman[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	timer.Stop()
	delete(s.pendingHuman, id)
	delete(s.activeTools, id)
	s.mu.Unlock()

	ctx := context.Background()
	s.emit(ctx, wire.NewPayload(wire.EventAgentToolEnd, map[string]any{
		"toolUseId": id,
		"content":   "No response received.",
		"isError":   true,
	}))
	s.emit(ctx, wire.Info("Question timed out without an answer."))
}

// capturePlan persists the most recent plan file at the moment ExitPlanMode
// fires.
func (s *Supervisor) capturePlan(ctx context.Context) {
	dir := defaultPlansDir()
	if dir == "" {
		return
	}
	plan := latestPlanFile(dir)
	if plan == "" {
		return
	}
	s.mu.Lock()
	s.planFile = plan
	s.mu.Unlock()
	if err := s.store.SetPlanFilePath(ctx, s.id, plan); err != nil {
		s.log.Warn("failed to persist plan file path", zap.Error(err))
	}
}

// --- state transitions ---

func (s *Supervisor) setStatus(ctx context.Context, status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if err := s.store.SetStatus(ctx, s.id, status); err != nil {
		s.log.Warn("failed to persist status", zap.String("status", status), zap.Error(err))
	}
	s.emit(ctx, wire.NewPayload(wire.EventSessionState, map[string]any{"status": status}))
}

// enterAwaitingInput flushes buffered deltas, frees the queue slot, arms the
// idle timer, and notifies subscribers.
func (s *Supervisor) enterAwaitingInput(ctx context.Context) {
	s.tracker.flushText()
	s.tracker.flushThinking()
	s.setStatus(ctx, store.StatusAwaitingInput)
	s.resolveSlot()
	s.tracker.armIdle(s.onIdleTimeout)
	if s.resetRecovery != nil {
		s.resetRecovery(s.id)
	}
	if s.teamInbox != nil && s.sess.TeamLeader {
		s.teamInbox.StartPolling(s.id, s.deliverTeamMessage)
	}
	s.pusher.SendPushToAll("Agent awaiting input", fmt.Sprintf("Session %s is ready for your next message", s.id), "")
}

func (s *Supervisor) enterActive(ctx context.Context) {
	s.tracker.disarmIdle()
	s.stopTeamInbox()
	s.mu.Lock()
	already := s.status == store.StatusActive
	s.mu.Unlock()
	if !already {
		s.setStatus(ctx, store.StatusActive)
	}
}

// deliverTeamMessage surfaces a teammate's inbox message on the event stream.
// The leader stays in awaiting_input; forwarding the message to the agent is
// the user's call.
func (s *Supervisor) deliverTeamMessage(from, text string) {
	s.tracker.recordActivity()
	s.emit(context.Background(), wire.NewPayload(wire.EventTeamMessage, map[string]any{
		"from": from,
		"text": text,
	}))
}

func (s *Supervisor) stopTeamInbox() {
	if s.teamInbox != nil && s.sess.TeamLeader {
		s.teamInbox.StopPolling(s.id)
	}
}

func (s *Supervisor) onIdleTimeout() {
	ctx := context.Background()
	s.mu.Lock()
	timeout := int(s.tracker.idleTimeout / time.Second)
	s.idleTimeoutKilled = true
	s.mu.Unlock()
	s.emit(ctx, wire.Info(fmt.Sprintf("Idle timeout after %ds. Suspending session.", timeout)))
	s.signalTerm()
}

// --- timers ---

func (s *Supervisor) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Heartbeat(ctx, s.id); err != nil {
		s.log.Warn("heartbeat update failed", zap.Error(err))
	}
	s.mu.Lock()
	handled := s.exitHandled
	s.mu.Unlock()
	if !handled && s.proc != nil && !s.proc.Alive() {
		s.log.Warn("agent process vanished without an exit callback")
		s.onExit(-1)
	}
}

func (s *Supervisor) mcpHealth() {
	provider, ok := s.ad.(adapter.McpStatusProvider)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	statuses, err := provider.McpStatus(ctx)
	if err != nil {
		s.log.Warn("mcp status query failed", zap.Error(err))
		return
	}
	var unhealthy []string
	servers := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		servers = append(servers, map[string]any{"name": st.Name, "status": st.Status})
		if !st.Healthy() {
			unhealthy = append(unhealthy, st.Name)
		}
	}
	if len(unhealthy) == 0 {
		return
	}
	s.emit(context.Background(), wire.NewPayload(wire.EventSystemMcpStatus, map[string]any{
		"servers":   servers,
		"unhealthy": unhealthy,
	}))
}

// --- approval gating ---

// approvalGated tools always prompt a human, regardless of permission mode.
func approvalGated(toolName string) bool {
	return toolName == "ExitPlanMode"
}

// interactiveTool requests are auto-allowed so the question-card flow takes
// over.
func interactiveTool(toolName string) bool {
	return toolName == "AskUserQuestion"
}

// allowlisted matches the exact tool name or the name prefix before "(" of a
// persisted pattern like "Bash(git status)".
func allowlisted(toolName string, allowed []string) bool {
	for _, entry := range allowed {
		if entry == toolName {
			return true
		}
		if i := strings.IndexByte(entry, '('); i > 0 && entry[:i] == toolName {
			return true
		}
	}
	return false
}

// gateApproval is the adapter-facing approval handler. It runs on an adapter
// goroutine and may block until a tool-approval control resolves it.
func (s *Supervisor) gateApproval(req adapter.ApprovalRequest) adapter.ApprovalDecision {
	ctx := context.Background()

	if interactiveTool(req.ToolName) {
		return adapter.ApprovalDecision{Behavior: wire.DecisionAllow}
	}

	s.mu.Lock()
	mode := s.permissionMode
	allowed := append([]string(nil), s.allowedTools...)
	s.mu.Unlock()

	if mode != "" && mode != "default" && !approvalGated(req.ToolName) {
		return adapter.ApprovalDecision{Behavior: wire.DecisionAllow}
	}
	if allowlisted(req.ToolName, allowed) {
		return adapter.ApprovalDecision{Behavior: wire.DecisionAllow}
	}

	p := s.approvals.register(req.ID, req.ToolName)
	s.emit(ctx, wire.NewPayload(wire.EventAgentToolApproval, map[string]any{
		"approvalId": req.ID,
		"toolName":   req.ToolName,
		"toolUseId":  req.ToolUseID,
		"toolInput":  req.Input,
	}))
	s.pusher.SendPushToAll("Approval needed", fmt.Sprintf("Agent wants to run %s", req.ToolName), "")

	decision := <-p.ch

	if decision.Behavior == wire.DecisionAllowSession {
		s.mu.Lock()
		s.allowedTools = append(s.allowedTools, req.ToolName)
		allowed = append([]string(nil), s.allowedTools...)
		s.mu.Unlock()
		if err := s.store.SetAllowedTools(ctx, s.id, allowed); err != nil {
			s.log.Warn("failed to persist tool allowlist", zap.Error(err))
		}
	}
	return decision
}

// --- control channel ---

func (s *Supervisor) subscribeControls() error {
	s.ctrlCh = make(chan wire.Control, controlBuffer)
	sub, err := s.bus.Subscribe(bus.ControlSubject(s.id), func(ctx context.Context, event *bus.Event) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return err
		}
		var ctrl wire.Control
		if err := json.Unmarshal(data, &ctrl); err != nil {
			s.log.Warn("undecodable control message", zap.Error(err))
			return nil
		}
		s.enqueueControl(ctrl)
		return nil
	})
	if err != nil {
		return err
	}
	s.ctrlSub = sub
	go s.dispatchControls()
	return nil
}

// enqueueControl hands a control to the dispatcher. Controls are processed
// one at a time in arrival order; the single dispatcher goroutine is what
// guarantees an approval decision lands before any later follow-up message.
func (s *Supervisor) enqueueControl(ctrl wire.Control) {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if s.ctrlClosed {
		return
	}
	select {
	case s.ctrlCh <- ctrl:
	default:
		s.log.Warn("control channel full, dropping", zap.String("controlType", string(ctrl.Type)))
	}
}

func (s *Supervisor) dispatchControls() {
	for ctrl := range s.ctrlCh {
		s.handleControl(context.Background(), ctrl)
	}
}

func (s *Supervisor) closeControls() {
	if s.ctrlSub != nil {
		_ = s.ctrlSub.Unsubscribe()
		s.ctrlSub = nil
	}
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if s.ctrlCh != nil && !s.ctrlClosed {
		s.ctrlClosed = true
		close(s.ctrlCh)
	}
}

func (s *Supervisor) handleControl(ctx context.Context, ctrl wire.Control) {
	switch ctrl.Type {
	case wire.ControlCancel:
		s.Cancel(ctx)
	case wire.ControlInterrupt:
		s.Interrupt(ctx)
	case wire.ControlMessage:
		var image *adapter.Image
		if ctrl.ImageRef != "" {
			image = &adapter.Image{Path: ctrl.ImageRef}
		}
		s.PushMessage(ctx, ctrl.Text, image)
	case wire.ControlRedirect:
		s.handleRedirect(ctx, ctrl.NewPrompt)
	case wire.ControlToolApproval:
		s.handleToolApproval(ctx, ctrl)
	case wire.ControlToolResult:
		s.PushToolResult(ctx, ctrl.ToolUseID, ctrl.Content)
	case wire.ControlAnswerQuestion:
		s.handleAnswerQuestion(ctx, ctrl.RequestID, ctrl.Answers)
	case wire.ControlSetPermissionMode:
		s.handleSetPermissionMode(ctx, ctrl.Mode)
	case wire.ControlSetModel:
		s.handleSetModel(ctx, ctrl.Model)
	default:
		s.log.Warn("unknown control type", zap.String("controlType", string(ctrl.Type)))
	}
}

// PushMessage forwards a user message. The emit and the transition to active
// happen before the adapter send: an adapter whose send blocks on a full
// roundtrip otherwise races with its own thinking callback.
func (s *Supervisor) PushMessage(ctx context.Context, text string, image *adapter.Image) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != store.StatusActive && status != store.StatusAwaitingInput {
		s.log.Warn("dropping message in terminal status", zap.String("status", status))
		return
	}
	s.emit(ctx, wire.NewPayload(wire.EventUserMessage, map[string]any{"text": text}))
	s.enterActive(ctx)
	if err := s.ad.SendMessage(ctx, text, image); err != nil {
		s.log.Error("failed to forward message", zap.Error(err))
		s.emit(ctx, wire.Error("Failed to deliver message to the agent."))
	}
}

// PushToolResult forwards an interactive tool's result. Ids marked pending
// human response synthesize a tool-end plus a user message carrying only the
// answer; the question is already in the agent's context.
func (s *Supervisor) PushToolResult(ctx context.Context, toolUseID, content string) {
	s.mu.Lock()
	timer, pending := s.pendingHuman[toolUseID]
	if pending {
		timer.Stop()
		delete(s.pendingHuman, toolUseID)
		delete(s.activeTools, toolUseID)
	}
	s.mu.Unlock()

	if pending {
		s.emit(ctx, wire.NewPayload(wire.EventAgentToolEnd, map[string]any{
			"toolUseId": toolUseID,
			"content":   content,
		}))
		s.emit(ctx, wire.NewPayload(wire.EventUserMessage, map[string]any{"text": content}))
		s.enterActive(ctx)
		if err := s.ad.SendMessage(ctx, content, nil); err != nil {
			s.log.Error("failed to forward answer", zap.Error(err))
		}
		return
	}

	if sender, ok := s.ad.(adapter.ToolResultSender); ok {
		if err := sender.SendToolResult(ctx, toolUseID, content); err != nil {
			s.log.Error("failed to send tool result", zap.Error(err))
		}
		return
	}
	s.log.Warn("adapter cannot receive tool results", zap.String("toolUseId", toolUseID))
}

// handleAnswerQuestion resolves an interactive question card: synthesized
// tool-end with the answers JSON, a user message with the bare values, back
// to active, then the values forwarded to the agent.
func (s *Supervisor) handleAnswerQuestion(ctx context.Context, requestID string, answers map[string]string) {
	s.mu.Lock()
	timer, ok := s.pendingHuman[requestID]
	if ok {
		timer.Stop()
		delete(s.pendingHuman, requestID)
		delete(s.activeTools, requestID)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Warn("answer for unknown question", zap.String("requestId", requestID))
		return
	}

	encoded, err := json.Marshal(answers)
	if err != nil {
		s.log.Error("failed to encode answers", zap.Error(err))
		return
	}
	s.emit(ctx, wire.NewPayload(wire.EventAgentToolEnd, map[string]any{
		"toolUseId": requestID,
		"content":   string(encoded),
	}))

	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, answers[k])
	}
	joined := strings.Join(values, "\n")
	s.emit(ctx, wire.NewPayload(wire.EventUserMessage, map[string]any{"text": joined}))
	s.enterActive(ctx)
	if err := s.ad.SendMessage(ctx, joined, nil); err != nil {
		s.log.Error("failed to forward answer", zap.Error(err))
	}
}

func (s *Supervisor) handleRedirect(ctx context.Context, newPrompt string) {
	if newPrompt == "" {
		return
	}
	if err := s.ad.Interrupt(ctx); err != nil {
		s.log.Warn("interrupt before redirect failed", zap.Error(err))
	}
	s.emit(ctx, wire.NewPayload(wire.EventUserMessage, map[string]any{"text": newPrompt}))
	s.enterActive(ctx)
	if err := s.ad.SendMessage(ctx, newPrompt, nil); err != nil {
		s.log.Error("failed to forward redirect", zap.Error(err))
	}
}

func (s *Supervisor) handleToolApproval(ctx context.Context, ctrl wire.Control) {
	decision := adapter.ApprovalDecision{
		Behavior:     ctrl.Decision,
		UpdatedInput: ctrl.UpdatedInput,
	}
	if !s.approvals.resolve(ctrl.ApprovalID, decision) {
		s.log.Warn("decision for unknown approval", zap.String("approvalId", ctrl.ApprovalID))
	}

	if ctrl.ClearContextRestart {
		s.startClearContextRestart(ctx, ctrl.PostApprovalMode)
		return
	}
	if ctrl.PostApprovalMode != "" {
		s.handleSetPermissionMode(ctx, ctrl.PostApprovalMode)
	}
	if ctrl.PostApprovalCompact {
		s.emit(ctx, wire.Info("Compacting conversation context."))
		if err := s.ad.SendMessage(ctx, "/compact", nil); err != nil {
			s.log.Warn("failed to request compaction", zap.Error(err))
		}
	}
}

// startClearContextRestart rebuilds the initial prompt from the captured
// plan, drops the resume ref, and terminates; the exit handler re-enqueues
// without a sessionRef so the next spawn starts a fresh conversation.
func (s *Supervisor) startClearContextRestart(ctx context.Context, postMode string) {
	s.mu.Lock()
	planPath := s.planFile
	s.mu.Unlock()

	var plan string
	if planPath != "" {
		if data, err := os.ReadFile(planPath); err == nil {
			plan = string(data)
		} else {
			s.log.Warn("failed to read plan file", zap.String("path", planPath), zap.Error(err))
		}
	}
	prompt := "Implement the following plan:\n\n" + plan
	if err := s.store.ClearSessionRef(ctx, s.id); err != nil {
		s.log.Warn("failed to clear session ref", zap.Error(err))
	}
	if err := s.store.SetInitialPrompt(ctx, s.id, prompt); err != nil {
		s.log.Warn("failed to store restart prompt", zap.Error(err))
	}
	if postMode != "" {
		s.mu.Lock()
		s.permissionMode = postMode
		s.mu.Unlock()
		if err := s.store.SetPermissionMode(ctx, s.id, postMode); err != nil {
			s.log.Warn("failed to persist permission mode", zap.Error(err))
		}
	}

	s.emit(ctx, wire.Info("Clearing context and restarting to implement the plan."))
	s.mu.Lock()
	s.clearContextRestart = true
	s.mu.Unlock()
	s.signalTerm()
}

func (s *Supervisor) handleSetPermissionMode(ctx context.Context, mode string) {
	if mode == "" {
		return
	}
	if setter, ok := s.ad.(adapter.PermissionModeSetter); ok {
		if err := setter.SetPermissionMode(ctx, mode); err == nil {
			s.mu.Lock()
			s.permissionMode = mode
			s.mu.Unlock()
			if err := s.store.SetPermissionMode(ctx, s.id, mode); err != nil {
				s.log.Warn("failed to persist permission mode", zap.Error(err))
			}
			s.emit(ctx, wire.Info(fmt.Sprintf("Permission mode → %s.", permissionModeLabel(mode))))
			return
		}
		s.log.Warn("in-place permission mode change failed, restarting", zap.String("mode", mode))
	}

	s.mu.Lock()
	s.permissionMode = mode
	s.modeChangeRestart = true
	s.mu.Unlock()
	if err := s.store.SetPermissionMode(ctx, s.id, mode); err != nil {
		s.log.Warn("failed to persist permission mode", zap.Error(err))
	}
	s.emit(ctx, wire.Info(fmt.Sprintf("Permission mode → %s. The session will restart automatically.", permissionModeLabel(mode))))
	s.signalTerm()
}

func (s *Supervisor) handleSetModel(ctx context.Context, model string) {
	if model == "" {
		return
	}
	if err := s.store.SetModel(ctx, s.id, model); err != nil {
		s.log.Warn("failed to persist model", zap.Error(err))
	}
	if setter, ok := s.ad.(adapter.ModelSetter); ok {
		if err := setter.SetModel(ctx, model); err == nil {
			s.emit(ctx, wire.Info(fmt.Sprintf("Model → %s.", model)))
			return
		}
		s.log.Warn("in-place model change failed", zap.String("model", model))
	}
	s.emit(ctx, wire.Info(fmt.Sprintf("Model set to %s; it takes effect when the session restarts.", model)))
}

func permissionModeLabel(mode string) string {
	switch mode {
	case "default":
		return "Default"
	case "acceptEdits":
		return "Edit Only"
	case "bypassPermissions":
		return "Full Access"
	case "plan":
		return "Plan"
	default:
		return mode
	}
}

// --- cancellation and termination ---

// Interrupt is the soft stop: ask the agent to end the current turn. If the
// process survives, the session settles in awaiting_input with its context
// intact; if it dies, interruptKilled routes the exit to idle.
func (s *Supervisor) Interrupt(ctx context.Context) {
	s.emit(ctx, wire.Info("Stopping..."))
	s.mu.Lock()
	s.interruptInProgress = true
	s.mu.Unlock()

	err := s.ad.Interrupt(ctx)
	if err == nil && s.ad.Alive() {
		s.synthesizeToolEnds(ctx, "[Interrupted]")
		s.mu.Lock()
		s.interruptInProgress = false
		s.mu.Unlock()
		s.enterAwaitingInput(ctx)
		return
	}

	s.mu.Lock()
	s.interruptKilled = true
	s.interruptInProgress = false
	s.mu.Unlock()
	if err := s.ad.Kill(); err != nil {
		s.log.Warn("kill after failed interrupt", zap.Error(err))
	}
}

// Cancel is the hard stop: the session ends and will not resume.
func (s *Supervisor) Cancel(ctx context.Context) {
	s.mu.Lock()
	s.cancelKilled = true
	s.mu.Unlock()

	s.synthesizeToolEnds(ctx, "[Interrupted by user]")
	s.approvals.drain(adapter.ApprovalDecision{Behavior: wire.DecisionDeny, Message: "Session canceled"})
	if err := s.ad.Interrupt(ctx); err != nil {
		s.log.Warn("interrupt on cancel failed", zap.Error(err))
	}
	s.scheduleKillEscalation()
}

// synthesizeToolEnds closes every active tool with a fixed content string.
func (s *Supervisor) synthesizeToolEnds(ctx context.Context, content string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.activeTools))
	for id := range s.activeTools {
		ids = append(ids, id)
	}
	s.activeTools = make(map[string]toolUse)
	for id, timer := range s.pendingHuman {
		timer.Stop()
		delete(s.pendingHuman, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		s.emit(ctx, wire.NewPayload(wire.EventAgentToolEnd, map[string]any{
			"toolUseId": id,
			"content":   content,
		}))
	}
}

// MarkTerminating sets the graceful-shutdown flag without signaling. It must
// run before any signal goes out so a racing process exit already sees it.
func (s *Supervisor) MarkTerminating() {
	s.mu.Lock()
	s.terminateKilled = true
	s.mu.Unlock()
}

// Terminate flags and signals a graceful shutdown.
func (s *Supervisor) Terminate() {
	s.MarkTerminating()
	s.signalTerm()
}

// signalTerm delivers SIGTERM and schedules the SIGKILL escalation. Kill
// flags must already be set.
func (s *Supervisor) signalTerm() {
	if s.proc == nil {
		return
	}
	if err := s.proc.Signal(syscall.SIGTERM); err != nil {
		s.log.Warn("SIGTERM delivery failed", zap.Error(err))
	}
	s.scheduleKillEscalation()
}

// scheduleKillEscalation arms a tracked SIGKILL timer; an early exit cancels
// it.
func (s *Supervisor) scheduleKillEscalation() {
	delay := s.cfg.KillEscalation()
	if delay <= 0 {
		delay = 5 * time.Second
	}
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		handled := s.exitHandled
		s.mu.Unlock()
		if handled || s.proc == nil {
			return
		}
		s.log.Warn("escalating to SIGKILL")
		if err := s.proc.Kill(); err != nil {
			s.log.Warn("SIGKILL delivery failed", zap.Error(err))
		}
	})
	s.mu.Lock()
	s.killTimers = append(s.killTimers, timer)
	s.mu.Unlock()
}

// --- exit ---

// onExit is the single funnel for process death: the real exit callback, the
// heartbeat's silent-crash probe, or a failed interrupt. The exitHandled
// guard makes it idempotent; the first caller wins.
func (s *Supervisor) onExit(code int) {
	s.mu.Lock()
	if s.exitHandled {
		s.mu.Unlock()
		return
	}
	s.exitHandled = true
	cancelKilled := s.cancelKilled
	terminateKilled := s.terminateKilled
	idleTimeoutKilled := s.idleTimeoutKilled
	interruptKilled := s.interruptKilled
	modeChangeRestart := s.modeChangeRestart
	clearContextRestart := s.clearContextRestart
	sessionRef := s.sessionRef
	timers := s.killTimers
	s.killTimers = nil
	s.mu.Unlock()

	ctx := context.Background()
	s.tracker.stopAll()
	s.stopTeamInbox()
	for _, t := range timers {
		t.Stop()
	}
	s.approvals.drain(adapter.ApprovalDecision{Behavior: wire.DecisionDeny, Message: "Session ended"})
	s.ad.Stop()

	var status string
	switch {
	case cancelKilled:
		status = store.StatusEnded
	case modeChangeRestart, clearContextRestart:
		status = store.StatusIdle
	case terminateKilled, idleTimeoutKilled, interruptKilled, code == 0:
		status = store.StatusIdle
	default:
		status = store.StatusEnded
		s.emit(ctx, wire.Error(fmt.Sprintf("Agent process exited unexpectedly (exit code %d).", code)))
	}
	s.setStatus(ctx, status)

	s.closeControls()
	if s.logw != nil {
		_ = s.logw.Close()
	}
	s.registry.Remove(s.id)

	switch {
	case clearContextRestart:
		if err := s.queue.Enqueue(ctx, queue.Item{SessionID: s.id}); err != nil {
			s.log.Error("failed to re-enqueue after clear-context restart", zap.Error(err))
		}
	case modeChangeRestart:
		if err := s.queue.Enqueue(ctx, queue.Item{SessionID: s.id, ResumeRef: sessionRef}); err != nil {
			s.log.Error("failed to re-enqueue after mode change", zap.Error(err))
		}
	}

	s.log.Info("session exited",
		zap.Int("exitCode", code),
		zap.String("status", status))
	s.resolveSlot()
	s.resolveExit(code)
}
