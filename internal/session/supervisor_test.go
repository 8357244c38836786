package session

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/agents"
	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/db"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/notify"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/session/adapter"
	"github.com/agendo/agendo/internal/session/store"
	"github.com/agendo/agendo/internal/session/wire"
)

// --- scripted fake adapter ---

type fakeProcess struct {
	alive   atomic.Bool
	mu      sync.Mutex
	signals []os.Signal
}

func (p *fakeProcess) PID() int    { return 4242 }
func (p *fakeProcess) Alive() bool { return p.alive.Load() }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.alive.Store(false)
	return nil
}

func (p *fakeProcess) gotSignal(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == sig {
			return true
		}
	}
	return false
}

type fakeAdapter struct {
	mu               sync.Mutex
	cb               adapter.Callbacks
	approve          adapter.ApprovalHandler
	proc             *fakeProcess
	sent             []string
	started          bool
	surviveInterrupt bool
	exitOnce         sync.Once
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{proc: &fakeProcess{}}
}

func (f *fakeAdapter) Start(_ context.Context, _ adapter.SpawnOptions) (adapter.Process, error) {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	f.proc.alive.Store(true)
	return f.proc, nil
}

func (f *fakeAdapter) SendMessage(_ context.Context, text string, _ *adapter.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAdapter) Interrupt(context.Context) error {
	if !f.surviveInterrupt {
		f.proc.alive.Store(false)
	}
	return nil
}

func (f *fakeAdapter) Alive() bool { return f.proc.Alive() }

func (f *fakeAdapter) Kill() error {
	f.proc.alive.Store(false)
	f.exit(137)
	return nil
}

func (f *fakeAdapter) Stop() {}

func (f *fakeAdapter) SetCallbacks(cb adapter.Callbacks)             { f.cb = cb }
func (f *fakeAdapter) SetApprovalHandler(fn adapter.ApprovalHandler) { f.approve = fn }

func (f *fakeAdapter) emit(payloads ...wire.Payload) {
	f.cb.OnEvents(payloads)
}

func (f *fakeAdapter) exit(code int) {
	f.exitOnce.Do(func() {
		f.proc.alive.Store(false)
		f.cb.OnExit(code)
	})
}

func (f *fakeAdapter) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeTeamInbox struct {
	mu     sync.Mutex
	active map[string]func(from, text string)
}

func newFakeTeamInbox() *fakeTeamInbox {
	return &fakeTeamInbox{active: make(map[string]func(from, text string))}
}

func (f *fakeTeamInbox) StartPolling(sessionID string, deliver func(from, text string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[sessionID] = deliver
}

func (f *fakeTeamInbox) StopPolling(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, sessionID)
}

func (f *fakeTeamInbox) polling(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[sessionID]
	return ok
}

func (f *fakeTeamInbox) post(sessionID, from, text string) {
	f.mu.Lock()
	deliver := f.active[sessionID]
	f.mu.Unlock()
	if deliver != nil {
		deliver(from, text)
	}
}

// --- recording enqueuer and event collector ---

type fakeEnqueuer struct {
	mu    sync.Mutex
	items []queue.Item
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, item queue.Item) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = append(e.items, item)
	return nil
}

func (e *fakeEnqueuer) all() []queue.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]queue.Item(nil), e.items...)
}

type eventCollector struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *eventCollector) handle(_ context.Context, event *bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) ofType(eventType string) []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*bus.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (c *eventCollector) waitFor(t *testing.T, eventType string) *bus.Event {
	t.Helper()
	var found *bus.Event
	require.Eventually(t, func() bool {
		events := c.ofType(eventType)
		if len(events) == 0 {
			return false
		}
		found = events[len(events)-1]
		return true
	}, 3*time.Second, 10*time.Millisecond, "no %s event arrived", eventType)
	return found
}

func (c *eventCollector) waitForMatch(t *testing.T, eventType string, match func(*bus.Event) bool) *bus.Event {
	t.Helper()
	var found *bus.Event
	require.Eventually(t, func() bool {
		for _, e := range c.ofType(eventType) {
			if match(e) {
				found = e
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "no matching %s event arrived", eventType)
	return found
}

// seqOf reads the sequence id off a published event. The in-memory bus keeps
// Go types; a JSON transport would deliver float64.
func seqOf(t *testing.T, event *bus.Event) uint64 {
	t.Helper()
	switch v := event.Data["id"].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	default:
		t.Fatalf("event has no numeric id: %#v", event.Data["id"])
		return 0
	}
}

// --- harness ---

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	sess   *store.Session
	store  *store.Store
	bus    bus.EventBus
	enq    *fakeEnqueuer
	fa     *fakeAdapter
	sup    *Supervisor
	events *eventCollector
}

func newTestEnv(t *testing.T, mutate func(sess *store.Session)) *testEnv {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(ctx, pool)
	require.NoError(t, err)

	sess := &store.Session{
		ID:             "sess-1",
		Status:         store.StatusIdle,
		AgentID:        "claude-code",
		IdleTimeoutSec: 3600,
	}
	if mutate != nil {
		mutate(sess)
	}
	require.NoError(t, st.Create(ctx, sess))

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	fa := newFakeAdapter()
	enq := &fakeEnqueuer{}
	cfg := &config.SessionConfig{
		LogDir:             t.TempDir(),
		WorkerID:           "worker-test",
		DefaultIdleTimeout: 3600,
		HeartbeatInterval:  30,
		McpHealthInterval:  60,
		DeltaFlushMs:       20,
		KillEscalationSec:  1,
	}
	deps := Deps{
		Store:    st,
		Bus:      eventBus,
		Queue:    enq,
		Pusher:   notify.NewLogPusher(log),
		Registry: NewRegistry(),
		Config:   cfg,
		Logger:   log,
		NewAdapter: func(agents.Definition, *logger.Logger) (adapter.Adapter, error) {
			return fa, nil
		},
	}
	sup := New(deps, sess, agents.Definition{ID: "claude-code", Protocol: agents.ProtocolStreamJSON})

	collector := &eventCollector{}
	_, err = eventBus.Subscribe(bus.EventsSubject(sess.ID), collector.handle)
	require.NoError(t, err)

	return &testEnv{
		t: t, ctx: ctx, sess: sess, store: st, bus: eventBus,
		enq: enq, fa: fa, sup: sup, events: collector,
	}
}

func (e *testEnv) start(prompt string) {
	e.t.Helper()
	require.NoError(e.t, e.sup.Run(e.ctx, RunOptions{Prompt: prompt}))
}

func (e *testEnv) requireStatus(want string) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		sess, err := e.store.Get(e.ctx, e.sess.ID)
		return err == nil && sess.Status == want
	}, 3*time.Second, 10*time.Millisecond, "session never reached status %s", want)
}

func toolStart(id, name string, input map[string]any) wire.Payload {
	return wire.NewPayload(wire.EventAgentToolStart, map[string]any{
		"toolUseId": id, "toolName": name, "input": input,
	})
}

func toolEnd(id string, isError bool) wire.Payload {
	return wire.NewPayload(wire.EventAgentToolEnd, map[string]any{
		"toolUseId": id, "content": "done", "isError": isError,
	})
}

func resultPayload(cost float64, turns int) wire.Payload {
	return wire.NewPayload(wire.EventAgentResult, map[string]any{
		"costUsd": cost, "turns": turns, "isError": false,
	})
}

// --- scenarios ---

func TestClaimExclusivity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("do the thing")
	require.True(t, env.fa.started)

	// A second supervisor against the now-active row must claim nothing.
	second := New(Deps{
		Store:    env.store,
		Bus:      env.bus,
		Queue:    env.enq,
		Pusher:   notify.NewLogPusher(logger.Default()),
		Registry: NewRegistry(),
		Config:   &config.SessionConfig{WorkerID: "worker-2", DefaultIdleTimeout: 3600, HeartbeatInterval: 30, DeltaFlushMs: 20},
		Logger:   logger.Default(),
		NewAdapter: func(agents.Definition, *logger.Logger) (adapter.Adapter, error) {
			t.Fatal("loser of the claim must not build an adapter")
			return nil, nil
		},
	}, env.sess, agents.Definition{ID: "claude-code"})

	require.NoError(t, second.Run(env.ctx, RunOptions{Prompt: "again"}))
	require.NoError(t, second.WaitForSlotRelease(env.ctx))
	code, err := second.WaitForExit(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestClaimPreservesEventSeq(t *testing.T) {
	env := newTestEnv(t, func(sess *store.Session) { sess.EventSeq = 41 })
	env.start("resume")

	state := env.events.waitFor(t, string(wire.EventSessionState))
	assert.Greater(t, seqOf(t, state), uint64(41), "sequence must continue past the persisted value")
}

func TestResultEntersAwaitingInput(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("do the thing")

	env.fa.emit(resultPayload(0.25, 2))

	env.requireStatus(store.StatusAwaitingInput)
	require.NoError(t, env.sup.WaitForSlotRelease(env.ctx))

	sess, err := env.store.Get(env.ctx, env.sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, sess.TotalCostUSD, 1e-9)
	assert.Equal(t, 2, sess.TotalTurns)
}

func TestExitStatusRouting(t *testing.T) {
	t.Run("clean exit goes idle", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.start("work")
		env.fa.exit(0)
		env.requireStatus(store.StatusIdle)
	})

	t.Run("crash goes ended with error", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.start("work")
		env.fa.exit(1)
		env.requireStatus(store.StatusEnded)
		errEvent := env.events.waitFor(t, string(wire.EventSystemError))
		msg, _ := errEvent.Data["message"].(string)
		assert.Contains(t, msg, "exit code 1")
	})

	t.Run("terminate flag routes crash code to idle", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.start("work")
		env.sup.MarkTerminating()
		env.fa.exit(1)
		env.requireStatus(store.StatusIdle)
		assert.Empty(t, env.events.ofType(string(wire.EventSystemError)))
	})
}

func TestExitHandledOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("work")

	env.sup.onExit(3)
	env.sup.onExit(0)

	code, err := env.sup.WaitForExit(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	env.requireStatus(store.StatusEnded)
	assert.Len(t, env.events.ofType(string(wire.EventSystemError)), 1)
}

func TestCancelSynthesizesToolEnds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("work")

	env.fa.emit(
		toolStart("t1", "Bash", map[string]any{"command": "sleep 100"}),
		toolStart("t2", "Read", map[string]any{"path": "/etc/hosts"}),
	)
	env.events.waitFor(t, string(wire.EventAgentToolStart))

	env.sup.Cancel(env.ctx)

	require.Eventually(t, func() bool {
		ends := env.events.ofType(string(wire.EventAgentToolEnd))
		return len(ends) == 2
	}, 3*time.Second, 10*time.Millisecond)
	for _, end := range env.events.ofType(string(wire.EventAgentToolEnd)) {
		assert.Equal(t, "[Interrupted by user]", end.Data["content"])
	}

	env.sup.mu.Lock()
	remaining := len(env.sup.activeTools)
	env.sup.mu.Unlock()
	assert.Zero(t, remaining)

	env.fa.exit(137)
	env.requireStatus(store.StatusEnded)
}

func TestSoftInterruptSurvives(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fa.surviveInterrupt = true
	env.start("work")

	env.fa.emit(toolStart("t1", "Bash", nil))
	env.events.waitFor(t, string(wire.EventAgentToolStart))

	env.sup.Interrupt(env.ctx)

	info := env.events.waitFor(t, string(wire.EventSystemInfo))
	assert.Equal(t, "Stopping...", info.Data["message"])

	end := env.events.waitFor(t, string(wire.EventAgentToolEnd))
	assert.Equal(t, "[Interrupted]", end.Data["content"])

	env.requireStatus(store.StatusAwaitingInput)
	assert.True(t, env.fa.Alive(), "soft interrupt must not kill a responsive agent")
}

func TestInterruptKillRoutesToIdle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fa.surviveInterrupt = false
	env.start("work")

	env.sup.Interrupt(env.ctx)

	env.requireStatus(store.StatusIdle)
	assert.Empty(t, env.events.ofType(string(wire.EventSystemError)))
}

func TestDeltaBatchingAndOrdering(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("work")

	env.fa.emit(
		wire.NewPayload(wire.EventAgentTextDelta, map[string]any{"text": "Hel"}),
		wire.NewPayload(wire.EventAgentTextDelta, map[string]any{"text": "lo "}),
		wire.NewPayload(wire.EventAgentTextDelta, map[string]any{"text": "world"}),
	)

	delta := env.events.waitFor(t, string(wire.EventAgentTextDelta))
	assert.Equal(t, "Hello world", delta.Data["text"], "deltas must flush as one batched event")

	env.fa.emit(wire.NewPayload(wire.EventAgentText, map[string]any{"text": "Hello world"}))
	complete := env.events.waitFor(t, string(wire.EventAgentText))

	assert.Less(t, seqOf(t, delta), seqOf(t, complete), "delta must be sequenced before the complete text")
}

func TestStaleDeltaFlushDroppedAfterCompleteText(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("work")

	// A flush goroutine captures buffered text together with the buffer
	// generation. If the complete text lands before the flush emits, the
	// generation has moved on and the captured text must be dropped.
	gen := env.sup.tracker.generation()
	env.fa.emit(wire.NewPayload(wire.EventAgentText, map[string]any{"text": "Hello world"}))
	complete := env.events.waitFor(t, string(wire.EventAgentText))

	env.sup.emitDelta(wire.EventAgentTextDelta, "Hello wor", gen)

	// Fresh deltas keep flowing under the new generation.
	env.fa.emit(wire.NewPayload(wire.EventAgentTextDelta, map[string]any{"text": "next turn"}))
	delta := env.events.waitFor(t, string(wire.EventAgentTextDelta))
	assert.Equal(t, "next turn", delta.Data["text"])
	assert.Len(t, env.events.ofType(string(wire.EventAgentTextDelta)), 1,
		"superseded flush must not emit after the complete text")
	assert.Less(t, seqOf(t, complete), seqOf(t, delta))
}

func TestTeamLeaderInboxPolling(t *testing.T) {
	env := newTestEnv(t, func(sess *store.Session) { sess.TeamLeader = true })
	inbox := newFakeTeamInbox()
	env.sup.teamInbox = inbox
	env.start("lead the team")

	assert.False(t, inbox.polling(env.sess.ID), "no polling while the leader is active")

	env.fa.emit(resultPayload(0, 1))
	env.requireStatus(store.StatusAwaitingInput)
	require.Eventually(t, func() bool { return inbox.polling(env.sess.ID) },
		3*time.Second, 10*time.Millisecond, "awaiting_input must start inbox polling")

	inbox.post(env.sess.ID, "sess-researcher", "findings are in the shared doc")
	msg := env.events.waitFor(t, string(wire.EventTeamMessage))
	assert.Equal(t, "sess-researcher", msg.Data["from"])
	assert.Equal(t, "findings are in the shared doc", msg.Data["text"])

	env.sup.PushMessage(env.ctx, "thanks, continuing", nil)
	env.requireStatus(store.StatusActive)
	assert.False(t, inbox.polling(env.sess.ID), "going active must stop inbox polling")

	env.fa.emit(resultPayload(0, 1))
	env.requireStatus(store.StatusAwaitingInput)
	require.Eventually(t, func() bool { return inbox.polling(env.sess.ID) },
		3*time.Second, 10*time.Millisecond)

	env.fa.exit(0)
	env.requireStatus(store.StatusIdle)
	require.Eventually(t, func() bool { return !inbox.polling(env.sess.ID) },
		3*time.Second, 10*time.Millisecond, "exit must stop inbox polling")
}

func TestNonLeaderNeverPollsInbox(t *testing.T) {
	env := newTestEnv(t, nil)
	inbox := newFakeTeamInbox()
	env.sup.teamInbox = inbox
	env.start("work")

	env.fa.emit(resultPayload(0, 1))
	env.requireStatus(store.StatusAwaitingInput)
	assert.False(t, inbox.polling(env.sess.ID))
}

func TestApprovalGating(t *testing.T) {
	t.Run("unlisted tool blocks until decision", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.start("work")

		decisions := make(chan adapter.ApprovalDecision, 1)
		go func() {
			decisions <- env.sup.gateApproval(adapter.ApprovalRequest{ID: "a1", ToolName: "Bash"})
		}()

		card := env.events.waitFor(t, string(wire.EventAgentToolApproval))
		assert.Equal(t, "a1", card.Data["approvalId"])
		assert.Equal(t, "Bash", card.Data["toolName"])

		env.sup.handleControl(env.ctx, wire.Control{
			Type:       wire.ControlToolApproval,
			ApprovalID: "a1",
			Decision:   wire.DecisionAllow,
		})
		d := <-decisions
		assert.Equal(t, wire.DecisionAllow, d.Behavior)
	})

	t.Run("allow-session persists to the allowlist", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.start("work")

		decisions := make(chan adapter.ApprovalDecision, 1)
		go func() {
			decisions <- env.sup.gateApproval(adapter.ApprovalRequest{ID: "a2", ToolName: "Write"})
		}()
		env.events.waitFor(t, string(wire.EventAgentToolApproval))
		env.sup.handleControl(env.ctx, wire.Control{
			Type:       wire.ControlToolApproval,
			ApprovalID: "a2",
			Decision:   wire.DecisionAllowSession,
		})
		<-decisions

		sess, err := env.store.Get(env.ctx, env.sess.ID)
		require.NoError(t, err)
		assert.Contains(t, sess.AllowedToolList(), "Write")

		// Same tool again: allowed without a card.
		d := env.sup.gateApproval(adapter.ApprovalRequest{ID: "a3", ToolName: "Write"})
		assert.Equal(t, wire.DecisionAllow, d.Behavior)
		assert.Len(t, env.events.ofType(string(wire.EventAgentToolApproval)), 1)
	})

	t.Run("non-default mode auto-allows except gated tools", func(t *testing.T) {
		env := newTestEnv(t, func(sess *store.Session) { sess.PermissionMode = "acceptEdits" })
		env.start("work")

		d := env.sup.gateApproval(adapter.ApprovalRequest{ID: "a4", ToolName: "Bash"})
		assert.Equal(t, wire.DecisionAllow, d.Behavior)

		done := make(chan adapter.ApprovalDecision, 1)
		go func() {
			done <- env.sup.gateApproval(adapter.ApprovalRequest{ID: "a5", ToolName: "ExitPlanMode"})
		}()
		card := env.events.waitFor(t, string(wire.EventAgentToolApproval))
		assert.Equal(t, "ExitPlanMode", card.Data["toolName"])
		env.sup.handleControl(env.ctx, wire.Control{
			Type: wire.ControlToolApproval, ApprovalID: "a5", Decision: wire.DecisionDeny,
		})
		d = <-done
		assert.Equal(t, wire.DecisionDeny, d.Behavior)
	})

	t.Run("allowlist matches name prefix before paren", func(t *testing.T) {
		assert.True(t, allowlisted("Bash", []string{"Bash(git status)"}))
		assert.True(t, allowlisted("Read", []string{"Read"}))
		assert.False(t, allowlisted("Write", []string{"Read", "Bash(ls)"}))
	})
}

func TestInteractiveQuestionFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("work")

	questions := []any{map[string]any{"question": "Which database?", "options": []any{"postgres", "sqlite"}}}
	env.fa.emit(toolStart("q1", "AskUserQuestion", map[string]any{"questions": questions}))
	env.events.waitFor(t, string(wire.EventAgentToolStart))

	// Error-form result for an active tool marks it pending-human.
	env.fa.emit(toolEnd("q1", true))

	ask := env.events.waitFor(t, string(wire.EventAgentAskUser))
	assert.Equal(t, "q1", ask.Data["requestId"])
	assert.Empty(t, env.events.ofType(string(wire.EventAgentToolEnd)), "error tool-end must be suppressed")

	env.sup.handleControl(env.ctx, wire.Control{
		Type:      wire.ControlAnswerQuestion,
		RequestID: "q1",
		Answers:   map[string]string{"Which database?": "postgres"},
	})

	end := env.events.waitFor(t, string(wire.EventAgentToolEnd))
	assert.Equal(t, "q1", end.Data["toolUseId"])
	assert.Contains(t, end.Data["content"], "postgres")

	env.events.waitForMatch(t, string(wire.EventUserMessage), func(e *bus.Event) bool {
		return e.Data["text"] == "postgres"
	})

	require.Eventually(t, func() bool {
		for _, m := range env.fa.sentMessages() {
			if m == "postgres" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "answer never forwarded to the agent")
	env.requireStatus(store.StatusActive)
}

func TestIdleTimeout(t *testing.T) {
	env := newTestEnv(t, func(sess *store.Session) { sess.IdleTimeoutSec = 1 })
	env.start("work")

	env.fa.emit(resultPayload(0, 1))
	env.requireStatus(store.StatusAwaitingInput)

	require.Eventually(t, func() bool {
		for _, e := range env.events.ofType(string(wire.EventSystemInfo)) {
			if msg, _ := e.Data["message"].(string); strings.Contains(msg, "Idle timeout after 1s") {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return env.fa.proc.gotSignal(syscall.SIGTERM)
	}, 3*time.Second, 20*time.Millisecond)

	env.fa.exit(0)
	env.requireStatus(store.StatusIdle)
}

func TestPushMessageOrdering(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("work")
	env.fa.emit(resultPayload(0, 1))
	env.requireStatus(store.StatusAwaitingInput)

	env.sup.PushMessage(env.ctx, "follow up please", nil)

	env.events.waitForMatch(t, string(wire.EventUserMessage), func(e *bus.Event) bool {
		return e.Data["text"] == "follow up please"
	})
	env.requireStatus(store.StatusActive)
	require.Eventually(t, func() bool {
		msgs := env.fa.sentMessages()
		return len(msgs) == 2 && msgs[1] == "follow up please"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestModeChangeRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("work")
	env.fa.cb.OnSessionRef("ref-abc")

	env.sup.handleControl(env.ctx, wire.Control{Type: wire.ControlSetPermissionMode, Mode: "acceptEdits"})

	info := env.events.waitFor(t, string(wire.EventSystemInfo))
	msg, _ := info.Data["message"].(string)
	assert.Contains(t, msg, "Edit Only")
	require.Eventually(t, func() bool {
		return env.fa.proc.gotSignal(syscall.SIGTERM)
	}, 3*time.Second, 10*time.Millisecond)

	env.fa.exit(0)
	env.requireStatus(store.StatusIdle)

	require.Eventually(t, func() bool { return len(env.enq.all()) == 1 }, 3*time.Second, 10*time.Millisecond)
	item := env.enq.all()[0]
	assert.Equal(t, env.sess.ID, item.SessionID)
	assert.Equal(t, "ref-abc", item.ResumeRef)

	sess, err := env.store.Get(env.ctx, env.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "acceptEdits", sess.PermissionMode)
}

func TestClearContextRestart(t *testing.T) {
	planPath := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("1. Build it\n2. Test it"), 0o644))

	env := newTestEnv(t, func(sess *store.Session) {
		sess.SessionRef = sql.NullString{String: "ref-old", Valid: true}
		sess.PlanFilePath = sql.NullString{String: planPath, Valid: true}
	})
	env.start("work")

	env.sup.handleControl(env.ctx, wire.Control{
		Type:                wire.ControlToolApproval,
		ApprovalID:          "a-plan",
		Decision:            wire.DecisionDeny,
		ClearContextRestart: true,
		PostApprovalMode:    "acceptEdits",
	})

	require.Eventually(t, func() bool {
		return env.fa.proc.gotSignal(syscall.SIGTERM)
	}, 3*time.Second, 10*time.Millisecond)

	env.fa.exit(0)
	env.requireStatus(store.StatusIdle)

	sess, err := env.store.Get(env.ctx, env.sess.ID)
	require.NoError(t, err)
	assert.False(t, sess.SessionRef.Valid, "sessionRef must be cleared")
	assert.Equal(t, "Implement the following plan:\n\n1. Build it\n2. Test it", sess.InitialPrompt.String)
	assert.Equal(t, "acceptEdits", sess.PermissionMode)

	require.Eventually(t, func() bool { return len(env.enq.all()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, env.enq.all()[0].ResumeRef, "clear-context re-enqueue must not carry a resume ref")
}

func TestSlotReleaseOnExitWithoutAwaitingInput(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start("work")

	released := make(chan struct{})
	go func() {
		_ = env.sup.WaitForSlotRelease(context.Background())
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("slot released before awaiting_input or exit")
	case <-time.After(50 * time.Millisecond):
	}

	env.fa.exit(0)
	select {
	case <-released:
	case <-time.After(3 * time.Second):
		t.Fatal("slot not released on exit")
	}
}
