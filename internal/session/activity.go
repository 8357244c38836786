package session

import (
	"strings"
	"sync"
	"time"
)

// activityTracker owns every timer a session runs: the idle timer (armed only
// while the session awaits input), the heartbeat and MCP health tickers, and
// the 200 ms delta-batching buffers. All handles are tracked so the supervisor
// can stop them the moment the process exits.
type activityTracker struct {
	mu sync.Mutex

	idleTimeout time.Duration
	idleTimer   *time.Timer
	onIdle      func()

	flushInterval time.Duration
	textBuf       strings.Builder
	textTimer     *time.Timer
	onFlushText   func(text string, gen uint64)

	thinkingBuf     strings.Builder
	thinkingTimer   *time.Timer
	onFlushThinking func(text string, gen uint64)

	// gen increments whenever the delta buffers are invalidated. A flush
	// carries the generation it captured under; the emitter drops flushes
	// whose generation is no longer current.
	gen uint64

	heartbeatStop chan struct{}
	mcpStop       chan struct{}

	stopped bool
}

func newActivityTracker(idleTimeout, flushInterval time.Duration) *activityTracker {
	return &activityTracker{
		idleTimeout:   idleTimeout,
		flushInterval: flushInterval,
	}
}

// armIdle starts (or restarts) the idle timer. Called on entering
// awaiting_input.
func (t *activityTracker) armIdle(onIdle func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.idleTimeout <= 0 {
		return
	}
	t.onIdle = onIdle
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.idleTimeout, onIdle)
}

// disarmIdle stops the idle timer. Called on leaving awaiting_input.
func (t *activityTracker) disarmIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

// recordActivity pushes the idle deadline out if the timer is armed.
func (t *activityTracker) recordActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.idleTimer == nil || t.onIdle == nil {
		return
	}
	t.idleTimer.Stop()
	t.idleTimer = time.AfterFunc(t.idleTimeout, t.onIdle)
}

// startHeartbeat runs fn every interval until stopAll.
func (t *activityTracker) startHeartbeat(interval time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.heartbeatStop != nil || interval <= 0 {
		return
	}
	t.heartbeatStop = make(chan struct{})
	go tick(interval, t.heartbeatStop, fn)
}

// startMcpHealth runs fn every interval until stopAll.
func (t *activityTracker) startMcpHealth(interval time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.mcpStop != nil || interval <= 0 {
		return
	}
	t.mcpStop = make(chan struct{})
	go tick(interval, t.mcpStop, fn)
}

func tick(interval time.Duration, stop <-chan struct{}, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// setFlushHandlers installs the delta flush callbacks.
func (t *activityTracker) setFlushHandlers(onText, onThinking func(text string, gen uint64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFlushText = onText
	t.onFlushThinking = onThinking
}

// generation returns the current delta-buffer generation.
func (t *activityTracker) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// appendDelta buffers a text delta; the buffer flushes as one event when the
// batch window elapses.
func (t *activityTracker) appendDelta(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.textBuf.WriteString(text)
	if t.textTimer == nil {
		t.textTimer = time.AfterFunc(t.flushInterval, t.flushText)
	}
}

// appendThinkingDelta buffers a thinking delta.
func (t *activityTracker) appendThinkingDelta(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.thinkingBuf.WriteString(text)
	if t.thinkingTimer == nil {
		t.thinkingTimer = time.AfterFunc(t.flushInterval, t.flushThinking)
	}
}

func (t *activityTracker) flushText() {
	t.mu.Lock()
	text := t.textBuf.String()
	t.textBuf.Reset()
	t.textTimer = nil
	handler := t.onFlushText
	gen := t.gen
	t.mu.Unlock()
	if text != "" && handler != nil {
		handler(text, gen)
	}
}

func (t *activityTracker) flushThinking() {
	t.mu.Lock()
	text := t.thinkingBuf.String()
	t.thinkingBuf.Reset()
	t.thinkingTimer = nil
	handler := t.onFlushThinking
	gen := t.gen
	t.mu.Unlock()
	if text != "" && handler != nil {
		handler(text, gen)
	}
}

// clearDeltaBuffers drops buffered deltas and their timers. Called when the
// complete message arrives; the complete text is the source of truth. The
// generation bump invalidates any flush already captured but not yet emitted.
func (t *activityTracker) clearDeltaBuffers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.textBuf.Reset()
	t.thinkingBuf.Reset()
	if t.textTimer != nil {
		t.textTimer.Stop()
		t.textTimer = nil
	}
	if t.thinkingTimer != nil {
		t.thinkingTimer.Stop()
		t.thinkingTimer = nil
	}
}

// stopAll cancels every timer and ticker. Idempotent.
func (t *activityTracker) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.gen++
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.textTimer != nil {
		t.textTimer.Stop()
		t.textTimer = nil
	}
	if t.thinkingTimer != nil {
		t.thinkingTimer.Stop()
		t.thinkingTimer = nil
	}
	if t.heartbeatStop != nil {
		close(t.heartbeatStop)
		t.heartbeatStop = nil
	}
	if t.mcpStop != nil {
		close(t.mcpStop)
		t.mcpStop = nil
	}
}
