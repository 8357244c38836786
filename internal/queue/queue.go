// Package queue is the supervisor-facing slice of the work queue: enqueueing
// session claims and holding follow-up messages that arrive while no process
// is resident. The queue itself lives elsewhere; only its delivery contract
// is consumed here, and the store's atomic claim defeats double-delivery.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/session/wire"
)

// Item is one unit of queued work: start (or resume) a session.
type Item struct {
	SessionID string `json:"sessionId"`
	ResumeRef string `json:"resumeRef,omitempty"`
}

// Enqueuer submits work items. Implemented over the event bus; the supervisor
// uses it for restart re-enqueues.
type Enqueuer interface {
	Enqueue(ctx context.Context, item Item) error
}

// BusEnqueuer publishes work items on the shared queue subject. Workers
// queue-subscribe so each item lands on one worker.
type BusEnqueuer struct {
	bus bus.EventBus
}

// NewBusEnqueuer creates an Enqueuer over the event bus.
func NewBusEnqueuer(b bus.EventBus) *BusEnqueuer {
	return &BusEnqueuer{bus: b}
}

// Enqueue publishes the item to the queue subject.
func (e *BusEnqueuer) Enqueue(ctx context.Context, item Item) error {
	data := map[string]any{"sessionId": item.SessionID}
	if item.ResumeRef != "" {
		data["resumeRef"] = item.ResumeRef
	}
	event := bus.NewEvent("queue.session", "session-supervisor", data)
	if err := e.bus.Publish(ctx, bus.QueueSubject, event); err != nil {
		return fmt.Errorf("failed to enqueue session %s: %w", item.SessionID, err)
	}
	return nil
}

// Mailbox holds follow-up controls that arrived for a session while no
// supervisor was resident. The next runner drains them after spawn.
type Mailbox struct {
	mu     sync.Mutex
	queued map[string][]wire.Control
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{queued: make(map[string][]wire.Control)}
}

// Put appends a control for a session with no live supervisor.
func (m *Mailbox) Put(sessionID string, ctrl wire.Control) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[sessionID] = append(m.queued[sessionID], ctrl)
}

// TakeQueued removes and returns everything held for a session, in arrival
// order.
func (m *Mailbox) TakeQueued(sessionID string) []wire.Control {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := m.queued[sessionID]
	delete(m.queued, sessionID)
	return queued
}
