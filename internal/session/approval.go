package session

import (
	"sync"

	"github.com/agendo/agendo/internal/session/adapter"
	"github.com/agendo/agendo/internal/session/wire"
)

// pendingApproval is one tool-approval promise awaiting a human decision.
type pendingApproval struct {
	id       string
	toolName string
	ch       chan adapter.ApprovalDecision
	once     sync.Once
}

// resolve fires the decision exactly once.
func (p *pendingApproval) resolve(d adapter.ApprovalDecision) {
	p.once.Do(func() {
		p.ch <- d
	})
}

// approvalManager tracks pending tool-approval resolvers. At most one
// approval may be pending per tool name: a newer request for the same tool
// auto-denies and evicts the older one so the UI never shows duplicate cards.
type approvalManager struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval // by approval id
	byTool  map[string]string           // tool name -> approval id
}

func newApprovalManager() *approvalManager {
	return &approvalManager{
		pending: make(map[string]*pendingApproval),
		byTool:  make(map[string]string),
	}
}

// register creates a pending approval, denying any older request for the
// same tool. The caller blocks on the returned channel.
func (m *approvalManager) register(id, toolName string) *pendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()

	if oldID, ok := m.byTool[toolName]; ok {
		if old, ok := m.pending[oldID]; ok {
			delete(m.pending, oldID)
			old.resolve(adapter.ApprovalDecision{Behavior: wire.DecisionDeny, Message: "superseded by a newer request"})
		}
	}

	p := &pendingApproval{
		id:       id,
		toolName: toolName,
		ch:       make(chan adapter.ApprovalDecision, 1),
	}
	m.pending[id] = p
	m.byTool[toolName] = id
	return p
}

// resolve fires the decision for an approval id. Returns false when no such
// approval is pending (already resolved or unknown).
func (m *approvalManager) resolve(id string, d adapter.ApprovalDecision) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
		if m.byTool[p.toolName] == id {
			delete(m.byTool, p.toolName)
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.resolve(d)
	return true
}

// remove drops a pending approval without resolving it (the waiter gave up).
func (m *approvalManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[id]; ok {
		delete(m.pending, id)
		if m.byTool[p.toolName] == id {
			delete(m.byTool, p.toolName)
		}
	}
}

// drain resolves every pending approval with a fixed decision. Used on cancel
// and shutdown so adapters blocked on approval unblock and wind down.
func (m *approvalManager) drain(d adapter.ApprovalDecision) {
	m.mu.Lock()
	pending := make([]*pendingApproval, 0, len(m.pending))
	for _, p := range m.pending {
		pending = append(pending, p)
	}
	m.pending = make(map[string]*pendingApproval)
	m.byTool = make(map[string]string)
	m.mu.Unlock()

	for _, p := range pending {
		p.resolve(d)
	}
}

// count returns the number of pending approvals.
func (m *approvalManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
