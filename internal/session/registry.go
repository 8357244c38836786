package session

import "sync"

// Registry is the process-wide map of live supervisors, used by shutdown to
// flag and signal every running session. Entries remove themselves on exit.
type Registry struct {
	mu   sync.Mutex
	live map[string]*Supervisor
}

// NewRegistry creates an empty live-session registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]*Supervisor)}
}

// Add registers a supervisor before its claim runs. It reports false when the
// session already has a live entry, so a duplicate delivery never overwrites
// the running supervisor's registration.
func (r *Registry) Add(s *Supervisor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[s.ID()]; ok {
		return false
	}
	r.live[s.ID()] = s
	return true
}

// Remove drops a supervisor, typically from its own exit path.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, sessionID)
}

// Get returns the live supervisor for a session, if any.
func (r *Registry) Get(sessionID string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[sessionID]
	return s, ok
}

// Len returns the number of live supervisors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// MarkTerminatingAll synchronously sets the terminate flag on every live
// supervisor. This must complete before any signal is sent: the terminal
// delivers SIGINT to the whole process group, so a child may exit before our
// own SIGTERM goes out, and the exit handler has to see the flag already set.
func (r *Registry) MarkTerminatingAll() {
	r.mu.Lock()
	supervisors := make([]*Supervisor, 0, len(r.live))
	for _, s := range r.live {
		supervisors = append(supervisors, s)
	}
	r.mu.Unlock()

	for _, s := range supervisors {
		s.MarkTerminating()
	}
}

// TerminateAll sends the graceful termination signal to every live
// supervisor. Call MarkTerminatingAll first.
func (r *Registry) TerminateAll() {
	r.mu.Lock()
	supervisors := make([]*Supervisor, 0, len(r.live))
	for _, s := range r.live {
		supervisors = append(supervisors, s)
	}
	r.mu.Unlock()

	for _, s := range supervisors {
		s.Terminate()
	}
}
