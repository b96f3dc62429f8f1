// Package session owns the session lifecycle: creation, the execution
// serialization lock, idle eviction and teardown.
package session

import (
	"sync"
	"time"

	"tci/internal/pool"
	"tci/internal/security"
)

// Session is the in-memory representation of one live session. The
// persisted view lives in the state store; this struct carries what only
// the owning process knows, the lease and the execution lock.
type Session struct {
	ID       string
	Language string
	Profile  string

	mu         sync.Mutex
	state      State
	inst       *pool.Instance
	policy     security.RuntimePolicy
	lastActive time.Time
	createdAt  time.Time

	// execLock serializes executions. Capacity one; holding the token
	// means an execution (or close) owns the session.
	execLock chan struct{}

	// taint accumulates lease outcomes that force instance destruction.
	taint pool.Outcome
}

func newSession(id, language, profile string, inst *pool.Instance, policy security.RuntimePolicy) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Language:   language,
		Profile:    profile,
		state:      StateProvisioning,
		inst:       inst,
		policy:     policy,
		lastActive: now,
		createdAt:  now,
		execLock:   make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition applies a checked state change.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	return nil
}

// forceState sets the state without checking; used only for terminal
// states reached through teardown paths.
func (s *Session) forceState(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

// touch updates the idle clock.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// idleSince returns the last activity timestamp.
func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// markTaint records a lease outcome that prevents instance reuse.
func (s *Session) markTaint(outcome pool.Outcome) {
	s.mu.Lock()
	s.taint.SecurityViolation = s.taint.SecurityViolation || outcome.SecurityViolation
	s.taint.ResourceBreached = s.taint.ResourceBreached || outcome.ResourceBreached
	s.mu.Unlock()
}

// leaseOutcome returns the accumulated outcome for release.
func (s *Session) leaseOutcome() pool.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taint
}
