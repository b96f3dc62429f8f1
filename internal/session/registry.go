package session

import (
	"context"
	"sync"
	"time"

	"tci/internal/events"
)

// syncSessionMap is the concurrent registry of live sessions.
type syncSessionMap struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func (m *syncSessionMap) put(s *Session) {
	m.mu.Lock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

func (m *syncSessionMap) get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *syncSessionMap) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *syncSessionMap) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// closeAbsent finalizes a session this process does not own, typically
// metadata left behind by a previous run.
func (m *Manager) closeAbsent(ctx context.Context, sessionID string) error {
	meta, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if State(meta.State).Terminal() {
		return nil
	}
	meta.State = string(StateClosed)
	meta.InstanceID = ""
	meta.ClosedAt = time.Now()
	if err := m.store.PutSession(ctx, meta); err != nil {
		return err
	}
	if err := m.store.DeleteAll(ctx, sessionID); err != nil {
		return err
	}
	m.events.Emit(ctx, events.Event{Type: events.TypeSessionClosed, SessionID: sessionID})
	return nil
}
