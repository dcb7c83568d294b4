package session

import (
	"context"
	"log"
	"sort"
	"sync"
)

// Manager tracks live sessions so they can be listed and shut down together.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session ID → session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Add registers a session. It is removed again when it closes, so callers
// must Add before starting Run.
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.Remove(s.ID())
	}()
}

// Get returns a session by ID, or nil if not found.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// List returns a snapshot of every tracked session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CountByPhase groups tracked sessions by their current phase.
func (m *Manager) CountByPhase() map[Phase]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Phase]int)
	for _, s := range m.sessions {
		counts[s.Phase()]++
	}
	return counts
}

// CloseAll forces every tracked session closed and waits for them to finish
// or for ctx to expire.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	toClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		toClose = append(toClose, s)
	}
	m.mu.RUnlock()

	if len(toClose) > 0 {
		log.Printf("[session-mgr] closing %d session(s)", len(toClose))
	}
	for _, s := range toClose {
		s.Close()
	}
	for _, s := range toClose {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
