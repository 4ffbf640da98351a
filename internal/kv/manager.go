package kv

import "sync"

// Manager tracks one Cache per live session. Lookup is guarded so sessions
// can be created and dropped concurrently, but a single session's cache must
// only be mutated by its owning turn: Extend and Reset on the same session
// are a critical section, and two concurrent extenders is a programming
// error, not a recoverable state.
type Manager struct {
	mu       sync.Mutex
	layers   int
	headDim  int
	sessions map[string]*Cache
}

// NewManager returns a Manager that builds caches shaped for the given model.
func NewManager(layers, headDim int) *Manager {
	return &Manager{
		layers:   layers,
		headDim:  headDim,
		sessions: make(map[string]*Cache),
	}
}

// Acquire returns the cache for a session, creating it on first use.
func (m *Manager) Acquire(sessionID string) *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[sessionID]
	if !ok {
		c = NewCache(m.layers, m.headDim)
		m.sessions[sessionID] = c
	}
	return c
}

// Length returns the cached position count for a session, 0 if unknown.
// The Prompt Builder uses this to decide how much history to re-submit.
func (m *Manager) Length(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[sessionID]; ok {
		return c.Len()
	}
	return 0
}

// Reset discards the cached state for a session.
func (m *Manager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[sessionID]; ok {
		c.Reset()
	}
}

// Drop removes a session's cache entirely, releasing its buffers.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
