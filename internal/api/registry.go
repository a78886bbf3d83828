package api

import (
	"sync"

	"github.com/google/uuid"

	"github.com/bdougie/lapvision/internal/session"
)

// Entry is a registered session and the source it was opened from
type Entry struct {
	ID      string
	Source  string
	Session *session.Session
}

// Registry maps session ids to live sessions
type Registry interface {
	// Add registers s and returns its new id
	Add(source string, s *session.Session) string
	Get(id string) (*Entry, bool)
	// Remove unregisters id; the caller closes the session
	Remove(id string) (*Entry, bool)
	Len() int
	// CloseAll closes and removes every session
	CloseAll()
}

// MemoryRegistry is an in-process Registry
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Entry
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]*Entry)}
}

func (r *MemoryRegistry) Add(source string, s *session.Session) string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &Entry{ID: id, Source: source, Session: s}
	return id
}

func (r *MemoryRegistry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

func (r *MemoryRegistry) Remove(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return e, ok
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *MemoryRegistry) CloseAll() {
	r.mu.Lock()
	entries := r.sessions
	r.sessions = make(map[string]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.Session.Close()
	}
}
