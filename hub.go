package community

import (
	"sync"

	"github.com/google/uuid"

	"github.com/klipach/community/session"
)

// Hub indexes the live sessions of this instance by session id.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*session.Session)}
}

// Add registers s and returns its id.
func (h *Hub) Add(s *session.Session) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
	return id
}

func (h *Hub) Get(id string) (*session.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
