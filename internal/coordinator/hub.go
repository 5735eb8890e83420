package coordinator

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/shellfleet/shellfleet/internal/protocol"
)

// Hub tracks the single live session per agent id and enforces
// supersession: a newer session with the same identity closes the older one.
type Hub struct {
	log     zerolog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Activate registers a session as the live one for its agent, closing any
// previous session for the same identity first.
func (h *Hub) Activate(s *Session) {
	h.mu.Lock()
	old := h.sessions[s.agentID]
	h.sessions[s.agentID] = s
	h.mu.Unlock()

	if old != nil && old != s {
		h.metrics.SessionsSuperseded.Add(1)
		h.log.Warn().Str("agent", s.agentID).Msg("superseding duplicate session")
		old.Close(protocol.CloseSuperseded, "superseded")
	}
}

// Remove unregisters a session. Returns whether it was still the live one
// (a superseded session finds its slot already taken by its replacement).
func (h *Hub) Remove(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.agentID] == s {
		delete(h.sessions, s.agentID)
		return true
	}
	return false
}

// Get returns the live session for an agent, or nil.
func (h *Hub) Get(agentID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[agentID]
}

// OnlineIDs returns the set of agent ids with a live session.
func (h *Hub) OnlineIDs() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	online := make(map[string]bool, len(h.sessions))
	for id := range h.sessions {
		online[id] = true
	}
	return online
}

// CloseAll closes every live session, used at coordinator shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close(protocol.CloseGoingAway, "shutdown")
	}
}
