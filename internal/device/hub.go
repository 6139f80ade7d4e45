package device

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/capability"
)

// Hub tracks the connected device of every session.
type Hub struct {
	mu    sync.RWMutex
	links map[string]*Link
	log   zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		links: make(map[string]*Link),
		log:   log.With().Str("component", "device_hub").Logger(),
	}
}

// Attach registers l for its session. A device already attached to the
// same session is closed.
func (h *Hub) Attach(l *Link) {
	h.mu.Lock()
	old := h.links[l.SessionID()]
	h.links[l.SessionID()] = l
	h.mu.Unlock()

	if old != nil && old != l {
		h.log.Info().Str("session_id", l.SessionID()).Msg("Replacing existing device connection")
		old.Close()
	}
}

// Get returns the device attached to a session.
func (h *Hub) Get(sessionID string) (*Link, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.links[sessionID]
	return l, ok
}

// Detach removes l if it is still the session's current device.
func (h *Hub) Detach(l *Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.links[l.SessionID()] == l {
		delete(h.links, l.SessionID())
	}
}

// Count returns the number of connected devices.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.links)
}

// CloseAll closes every connected device.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	links := make([]*Link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.RUnlock()

	for _, l := range links {
		l.Close()
	}
}

// Device returns the session's device as a capability set.
func (h *Hub) Device(sessionID string) (capability.Device, bool) {
	l, ok := h.Get(sessionID)
	if !ok {
		return nil, false
	}
	return l, true
}
