// Package realtime fans execution outcomes out to whichever listener is
// currently attached to a business. Delivery is best effort: nothing is
// buffered for absent listeners.
package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the payload delivered for each settled job.
type Event struct {
	Status               string    `json:"status"`
	PromptID             uuid.UUID `json:"promptId"`
	PlatformID           uuid.UUID `json:"platformId"`
	Result               string    `json:"result,omitempty"`
	CompletedAt          time.Time `json:"completedAt"`
	BrandMentions        int       `json:"brandMentions"`
	CompetitorsMentioned []string  `json:"competitorsMentioned"`
	BusinessVisibility   int       `json:"businessVisibility"`
	ShareOfVoice         float64   `json:"shareOfVoice"`
	ExecutionCount       int       `json:"executionCount"`
}

// Listener receives events for one business. It must not block.
type Listener func(Event)

// Hub is an in-process registry with one listener per business.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uuid.UUID]registration
	nextID    uint64
}

type registration struct {
	id uint64
	fn Listener
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[uuid.UUID]registration)}
}

// Register installs fn for businessID, replacing any previous listener.
// The returned function unregisters fn only if it is still the current one.
func (h *Hub) Register(businessID uuid.UUID, fn Listener) (unregister func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[businessID] = registration{id: id, fn: fn}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.listeners[businessID]; ok && cur.id == id {
			delete(h.listeners, businessID)
		}
	}
}

// Unregister drops whatever listener is attached to businessID.
func (h *Hub) Unregister(businessID uuid.UUID) {
	h.mu.Lock()
	delete(h.listeners, businessID)
	h.mu.Unlock()
}

// Publish delivers ev to the business's listener, if any, and reports
// whether one was present. A panicking listener is detached.
func (h *Hub) Publish(businessID uuid.UUID, ev Event) (delivered bool) {
	h.mu.RLock()
	reg, ok := h.listeners[businessID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			h.mu.Lock()
			if cur, ok := h.listeners[businessID]; ok && cur.id == reg.id {
				delete(h.listeners, businessID)
			}
			h.mu.Unlock()
			delivered = false
		}
	}()
	reg.fn(ev)
	return true
}

// Listening reports whether a listener is attached to businessID.
func (h *Hub) Listening(businessID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.listeners[businessID]
	return ok
}
