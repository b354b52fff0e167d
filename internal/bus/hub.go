package bus

import (
	"sync"

	"github.com/aiserve/masfed/internal/acl"
	"github.com/aiserve/masfed/internal/correlation"
)

// Hub is an in-process registry of identity -> inbound queue, the backing
// store for both the in-memory Bus (tests, single-binary deployments) and
// the websocket hub server (cmd/bus-hub), which registers one queue per
// connected socket instead of per goroutine.
type Hub struct {
	mu     sync.RWMutex
	queues map[string]chan *acl.Frame
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{queues: make(map[string]chan *acl.Frame)}
}

// Register opens an inbound queue for jid with the given buffer depth.
// Registering an already-registered jid replaces its queue (a reconnect).
func (h *Hub) Register(jid string, buffer int) <-chan *acl.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := make(chan *acl.Frame, buffer)
	h.queues[correlation.Bare(jid)] = q
	return q
}

// Deregister closes and removes jid's inbound queue.
func (h *Hub) Deregister(jid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bare := correlation.Bare(jid)
	if q, ok := h.queues[bare]; ok {
		close(q)
		delete(h.queues, bare)
	}
}

// Route delivers f to its receiver's queue. A receiver with no registered
// queue (offline, unknown) drops the frame silently, matching a
// presence-bus's best-effort delivery.
func (h *Hub) Route(f *acl.Frame) bool {
	h.mu.RLock()
	q, ok := h.queues[correlation.Bare(f.Receiver)]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case q <- f:
		return true
	default:
		return false
	}
}

// Connected reports whether jid currently has a registered queue.
func (h *Hub) Connected(jid string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.queues[correlation.Bare(jid)]
	return ok
}
