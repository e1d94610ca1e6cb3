package ws

import (
	"context"
	"sync"

	"github.com/relaymesh/delivery/domain"
)

// Registry is the process-local table of live sessions on this server
// instance, keyed by device. It implements sender.SocketDeliverer so the
// Message Sender can push directly into a session's socket without the
// sender package importing ws (which would cycle: ws already imports
// messages, and sender is consumed by httpapi alongside messages).
// Cross-instance delivery -- a device connected on a different
// front-end -- is handled separately, via presence.Registry.Lookup
// steering the caller to durable storage + push fallback rather than
// through this type.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.DeviceKey]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.DeviceKey]*Session)}
}

func (r *Registry) register(device domain.DeviceKey, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[device] = s
}

// unregister removes device's entry only if it still names s, so a
// session being torn down cannot clobber a newer session for the same
// device that has already replaced it in the table.
func (r *Registry) unregister(device domain.DeviceKey, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[device] == s {
		delete(r.sessions, device)
	}
}

// DeliverIfConnected implements sender.SocketDeliverer: if device has a
// live session on this instance, write env directly to its socket and
// wait for the client's ACK (or timeout) the same way a backlog flush
// does, and report delivered=true either way -- the envelope reached
// the socket, which is all DeliverIfConnected promises; a subsequent
// ACK timeout just means it gets re-flushed on the next availability
// event or reconnect; it is never inserted into the queue for a push
// this call already knows went out.
func (r *Registry) DeliverIfConnected(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) (bool, error) {
	r.mu.RLock()
	s, ok := r.sessions[device]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := s.pushEnvelope(ctx, env); err != nil {
		return false, err
	}
	return true, nil
}
