// Package ws implements the WebSocket connect/disconnect session state
// machine: attaching a device's socket to this server instance's
// presence record, flushing pending messages and fanning the Messages
// Manager's availability-event channel into socket writes, reading
// client ACK frames back off the same socket, and tearing the session
// down cleanly on either a client close or a displacement from another
// instance claiming the same device. Grounded on spec.md §4.8 directly;
// socket framing grounded on webitel-im-delivery-service's
// gorilla/websocket usage.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery/domain"
	"github.com/relaymesh/delivery/messages"
	"github.com/relaymesh/delivery/presence"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateOpen
	stateClosing
	stateClosed
)

// flushLimit bounds how many backlog envelopes Connect reads from
// GetMessagesForDevice on attach, mirroring the GET /messages/ endpoint's
// own page size but smaller, since a connect-time flush competes with
// every other session attaching at once.
const flushLimit = 500

// ackTimeout is how long the flush loop waits for a client ACK of a
// single written frame before moving on to the next one. The envelope
// stays queued either way -- only an ACK frame removes it -- so a timeout
// just means it will be retried on the next flush rather than being
// re-sent immediately.
const ackTimeout = 5 * time.Second

// frame is the wire shape of every WebSocket message in both
// directions, per spec.md §6: "WebSocket frames are a trivial
// request/response envelope carrying these same operations; the server
// may push {type:"message", body:Envelope} frames unsolicited."
type frame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
	GUID string          `json:"guid,omitempty"`
}

const (
	frameTypeMessage = "message"
	frameTypeAck     = "ack"
)

type Session struct {
	conn     *websocket.Conn
	device   domain.DeviceKey
	serverID string

	presence *presence.Registry
	messages *messages.Manager
	push     messages.PushCanceller
	registry *Registry
	log      *zap.SugaredLogger

	mu         sync.Mutex
	state      sessionState
	ackWaiters map[uuid.UUID]chan struct{}

	unsubscribe func()
}

func NewSession(conn *websocket.Conn, device domain.DeviceKey, serverID string, p *presence.Registry, m *messages.Manager, push messages.PushCanceller, registry *Registry, log *zap.SugaredLogger) *Session {
	return &Session{
		conn:       conn,
		device:     device,
		serverID:   serverID,
		presence:   p,
		messages:   m,
		push:       push,
		registry:   registry,
		log:        log,
		state:      stateConnecting,
		ackWaiters: make(map[uuid.UUID]chan struct{}),
	}
}

// Connect registers presence for this device, flushes any backlog
// already queued for it, subscribes to availability events, and runs
// the session loop until ctx is cancelled, the socket closes, or the
// device is displaced onto another server instance. Grounded on the
// teacher's slick.go startUpdatePassing idiom of select-looping over a
// fan-in channel alongside a transport read, here selecting over ctx
// cancellation, socket close, displacement, passive presence expiry, the
// presence-refresh ticker and availability events.
func (s *Session) Connect(ctx context.Context, presenceRefreshEvery time.Duration) error {
	s.mu.Lock()
	s.state = stateOpen
	s.mu.Unlock()

	if err := s.presence.SetPresent(ctx, s.device, s.serverID); err != nil {
		return err
	}
	if s.registry != nil {
		s.registry.register(s.device, s)
	}

	events, unsubscribe := s.messages.AddMessageAvailabilityListener(s.device)
	s.unsubscribe = unsubscribe

	displaced := s.presence.OnDisplaced(ctx, s.serverID)
	expired := s.presence.OnExpired(ctx)

	closed := make(chan struct{})
	go s.readLoop(closed)

	if err := s.flushPending(ctx); err != nil && s.log != nil {
		s.log.Warnw("backlog flush failed on connect", "device", s.device, "err", err)
	}

	ticker := time.NewTicker(presenceRefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Disconnect(context.Background())
			return ctx.Err()
		case <-closed:
			s.Disconnect(context.Background())
			return nil
		case device := <-displaced:
			if device == s.device {
				s.forceClose()
				return nil
			}
		case device := <-expired:
			// The presence record this instance set vanished passively --
			// TTL lapse or an out-of-band DEL -- while the socket itself is
			// still alive and well. Re-assert ownership rather than tear the
			// session down; a genuine displacement still arrives on the
			// displaced channel above and wins.
			if device == s.device {
				if err := s.presence.SetPresent(ctx, s.device, s.serverID); err != nil && s.log != nil {
					s.log.Warnw("failed to re-assert presence after passive expiry", "device", s.device, "err", err)
				}
			}
		case <-ticker.C:
			if err := s.presence.Refresh(ctx, s.device, s.serverID); err != nil && s.log != nil {
				s.log.Warnw("presence refresh failed", "device", s.device, "err", err)
			}
		case event, ok := <-events:
			if !ok {
				return nil
			}
			s.handleAvailabilityEvent(ctx, event)
		}
	}
}

// flushPending reads up to flushLimit envelopes already queued for this
// device and writes each as a message frame, awaiting either the
// client's ACK frame or ackTimeout before moving to the next one.
func (s *Session) flushPending(ctx context.Context) error {
	envs, err := s.messages.GetMessagesForDevice(ctx, s.device, false, flushLimit)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := s.pushEnvelope(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// handleAvailabilityEvent re-runs the flush on every availability event
// regardless of kind: NewMessages/NewEphemeralMessage mean fresh cache
// entries, MessagesPersisted means the persister just moved entries from
// cache to the durable table GetMessagesForDevice also reads -- either
// way the right reaction is "read whatever's queued now and push it",
// and DeleteByGUID on ACK keeps already-delivered envelopes from being
// read again.
func (s *Session) handleAvailabilityEvent(ctx context.Context, event domain.AvailabilityEvent) {
	if err := s.flushPending(ctx); err != nil && s.log != nil {
		s.log.Debugw("flush on availability event failed", "device", s.device, "event", event.Kind, "err", err)
	}
}

// pushEnvelope writes env as a single message frame and waits for its
// ACK or ackTimeout.
func (s *Session) pushEnvelope(ctx context.Context, env *domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return domain.NewError(domain.Fatal, "ws.pushEnvelope", err)
	}
	wait := s.registerAckWaiter(env.GUID)
	defer s.deregisterAckWaiter(env.GUID)

	f := frame{Type: frameTypeMessage, Body: body, GUID: env.GUID.String()}
	encoded, err := json.Marshal(f)
	if err != nil {
		return domain.NewError(domain.Fatal, "ws.pushEnvelope", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return err
	}

	select {
	case <-wait:
	case <-time.After(ackTimeout):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Session) registerAckWaiter(guid uuid.UUID) <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.ackWaiters[guid] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) deregisterAckWaiter(guid uuid.UUID) {
	s.mu.Lock()
	delete(s.ackWaiters, guid)
	s.mu.Unlock()
}

func (s *Session) signalAck(guid uuid.UUID) {
	s.mu.Lock()
	ch, ok := s.ackWaiters[guid]
	if ok {
		delete(s.ackWaiters, guid)
	}
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

// readLoop parses every incoming frame, handling ack frames by deleting
// the acknowledged envelope (which also cancels any pending push retry,
// via messages.Manager.DeleteByGUID) and waking flushPending's waiter if
// one is still pending for that GUID; anything else is ignored. Returns
// once the socket errors or closes.
func (s *Session) readLoop(closed chan struct{}) {
	defer close(closed)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type != frameTypeAck || f.GUID == "" {
			continue
		}
		guid, err := uuid.Parse(f.GUID)
		if err != nil {
			continue
		}
		if _, err := s.messages.DeleteByGUID(context.Background(), s.device, guid); err != nil && s.log != nil {
			s.log.Warnw("failed to delete acked envelope", "device", s.device, "guid", guid, "err", err)
		}
		s.signalAck(guid)
	}
}

// Disconnect is the clean-close path: clear presence only if we still
// own it, cancel any pending push retry (the client is going away on
// its own terms, not crashing -- no point paging it with a platform
// push for something it just disconnected from), unsubscribe from
// availability events, and close the socket.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.mu.Unlock()

	if s.registry != nil {
		s.registry.unregister(s.device, s)
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.push != nil {
		if err := s.push.Cancel(ctx, s.device); err != nil && s.log != nil {
			s.log.Warnw("failed to cancel pending push on disconnect", "device", s.device, "err", err)
		}
	}
	_ = s.presence.ClearPresence(ctx, s.device, s.serverID)
	_ = s.conn.Close()
}

// forceClose is the displacement path: another instance now owns this
// device's presence record, so we must not clear it (that would delete
// the new owner's record) and must not cancel its push schedule either
// -- just tear down the local socket.
func (s *Session) forceClose() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.mu.Unlock()

	if s.registry != nil {
		s.registry.unregister(s.device, s)
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	_ = s.conn.Close()
}
