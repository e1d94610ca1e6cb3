package ws

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery/domain"
	"github.com/relaymesh/delivery/messages"
	"github.com/relaymesh/delivery/presence"
)

// Handler upgrades incoming HTTP requests to WebSocket connections and
// runs a Session for each one until it closes. Grounded on
// webitel-im-delivery-service's internal/handler/ws/delivery.go: extract
// identity, upgrade, hand off to the per-connection pump loop -- Session
// owning the loop here in place of that handler's inline select.
//
// Device identity comes from the "account" and "device" query
// parameters rather than any bearer token: HTTP endpoint wiring and
// authentication are named out of scope collaborators (spec.md §1), the
// same trust boundary httpapi.PutMessage's unauthenticated {recipient}
// path segment already assumes an upstream gateway enforces.
type Handler struct {
	presence             *presence.Registry
	messages             *messages.Manager
	push                 messages.PushCanceller
	registry             *Registry
	serverID             string
	presenceRefreshEvery time.Duration
	log                  *zap.SugaredLogger
	upgrader             websocket.Upgrader
}

func NewHandler(p *presence.Registry, m *messages.Manager, push messages.PushCanceller, registry *Registry, serverID string, presenceRefreshEvery time.Duration, log *zap.SugaredLogger) *Handler {
	return &Handler{
		presence:             p,
		messages:             m,
		push:                 push,
		registry:             registry,
		serverID:             serverID,
		presenceRefreshEvery: presenceRefreshEvery,
		log:                  log,
		upgrader:             websocket.Upgrader{},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	device, ok := parseDeviceQuery(r)
	if !ok {
		http.Error(w, "missing or invalid account/device query parameters", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warnw("ws upgrade failed", "err", err)
		}
		return
	}

	session := NewSession(conn, device, h.serverID, h.presence, h.messages, h.push, h.registry, h.log)
	if err := session.Connect(r.Context(), h.presenceRefreshEvery); err != nil && h.log != nil {
		h.log.Debugw("ws session ended", "device", device, "err", err)
	}
}

func parseDeviceQuery(r *http.Request) (domain.DeviceKey, bool) {
	acct, err := uuid.Parse(r.URL.Query().Get("account"))
	if err != nil {
		return domain.DeviceKey{}, false
	}
	deviceID, err := strconv.ParseUint(r.URL.Query().Get("device"), 10, 32)
	if err != nil {
		return domain.DeviceKey{}, false
	}
	return domain.DeviceKey{AccountUUID: acct, DeviceID: uint32(deviceID)}, true
}
