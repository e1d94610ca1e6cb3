// Package httpapi realizes the external HTTP surface described in
// spec.md §6: PUT/GET/DELETE against /messages, plus the supplemental
// sealed-sender multi-recipient endpoint. Grounded on spec.md §6
// directly; routing grounded on webitel-im-delivery-service's
// go-chi/chi/v5 usage.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery/domain"
	"github.com/relaymesh/delivery/messages"
	"github.com/relaymesh/delivery/sender"
)

type Handler struct {
	messages *messages.Manager
	sender   *sender.Sender
	devices  sender.DeviceEnumerator
	log      *zap.SugaredLogger
}

func NewHandler(m *messages.Manager, s *sender.Sender, devices sender.DeviceEnumerator, log *zap.SugaredLogger) *Handler {
	return &Handler{messages: m, sender: s, devices: devices, log: log}
}

func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Put("/messages/{recipient}", h.PutMessage)
	r.Get("/messages/", h.GetMessages)
	r.Delete("/messages/{guid}", h.DeleteMessage)
	r.Put("/messages/multi-recipient", h.PutMultiRecipient)
	return r
}

// perDeviceMessage is one recipient device's ciphertext, addressed
// separately because each device holds a distinct session key and
// therefore gets distinct ciphertext for the same logical message.
type perDeviceMessage struct {
	DeviceID uint32              `json:"deviceId"`
	Type     domain.EnvelopeType `json:"type"`
	Content  []byte              `json:"content"`
}

type putMessageRequest struct {
	Messages []perDeviceMessage `json:"messages"`
	Online   bool               `json:"online"`
}

type deviceOutcomeResponse struct {
	DeviceID uint32 `json:"deviceId"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

type deviceMismatchResponse struct {
	MissingDevices []uint32 `json:"missingDevices"`
	ExtraDevices   []uint32 `json:"extraDevices"`
}

// PutMessage accepts a per-device list of ciphertext envelopes addressed
// to an account -- one distinct payload per recipient device -- and
// fans it out across those devices via the Message Sender, returning
// per-device outcomes. The submitted device set must exactly match the
// recipient's current device enumeration; on mismatch the request is
// rejected wholesale with 409 and the body {missingDevices,extraDevices}
// per spec.md §6/§8 scenario 6, and no envelope is inserted. A 410 is
// returned if the recipient account no longer exists.
func (h *Handler) PutMessage(w http.ResponseWriter, r *http.Request) {
	recipientStr := chi.URLParam(r, "recipient")
	recipient, err := uuid.Parse(recipientStr)
	if err != nil {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
		return
	}

	var req putMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	devices, err := h.devices.Devices(r.Context(), recipient)
	if err != nil {
		http.Error(w, "recipient not found", http.StatusGone)
		return
	}

	expected := make(map[uint32]domain.DeviceKey, len(devices))
	for _, d := range devices {
		expected[d.DeviceID] = d
	}
	submitted := make(map[uint32]perDeviceMessage, len(req.Messages))
	for _, m := range req.Messages {
		submitted[m.DeviceID] = m
	}

	var missing, extra []uint32
	for id := range expected {
		if _, ok := submitted[id]; !ok {
			missing = append(missing, id)
		}
	}
	for id := range submitted {
		if _, ok := expected[id]; !ok {
			extra = append(extra, id)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(deviceMismatchResponse{
			MissingDevices: orEmpty(missing),
			ExtraDevices:   orEmpty(extra),
		})
		return
	}

	envs := make(map[domain.DeviceKey]*domain.Envelope, len(req.Messages))
	for _, m := range req.Messages {
		device := expected[m.DeviceID]
		envs[device] = &domain.Envelope{
			GUID:              uuid.New(),
			Type:              m.Type,
			DestinationUUID:   recipient,
			DestinationDevice: m.DeviceID,
			Content:           m.Content,
		}
	}

	outcomes := h.sender.SendPerDevice(r.Context(), envs, req.Online)
	resp := make([]deviceOutcomeResponse, len(outcomes))
	for i, o := range outcomes {
		dr := deviceOutcomeResponse{DeviceID: o.Device.DeviceID}
		if o.Err != nil {
			dr.Outcome = "error"
			dr.Error = o.Err.Error()
		} else {
			dr.Outcome = outcomeString(o.Outcome)
		}
		resp[i] = dr
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// orEmpty returns a non-nil empty slice for nil input so the JSON
// encoding is "[]" rather than "null", matching spec.md §8 scenario 6's
// example body exactly.
func orEmpty(s []uint32) []uint32 {
	if s == nil {
		return []uint32{}
	}
	return s
}

func outcomeString(o sender.Outcome) string {
	switch o {
	case sender.Delivered:
		return "delivered"
	case sender.Stored:
		return "stored"
	case sender.StoredAndPushed:
		return "stored_and_pushed"
	default:
		return "unknown"
	}
}

// GetMessages returns the caller's queued (and, unless ?cachedOnly=true,
// durable) envelopes in ascending server-timestamp order.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	accountStr := r.URL.Query().Get("account")
	deviceStr := r.URL.Query().Get("device")
	account, err := uuid.Parse(accountStr)
	if err != nil {
		http.Error(w, "invalid account", http.StatusBadRequest)
		return
	}
	deviceID, err := strconv.ParseUint(deviceStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid device", http.StatusBadRequest)
		return
	}
	cachedOnly := r.URL.Query().Get("cachedOnly") == "true"

	device := domain.DeviceKey{AccountUUID: account, DeviceID: uint32(deviceID)}
	envs, err := h.messages.GetMessagesForDevice(r.Context(), device, cachedOnly, 10000)
	if err != nil {
		if domain.IsClass(err, domain.Logical) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envs)
}

// DeleteMessage ACKs a single envelope by GUID.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	guidStr := chi.URLParam(r, "guid")
	guid, err := uuid.Parse(guidStr)
	if err != nil {
		http.Error(w, "invalid guid", http.StatusBadRequest)
		return
	}
	accountStr := r.URL.Query().Get("account")
	deviceStr := r.URL.Query().Get("device")
	account, err := uuid.Parse(accountStr)
	if err != nil {
		http.Error(w, "invalid account", http.StatusBadRequest)
		return
	}
	deviceID, err := strconv.ParseUint(deviceStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid device", http.StatusBadRequest)
		return
	}
	device := domain.DeviceKey{AccountUUID: account, DeviceID: uint32(deviceID)}

	env, err := h.messages.DeleteByGUID(r.Context(), device, guid)
	if err != nil {
		if err == domain.ErrScanTruncated {
			http.Error(w, "scan truncated", http.StatusConflict)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if env == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
