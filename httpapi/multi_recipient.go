package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/relaymesh/delivery/domain"
)

type multiRecipientRequest struct {
	Content    []byte               `json:"content"`
	Recipients []recipientEntry     `json:"recipients"`
}

type recipientEntry struct {
	AccountUUID    string `json:"accountUuid"`
	DeviceID       uint32 `json:"deviceId"`
	RegistrationID uint32 `json:"registrationId"`
}

type recipientOutcome struct {
	AccountUUID string `json:"accountUuid"`
	DeviceID    uint32 `json:"deviceId"`
	Outcome     string `json:"outcome"`
}

// PutMultiRecipient implements the sealed-sender fan-out supplement
// described in SPEC_FULL.md §6: one ciphertext payload delivered to many
// (account,device) pairs in a single request, with no per-recipient
// authenticated sender identity -- online is always forced false because
// there is no authenticated sender session to compare registration ids
// against. Grounded on original_source MessageController's sealed-sender
// multi-recipient path.
func (h *Handler) PutMultiRecipient(w http.ResponseWriter, r *http.Request) {
	var req multiRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	outcomes := make([]recipientOutcome, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		account, err := uuid.Parse(rec.AccountUUID)
		if err != nil {
			outcomes = append(outcomes, recipientOutcome{AccountUUID: rec.AccountUUID, DeviceID: rec.DeviceID, Outcome: "uuid_mismatch"})
			continue
		}
		device := domain.DeviceKey{AccountUUID: account, DeviceID: rec.DeviceID}
		env := &domain.Envelope{
			GUID:              uuid.New(),
			Type:              domain.EnvelopeTypeUnidentifiedSender,
			SealedSender:      true,
			DestinationUUID:   account,
			DestinationDevice: rec.DeviceID,
			Content:           req.Content,
		}
		out := h.sender.SendToDevice(r.Context(), device, env, false)
		outcome := "success"
		if out.Err != nil {
			outcome = "error"
		}
		outcomes = append(outcomes, recipientOutcome{AccountUUID: rec.AccountUUID, DeviceID: rec.DeviceID, Outcome: outcome})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(outcomes)
}
