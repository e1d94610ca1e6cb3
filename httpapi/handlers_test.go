package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/delivery/domain"
	"github.com/relaymesh/delivery/sender"
)

type fakeMessageStore struct {
	inserted []*domain.Envelope
}

func (f *fakeMessageStore) Insert(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) (domain.QueueID, error) {
	f.inserted = append(f.inserted, env)
	return domain.QueueID(len(f.inserted)), nil
}

type fakeDeviceEnumerator struct {
	devices []domain.DeviceKey
	err     error
}

func (f fakeDeviceEnumerator) Devices(ctx context.Context, accountUUID uuid.UUID) ([]domain.DeviceKey, error) {
	return f.devices, f.err
}

type fakeSocketAlwaysOffline struct{}

func (fakeSocketAlwaysOffline) DeliverIfConnected(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) (bool, error) {
	return false, nil
}

type fakePushNoop struct{}

func (fakePushNoop) Schedule(ctx context.Context, device domain.DeviceKey) {}

// TestPutMessageReturnsGoneForUnknownRecipient exercises the
// recipient-not-found edge of the PUT /messages/{recipient} handler
// (spec.md §6's 410 status), using a DeviceEnumerator fake standing in
// for the out-of-scope account/device CRUD collaborator.
func TestPutMessageReturnsGoneForUnknownRecipient(t *testing.T) {
	require := require.New(t)
	devices := fakeDeviceEnumerator{err: domain.NewError(domain.Logical, "devices", nil)}
	s := sender.New(nil, nil, fakeSocketAlwaysOffline{}, fakePushNoop{}, "server-a", nil)
	h := NewHandler(nil, s, devices, nil)

	recipient := uuid.New()
	body, _ := json.Marshal(putMessageRequest{Messages: []perDeviceMessage{
		{DeviceID: 1, Type: domain.EnvelopeTypeCiphertext, Content: []byte("hi")},
	}})
	req := httptest.NewRequest(http.MethodPut, "/messages/"+recipient.String(), bytes.NewReader(body))
	req = withRecipientParam(req, recipient)
	rr := httptest.NewRecorder()

	h.PutMessage(rr, req)
	require.Equal(http.StatusGone, rr.Code)
}

// withRecipientParam wires a chi route context carrying the "recipient"
// URL param the way chi's router would, so handlers.PutMessage can be
// exercised directly without standing up a full router.
func withRecipientParam(r *http.Request, recipient uuid.UUID) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("recipient", recipient.String())
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// TestPutMessageRejectsDeviceSetMismatch exercises spec.md §8 scenario
// 6: account U has devices {1,2,3}, the client submits messages for
// {1,2} only. Expect 409 with {missingDevices:[3],extraDevices:[]} and
// no insert.
func TestPutMessageRejectsDeviceSetMismatch(t *testing.T) {
	require := require.New(t)
	recipient := uuid.New()
	devices := fakeDeviceEnumerator{devices: []domain.DeviceKey{
		{AccountUUID: recipient, DeviceID: 1},
		{AccountUUID: recipient, DeviceID: 2},
		{AccountUUID: recipient, DeviceID: 3},
	}}
	store := &fakeMessageStore{}
	s := sender.New(store, nil, fakeSocketAlwaysOffline{}, fakePushNoop{}, "server-a", nil)
	h := NewHandler(nil, s, devices, nil)

	body, _ := json.Marshal(putMessageRequest{Messages: []perDeviceMessage{
		{DeviceID: 1, Type: domain.EnvelopeTypeCiphertext, Content: []byte("a")},
		{DeviceID: 2, Type: domain.EnvelopeTypeCiphertext, Content: []byte("b")},
	}})
	req := httptest.NewRequest(http.MethodPut, "/messages/"+recipient.String(), bytes.NewReader(body))
	req = withRecipientParam(req, recipient)
	rr := httptest.NewRecorder()

	h.PutMessage(rr, req)
	require.Equal(http.StatusConflict, rr.Code)

	var resp deviceMismatchResponse
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal([]uint32{3}, resp.MissingDevices)
	require.Equal([]uint32{}, resp.ExtraDevices)
	require.Empty(store.inserted)
}

// TestPutMessageInsertsOnePerDeviceContent confirms each submitted
// device's distinct ciphertext reaches the store, not a shared
// envelope.
func TestPutMessageInsertsOnePerDeviceContent(t *testing.T) {
	require := require.New(t)
	recipient := uuid.New()
	devices := fakeDeviceEnumerator{devices: []domain.DeviceKey{
		{AccountUUID: recipient, DeviceID: 1},
		{AccountUUID: recipient, DeviceID: 2},
	}}
	store := &fakeMessageStore{}
	s := sender.New(store, nil, fakeSocketAlwaysOffline{}, fakePushNoop{}, "server-a", nil)
	h := NewHandler(nil, s, devices, nil)

	body, _ := json.Marshal(putMessageRequest{Messages: []perDeviceMessage{
		{DeviceID: 1, Type: domain.EnvelopeTypeCiphertext, Content: []byte("for-1")},
		{DeviceID: 2, Type: domain.EnvelopeTypeCiphertext, Content: []byte("for-2")},
	}})
	req := httptest.NewRequest(http.MethodPut, "/messages/"+recipient.String(), bytes.NewReader(body))
	req = withRecipientParam(req, recipient)

	rr := httptest.NewRecorder()
	h.PutMessage(rr, req)
	require.Equal(http.StatusOK, rr.Code)
	require.Len(store.inserted, 2)
	for _, env := range store.inserted {
		if env.DestinationDevice == 1 {
			require.Equal([]byte("for-1"), env.Content)
		} else {
			require.Equal([]byte("for-2"), env.Content)
		}
	}
}

func TestDeleteMessageRejectsInvalidGUID(t *testing.T) {
	require := require.New(t)
	h := NewHandler(nil, nil, fakeDeviceEnumerator{}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/messages/not-a-guid", nil)
	rr := httptest.NewRecorder()

	h.DeleteMessage(rr, req)
	require.Equal(http.StatusBadRequest, rr.Code)
}
