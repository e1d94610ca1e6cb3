package sender

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/delivery/domain"
)

type fakeSocket struct {
	deliver bool
	err     error
	calls   []domain.DeviceKey
}

func (f *fakeSocket) DeliverIfConnected(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) (bool, error) {
	f.calls = append(f.calls, device)
	return f.deliver, f.err
}

type fakePush struct {
	scheduled []domain.DeviceKey
}

func (f *fakePush) Schedule(ctx context.Context, device domain.DeviceKey) {
	f.scheduled = append(f.scheduled, device)
}

type fakeMessageStore struct {
	inserted []domain.DeviceKey
	err      error
}

func (f *fakeMessageStore) Insert(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) (domain.QueueID, error) {
	f.inserted = append(f.inserted, device)
	return domain.QueueID(len(f.inserted)), f.err
}

type fakePresence struct {
	present bool
	err     error
}

func (f *fakePresence) Lookup(ctx context.Context, device domain.DeviceKey) (string, bool, error) {
	if f.present {
		return "server-b", true, f.err
	}
	return "", false, f.err
}

func TestSendToDeviceDeliversLiveWithoutStoringOrPushing(t *testing.T) {
	require := require.New(t)
	socket := &fakeSocket{deliver: true}
	push := &fakePush{}
	s := New(nil, nil, socket, push, "server-a", nil)

	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}
	env := &domain.Envelope{GUID: uuid.New(), Type: domain.EnvelopeTypeCiphertext}

	out := s.SendToDevice(context.Background(), device, env, false)
	require.NoError(out.Err)
	require.Equal(Delivered, out.Outcome)
	require.Empty(push.scheduled)
}

func TestSendToDeviceDropsEphemeralOnlineWithoutLiveSocket(t *testing.T) {
	require := require.New(t)
	socket := &fakeSocket{deliver: false}
	push := &fakePush{}

	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}
	fetches := func(d domain.DeviceKey) bool { return false }

	// messages.Manager is nil-unsafe for Insert in this unit test shape,
	// so this test only exercises the ephemeral/online short-circuit path
	// which never calls messages.Insert.
	s := New(nil, nil, socket, push, "server-a", fetches)

	env := &domain.Envelope{GUID: uuid.New(), Type: domain.EnvelopeTypeReceipt}
	out := s.SendToDevice(context.Background(), device, env, true)
	require.NoError(out.Err)
	require.Equal(Delivered, out.Outcome)
	require.Empty(push.scheduled)
}

func TestSendToDeviceSkipsPushWhenPresentElsewhere(t *testing.T) {
	require := require.New(t)
	socket := &fakeSocket{deliver: false}
	push := &fakePush{}
	store := &fakeMessageStore{}
	pres := &fakePresence{present: true}
	s := New(store, pres, socket, push, "server-a", nil)

	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}
	env := &domain.Envelope{GUID: uuid.New(), Type: domain.EnvelopeTypeCiphertext}

	out := s.SendToDevice(context.Background(), device, env, false)
	require.NoError(out.Err)
	require.Equal(Stored, out.Outcome)
	require.Empty(push.scheduled)
	require.Len(store.inserted, 1)
}

func TestSendToDeviceSchedulesPushWhenAbsent(t *testing.T) {
	require := require.New(t)
	socket := &fakeSocket{deliver: false}
	push := &fakePush{}
	store := &fakeMessageStore{}
	pres := &fakePresence{present: false}
	s := New(store, pres, socket, push, "server-a", nil)

	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}
	env := &domain.Envelope{GUID: uuid.New(), Type: domain.EnvelopeTypeCiphertext}

	out := s.SendToDevice(context.Background(), device, env, false)
	require.NoError(out.Err)
	require.Equal(StoredAndPushed, out.Outcome)
	require.Equal([]domain.DeviceKey{device}, push.scheduled)
}
