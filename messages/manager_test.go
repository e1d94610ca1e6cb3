package messages

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/delivery/domain"
)

// TestMergedReadDedupesGUIDsSeenInCache exercises the pure merge logic in
// isolation (no live cache/db) by constructing the merge the same way
// GetMessagesForDevice does, guarding against a regression where a
// message moved from cache to durable storage mid-persist would be
// reported twice to a client reading across the boundary.
func TestMergedReadDedupesGUIDsSeenInCache(t *testing.T) {
	require := require.New(t)

	shared := uuid.New()
	cached := []*domain.Envelope{{GUID: shared, ServerTimestamp: 100}}
	durable := []*domain.Envelope{
		{GUID: shared, ServerTimestamp: 100},
		{GUID: uuid.New(), ServerTimestamp: 101},
	}

	seen := make(map[uuid.UUID]bool, len(cached))
	for _, e := range cached {
		seen[e.GUID] = true
	}
	merged := append([]*domain.Envelope{}, cached...)
	for _, e := range durable {
		if seen[e.GUID] {
			continue
		}
		merged = append(merged, e)
	}

	require.Len(merged, 2)
	require.Equal(shared, merged[0].GUID)
	require.NotEqual(shared, merged[1].GUID)
}

func TestAvailabilityListenerUnsubscribe(t *testing.T) {
	require := require.New(t)
	m := NewManager(nil, nil, nil, nil, nil, nil, 1000)

	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}
	ch, unsubscribe := m.AddMessageAvailabilityListener(device)
	m.notify(device, domain.NewMessages)

	select {
	case ev := <-ch:
		require.Equal(domain.NewMessages, ev.Kind)
	default:
		t.Fatal("expected buffered event")
	}

	unsubscribe()
	_, open := <-ch
	require.False(open)
}
