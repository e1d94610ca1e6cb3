package persister

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/delivery/cache"
	"github.com/relaymesh/delivery/clock"
	"github.com/relaymesh/delivery/domain"
	"github.com/relaymesh/delivery/messages"
	"github.com/relaymesh/delivery/queue"
)

type fakeNotifier struct{ notified []domain.DeviceKey }

func (f *fakeNotifier) NotifyPersisted(ctx context.Context, device domain.DeviceKey) error {
	f.notified = append(f.notified, device)
	return nil
}

func testDeps(t *testing.T) (*cache.Client, *queue.Queue, *messages.Store) {
	addrs := os.Getenv("DELIVERY_TEST_REDIS_ADDRS")
	dsn := os.Getenv("DELIVERY_TEST_POSTGRES_DSN")
	if addrs == "" || dsn == "" {
		t.Skip("DELIVERY_TEST_REDIS_ADDRS / DELIVERY_TEST_POSTGRES_DSN not set, skipping persister integration test")
	}
	c := cache.New(cache.Options{Addrs: strings.Split(addrs, ","), ClusterName: "test"})
	q := queue.New(c)
	store, err := messages.OpenStore(dsn, 30*24*time.Hour)
	require.NoError(t, err)
	return c, q, store
}

// TestScheduledPersistMessages mirrors original_source
// MessagePersisterIntegrationTest.testScheduledPersistMessages: insert a
// batch of messages aged well past PersistDelay, run the persister once,
// and assert every message landed in the durable table in order with no
// loss and no duplication.
func TestScheduledPersistMessages(t *testing.T) {
	require := require.New(t)
	c, q, store := testDeps(t)
	ctx := context.Background()

	recipient := uuid.New()
	sender := uuid.New()
	device := domain.DeviceKey{AccountUUID: recipient, DeviceID: 1}

	persistDelay := 10 * time.Minute
	mock := clock.NewMock(time.Now())
	agedTimestamp := uint64(mock.Now().Add(-2 * persistDelay).UnixMilli())

	const count = 377
	for i := 0; i < count; i++ {
		env := &domain.Envelope{
			GUID:              uuid.New(),
			Type:              domain.EnvelopeTypeCiphertext,
			ServerTimestamp:   agedTimestamp + uint64(i),
			ClientTimestamp:   agedTimestamp + uint64(i),
			SourceUUID:        sender,
			SourceDevice:      1,
			DestinationUUID:   recipient,
			DestinationDevice: 1,
			Content:           []byte("msg-" + strconv.Itoa(i)),
		}
		_, err := q.Insert(ctx, device, env)
		require.NoError(err)
	}

	notifier := &fakeNotifier{}
	p := New(c, q, store, notifier, mock, nil, persistDelay, 500, 4, 10000, "test-instance")

	n, err := p.persistDevice(ctx, device)
	require.NoError(err)
	require.Equal(count, n)

	rows, err := store.GetMessages(ctx, device, count+10)
	require.NoError(err)
	require.Len(rows, count)
	for i := 1; i < len(rows); i++ {
		require.Less(rows[i-1].ServerTimestamp, rows[i].ServerTimestamp)
	}

	remaining, err := q.GetAll(ctx, device, 0, 10)
	require.NoError(err)
	require.Empty(remaining)

	require.Len(notifier.notified, 1)
	require.Equal(device, notifier.notified[0])
}
