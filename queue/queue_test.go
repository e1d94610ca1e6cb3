package queue

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/delivery/cache"
	"github.com/relaymesh/delivery/domain"
)

// These tests exercise the Device Message Queue's atomic scripts against
// a real Redis Cluster, the same way the original Java test suite relies
// on an embedded Redis Cluster (see original_source
// redis/AbstractRedisClusterTest.java) rather than mocking the script
// engine. Set DELIVERY_TEST_REDIS_ADDRS (comma-separated host:port) to
// run them; otherwise they skip.
func testClient(t *testing.T) *cache.Client {
	addrs := os.Getenv("DELIVERY_TEST_REDIS_ADDRS")
	if addrs == "" {
		t.Skip("DELIVERY_TEST_REDIS_ADDRS not set, skipping cluster-backed queue test")
	}
	return cache.New(cache.Options{
		Addrs:       strings.Split(addrs, ","),
		ClusterName: "test",
	})
}

func newEnvelope(sender, recipient uuid.UUID, ts uint64) *domain.Envelope {
	return &domain.Envelope{
		GUID:              uuid.New(),
		Type:              domain.EnvelopeTypeCiphertext,
		ServerTimestamp:   ts,
		ClientTimestamp:   ts,
		SourceUUID:        sender,
		SourceDevice:      1,
		DestinationUUID:   recipient,
		DestinationDevice: 1,
		Content:           []byte("ciphertext"),
	}
}

func TestInsertAndGetAllOrdering(t *testing.T) {
	require := require.New(t)
	c := testClient(t)
	q := New(c)
	ctx := context.Background()

	recipient := uuid.New()
	sender := uuid.New()
	device := domain.DeviceKey{AccountUUID: recipient, DeviceID: 1}

	var lastQID domain.QueueID
	for i := 0; i < 5; i++ {
		env := newEnvelope(sender, recipient, uint64(1000+i))
		qid, err := q.Insert(ctx, device, env)
		require.NoError(err)
		require.Greater(qid, lastQID)
		lastQID = qid
	}

	envs, err := q.GetAll(ctx, device, 0, 10)
	require.NoError(err)
	require.Len(envs, 5)
	for i := 1; i < len(envs); i++ {
		require.Less(envs[i-1].ServerTimestamp, envs[i].ServerTimestamp)
	}
}

func TestRemoveByGUIDIsIdempotent(t *testing.T) {
	require := require.New(t)
	c := testClient(t)
	q := New(c)
	ctx := context.Background()

	recipient := uuid.New()
	sender := uuid.New()
	device := domain.DeviceKey{AccountUUID: recipient, DeviceID: 1}

	env := newEnvelope(sender, recipient, 2000)
	_, err := q.Insert(ctx, device, env)
	require.NoError(err)

	removed, err := q.RemoveByGUID(ctx, device, env.GUID)
	require.NoError(err)
	require.NotNil(removed)
	require.Equal(env.GUID, removed.GUID)

	again, err := q.RemoveByGUID(ctx, device, env.GUID)
	require.NoError(err)
	require.Nil(again)
}

func TestDrainAndTrim(t *testing.T) {
	require := require.New(t)
	c := testClient(t)
	q := New(c)
	ctx := context.Background()

	recipient := uuid.New()
	sender := uuid.New()
	device := domain.DeviceKey{AccountUUID: recipient, DeviceID: 1}

	var qids []domain.QueueID
	for i := 0; i < 3; i++ {
		env := newEnvelope(sender, recipient, uint64(3000+i))
		qid, err := q.Insert(ctx, device, env)
		require.NoError(err)
		qids = append(qids, qid)
	}

	drained, err := q.DrainAndTrim(ctx, device, qids[1])
	require.NoError(err)
	require.Len(drained, 2)

	remaining, err := q.GetAll(ctx, device, 0, 10)
	require.NoError(err)
	require.Len(remaining, 1)

	// a drained envelope's GUID-index entry must be gone too, not just its
	// queue entry -- otherwise RemoveByGUID on a message that was already
	// persisted and trimmed would wrongly report it as still-pending.
	for _, env := range drained {
		again, err := q.RemoveByGUID(ctx, device, env.GUID)
		require.NoError(err)
		require.Nil(again)
	}
}

// TestRemoveByQIDPreservesNewerGUIDIndexEntry exercises spec.md §4.2's
// documented duplicate-GUID edge case: a stale, older copy sharing a GUID
// with a fresher re-insert under the same GUID. Removing the older copy
// by (timestamp,sender) must not take the GUID index down with it, since
// the index by then points at the newer, still-live qid.
func TestRemoveByQIDPreservesNewerGUIDIndexEntry(t *testing.T) {
	require := require.New(t)
	c := testClient(t)
	q := New(c)
	ctx := context.Background()

	recipient := uuid.New()
	sender := uuid.New()
	device := domain.DeviceKey{AccountUUID: recipient, DeviceID: 1}

	shared := uuid.New()
	older := newEnvelope(sender, recipient, 4000)
	older.GUID = shared
	_, err := q.Insert(ctx, device, older)
	require.NoError(err)

	newer := newEnvelope(sender, recipient, 4001)
	newer.GUID = shared
	_, err = q.Insert(ctx, device, newer)
	require.NoError(err)

	removed, err := q.RemoveByServerTimestampAndSender(ctx, device, older.ServerTimestamp, sender, 100)
	require.NoError(err)
	require.NotNil(removed)
	require.Equal(older.ServerTimestamp, removed.ServerTimestamp)

	remaining, err := q.GetAll(ctx, device, 0, 10)
	require.NoError(err)
	require.Len(remaining, 1)
	require.Equal(newer.ServerTimestamp, remaining[0].ServerTimestamp)

	// If the guid index had been unconditionally HDEL'd by the older
	// copy's removal, this would wrongly return nil even though newer is
	// still queued.
	stillIndexed, err := q.RemoveByGUID(ctx, device, shared)
	require.NoError(err)
	require.NotNil(stillIndexed)
	require.Equal(newer.ServerTimestamp, stillIndexed.ServerTimestamp)
}

func TestDeleteDeviceDropsEverything(t *testing.T) {
	require := require.New(t)
	c := testClient(t)
	q := New(c)
	ctx := context.Background()

	recipient := uuid.New()
	sender := uuid.New()
	device := domain.DeviceKey{AccountUUID: recipient, DeviceID: 1}

	for i := 0; i < 3; i++ {
		_, err := q.Insert(ctx, device, newEnvelope(sender, recipient, uint64(5000+i)))
		require.NoError(err)
	}

	require.NoError(q.DeleteDevice(ctx, device))

	remaining, err := q.GetAll(ctx, device, 0, 10)
	require.NoError(err)
	require.Empty(remaining)

	devices, err := q.QueuesToPersist(ctx, ShardOf(device), 0, 100)
	require.NoError(err)
	require.NotContains(devices, device)
}

func TestMarkPersistInProgressIsMutuallyExclusive(t *testing.T) {
	require := require.New(t)
	c := testClient(t)
	q := New(c)
	ctx := context.Background()

	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}

	claimed, err := q.MarkPersistInProgress(ctx, device, 60)
	require.NoError(err)
	require.True(claimed)

	claimedAgain, err := q.MarkPersistInProgress(ctx, device, 60)
	require.NoError(err)
	require.False(claimedAgain)
}

func TestQueuesToPersistEnumeratesShardIndex(t *testing.T) {
	require := require.New(t)
	c := testClient(t)
	q := New(c)
	ctx := context.Background()

	recipient := uuid.New()
	sender := uuid.New()
	device := domain.DeviceKey{AccountUUID: recipient, DeviceID: 1}

	env := newEnvelope(sender, recipient, 4000)
	_, err := q.Insert(ctx, device, env)
	require.NoError(err)

	shard := ShardOf(device)
	devices, err := q.QueuesToPersist(ctx, shard, domain.QueueID(^uint64(0)>>1), 100)
	require.NoError(err)
	require.Contains(devices, device)

	_, err = q.DrainAndTrim(ctx, device, domain.QueueID(^uint64(0)>>1))
	require.NoError(err)

	devices, err = q.QueuesToPersist(ctx, shard, domain.QueueID(^uint64(0)>>1), 100)
	require.NoError(err)
	require.NotContains(devices, device)
}
