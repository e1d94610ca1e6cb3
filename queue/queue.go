// Package queue implements the Device Message Queue: five co-located
// cache keys per (account, device) manipulated through atomic Lua
// scripts, so that insert/remove/drain never race against each other
// even across concurrently executing requests on different front-end
// instances. Grounded on spec.md §4.2 directly; script structure grounded
// on vendor/github.com/meow-io/heya/server.go's runTx-wrapped
// handleSendCommand (a SQL transaction doing the equivalent
// select-for-update + insert + counter bump, translated here into the
// Redis Cluster idiom of one Lua script against hash-tagged keys).
package queue

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/relaymesh/delivery/bencode"
	"github.com/relaymesh/delivery/cache"
	"github.com/relaymesh/delivery/domain"
)

//go:embed scripts/insert.lua
var insertScript string

//go:embed scripts/remove_by_guid.lua
var removeByGUIDScript string

//go:embed scripts/remove_by_qid.lua
var removeByQIDScript string

//go:embed scripts/get_all.lua
var getAllScript string

//go:embed scripts/drain_and_trim.lua
var drainAndTrimScript string

//go:embed scripts/mark_persist_in_progress.lua
var markPersistInProgressScript string

// NewMessageChannelPrefix is the cache pub/sub channel every instance
// subscribes to via messages.Manager.Start. Insert publishes on it so
// that a socket held open on any front-end instance -- not only the one
// that accepted the write -- wakes up and re-reads, per spec.md §1's
// "any front-end can deliver to any client".
const NewMessageChannelPrefix = "queue-new-message:"

type Queue struct {
	c *cache.Client
}

func New(c *cache.Client) *Queue {
	return &Queue{c: c}
}

func keys(device domain.DeviceKey) (queueKey, guidIndexKey, qidIndexKey, counterKey, persistFlagKey string) {
	tag := cache.HashTag(fmt.Sprintf("%s:%d", device.AccountUUID, device.DeviceID))
	return "user_queue::" + tag,
		"user_queue_metadata::" + tag,
		"user_queue_qid_index::" + tag,
		"user_queue_counter::" + tag,
		"user_queue_persist_in_progress::" + tag
}

// ChannelFor returns the pub/sub channel a session for device should
// subscribe to, and that Insert/PublishPersisted publish on.
func ChannelFor(device domain.DeviceKey) string {
	return NewMessageChannelPrefix + device.AccountUUID.String() + ":" + strconv.Itoa(int(device.DeviceID))
}

// ParseChannelDevice recovers the device a NewMessageChannelPrefix
// channel name was built for, the inverse of ChannelFor.
func ParseChannelDevice(channel string) (domain.DeviceKey, bool) {
	if !strings.HasPrefix(channel, NewMessageChannelPrefix) {
		return domain.DeviceKey{}, false
	}
	suffix := strings.TrimPrefix(channel, NewMessageChannelPrefix)
	parts := strings.SplitN(suffix, ":", 2)
	if len(parts) != 2 {
		return domain.DeviceKey{}, false
	}
	acct, err := uuid.Parse(parts[0])
	if err != nil {
		return domain.DeviceKey{}, false
	}
	var devID uint32
	if _, err := parseUint32(parts[1], &devID); err != nil {
		return domain.DeviceKey{}, false
	}
	return domain.DeviceKey{AccountUUID: acct, DeviceID: devID}, true
}

// Insert appends env to device's queue, assigning it the next monotonic
// queue-id, registers the queue in its shard's persist index if this is
// the entry that made it non-empty, and publishes a new-message
// notification so any connected session (on any front-end instance,
// via messages.Manager.Start's subscription) wakes up and re-reads.
func (q *Queue) Insert(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) (domain.QueueID, error) {
	queueKey, guidKey, qidKey, counterKey, _ := keys(device)

	encoded, err := bencode.Serialize(env)
	if err != nil {
		return 0, domain.NewError(domain.Fatal, "queue.Insert", err)
	}

	res, err := q.c.DoScript(ctx, "queue.insert", "insert", insertScript,
		[]string{queueKey, guidKey, qidKey, counterKey},
		encoded, env.GUID[:])
	if err != nil {
		return 0, err
	}
	qid, ok := res.(int64)
	if !ok {
		return 0, domain.NewError(domain.Fatal, "queue.Insert", fmt.Errorf("unexpected script result type %T", res))
	}

	if err := q.addToShardIndex(ctx, device, domain.QueueID(qid)); err != nil {
		return domain.QueueID(qid), err
	}

	kind := domain.NewMessages
	if env.Ephemeral() {
		kind = domain.NewEphemeralMessage
	}
	if err := q.c.Publish(ctx, ChannelFor(device), kind.String()); err != nil {
		return domain.QueueID(qid), err
	}

	return domain.QueueID(qid), nil
}

// PublishPersisted announces that device's queue has just been drained
// into durable storage, so any listening session knows to re-read from
// the durable table too. Called by the Messages Manager, not the
// persister directly, so the notification travels through the same
// cross-instance channel as a new-message wake.
func (q *Queue) PublishPersisted(ctx context.Context, device domain.DeviceKey) error {
	return q.c.Publish(ctx, ChannelFor(device), domain.MessagesPersisted.String())
}

// GetAll returns up to limit envelopes with queue-id strictly greater
// than afterID, in ascending queue-id order.
func (q *Queue) GetAll(ctx context.Context, device domain.DeviceKey, afterID domain.QueueID, limit int) ([]*domain.Envelope, error) {
	queueKey, _, _, _, _ := keys(device)
	res, err := q.c.DoScript(ctx, "queue.getAll", "getAll", getAllScript,
		[]string{queueKey}, int64(afterID), limit)
	if err != nil {
		return nil, err
	}
	return decodeMembers(res)
}

// Entry pairs an envelope with its assigned queue-id, for callers (the
// persister) that need to trim by queue-id rather than by the envelope's
// own server timestamp.
type Entry struct {
	ID       domain.QueueID
	Envelope *domain.Envelope
}

// GetAllWithIDs is GetAll's sibling that also returns each envelope's
// assigned queue-id, needed by the persister to compute the exact
// DrainAndTrim cutoff.
func (q *Queue) GetAllWithIDs(ctx context.Context, device domain.DeviceKey, afterID domain.QueueID, limit int) ([]Entry, error) {
	queueKey, _, _, _, _ := keys(device)
	var zs []redis.Z
	err := q.c.Do(ctx, "queue.getAllWithIDs", func(ctx context.Context) error {
		r, err := q.c.Raw().ZRangeByScoreWithScores(ctx, queueKey, &redis.ZRangeBy{
			Min:   "(" + strconv.FormatInt(int64(afterID), 10),
			Max:   "+inf",
			Count: int64(limit),
		}).Result()
		if err != nil {
			return err
		}
		zs = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		s, ok := z.Member.(string)
		if !ok {
			continue
		}
		env := &domain.Envelope{}
		if err := bencode.Deserialize([]byte(s), env); err != nil {
			return nil, domain.NewError(domain.Fatal, "queue.GetAllWithIDs", err)
		}
		entries = append(entries, Entry{ID: domain.QueueID(z.Score), Envelope: env})
	}
	return entries, nil
}

// RemoveByGUID removes and returns the envelope with the given GUID, or
// nil if no such envelope is queued (already ACKed or never existed).
func (q *Queue) RemoveByGUID(ctx context.Context, device domain.DeviceKey, guid uuid.UUID) (*domain.Envelope, error) {
	queueKey, guidKey, qidKey, _, _ := keys(device)
	res, err := q.c.DoScript(ctx, "queue.removeByGUID", "removeByGUID", removeByGUIDScript,
		[]string{queueKey, guidKey, qidKey}, guid[:])
	if err != nil {
		return nil, err
	}
	env, err := decodeOne(res)
	if err != nil {
		return nil, err
	}
	if env != nil {
		if err := q.pruneShardIndexIfEmpty(ctx, device, queueKey); err != nil {
			return env, err
		}
	}
	return env, nil
}

// RemoveByServerTimestampAndSender scans up to maxScanWindow of the most
// recent envelopes in the queue (newest first) for one matching both
// sender and server timestamp, and removes it atomically if found. If the
// scan exhausts maxScanWindow without a match, it returns
// domain.ErrScanTruncated rather than reporting "not found": the match
// may exist further back than the window reached.
func (q *Queue) RemoveByServerTimestampAndSender(ctx context.Context, device domain.DeviceKey, serverTimestamp uint64, sender uuid.UUID, maxScanWindow int) (*domain.Envelope, error) {
	queueKey, guidKey, qidKey, _, _ := keys(device)

	const page = 50
	scanned := 0
	for scanned < maxScanWindow {
		stop := int64(scanned + page - 1)
		if maxScanWindow-scanned < page {
			stop = int64(maxScanWindow - 1)
		}
		want := int(stop) - scanned + 1
		var members []redis.Z
		err := q.c.Do(ctx, "queue.scan", func(ctx context.Context) error {
			r, err := q.c.Raw().ZRevRangeWithScores(ctx, queueKey, int64(scanned), stop).Result()
			if err != nil {
				return err
			}
			members = r
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			return nil, nil
		}
		for _, z := range members {
			s, ok := z.Member.(string)
			if !ok {
				continue
			}
			env := &domain.Envelope{}
			if err := bencode.Deserialize([]byte(s), env); err != nil {
				continue
			}
			if env.ServerTimestamp == serverTimestamp && env.SourceUUID == sender {
				qid := int64(z.Score)
				res, err := q.c.DoScript(ctx, "queue.removeByQID", "removeByQID", removeByQIDScript,
					[]string{queueKey, guidKey, qidKey}, qid, env.GUID[:])
				if err != nil {
					return nil, err
				}
				removed, err := decodeOne(res)
				if err != nil {
					return nil, err
				}
				if removed != nil {
					if err := q.pruneShardIndexIfEmpty(ctx, device, queueKey); err != nil {
						return removed, err
					}
				}
				return removed, nil
			}
		}
		scanned += len(members)
		if len(members) < want {
			return nil, nil
		}
	}
	return nil, domain.ErrScanTruncated
}

// DrainAndTrim atomically removes and returns all envelopes with
// queue-id <= uptoID, cleaning up both the GUID and qid indexes in the
// same script, and clearing the persist-in-progress flag. Used by the
// persister at the end of a successful durable-write batch.
func (q *Queue) DrainAndTrim(ctx context.Context, device domain.DeviceKey, uptoID domain.QueueID) ([]*domain.Envelope, error) {
	queueKey, guidKey, qidKey, _, persistFlagKey := keys(device)
	res, err := q.c.DoScript(ctx, "queue.drainAndTrim", "drainAndTrim", drainAndTrimScript,
		[]string{queueKey, guidKey, qidKey, persistFlagKey}, int64(uptoID))
	if err != nil {
		return nil, err
	}
	envs, err := decodeMembers(res)
	if err != nil {
		return nil, err
	}
	if len(envs) > 0 {
		if err := q.pruneShardIndexIfEmpty(ctx, device, queueKey); err != nil {
			return envs, err
		}
	}
	return envs, nil
}

// MarkPersistInProgress claims the persist-in-progress flag via a
// SETNX-equivalent script, returning acquired=false rather than an
// error when another worker already holds it -- so a concurrently
// running persister run on another instance cannot also drain this
// queue. Released by DrainAndTrim or by TTL expiry if the worker
// crashes mid-drain.
func (q *Queue) MarkPersistInProgress(ctx context.Context, device domain.DeviceKey, ttlSeconds int) (bool, error) {
	_, _, _, _, persistFlagKey := keys(device)
	res, err := q.c.DoScript(ctx, "queue.markPersistInProgress", "markPersistInProgress", markPersistInProgressScript,
		[]string{persistFlagKey}, ttlSeconds)
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, domain.NewError(domain.Fatal, "queue.MarkPersistInProgress", fmt.Errorf("unexpected script result type %T", res))
	}
	return n == 1, nil
}

// DeleteDevice unconditionally drops device's entire queue -- all five
// co-located keys plus its shard persist-index entry -- for spec.md
// §4.3's Clear operation, which drops every queued envelope regardless
// of age or persist-in-progress state. Unlike DrainAndTrim this does not
// return what was removed; Clear has no use for it.
func (q *Queue) DeleteDevice(ctx context.Context, device domain.DeviceKey) error {
	queueKey, guidKey, qidKey, counterKey, persistFlagKey := keys(device)
	if err := q.c.Do(ctx, "queue.deleteDevice", func(ctx context.Context) error {
		return q.c.Raw().Del(ctx, queueKey, guidKey, qidKey, counterKey, persistFlagKey).Err()
	}); err != nil {
		return err
	}
	return q.removeFromShardIndex(ctx, device)
}

func decodeMembers(res interface{}) ([]*domain.Envelope, error) {
	raw, ok := res.([]interface{})
	if !ok {
		return nil, domain.NewError(domain.Fatal, "queue.decode", fmt.Errorf("unexpected script result type %T", res))
	}
	envs := make([]*domain.Envelope, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue
		}
		env := &domain.Envelope{}
		if err := bencode.Deserialize([]byte(s), env); err != nil {
			return nil, domain.NewError(domain.Fatal, "queue.decode", err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func decodeOne(res interface{}) (*domain.Envelope, error) {
	s, ok := res.(string)
	if !ok || s == "" {
		return nil, nil
	}
	env := &domain.Envelope{}
	if err := bencode.Deserialize([]byte(s), env); err != nil {
		return nil, domain.NewError(domain.Fatal, "queue.decode", err)
	}
	return env, nil
}
