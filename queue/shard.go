package queue

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/relaymesh/delivery/domain"
)

//go:embed scripts/persist_index_add.lua
var persistIndexAddScript string

//go:embed scripts/persist_index_remove.lua
var persistIndexRemoveScript string

//go:embed scripts/persist_index_enumerate.lua
var persistIndexEnumerateScript string

// numShards mirrors cmd/deliveryd's persister loop, which steps across
// persister.NumSlots (16384, Redis Cluster's fixed slot count) in strides
// of 1024, i.e. 16 shards. ShardOf buckets a device into the exact same
// 16 values so a queue registered by Insert always falls inside the
// range the persister iterates.
const numShards = 16
const slotsPerShard = 16384 / numShards

// crc16 is the CRC16-CCITT variant Redis Cluster uses to compute key
// slots, reimplemented by hand since go-redis's is an unexported
// internal package. Grounded on the CRC16/XMODEM polynomial Redis
// documents for CLUSTER KEYSLOT.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ShardOf deterministically buckets device into one of the 16 shard
// indexes the persister loop iterates, via the same hash tag Insert
// colocates its keys under -- so a device's shard assignment here
// always agrees with which persister worker will eventually claim its
// queue.
func ShardOf(device domain.DeviceKey) int {
	tag := fmt.Sprintf("%s:%d", device.AccountUUID, device.DeviceID)
	slot := int(crc16([]byte(tag))) % 16384
	return (slot / slotsPerShard) * slotsPerShard
}

func persistIndexKey(shard int) string {
	return "persist_queue_index::{shard-" + strconv.Itoa(shard) + "}"
}

func deviceTag(device domain.DeviceKey) string {
	return device.AccountUUID.String() + ":" + strconv.Itoa(int(device.DeviceID))
}

func parseDeviceTag(tag string) (domain.DeviceKey, bool) {
	parts := strings.SplitN(tag, ":", 2)
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

// addToShardIndex registers device in its shard's persist_queue_index
// if it is not already present, scored by qid so QueuesToPersist can
// enumerate oldest-registered first.
func (q *Queue) addToShardIndex(ctx context.Context, device domain.DeviceKey, qid domain.QueueID) error {
	_, err := q.c.DoScript(ctx, "queue.shard.add", "persistIndexAdd", persistIndexAddScript,
		[]string{persistIndexKey(ShardOf(device))}, int64(qid), deviceTag(device))
	return err
}

// removeFromShardIndex drops device's persist_queue_index entry.
func (q *Queue) removeFromShardIndex(ctx context.Context, device domain.DeviceKey) error {
	_, err := q.c.DoScript(ctx, "queue.shard.remove", "persistIndexRemove", persistIndexRemoveScript,
		[]string{persistIndexKey(ShardOf(device))}, deviceTag(device))
	return err
}

// pruneShardIndexIfEmpty removes device from its shard's persist index
// once its queue has drained to nothing, so QueuesToPersist doesn't keep
// re-selecting an empty queue.
func (q *Queue) pruneShardIndexIfEmpty(ctx context.Context, device domain.DeviceKey, queueKey string) error {
	var count int64
	err := q.c.Do(ctx, "queue.shard.checkEmpty", func(ctx context.Context) error {
		n, err := q.c.Raw().ZCard(ctx, queueKey).Result()
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return q.removeFromShardIndex(ctx, device)
}

// QueuesToPersist enumerates up to max devices registered in slot's
// persist_queue_index whose registering qid predates olderThanQID, via
// a single atomic script against the documented persist_queue_index
// key -- no CLUSTER GETKEYSINSLOT round trip, which is frequently
// disabled on managed Redis Cluster offerings. Any tag that fails to
// parse (e.g. left over from a format change) is skipped rather than
// failing the whole enumeration, self-healing the index over time since
// pruneShardIndexIfEmpty will eventually remove genuinely-empty queues.
func (q *Queue) QueuesToPersist(ctx context.Context, shard int, olderThanQID domain.QueueID, max int) ([]domain.DeviceKey, error) {
	res, err := q.c.DoScript(ctx, "queue.shard.enumerate", "persistIndexEnumerate", persistIndexEnumerateScript,
		[]string{persistIndexKey(shard)}, max)
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, domain.NewError(domain.Fatal, "queue.QueuesToPersist", fmt.Errorf("unexpected script result type %T", res))
	}

	out := make([]domain.DeviceKey, 0, len(raw))
	for _, r := range raw {
		tag, ok := r.(string)
		if !ok {
			continue
		}
		device, ok := parseDeviceTag(tag)
		if !ok {
			continue
		}
		out = append(out, device)
	}
	// olderThanQID is not applied here: the index is already ordered
	// oldest-registered-first, and the exact persistDelay threshold is
	// enforced per-envelope in persistDevice.
	return out, nil
}

func parseUint32(s string, out *uint32) (int, error) {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, domain.NewError(domain.Logical, "queue.parseUint32", nil)
		}
		v = v*10 + uint64(c-'0')
	}
	*out = uint32(v)
	return len(s), nil
}
