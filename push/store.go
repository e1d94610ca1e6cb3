package push

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/delivery/cache"
	"github.com/relaymesh/delivery/domain"
)

//go:embed scripts/schedule.lua
var scheduleScript string

//go:embed scripts/pop_due.lua
var popDueScript string

//go:embed scripts/cancel.lua
var cancelScript string

// DueEntry is one popped retry-ladder entry: the device due for another
// push attempt, and how many attempts have already been made (including
// this one).
type DueEntry struct {
	Device   domain.DeviceKey
	Attempts int
}

// ScheduleStore is the retry-ladder state spec.md §4.6 requires to be "a
// single time-sorted set in the cache" rather than per-process memory,
// so that a scheduled retry survives the owning instance restarting and
// is visible for cancellation from any instance.
type ScheduleStore interface {
	// Add enrolls device for a retry no earlier than notBefore, lowering
	// an already-scheduled entry's time but never pushing it later.
	Add(ctx context.Context, device domain.DeviceKey, notBefore time.Time) error
	// PopDue atomically removes and returns up to max entries scored at
	// or before now, bumping each one's attempt counter.
	PopDue(ctx context.Context, now time.Time, max int) ([]DueEntry, error)
	// Cancel removes device's pending retry entry and resets its attempt
	// counter, called once the client ACKs the underlying message.
	Cancel(ctx context.Context, device domain.DeviceKey) error
}

// RedisScheduleStore implements ScheduleStore against two hash-tagged
// cache keys: push_schedule::{global} (a zset scored by next-attempt
// unix-ms) and push_schedule_attempts::{global} (a hash of attempt
// counts), colocated on one slot so pop_due.lua can touch both
// atomically. Grounded on spec.md §6's documented push_schedule key and
// §4.6's add/cancel/atomic-pop algorithm.
type RedisScheduleStore struct {
	c *cache.Client
}

func NewRedisScheduleStore(c *cache.Client) *RedisScheduleStore {
	return &RedisScheduleStore{c: c}
}

func scheduleKey() string {
	return "push_schedule::" + cache.HashTag("global")
}

func attemptsKey() string {
	return "push_schedule_attempts::" + cache.HashTag("global")
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
	devID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return domain.DeviceKey{}, false
	}
	return domain.DeviceKey{AccountUUID: acct, DeviceID: uint32(devID)}, true
}

func (s *RedisScheduleStore) Add(ctx context.Context, device domain.DeviceKey, notBefore time.Time) error {
	_, err := s.c.DoScript(ctx, "push.schedule.add", "schedule", scheduleScript,
		[]string{scheduleKey()}, notBefore.UnixMilli(), deviceTag(device))
	return err
}

func (s *RedisScheduleStore) PopDue(ctx context.Context, now time.Time, max int) ([]DueEntry, error) {
	res, err := s.c.DoScript(ctx, "push.schedule.popDue", "popDue", popDueScript,
		[]string{scheduleKey(), attemptsKey()}, now.UnixMilli(), max)
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, domain.NewError(domain.Fatal, "push.PopDue", fmt.Errorf("unexpected script result type %T", res))
	}

	out := make([]DueEntry, 0, len(raw))
	for _, r := range raw {
		pair, ok := r.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		tag, ok := pair[0].(string)
		if !ok {
			continue
		}
		device, ok := parseDeviceTag(tag)
		if !ok {
			continue
		}
		attempts, _ := toInt(pair[1])
		out = append(out, DueEntry{Device: device, Attempts: attempts})
	}
	return out, nil
}

func (s *RedisScheduleStore) Cancel(ctx context.Context, device domain.DeviceKey) error {
	_, err := s.c.DoScript(ctx, "push.schedule.cancel", "cancel", cancelScript,
		[]string{scheduleKey(), attemptsKey()}, deviceTag(device))
	return err
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
