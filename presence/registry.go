// Package presence implements the cluster-wide Presence Registry: which
// server instance currently owns a live socket for a given device, so
// that a message accepted on one front-end can be pushed through a socket
// held open on another. Grounded on spec.md §4.4 directly; the
// TTL-refresh-while-connected and displace-and-notify-prior-holder pattern
// is grounded on vendor/github.com/meow-io/heya/handler.go's subscriber
// add/remove bookkeeping (the closest existing analog in the teacher's
// tree to "which connection currently owns this identity").
package presence

import (
	_ "embed"

	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/delivery/cache"
	"github.com/relaymesh/delivery/domain"
)

//go:embed scripts/set_present.lua
var setPresentScript string

//go:embed scripts/clear_presence.lua
var clearPresenceScript string

const DisplacementChannelPrefix = "presence-displaced:"

type Registry struct {
	c         *cache.Client
	log       *zap.SugaredLogger
	ttl       time.Duration
	listeners listenerSet
}

func New(c *cache.Client, log *zap.SugaredLogger, ttl time.Duration) *Registry {
	return &Registry{c: c, log: log, ttl: ttl, listeners: newListenerSet()}
}

func presenceKey(device domain.DeviceKey) string {
	return "presence::" + device.AccountUUID.String() + "::" + itoa(device.DeviceID)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// SetPresent registers serverID as the current owner of device's socket.
// If a different server instance previously held the record, that prior
// holder is displaced: a notification is published on its per-device
// displacement channel so it can force-close the stale local session
// (spec.md §4.8's "displacement" path).
func (r *Registry) SetPresent(ctx context.Context, device domain.DeviceKey, serverID string) error {
	key := presenceKey(device)

	// SET EX takes whole seconds; round up so a sub-second TTL stays valid.
	ttlSeconds := int((r.ttl + time.Second - 1) / time.Second)
	res, err := r.c.DoScript(ctx, "presence.setPresent", "setPresent", setPresentScript,
		[]string{key}, serverID, strconv.Itoa(ttlSeconds))
	if err != nil {
		return err
	}

	prior, _ := res.(string)
	if prior != "" && prior != serverID {
		channel := DisplacementChannelPrefix + device.AccountUUID.String() + ":" + itoa(device.DeviceID)
		_ = r.c.Publish(ctx, channel, prior)
	}
	return nil
}

// Refresh extends the TTL on an existing presence record without
// changing its value. Called on the heartbeat interval while a socket
// remains open.
func (r *Registry) Refresh(ctx context.Context, device domain.DeviceKey, serverID string) error {
	key := presenceKey(device)
	return r.c.Do(ctx, "presence.refresh", func(ctx context.Context) error {
		ok, err := r.c.Raw().Expire(ctx, key, r.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			// record expired already; re-establish it rather than silently
			// leaving the device with no presence.
			return r.c.Raw().Set(ctx, key, serverID, r.ttl).Err()
		}
		return nil
	})
}

// IsPresent reports whether device's current presence record names
// serverID as owner.
func (r *Registry) IsPresent(ctx context.Context, device domain.DeviceKey, serverID string) (bool, error) {
	key := presenceKey(device)
	var v string
	err := r.c.Do(ctx, "presence.isPresent", func(ctx context.Context) error {
		got, err := r.c.Raw().Get(ctx, key).Result()
		if err != nil && err.Error() != "redis: nil" {
			return err
		}
		v = got
		return nil
	})
	if err != nil {
		return false, err
	}
	return v == serverID, nil
}

// Lookup returns the server instance currently holding device's presence
// record, if any. Used by the sender package to decide whether a device
// is connected somewhere in the cluster before scheduling a push
// fallback -- a device with no presence record is unambiguously absent
// regardless of which instance accepted the send.
func (r *Registry) Lookup(ctx context.Context, device domain.DeviceKey) (serverID string, present bool, err error) {
	key := presenceKey(device)
	err = r.c.Do(ctx, "presence.lookup", func(ctx context.Context) error {
		v, err := r.c.Raw().Get(ctx, key).Result()
		if err != nil && err.Error() != "redis: nil" {
			return err
		}
		serverID = v
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return serverID, serverID != "", nil
}

// ClearPresence deletes the presence record only if it still names
// serverID as owner -- a compare-and-delete so that a disconnect handler
// racing with a fresh connect on another instance cannot delete the new
// owner's record.
func (r *Registry) ClearPresence(ctx context.Context, device domain.DeviceKey, serverID string) error {
	key := presenceKey(device)
	_, err := r.c.DoScript(ctx, "presence.clear", "clearPresence", clearPresenceScript,
		[]string{key}, serverID)
	return err
}

// OnDisplaced registers a local callback invoked when this server
// instance is displaced as the owner of device's presence record. It
// starts the subscription lazily on first call.
func (r *Registry) OnDisplaced(ctx context.Context, serverID string) <-chan domain.DeviceKey {
	return r.listeners.subscribe(ctx, r.c, serverID)
}

// OnExpired registers a local callback invoked when a presence record
// disappears passively -- TTL expiry or an explicit DEL outside
// ClearPresence's compare-and-delete -- rather than through an explicit
// SetPresent displacement. Spec.md §4.4's last sentence: a crashed
// instance's record lapsing must still reach whatever local session
// cares about that device. Starts the underlying keyspace-notification
// subscriptions lazily on first call.
func (r *Registry) OnExpired(ctx context.Context) <-chan domain.DeviceKey {
	return r.listeners.subscribeExpired(ctx, r.c)
}
