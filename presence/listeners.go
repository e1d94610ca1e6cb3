package presence

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaymesh/delivery/cache"
	"github.com/relaymesh/delivery/domain"
)

// expiredEventChannel and deletedEventChannel are the Redis keyevent
// notification channels for passive TTL expiry and explicit DEL,
// respectively. Requires the cluster be configured with
// `notify-keyspace-events` including at least "Ex" (expired) and "g"
// (generic commands, for del) -- cache.Client.EnableKeyspaceNotifications
// sets this at startup.
const (
	expiredEventChannel = "__keyevent@0__:expired"
	deletedEventChannel = "__keyevent@0__:del"
)

// listenerSet fans the single cluster-wide displacement pub/sub
// subscription out to every local caller interested in it, mirroring the
// teacher's startUpdatePassing idea of merging one upstream channel into
// several consumers rather than opening a subscription per caller. A
// second, independently-lazy fanout covers the passive expired/del
// keyspace-notification path (spec.md §4.4's last sentence): a presence
// record can disappear without any SetPresent/ClearPresence call ever
// running, e.g. when the owning instance crashes and the TTL lapses.
type listenerSet struct {
	mu sync.Mutex

	displacedStarted bool
	displaced        []chan domain.DeviceKey

	expiredStarted bool
	expired        []chan domain.DeviceKey
}

func newListenerSet() listenerSet {
	return listenerSet{}
}

func (l *listenerSet) subscribe(ctx context.Context, c *cache.Client, serverID string) <-chan domain.DeviceKey {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(chan domain.DeviceKey, 16)
	l.displaced = append(l.displaced, out)

	if !l.displacedStarted {
		l.displacedStarted = true
		pattern := DisplacementChannelPrefix + "*"
		c.SubscribeKeyspace(ctx, pattern, func(channel, payload string) {
			if payload != serverID {
				return
			}
			device, ok := parseDisplacementChannel(channel)
			if !ok {
				return
			}

			l.mu.Lock()
			defer l.mu.Unlock()
			for _, ch := range l.displaced {
				select {
				case ch <- device:
				default:
				}
			}
		})
	}

	return out
}

// subscribeExpired registers out against the passive expired/del keyspace
// feed, starting the two underlying subscriptions on first call. Unlike
// displacement, there is no serverID to filter on: the event payload is
// just the key name of whatever presence record expired or was deleted,
// with no record of who it named, so every local subscriber for the
// matching device is notified and decides for itself what to do.
func (l *listenerSet) subscribeExpired(ctx context.Context, c *cache.Client) <-chan domain.DeviceKey {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(chan domain.DeviceKey, 16)
	l.expired = append(l.expired, out)

	if !l.expiredStarted {
		l.expiredStarted = true
		handler := func(channel, payload string) {
			device, ok := parsePresenceKey(payload)
			if !ok {
				return
			}
			l.mu.Lock()
			defer l.mu.Unlock()
			for _, ch := range l.expired {
				select {
				case ch <- device:
				default:
				}
			}
		}
		c.SubscribeKeyspace(ctx, expiredEventChannel, handler)
		c.SubscribeKeyspace(ctx, deletedEventChannel, handler)
	}

	return out
}

func parseDisplacementChannel(channel string) (domain.DeviceKey, bool) {
	suffix := strings.TrimPrefix(channel, DisplacementChannelPrefix)
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

// parsePresenceKey reverses presenceKey: "presence::{acct}::{device}".
func parsePresenceKey(key string) (domain.DeviceKey, bool) {
	const prefix = "presence::"
	if !strings.HasPrefix(key, prefix) {
		return domain.DeviceKey{}, false
	}
	parts := strings.SplitN(strings.TrimPrefix(key, prefix), "::", 2)
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

func parseUint32(s string, out *uint32) (int, error) {
	var v uint64
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0, domain.NewError(domain.Logical, "presence.parseUint32", nil)
		}
		v = v*10 + uint64(ch-'0')
	}
	*out = uint32(v)
	return len(s), nil
}
