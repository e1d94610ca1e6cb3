package messages

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery/cache"
	"github.com/relaymesh/delivery/domain"
	"github.com/relaymesh/delivery/queue"
)

// PushLatencyRecorder is the single metric this package touches directly
// (modeled on the original's PushLatencyManager): it records the instant
// a queue transitions from empty to non-empty, for push-latency bucket
// accounting done entirely outside this package. No package-level
// registry is used -- the recorder is supplied at construction, per the
// §9 redesign note against global singletons.
type PushLatencyRecorder interface {
	RecordFirstInsert(device domain.DeviceKey)
}

type noopRecorder struct{}

func (noopRecorder) RecordFirstInsert(domain.DeviceKey) {}

// PushCanceller is the narrow slice of push.Scheduler this package needs:
// cancel a device's pending retry-ladder entry once the message it was
// scheduled for no longer needs a platform push, either because the
// client ACKed it (spec.md §4.6) or its socket disconnected before the
// push fired (spec.md §4.8).
type PushCanceller interface {
	Cancel(ctx context.Context, device domain.DeviceKey) error
}

type noopCanceller struct{}

func (noopCanceller) Cancel(context.Context, domain.DeviceKey) error { return nil }

type Manager struct {
	queue    *queue.Queue
	store    *Store
	cache    *cache.Client
	log      *zap.SugaredLogger
	recorder PushLatencyRecorder
	push     PushCanceller
	maxScan  int

	mu        sync.Mutex
	listeners map[domain.DeviceKey][]chan domain.AvailabilityEvent
}

func NewManager(q *queue.Queue, store *Store, c *cache.Client, log *zap.SugaredLogger, recorder PushLatencyRecorder, push PushCanceller, maxScanWindow int) *Manager {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if push == nil {
		push = noopCanceller{}
	}
	return &Manager{
		queue:     q,
		store:     store,
		cache:     c,
		log:       log,
		recorder:  recorder,
		push:      push,
		maxScan:   maxScanWindow,
		listeners: make(map[domain.DeviceKey][]chan domain.AvailabilityEvent),
	}
}

// Start subscribes to every queue-new-message channel published by
// queue.Insert/PublishPersisted across every front-end instance, so a
// socket held open on an instance other than the one that accepted the
// write still wakes up and re-reads. Must be called once per process
// before any AddMessageAvailabilityListener subscriber can expect
// cross-instance delivery; it returns immediately, the subscription runs
// in the background for the lifetime of ctx.
func (m *Manager) Start(ctx context.Context) {
	m.cache.SubscribeKeyspace(ctx, queue.NewMessageChannelPrefix+"*", m.handleChannelEvent)
}

func (m *Manager) handleChannelEvent(channel, payload string) {
	device, ok := queue.ParseChannelDevice(channel)
	if !ok {
		return
	}
	kind, ok := domain.ParseEventKind(payload)
	if !ok {
		return
	}
	m.notify(device, kind)
}

// Insert appends env to device's queue. queue.Insert itself publishes the
// availability event on the cache pub/sub channel every Manager.Start
// subscribes to, so listeners registered on this instance or any other
// are notified via handleChannelEvent rather than a direct in-process
// call here -- the same path serves both local and cross-instance
// delivery.
func (m *Manager) Insert(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) (domain.QueueID, error) {
	existing, err := m.queue.GetAll(ctx, device, 0, 1)
	if err != nil {
		return 0, err
	}
	wasEmpty := len(existing) == 0

	qid, err := m.queue.Insert(ctx, device, env)
	if err != nil {
		return 0, err
	}

	if wasEmpty {
		m.recorder.RecordFirstInsert(device)
	}
	return qid, nil
}

// GetMessagesForDevice returns a merged, ascending-by-server-timestamp
// list of envelopes: cache-resident entries first, then durable-table
// entries, with any GUID already seen in the cache slice filtered out of
// the durable slice to avoid double-reporting across the two stores.
func (m *Manager) GetMessagesForDevice(ctx context.Context, device domain.DeviceKey, cachedOnly bool, limit int) ([]*domain.Envelope, error) {
	cached, err := m.queue.GetAll(ctx, device, 0, limit)
	if err != nil {
		return nil, err
	}
	if cachedOnly || m.store == nil {
		return cached, nil
	}

	seen := make(map[uuid.UUID]bool, len(cached))
	for _, e := range cached {
		seen[e.GUID] = true
	}

	remaining := limit - len(cached)
	if remaining <= 0 {
		return cached, nil
	}
	durable, err := m.store.GetMessages(ctx, device, remaining+len(seen))
	if err != nil {
		return nil, err
	}

	merged := make([]*domain.Envelope, 0, len(cached)+len(durable))
	merged = append(merged, cached...)
	for _, e := range durable {
		if seen[e.GUID] {
			continue
		}
		merged = append(merged, e)
		if len(merged) >= limit {
			break
		}
	}
	return merged, nil
}

// DeleteByGUID removes the envelope with guid from the cache; if absent
// there, falls through to the durable table. Whichever store held the
// envelope, removing it cancels device's pending push retry-ladder entry
// -- the client that sent the ACK now has the message, so a later push
// attempt would be wasted. When neither store held it, nothing is
// cancelled.
func (m *Manager) DeleteByGUID(ctx context.Context, device domain.DeviceKey, guid uuid.UUID) (*domain.Envelope, error) {
	env, err := m.queue.RemoveByGUID(ctx, device, guid)
	if err != nil {
		return nil, err
	}
	if env != nil {
		m.cancelPush(ctx, device)
		return env, nil
	}
	if m.store == nil {
		return nil, nil
	}
	env, err = m.store.DeleteByGUID(ctx, device, guid.String())
	if err != nil {
		return nil, err
	}
	if env != nil {
		m.cancelPush(ctx, device)
	}
	return env, nil
}

// DeleteByServerTimestampAndSender removes the matching envelope from the
// cache via the (sender,timestamp) scan path and, when one was removed,
// cancels device's pending push retry-ladder entry. Only the cache is
// searched: an envelope already persisted to the durable table is not
// found, and nil is returned. A truncated cache scan
// (domain.ErrScanTruncated) is returned to the caller.
func (m *Manager) DeleteByServerTimestampAndSender(ctx context.Context, device domain.DeviceKey, serverTimestamp uint64, sender uuid.UUID) (*domain.Envelope, error) {
	env, err := m.queue.RemoveByServerTimestampAndSender(ctx, device, serverTimestamp, sender, m.maxScan)
	if err != nil {
		return nil, err
	}
	if env != nil {
		m.cancelPush(ctx, device)
		return env, nil
	}
	return nil, nil
}

func (m *Manager) cancelPush(ctx context.Context, device domain.DeviceKey) {
	if err := m.push.Cancel(ctx, device); err != nil && m.log != nil {
		m.log.Warnw("failed to cancel pending push retry", "device", device, "err", err)
	}
}

// Clear drops messages for account. With deviceID set, it deletes that
// device's cache queue and its durable rows. With deviceID nil, only the
// durable table is cleared account-wide; the account's cache queues are
// left in place.
func (m *Manager) Clear(ctx context.Context, accountUUID uuid.UUID, deviceID *uint32) error {
	if deviceID != nil {
		device := domain.DeviceKey{AccountUUID: accountUUID, DeviceID: *deviceID}
		if err := m.queue.DeleteDevice(ctx, device); err != nil {
			return err
		}
	}
	// A whole-account clear (deviceID == nil) cannot reach the cache
	// queues here: queue keys are hash-tagged per device with no
	// account-level index, and device enumeration is the out-of-scope
	// account/device CRUD collaborator (spec.md §1). The durable table
	// still clears account-wide below; a caller that needs a full
	// cache-and-durable account wipe must enumerate devices itself and
	// call Clear(account, &deviceID) once per device instead.
	if m.store != nil {
		if err := m.store.Clear(ctx, accountUUID.String(), deviceID); err != nil {
			return err
		}
	}
	return nil
}

// AddMessageAvailabilityListener returns a channel of AvailabilityEvent
// for device and an unsubscribe function. This replaces the Java
// MessageAvailabilityListener three-method callback interface with a
// single typed channel, per the §9 redesign note -- the WS session loop
// (ws package) selects on this channel alongside the socket read.
func (m *Manager) AddMessageAvailabilityListener(device domain.DeviceKey) (<-chan domain.AvailabilityEvent, func()) {
	ch := make(chan domain.AvailabilityEvent, 8)
	m.mu.Lock()
	m.listeners[device] = append(m.listeners[device], ch)
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		chans := m.listeners[device]
		for i, c := range chans {
			if c == ch {
				m.listeners[device] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
		if len(m.listeners[device]) == 0 {
			delete(m.listeners, device)
		}
	}
	return ch, unsubscribe
}

// NotifyPersisted is called by the persister once a batch has been
// durably written and trimmed from the cache, so any listening session
// -- on this instance or any other -- knows it must re-read from the
// durable table too. It publishes rather than calling notify directly,
// for the same cross-instance reason queue.Insert does.
func (m *Manager) NotifyPersisted(ctx context.Context, device domain.DeviceKey) error {
	return m.queue.PublishPersisted(ctx, device)
}

func (m *Manager) notify(device domain.DeviceKey, kind domain.EventKind) {
	m.mu.Lock()
	chans := append([]chan domain.AvailabilityEvent{}, m.listeners[device]...)
	m.mu.Unlock()

	event := domain.AvailabilityEvent{Kind: kind, Device: device}
	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			if m.log != nil {
				m.log.Warnw("availability listener channel full, dropping event", "device", device, "kind", kind)
			}
		}
	}
}
