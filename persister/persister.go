// Package persister implements the Message Persister: the background
// worker that claims a shard, drains device queues whose oldest entry is
// older than PersistDelay, writes them into the durable table, trims the
// cache, and notifies any listening session. Grounded on spec.md §4.7's
// 7-step algorithm directly, cross-checked line-for-line against
// original_source MessagePersisterIntegrationTest.testScheduledPersistMessages
// (the 377-message scenario) for exact ordering/idempotence expectations.
package persister

import (
	"context"
	_ "embed"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/delivery/cache"
	"github.com/relaymesh/delivery/clock"
	"github.com/relaymesh/delivery/domain"
	"github.com/relaymesh/delivery/messages"
	"github.com/relaymesh/delivery/queue"

	"go.uber.org/zap"
)

//go:embed scripts/release_lease.lua
var releaseLeaseScript string

const NumSlots = 16384 // Redis Cluster's fixed slot count.
const leaseTTL = 2 * time.Minute

// sweepLeaseTTL gates messages.Store.SweepExpired the same way leaseKey
// gates a slot drain: a SETNX-style claim so that every instance
// attempting a run doesn't all issue the same DELETE concurrently. Its
// TTL is shorter than runPersisterLoop's tick interval so a crashed
// claimant never blocks the next instance's attempt for more than one
// missed cycle.
const sweepLeaseTTL = 25 * time.Second
const sweepLeaseKey = "expired_message_sweep_lease"

// NotifyPersisted is the narrow capability this package needs from the
// Messages Manager -- just enough to raise the MessagesPersisted
// availability event, not the whole manager surface. It returns an
// error because the notification is itself a cache publish that can
// fail transiently; persistDevice propagates that failure rather than
// silently dropping it, since a missed notification means a connected
// session won't know to re-read until its next poll.
type NotifyPersisted interface {
	NotifyPersisted(ctx context.Context, device domain.DeviceKey) error
}

type Persister struct {
	cache    *cache.Client
	queue    *queue.Queue
	store    *messages.Store
	notifier NotifyPersisted
	clock    clock.Clock
	log      *zap.SugaredLogger

	persistDelay    time.Duration
	batchSize       int
	concurrency     int
	maxQueuesPerRun int
	instanceID      string
}

func New(c *cache.Client, q *queue.Queue, store *messages.Store, notifier NotifyPersisted, clk clock.Clock, log *zap.SugaredLogger, persistDelay time.Duration, batchSize, concurrency, maxQueuesPerRun int, instanceID string) *Persister {
	return &Persister{
		cache: c, queue: q, store: store, notifier: notifier, clock: clk, log: log,
		persistDelay: persistDelay, batchSize: batchSize, concurrency: concurrency,
		maxQueuesPerRun: maxQueuesPerRun, instanceID: instanceID,
	}
}

func leaseKey(slot int) string {
	return "persist_lease::{" + slotTag(slot) + "}"
}

// slotTag returns the label "slot-N" used to build the lease key string.
// The label does not hash to Redis Cluster slot N, so a slot's lease key
// may live on any node.
func slotTag(slot int) string {
	return "slot-" + itoa(slot)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// RunOnce executes one claim-drain-persist-trim pass over every slot this
// instance currently owns, bounded to maxQueuesPerRun queues per slot.
// Returns the number of envelopes persisted.
func (p *Persister) RunOnce(ctx context.Context, slots []int) (int, error) {
	p.sweepExpired(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	persisted := make([]int, len(slots))
	for i, slot := range slots {
		i, slot := i, slot
		g.Go(func() error {
			n, err := p.runSlot(gctx, slot)
			if err != nil {
				return err
			}
			persisted[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, n := range persisted {
		total += n
	}
	return total, nil
}

func (p *Persister) runSlot(ctx context.Context, slot int) (int, error) {
	claimed, err := p.claimLease(ctx, slot)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, nil
	}
	defer p.releaseLease(ctx, slot)

	// QueuesToPersist does not apply its olderThan argument (see
	// queue.QueuesToPersist), so every queue in the shard index is a
	// candidate; the persistDelay check happens per-envelope in
	// persistDevice.
	olderThanTime := uint64(p.clock.Now().Add(-p.persistDelay).UnixMilli())

	devices, err := p.queue.QueuesToPersist(ctx, slot, domain.QueueID(olderThanTime), p.maxQueuesPerRun)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, device := range devices {
		n, err := p.persistDevice(ctx, device)
		if err != nil {
			if p.log != nil {
				p.log.Errorw("failed to persist device queue", "device", device, "err", err)
			}
			continue
		}
		total += n
	}
	return total, nil
}

// persistDevice reads up to batchSize of the oldest envelopes in device's
// queue, idempotently upserts the leading run of those older than
// persistDelay into the durable table (later envelopes wait for the next
// run), trims
// the cache entries only after the durable write succeeds (the
// crash-safety invariant: a worker that dies between write and trim
// leaves the cache copy in place, so a restarted worker simply re-writes
// the same rows -- safe because Store.Upsert is idempotent on the
// composite primary key), and notifies any listening session.
// MarkPersistInProgress's conflict return is a normal, frequent outcome
// (another worker already claimed this queue this cycle), not an error:
// persistDevice simply skips it.
func (p *Persister) persistDevice(ctx context.Context, device domain.DeviceKey) (int, error) {
	claimed, err := p.queue.MarkPersistInProgress(ctx, device, int(leaseTTL.Seconds()))
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, nil
	}

	cutoff := uint64(p.clock.Now().Add(-p.persistDelay).UnixMilli())
	entries, err := p.queue.GetAllWithIDs(ctx, device, 0, p.batchSize)
	if err != nil {
		return 0, err
	}

	var toTrim domain.QueueID
	n := 0
	for _, e := range entries {
		if e.Envelope.ServerTimestamp > cutoff {
			break
		}
		if err := p.store.Upsert(ctx, device, e.Envelope); err != nil {
			return n, err
		}
		n++
		toTrim = e.ID
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := p.queue.DrainAndTrim(ctx, device, toTrim); err != nil {
		return n, err
	}

	if p.notifier != nil {
		if err := p.notifier.NotifyPersisted(ctx, device); err != nil {
			return n, err
		}
	}
	return n, nil
}

// sweepExpired runs messages.Store.SweepExpired at most once per
// sweepLeaseTTL across the whole cluster of instances, a low-priority
// companion to the per-slot drain above. Claim failures and sweep
// errors are both logged and otherwise ignored -- a missed sweep just
// means expired rows persist a little longer, not a correctness issue.
func (p *Persister) sweepExpired(ctx context.Context) {
	if p.store == nil {
		return
	}
	claimed, err := p.claimSweepLease(ctx)
	if err != nil {
		if p.log != nil {
			p.log.Errorw("failed to claim expired-message sweep lease", "err", err)
		}
		return
	}
	if !claimed {
		return
	}
	n, err := p.store.SweepExpired(ctx)
	if err != nil {
		if p.log != nil {
			p.log.Errorw("failed to sweep expired durable messages", "err", err)
		}
		return
	}
	if n > 0 && p.log != nil {
		p.log.Infow("swept expired durable messages", "count", n)
	}
}

func (p *Persister) claimSweepLease(ctx context.Context) (bool, error) {
	var claimed bool
	err := p.cache.Do(ctx, "persister.claimSweepLease", func(ctx context.Context) error {
		ok, err := p.cache.Raw().SetNX(ctx, sweepLeaseKey, p.instanceID, sweepLeaseTTL).Result()
		if err != nil {
			return err
		}
		claimed = ok
		return nil
	})
	return claimed, err
}

func (p *Persister) claimLease(ctx context.Context, slot int) (bool, error) {
	var claimed bool
	err := p.cache.Do(ctx, "persister.claimLease", func(ctx context.Context) error {
		ok, err := p.cache.Raw().SetNX(ctx, leaseKey(slot), p.instanceID, leaseTTL).Result()
		if err != nil {
			return err
		}
		claimed = ok
		return nil
	})
	return claimed, err
}

func (p *Persister) releaseLease(ctx context.Context, slot int) {
	_, _ = p.cache.DoScript(ctx, "persister.releaseLease", "releaseLease", releaseLeaseScript,
		[]string{leaseKey(slot)}, p.instanceID)
}
