package push

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/delivery/domain"
)

// DeviceTokenLookup resolves a device to the platform push token + type
// needed to send it a notification. This is an external collaborator
// (account/device CRUD is out of scope, spec.md §1) supplied at
// construction rather than queried through a concrete store here.
type DeviceTokenLookup interface {
	Lookup(device domain.DeviceKey) (token string, platform string, ok bool)
}

// StaleTokenObserver is notified when a device's token is found to be
// stale (platform rejected it, or retries exhausted) so the out-of-scope
// account/device CRUD collaborator can update its own records. This
// package never mutates device records directly.
type StaleTokenObserver interface {
	OnStaleToken(device domain.DeviceKey, platform string)
}

// Scheduler implements the retry ladder described in spec.md §4.6:
// exponential backoff between push attempts, capped at MaxDelay, up to
// MaxAttempts before the device is marked stale and further attempts
// suppressed via a bounded LRU (grounded on
// webitel-im-delivery-service's use of hashicorp/golang-lru/v2 for a
// bounded recency cache, repurposed here for recently-stale tokens). The
// ladder's own pending-retry state lives in a ScheduleStore, not process
// memory, per spec.md §6's "push_schedule is a single time-sorted set in
// the cache" -- any instance can pop and dispatch a due entry, and a
// restarted instance picks the ladder back up without losing it.
type Scheduler struct {
	senders     map[string]Sender
	store       ScheduleStore
	lookup      DeviceTokenLookup
	observer    StaleTokenObserver
	log         *zap.SugaredLogger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	concurrency int

	stale *lru.Cache[domain.DeviceKey, time.Time]
}

func NewScheduler(senders map[string]Sender, store ScheduleStore, lookup DeviceTokenLookup, observer StaleTokenObserver, log *zap.SugaredLogger, maxAttempts int, baseDelay, maxDelay time.Duration, staleCacheSize, concurrency int) *Scheduler {
	if staleCacheSize <= 0 {
		staleCacheSize = 10000
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	stale, _ := lru.New[domain.DeviceKey, time.Time](staleCacheSize)
	return &Scheduler{
		senders:     senders,
		store:       store,
		lookup:      lookup,
		observer:    observer,
		log:         log,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		concurrency: concurrency,
		stale:       stale,
	}
}

// IsStale reports whether device was recently marked stale and should be
// skipped by sender.Send without a further push attempt.
func (s *Scheduler) IsStale(device domain.DeviceKey) bool {
	_, ok := s.stale.Get(device)
	return ok
}

// Schedule attempts an immediate push to device; on failure it enrolls
// the device in the cache-backed retry ladder for a later automatic
// retry via Run.
func (s *Scheduler) Schedule(ctx context.Context, device domain.DeviceKey) {
	if s.IsStale(device) {
		return
	}
	if s.attempt(ctx, device) {
		return
	}
	if err := s.store.Add(ctx, device, time.Now().Add(s.baseDelay)); err != nil && s.log != nil {
		s.log.Errorw("failed to enroll device in push retry ladder", "device", device, "err", err)
	}
}

// Cancel removes device's pending retry entry, called once the client
// ACKs the message a push was scheduled for, so the ladder doesn't waste
// an attempt on a message the recipient already has.
func (s *Scheduler) Cancel(ctx context.Context, device domain.DeviceKey) error {
	return s.store.Cancel(ctx, device)
}

// Run drives the retry ladder until ctx is cancelled, checking due
// entries on the given tick interval.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue pops every currently-due entry and dispatches the attempts with
// bounded parallelism, mirroring the persister's use of
// golang.org/x/sync/errgroup for bounded fan-out.
func (s *Scheduler) runDue(ctx context.Context) {
	due, err := s.store.PopDue(ctx, time.Now(), 256)
	if err != nil {
		if s.log != nil {
			s.log.Errorw("failed to pop due push retries", "err", err)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, e := range due {
		e := e
		g.Go(func() error {
			s.retry(gctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) retry(ctx context.Context, e DueEntry) {
	if s.attempt(ctx, e.Device) {
		return
	}
	if e.Attempts >= s.maxAttempts {
		s.markStale(e.Device)
		return
	}
	delay := s.baseDelay << e.Attempts
	if delay > s.maxDelay || delay <= 0 {
		delay = s.maxDelay
	}
	if err := s.store.Add(ctx, e.Device, time.Now().Add(delay)); err != nil && s.log != nil {
		s.log.Errorw("failed to reschedule push retry", "device", e.Device, "err", err)
	}
}

// attempt sends exactly one push, returning true on success.
func (s *Scheduler) attempt(ctx context.Context, device domain.DeviceKey) bool {
	token, platform, ok := s.lookup.Lookup(device)
	if !ok {
		return false
	}
	sender, ok := s.senders[platform]
	if !ok {
		if s.log != nil {
			s.log.Warnw("no sender registered for platform", "platform", platform)
		}
		return false
	}
	err := sender.Push(device, token)
	if err == nil {
		return true
	}
	if domain.IsClass(err, domain.Logical) {
		s.markStale(device)
		return false
	}
	if s.log != nil {
		s.log.Debugw("push attempt failed, will retry", "device", device, "platform", platform, "err", err)
	}
	return false
}

func (s *Scheduler) markStale(device domain.DeviceKey) {
	s.stale.Add(device, time.Now())
	if s.observer != nil {
		_, platform, _ := s.lookup.Lookup(device)
		s.observer.OnStaleToken(device, platform)
	}
}
