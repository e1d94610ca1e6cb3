package push

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/delivery/domain"
)

type fakeSender struct {
	fail int32 // number of remaining failures before success
	log  *[]domain.DeviceKey
}

func (f *fakeSender) Push(device domain.DeviceKey, token string) error {
	if f.log != nil {
		*f.log = append(*f.log, device)
	}
	if atomic.AddInt32(&f.fail, -1) >= 0 {
		return domain.NewError(domain.Transient, "fakeSender.Push", nil)
	}
	return nil
}

type fakeLookup struct{ platform string }

func (f fakeLookup) Lookup(device domain.DeviceKey) (string, string, bool) {
	return "tok", f.platform, true
}

type fakeObserver struct{ called int }

func (f *fakeObserver) OnStaleToken(device domain.DeviceKey, platform string) { f.called++ }

// fakeScheduleStore is an in-memory stand-in for the cache-backed
// ScheduleStore, sufficient to exercise the scheduler's retry-ladder
// control flow without a live Redis Cluster.
type fakeScheduleStore struct {
	mu       sync.Mutex
	entries  map[domain.DeviceKey]time.Time
	attempts map[domain.DeviceKey]int
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{
		entries:  make(map[domain.DeviceKey]time.Time),
		attempts: make(map[domain.DeviceKey]int),
	}
}

func (f *fakeScheduleStore) Add(ctx context.Context, device domain.DeviceKey, notBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.entries[device]; !ok || notBefore.Before(existing) {
		f.entries[device] = notBefore
	}
	return nil
}

func (f *fakeScheduleStore) PopDue(ctx context.Context, now time.Time, max int) ([]DueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []DueEntry
	for device, at := range f.entries {
		if len(due) >= max {
			break
		}
		if !at.After(now) {
			delete(f.entries, device)
			f.attempts[device]++
			due = append(due, DueEntry{Device: device, Attempts: f.attempts[device]})
		}
	}
	return due, nil
}

func (f *fakeScheduleStore) Cancel(ctx context.Context, device domain.DeviceKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, device)
	delete(f.attempts, device)
	return nil
}

func TestSchedulerRetriesThenMarksStale(t *testing.T) {
	require := require.New(t)
	sender := &fakeSender{fail: 1000} // always fails
	observer := &fakeObserver{}
	store := newFakeScheduleStore()
	s := NewScheduler(
		map[string]Sender{"ios": sender},
		store,
		fakeLookup{platform: "ios"},
		observer,
		nil,
		3, // maxAttempts
		time.Millisecond,
		10*time.Millisecond,
		100,
		4,
	)
	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go s.Run(ctx, time.Millisecond)

	s.Schedule(ctx, device)

	require.Eventually(func() bool {
		return s.IsStale(device)
	}, 400*time.Millisecond, 5*time.Millisecond)
	require.Equal(1, observer.called)
}

func TestSchedulerSucceedsImmediately(t *testing.T) {
	require := require.New(t)
	sender := &fakeSender{fail: -1} // always succeeds
	store := newFakeScheduleStore()
	s := NewScheduler(
		map[string]Sender{"ios": sender},
		store,
		fakeLookup{platform: "ios"},
		nil, nil, 3, time.Millisecond, 10*time.Millisecond, 100, 4,
	)
	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}
	ctx := context.Background()

	s.Schedule(ctx, device)
	require.False(s.IsStale(device))
}

func TestSchedulerCancelRemovesPendingEntry(t *testing.T) {
	require := require.New(t)
	sender := &fakeSender{fail: 1000}
	store := newFakeScheduleStore()
	s := NewScheduler(
		map[string]Sender{"ios": sender},
		store,
		fakeLookup{platform: "ios"},
		nil, nil, 5, time.Hour, time.Hour, 100, 4,
	)
	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}
	ctx := context.Background()

	s.Schedule(ctx, device)
	require.Contains(store.entries, device)

	require.NoError(s.Cancel(ctx, device))
	require.NotContains(store.entries, device)
}
