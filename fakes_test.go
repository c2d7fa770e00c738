package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const testEventID = "summer-sale"

// fakeCounters is a map-backed CounterStore. It counts mutating calls so
// tests can assert that frozen paths touch nothing.
type fakeCounters struct {
	mu        sync.Mutex
	values    map[string]int64
	mutations int

	getErr          error
	incrByErr       error
	setIfGreaterErr error
}

var _ CounterStore = (*fakeCounters)(nil)

func newFakeCounters() *fakeCounters {
	values := map[string]int64{KeyResetInProgress: 0}
	for _, key := range allCounterKeys {
		values[key] = 0
	}
	return &fakeCounters{values: values}
}

func (f *fakeCounters) Get(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return 0, f.getErr
	}
	v, ok := f.values[key]
	if !ok {
		return 0, fmt.Errorf("counter %s: %w", key, ErrCounterMissing)
	}
	return v, nil
}

func (f *fakeCounters) Set(ctx context.Context, key string, value int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	f.values[key] = value
	return nil
}

func (f *fakeCounters) GetSet(ctx context.Context, key string, value int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	old := f.values[key]
	f.values[key] = value
	return old, nil
}

func (f *fakeCounters) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrByErr != nil {
		return 0, f.incrByErr
	}
	f.mutations++
	f.values[key] += delta
	return f.values[key], nil
}

func (f *fakeCounters) SetIfGreater(ctx context.Context, key string, value int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setIfGreaterErr != nil {
		return false, f.setIfGreaterErr
	}
	cur, ok := f.values[key]
	if !ok || value > cur {
		f.mutations++
		f.values[key] = value
		return true, nil
	}
	return false, nil
}

func (f *fakeCounters) SetNX(ctx context.Context, key string, value int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.mutations++
	f.values[key] = value
	return true, nil
}

func (f *fakeCounters) Snapshot(ctx context.Context) (CounterSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return CounterSnapshot{
		QueueCounter:            f.values[KeyQueueCounter],
		ServingCounter:          f.values[KeyServingCounter],
		TokenCounter:            f.values[KeyTokenCounter],
		MaxQueuePositionExpired: f.values[KeyMaxQueuePositionExpired],
		ResetInProgress:         f.values[KeyResetInProgress] != 0,
		AbandonedSessionCounter: f.values[KeyAbandonedSessionCounter],
		CompletedSessionCounter: f.values[KeyCompletedSessionCounter],
	}, nil
}

func (f *fakeCounters) value(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

// fakeDurable holds entry times and the issuance log in memory. Appends
// enforce the same uniqueness the real store does.
type fakeDurable struct {
	mu        sync.Mutex
	entries   map[int64]int64
	issuances []Issuance
	reads     int
	appends   int

	entryErr  error
	listErr   error
	appendErr error
}

var _ DurableStore = (*fakeDurable)(nil)

func newFakeDurable() *fakeDurable {
	return &fakeDurable{entries: map[int64]int64{}}
}

func (f *fakeDurable) EntryTimeByPosition(ctx context.Context, position int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.entryErr != nil {
		return 0, false, f.entryErr
	}
	entryTime, ok := f.entries[position]
	return entryTime, ok, nil
}

func (f *fakeDurable) IssuancesAfter(ctx context.Context, position int64) ([]Issuance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Issuance
	for _, iss := range f.issuances {
		if iss.ServingCounter > position {
			out = append(out, iss)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServingCounter < out[j].ServingCounter })
	return out, nil
}

func (f *fakeDurable) AppendIssuance(ctx context.Context, iss Issuance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if f.appendErr != nil {
		return f.appendErr
	}
	for _, existing := range f.issuances {
		if existing.ServingCounter == iss.ServingCounter {
			return fmt.Errorf("append issuance at %d: %w", iss.ServingCounter, ErrIssuanceExists)
		}
	}
	f.issuances = append(f.issuances, iss)
	return nil
}

func (f *fakeDurable) seedEntry(e PositionEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.QueuePosition] = e.EntryTime
}

func (f *fakeDurable) issuanceAt(position int64) (Issuance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, iss := range f.issuances {
		if iss.ServingCounter == position {
			return iss, true
		}
	}
	return Issuance{}, false
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []AdvancementEvent
	err    error
}

var _ Notifier = (*fakeNotifier)(nil)

func (f *fakeNotifier) NotifyCounterAdvanced(ctx context.Context, ev AdvancementEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeNotifier) published() []AdvancementEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AdvancementEvent(nil), f.events...)
}

type fakeTableAdmin struct {
	ensures    int
	rebuilds   int
	rebuildErr error
}

var _ TableAdmin = (*fakeTableAdmin)(nil)

func (f *fakeTableAdmin) EnsureSchema(ctx context.Context) error {
	f.ensures++
	return nil
}

func (f *fakeTableAdmin) RebuildTables(ctx context.Context) error {
	f.rebuilds++
	return f.rebuildErr
}

func newTestReconcileService(counters *fakeCounters, durable *fakeDurable, notifier *fakeNotifier, credit bool, nowUnix int64) *ReconcileService {
	cfg := Config{
		EventID:                testEventID,
		GracePeriod:            60 * time.Second,
		CreditExpiredPositions: credit,
	}
	s := NewReconcileService(counters, durable, notifier, cfg)
	s.now = func() time.Time { return time.Unix(nowUnix, 0) }
	return s
}

func newTestResetService(counters *fakeCounters, tables *fakeTableAdmin) *ResetService {
	return NewResetService(counters, tables, Config{EventID: testEventID})
}
