package tiercache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	c "github.com/unkn0wn-root/tiercache/codec"
	pr "github.com/unkn0wn-root/tiercache/provider"
)

// ==============================
// Clock
// ==============================

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (mc *manualClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

func (mc *manualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	mc.now = mc.now.Add(d)
	mc.mu.Unlock()
}

// ==============================
// Tier
// ==============================

// fakeTier is an observable map tier. Tests reach into it to simulate
// evictions and misbehaving tiers.
type fakeTier struct {
	pr.Emitter

	mu     sync.Mutex
	m      map[string][]byte
	reject func(key string) bool // Set refuses the value
	mute   bool                  // stop reporting changes
	onGet  func(key string)      // runs before every Get
	setErr error

	sets, dels int
}

var (
	_ pr.Tier       = (*fakeTier)(nil)
	_ pr.Observable = (*fakeTier)(nil)
)

func newFakeTier() *fakeTier { return &fakeTier{m: make(map[string][]byte)} }

// emit reports ev. Callers hold mu so changes to one key are reported in
// the order they happened.
func (t *fakeTier) emit(ctx context.Context, ev pr.Event) {
	if !t.mute {
		t.Emit(ctx, ev)
	}
}

func (t *fakeTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	hook := t.onGet
	t.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[key]
	return v, ok, nil
}

func (t *fakeTier) Has(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[key]
	return ok, nil
}

func (t *fakeTier) Set(ctx context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.setErr != nil {
		return false, t.setErr
	}
	t.sets++
	old, had := t.m[key]
	rejected := t.reject != nil && t.reject(key)
	if rejected {
		delete(t.m, key)
	} else {
		t.m[key] = value
	}

	switch {
	case rejected:
		if had {
			t.emit(ctx, pr.Event{Kind: pr.Updated, Key: key, Old: old, New: value})
		}
		t.emit(ctx, pr.Event{Kind: pr.Deleted, Key: key, Old: value, Synthetic: true})
	case had:
		t.emit(ctx, pr.Event{Kind: pr.Updated, Key: key, Old: old, New: value})
	default:
		t.emit(ctx, pr.Event{Kind: pr.Inserted, Key: key, New: value})
	}
	return !rejected, nil
}

func (t *fakeTier) Del(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dels++
	old, had := t.m[key]
	delete(t.m, key)
	if had {
		t.emit(ctx, pr.Event{Kind: pr.Deleted, Key: key, Old: old})
	}
	return nil
}

func (t *fakeTier) Clear(context.Context) error {
	t.mu.Lock()
	t.m = make(map[string][]byte)
	t.mu.Unlock()
	return nil
}

func (t *fakeTier) Close(context.Context) error { return nil }

// evict drops key on the tier's own initiative.
func (t *fakeTier) evict(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, had := t.m[key]
	delete(t.m, key)
	if had {
		t.emit(context.Background(), pr.Event{Kind: pr.Deleted, Key: key, Old: old, Synthetic: true})
	}
}

// vanish drops key without telling anyone.
func (t *fakeTier) vanish(key string) {
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
}

func (t *fakeTier) peek(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[key]
	return string(v), ok
}

func (t *fakeTier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// plainTier hides the Observable side of a fakeTier so the overlay has to
// wrap it.
type plainTier struct{ t *fakeTier }

func (p plainTier) Get(ctx context.Context, k string) ([]byte, bool, error) { return p.t.Get(ctx, k) }
func (p plainTier) Has(ctx context.Context, k string) (bool, error)         { return p.t.Has(ctx, k) }
func (p plainTier) Set(ctx context.Context, k string, v []byte, cost int64, ttl time.Duration) (bool, error) {
	return p.t.Set(ctx, k, v, cost, ttl)
}
func (p plainTier) Del(ctx context.Context, k string) error { return p.t.Del(ctx, k) }
func (p plainTier) Clear(ctx context.Context) error         { return p.t.Clear(ctx) }
func (p plainTier) Close(ctx context.Context) error         { return p.t.Close(ctx) }

// ==============================
// Hooks
// ==============================

type recHooks struct {
	NopHooks
	mu        sync.Mutex
	anomalies map[string]int
	rejected  int
	written   int
	failed    map[string]int
	requeued  int
	refresh   map[string]int
}

func newRecHooks() *recHooks {
	return &recHooks{anomalies: map[string]int{}, failed: map[string]int{}, refresh: map[string]int{}}
}

func (h *recHooks) Anomaly(cat, _ string) { h.mu.Lock(); h.anomalies[cat]++; h.mu.Unlock() }
func (h *recHooks) FrontRejected(string)  { h.mu.Lock(); h.rejected++; h.mu.Unlock() }
func (h *recHooks) WrittenBack(string)    { h.mu.Lock(); h.written++; h.mu.Unlock() }
func (h *recHooks) StoreFailed(op string, _ int, _ error) {
	h.mu.Lock()
	h.failed[op]++
	h.mu.Unlock()
}
func (h *recHooks) Requeued(string) { h.mu.Lock(); h.requeued++; h.mu.Unlock() }
func (h *recHooks) RefreshAhead(_, outcome string) {
	h.mu.Lock()
	h.refresh[outcome]++
	h.mu.Unlock()
}

func (h *recHooks) anomaly(cat string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.anomalies[cat]
}

// ==============================
// Overlay
// ==============================

type testOverlay struct {
	*overlay[string]
	front, back *fakeTier
	hooks       *recHooks
	clock       *manualClock
}

func newTestOverlay(t *testing.T, mod func(*Options[string])) *testOverlay {
	t.Helper()
	to := &testOverlay{front: newFakeTier(), back: newFakeTier(), hooks: newRecHooks(), clock: newManualClock()}
	opts := Options[string]{
		Front: to.front,
		Back:  to.back,
		Codec: c.String{},
		Hooks: to.hooks,
		Clock: to.clock,
	}
	if mod != nil {
		mod(&opts)
	}
	o, err := newOverlay[string](opts)
	if err != nil {
		t.Fatalf("newOverlay: %v", err)
	}
	to.overlay = o
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return to
}

type seenEvent struct {
	kind      Kind
	key       string
	old, new  string
	hadOld    bool
	synthetic bool
}

type eventLog struct {
	mu  sync.Mutex
	evs []seenEvent
}

func (l *eventLog) listener(_ context.Context, ev Event[string]) {
	o, hadOld := ev.Old()
	n, _ := ev.New()
	l.mu.Lock()
	l.evs = append(l.evs, seenEvent{kind: ev.Kind, key: ev.Key, old: o, new: n, hadOld: hadOld, synthetic: ev.Synthetic})
	l.mu.Unlock()
}

func (l *eventLog) all() []seenEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]seenEvent(nil), l.evs...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.evs = nil
	l.mu.Unlock()
}

func (to *testOverlay) record() *eventLog {
	l := &eventLog{}
	to.Subscribe(l.listener)
	return l
}

// checkConsistent verifies the presence flags of every idle status.
func (to *testOverlay) checkConsistent(t *testing.T) {
	t.Helper()
	n := 0
	to.statuses.each(func(key string, s *entryStatus) bool {
		if !s.isAvailable() {
			return true
		}
		inFront, inBack, _ := s.flags()
		if _, ok := to.front.peek(key); ok != inFront {
			t.Errorf("%s: inFront=%v but front holds=%v", key, inFront, ok)
		}
		if _, ok := to.back.peek(key); ok != inBack {
			t.Errorf("%s: inBack=%v but back holds=%v", key, inBack, ok)
		}
		if inFront || inBack {
			n++
		}
		return true
	})
	if got := to.Len(); got != n {
		t.Errorf("Len()=%d, existent statuses=%d", got, n)
	}
}

func mustGet(t *testing.T, o Overlay[string], key string) string {
	t.Helper()
	v, ok, err := o.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("Get(%q): ok=%v err=%v", key, ok, err)
	}
	return v
}

func isContract(err error, target error) bool {
	var ce *ContractError
	return errors.As(err, &ce) && errors.Is(err, target)
}

// ==============================
// Inspection helpers
// ==============================

// takeChange returns the front change if present, otherwise the back one.
func (s *entryStatus) takeChange() *change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked()
}

func (s *entryStatus) isProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseProcessing
}

func (s *entryStatus) ownedBy(o *owner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner == o && s.phase != phaseAvailable && s.phase != phaseInvalidated
}

// seen reports whether a category was ever logged.
func (d *diagnostics) seen(a anomaly) bool { return d.logged[a].Load() }

func (q *writeQueue) pendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// next returns the earliest registered expiry.
func (x *expiryIndex) next() (time.Time, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.t.Min()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, b.at), true
}
