package tiercache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	c "github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/provider/memory"
)

// ==============================
// Basic flows
// ==============================

func TestOverlayPutGet(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)

	if _, ok, err := to.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("miss expected: ok=%v err=%v", ok, err)
	}
	if _, had, err := to.Put(ctx, "a", "v1", 0); err != nil || had {
		t.Fatalf("Put: had=%v err=%v", had, err)
	}
	if got := mustGet(t, to, "a"); got != "v1" {
		t.Fatalf("Get: got %q want v1", got)
	}
	if v, ok := to.front.peek("a"); !ok || v != "v1" {
		t.Fatalf("front should hold a=v1, got %q %v", v, ok)
	}
	if to.Len() != 1 {
		t.Fatalf("Len: got %d want 1", to.Len())
	}

	old, had, err := to.Put(ctx, "a", "v2", 0)
	if err != nil || !had || old != "v1" {
		t.Fatalf("second Put: old=%q had=%v err=%v", old, had, err)
	}
	if ok, _ := to.Contains(ctx, "a"); !ok {
		t.Fatalf("Contains: want true")
	}

	got, removed, err := to.Remove(ctx, "a")
	if err != nil || !removed || got != "v2" {
		t.Fatalf("Remove: got=%q removed=%v err=%v", got, removed, err)
	}
	if to.Len() != 0 || to.front.len() != 0 {
		t.Fatalf("empty overlay expected, Len=%d front=%d", to.Len(), to.front.len())
	}
	if removed, _ := to.Delete(ctx, "a"); removed {
		t.Fatalf("Delete of a missing key reported removal")
	}
	if to.statuses.len() != 0 {
		t.Fatalf("idle statuses must be pruned, have %d", to.statuses.len())
	}
	to.checkConsistent(t)
}

func TestOverlayValidation(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)

	if err := to.Set(ctx, "", "v", 0); !errors.Is(err, ErrNilKey) {
		t.Fatalf("empty key: got %v", err)
	}
	if err := to.Set(ctx, "a", "v", time.Second); !errors.Is(err, ErrExpiryDisabled) {
		t.Fatalf("ttl without expiry: got %v", err)
	}

	ptr, err := newOverlay[*string](Options[*string]{Front: newFakeTier(), Back: newFakeTier(), Codec: c.JSON[*string]{}})
	if err != nil {
		t.Fatal(err)
	}
	defer ptr.Close(ctx)
	if err := ptr.Set(ctx, "a", nil, 0); !errors.Is(err, ErrNilValue) {
		t.Fatalf("nil value: got %v", err)
	}

	if _, err := New[string](Options[string]{Back: newFakeTier(), Codec: c.String{}}); err == nil {
		t.Fatalf("missing front must fail")
	}
	if _, err := New[string](Options[string]{Front: newFakeTier(), Back: newFakeTier(), Codec: c.String{}, DefaultTTL: time.Second}); err == nil {
		t.Fatalf("default ttl without expiry must fail")
	}

	if err := to.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := to.Get(ctx, "a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed: got %v", err)
	}
	if err := to.Flush(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed flush: got %v", err)
	}
}

func TestOverlayWrapsPlainTiers(t *testing.T) {
	ctx := context.Background()
	front, back := newFakeTier(), newFakeTier()
	ov, err := New[string](Options[string]{Front: plainTier{front}, Back: plainTier{back}, Codec: c.String{}})
	if err != nil {
		t.Fatal(err)
	}
	defer ov.Close(ctx)

	if err := ov.Set(ctx, "a", "v", 0); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, ov, "a"); got != "v" {
		t.Fatalf("got %q", got)
	}
	if ov.Len() != 1 {
		t.Fatalf("Len: %d", ov.Len())
	}
}

// ==============================
// Expiry
// ==============================

func TestOverlayExpiry(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, func(o *Options[string]) { o.ExpiryEnabled = true })

	if err := to.Set(ctx, "a", "v1", 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := to.Set(ctx, "keep", "v", 0); err != nil {
		t.Fatal(err)
	}
	to.clock.Advance(60 * time.Millisecond)
	if err := to.Evict(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := to.Get(ctx, "a"); ok {
		t.Fatalf("expired entry still visible")
	}
	if to.Len() != 1 {
		t.Fatalf("Len: got %d want 1", to.Len())
	}
	if _, ok := to.front.peek("a"); ok {
		t.Fatalf("expired entry left in the front tier")
	}
	if to.expiries.len() != 0 {
		t.Fatalf("expiry index not drained: %d", to.expiries.len())
	}
}

func TestOverlayExpiryOnAccess(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, func(o *Options[string]) {
		o.ExpiryEnabled = true
		o.DefaultTTL = time.Minute
	})
	log := to.record()

	if err := to.Set(ctx, "a", "v1", 0); err != nil {
		t.Fatal(err)
	}
	to.clock.Advance(time.Minute)
	if ok, _ := to.Contains(ctx, "a"); ok {
		t.Fatalf("entry past its default ttl must be gone")
	}

	evs := log.all()
	last := evs[len(evs)-1]
	if last.kind != Deleted || !last.synthetic || last.old != "v1" {
		t.Fatalf("expiry must be reported as a synthetic deletion, got %+v", last)
	}
}

func TestOverlayPutResetsExpiry(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, func(o *Options[string]) { o.ExpiryEnabled = true })

	_ = to.Set(ctx, "a", "v1", 10*time.Millisecond)
	_ = to.Set(ctx, "a", "v2", 0)
	to.clock.Advance(time.Second)
	if got := mustGet(t, to, "a"); got != "v2" {
		t.Fatalf("got %q", got)
	}
}

// ==============================
// Tier interplay
// ==============================

func TestOverlayFrontRejectGoesToBack(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	to.front.reject = func(key string) bool { return key == "big" }

	if err := to.Set(ctx, "big", "v", 0); err != nil {
		t.Fatal(err)
	}
	if _, ok := to.front.peek("big"); ok {
		t.Fatalf("front should have refused the value")
	}
	if v, ok := to.back.peek("big"); !ok || v != "v" {
		t.Fatalf("back should hold the value, got %q %v", v, ok)
	}
	if got := mustGet(t, to, "big"); got != "v" {
		t.Fatalf("Get: %q", got)
	}
	if to.Len() != 1 {
		t.Fatalf("Len: %d", to.Len())
	}
	if to.hooks.rejected != 2 {
		t.Fatalf("FrontRejected calls: got %d want 2 (put and promotion)", to.hooks.rejected)
	}
	_ = to.Flush(ctx)
	to.checkConsistent(t)
}

func TestOverlayEvictionWritesBack(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)

	_ = to.Set(ctx, "a", "v1", 0)
	if _, ok := to.back.peek("a"); ok {
		t.Fatalf("back must stay untouched until the front lets go")
	}

	to.front.evict("a")
	if to.deferred.len() != 1 {
		t.Fatalf("the eviction should wait in the backlog")
	}
	if err := to.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if v, ok := to.back.peek("a"); !ok || v != "v1" {
		t.Fatalf("evicted value not written back: %q %v", v, ok)
	}
	if to.hooks.written != 1 {
		t.Fatalf("WrittenBack calls: %d", to.hooks.written)
	}
	if to.Len() != 1 {
		t.Fatalf("Len: %d", to.Len())
	}
	to.checkConsistent(t)

	if got := mustGet(t, to, "a"); got != "v1" {
		t.Fatalf("Get: %q", got)
	}
	if _, ok := to.front.peek("a"); !ok {
		t.Fatalf("Get should promote into the front")
	}

	// in sync with the back: a second eviction needs no write
	sets := to.back.sets
	to.front.evict("a")
	_ = to.Flush(ctx)
	if to.back.sets != sets {
		t.Fatalf("back rewritten although it held the same value")
	}
	if got := mustGet(t, to, "a"); got != "v1" {
		t.Fatalf("Get: %q", got)
	}
}

func TestOverlayEvictDrainsBoundedShare(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)

	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("k%02d", i)
		_ = to.Set(ctx, key, "v", 0)
		to.front.evict(key)
	}
	if to.deferred.len() != 30 {
		t.Fatalf("backlog: %d", to.deferred.len())
	}
	if err := to.Evict(ctx); err != nil {
		t.Fatal(err)
	}
	if got := to.deferred.len(); got != 20 {
		t.Fatalf("Evict should work off 10 keys, backlog left %d", got)
	}
	if err := to.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if to.deferred.len() != 0 || to.back.len() != 30 {
		t.Fatalf("Flush left backlog %d, back %d", to.deferred.len(), to.back.len())
	}
	to.checkConsistent(t)
}

func TestOverlayEvictionDuringGet(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	_ = to.Set(ctx, "a", "v1", 0)

	var once sync.Once
	to.front.onGet = func(key string) {
		once.Do(func() {
			done := make(chan struct{})
			go func() {
				defer close(done)
				to.front.evict(key)
			}()
			<-done
		})
	}

	if got := mustGet(t, to, "a"); got != "v1" {
		t.Fatalf("Get: %q", got)
	}
	if n := to.hooks.anomaly("vanished"); n != 0 {
		t.Fatalf("the buffered deletion should explain the miss, got %d vanished", n)
	}
	if v, ok := to.front.peek("a"); !ok || v != "v1" {
		t.Fatalf("value should be back in the front: %q %v", v, ok)
	}
	if to.Len() != 1 {
		t.Fatalf("Len: %d", to.Len())
	}
	to.checkConsistent(t)
}

func TestOverlayVanished(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	_ = to.Set(ctx, "a", "v1", 0)
	to.front.vanish("a")

	if _, ok, err := to.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("vanished entry: ok=%v err=%v", ok, err)
	}
	if to.hooks.anomaly("vanished") != 1 {
		t.Fatalf("vanished anomaly not reported")
	}
	if to.Len() != 0 {
		t.Fatalf("Len: %d", to.Len())
	}
}

func TestOverlayMissingEvent(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	to.front.mute = true

	if err := to.Set(ctx, "a", "v1", 0); err != nil {
		t.Fatal(err)
	}
	if to.hooks.anomaly("missing_event") != 1 {
		t.Fatalf("missing_event not reported")
	}
	if got := mustGet(t, to, "a"); got != "v1" {
		t.Fatalf("Get: %q", got)
	}
	if to.Len() != 1 {
		t.Fatalf("Len: %d", to.Len())
	}
}

func TestOverlayBackOnlyValueIsPromoted(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)

	// someone else wrote to the shared back tier
	if _, err := to.back.Set(ctx, "a", []byte("remote"), 1, 0); err != nil {
		t.Fatal(err)
	}
	if to.Len() != 0 {
		t.Fatalf("not processed yet, Len=%d", to.Len())
	}
	if got := mustGet(t, to, "a"); got != "remote" {
		t.Fatalf("Get: %q", got)
	}
	if _, ok := to.front.peek("a"); !ok {
		t.Fatalf("expected promotion")
	}
	if to.Len() != 1 {
		t.Fatalf("Len: %d", to.Len())
	}
	to.checkConsistent(t)
}

func TestOverlayWithMemoryTiers(t *testing.T) {
	ctx := context.Background()
	front, err := memory.New(memory.Config{Capacity: 2})
	if err != nil {
		t.Fatal(err)
	}
	back, err := memory.New(memory.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ov, err := New[string](Options[string]{Front: front, Back: back, Codec: c.String{}})
	if err != nil {
		t.Fatal(err)
	}
	defer ov.Close(ctx)

	for i := 0; i < 5; i++ {
		if err := ov.Set(ctx, "k"+strconv.Itoa(i), "v"+strconv.Itoa(i), 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := ov.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if front.Len() != 2 {
		t.Fatalf("front capacity: %d", front.Len())
	}
	if ov.Len() != 5 {
		t.Fatalf("Len: got %d want 5", ov.Len())
	}
	for i := 0; i < 5; i++ {
		k := "k" + strconv.Itoa(i)
		if got := mustGet(t, ov, k); got != "v"+strconv.Itoa(i) {
			t.Fatalf("%s: got %q", k, got)
		}
	}
}

// ==============================
// Listeners
// ==============================

func TestOverlayEvents(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	log := to.record()

	_ = to.Set(ctx, "a", "v1", 0)
	_ = to.Set(ctx, "a", "v2", 0)
	_, _ = to.Delete(ctx, "a")

	want := []seenEvent{
		{kind: Inserted, key: "a", new: "v1"},
		{kind: Updated, key: "a", old: "v1", hadOld: true, new: "v2"},
		{kind: Deleted, key: "a", old: "v2", hadOld: true},
	}
	got := log.all()
	if len(got) != len(want) {
		t.Fatalf("events: got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestOverlayListenerReentry(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)

	var seen []string
	cancel := to.Subscribe(func(ctx context.Context, ev Event[string]) {
		if ev.Kind != Inserted {
			return
		}
		v, ok, err := to.Get(ctx, ev.Key)
		if err != nil || !ok {
			t.Errorf("re-entrant Get: ok=%v err=%v", ok, err)
			return
		}
		seen = append(seen, v)
		// rewrite the value from inside the notification
		if err := to.Set(ctx, ev.Key, v+"!", 0); err != nil {
			t.Errorf("re-entrant Set: %v", err)
		}
	})
	defer cancel()

	_ = to.Set(ctx, "a", "v", 0)
	if len(seen) != 1 || seen[0] != "v" {
		t.Fatalf("listener saw %v", seen)
	}
	if got := mustGet(t, to, "a"); got != "v!" {
		t.Fatalf("Get: %q", got)
	}
	to.checkConsistent(t)
}

func TestOverlayUnsubscribe(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	log := &eventLog{}
	cancel := to.Subscribe(log.listener)
	_ = to.Set(ctx, "a", "v", 0)
	cancel()
	cancel()
	_ = to.Set(ctx, "b", "v", 0)
	if n := len(log.all()); n != 1 {
		t.Fatalf("events after cancel: %d", n)
	}
	if to.hasListeners() {
		t.Fatalf("listener count not restored")
	}
}

// ==============================
// Clear
// ==============================

func TestOverlayClear(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	to.front.reject = func(key string) bool { return key == "b" }
	_ = to.Set(ctx, "a", "1", 0)
	_ = to.Set(ctx, "b", "2", 0)

	if err := to.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if to.Len() != 0 || to.front.len() != 0 || to.back.len() != 0 {
		t.Fatalf("clear left Len=%d front=%d back=%d", to.Len(), to.front.len(), to.back.len())
	}
	if _, ok, _ := to.Get(ctx, "b"); ok {
		t.Fatalf("b survived clear")
	}
	if err := to.Set(ctx, "a", "again", 0); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, to, "a"); got != "again" {
		t.Fatalf("Get after clear: %q", got)
	}
}

func TestOverlayClearReportsRemovals(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	_ = to.Set(ctx, "a", "1", 0)
	_ = to.Set(ctx, "b", "2", 0)
	log := to.record()

	if err := to.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	evs := log.all()
	if len(evs) != 2 {
		t.Fatalf("want one deletion per key, got %+v", evs)
	}
	for _, ev := range evs {
		if ev.kind != Deleted {
			t.Fatalf("unexpected %+v", ev)
		}
	}
	if to.Len() != 0 {
		t.Fatalf("Len: %d", to.Len())
	}
}

func TestOverlayClearWaitsForSections(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	_ = to.Set(ctx, "a", "1", 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	to.front.onGet = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		_, _, err := to.Get(ctx, "a")
		return err
	})
	<-entered

	cleared := make(chan error, 1)
	go func() { cleared <- to.Clear(ctx) }()
	select {
	case <-cleared:
		t.Fatalf("Clear ran while a key section was active")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := <-cleared; err != nil {
		t.Fatal(err)
	}
	if to.Len() != 0 {
		t.Fatalf("Len: %d", to.Len())
	}
}

// ==============================
// Concurrency
// ==============================

// Existence stays consistent with the tiers under concurrent use and
// spontaneous evictions.
func TestOverlayStress(t *testing.T) {
	ctx := context.Background()
	to := newTestOverlay(t, nil)
	to.front.reject = func(key string) bool { return key == "k7" }

	stop := make(chan struct{})
	evictor := make(chan struct{})
	go func() {
		defer close(evictor)
		r := rand.New(rand.NewSource(1))
		for {
			select {
			case <-stop:
				return
			default:
			}
			to.front.evict("k" + strconv.Itoa(r.Intn(16)))
			time.Sleep(50 * time.Microsecond)
		}
	}()

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		seed := int64(w + 10)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 400; i++ {
				key := "k" + strconv.Itoa(r.Intn(16))
				var err error
				switch r.Intn(5) {
				case 0, 1:
					_, _, err = to.Get(ctx, key)
				case 2:
					err = to.Set(ctx, key, fmt.Sprintf("w%d-%d", seed, i), 0)
				case 3:
					_, _, err = to.Put(ctx, key, fmt.Sprintf("w%d-%d", seed, i), 0)
				default:
					_, err = to.Delete(ctx, key)
				}
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	close(stop)
	<-evictor
	if err != nil {
		t.Fatal(err)
	}
	if err := to.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	to.checkConsistent(t)
}
