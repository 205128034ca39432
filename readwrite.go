package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	c "github.com/unkn0wn-root/tiercache/codec"
	gen "github.com/unkn0wn-root/tiercache/genstore"
	"github.com/unkn0wn-root/tiercache/internal/wire"
	pr "github.com/unkn0wn-root/tiercache/provider"
	"github.com/unkn0wn-root/tiercache/store"
)

const (
	// background loops wake at least this often to notice shutdown
	heartbeat       = 255 * time.Millisecond
	defaultMaxBatch = 128
)

type readWrite[V any] struct {
	cache    pr.Tier
	expiring pr.Expiring // nil when the cache cannot report expiry
	store    store.Store
	codec    c.Codec[V]
	mode     Mode

	expiry        time.Duration
	refreshFactor float64
	requeueLimit  int
	owned         func(key string) bool
	rethrow       bool

	gens    gen.GenStore
	ownGens bool

	log   Logger
	hooks Hooks
	diag  *diagnostics
	clock Clock

	locks  *controlLock
	misses *missCache
	queue  *writeQueue // write-behind only
	reads  *readQueue  // refresh-ahead only

	storeUnsupported atomic.Bool
	eraseUnsupported atomic.Bool

	unsubscribe func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closed      atomic.Bool
}

func newReadWrite[V any](opts ReadWriteOptions[V]) (*readWrite[V], error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("tiercache: cache is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("tiercache: store is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("tiercache: codec is required")
	}
	if opts.BatchFactor < 0 || opts.BatchFactor > 1 {
		return nil, fmt.Errorf("tiercache: batch factor must be within [0, 1]")
	}
	if opts.RefreshAheadFactor < 0 || opts.RefreshAheadFactor > 1 {
		return nil, fmt.Errorf("tiercache: refresh-ahead factor must be within [0, 1]")
	}

	rw := &readWrite[V]{
		cache:         pr.Observe(opts.Cache),
		store:         opts.Store,
		codec:         opts.Codec,
		mode:          opts.Mode,
		expiry:        opts.ExpiryDelay,
		refreshFactor: opts.RefreshAheadFactor,
		requeueLimit:  opts.RequeueThreshold,
		owned:         opts.Owned,
		rethrow:       opts.Rethrow,
		locks:         newControlLock(),
		stopCh:        make(chan struct{}),
	}
	rw.log = coalesce[Logger](opts.Logger, NopLogger{})
	rw.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	rw.clock = coalesce[Clock](opts.Clock, systemClock{})
	rw.diag = newDiagnostics(rw.log, rw.hooks)
	rw.misses = newMissCache(opts.MissesTTL, rw.clock)
	if rw.owned == nil {
		rw.owned = func(string) bool { return true }
	}
	if opts.Generations != nil {
		rw.gens = opts.Generations
	} else {
		rw.gens = gen.NewLocalGenStore(time.Minute, time.Hour)
		rw.ownGens = true
	}

	inner := unwrapTier(rw.cache)
	if exp, ok := inner.(pr.Expiring); ok {
		rw.expiring = exp
	}

	if rw.mode == WriteBehind {
		delay := coalesce(opts.WriteDelay, time.Second)
		maxBatch := coalesce(opts.MaxBatch, defaultMaxBatch)
		minRequeue := coalesce(opts.MinRequeueDelay, time.Minute)
		rw.queue = newWriteQueue(delay, opts.BatchFactor, maxBatch, minRequeue, rw.clock)
		rw.queue.log, rw.queue.lagEvery = rw.log, opts.RequeueThreshold

		if ea, ok := inner.(pr.EvictionAware); ok {
			ea.SetEvictionApprover(rw.queue.accelerate)
		}
		rw.unsubscribe = rw.cache.(pr.Observable).Subscribe(rw.onCacheEvent)

		rw.wg.Add(1)
		go rw.writeLoop()
	}
	if rw.refreshFactor > 0 && rw.expiry > 0 && rw.expiring != nil {
		rw.reads = newReadQueue()
		rw.wg.Add(1)
		go rw.refreshLoop()
	}
	return rw, nil
}

func (rw *readWrite[V]) isOwned(key string) bool { return rw.owned(key) }

// onCacheEvent stores a queued value right away when the cache drops it
// before it was persisted.
func (rw *readWrite[V]) onCacheEvent(_ context.Context, ev pr.Event) {
	if ev.Kind != pr.Deleted || !ev.Synthetic {
		return
	}
	if rw.queue.ripenNow(ev.Key) {
		rw.log.Debug("queued entry left the cache; storing now", keyFields(ev.Key))
	}
}

// ==============================
// Cache frames
// ==============================

func (rw *readWrite[V]) cacheGet(ctx context.Context, key string) (wire.Frame, bool, error) {
	raw, ok, err := rw.cache.Get(ctx, key)
	if err != nil || !ok {
		return wire.Frame{}, false, err
	}
	f, err := wire.Decode(raw)
	if err != nil {
		rw.log.Warn("dropping corrupt cache entry", keyFields(key, "err", err))
		_ = rw.cache.Del(ctx, key)
		return wire.Frame{}, false, nil
	}
	return f, true, nil
}

func (rw *readWrite[V]) cacheSet(ctx context.Context, key string, f wire.Frame, ttl time.Duration) error {
	raw := wire.Encode(f)
	ok, err := rw.cache.Set(ctx, key, raw, int64(len(raw)), ttl)
	if err != nil {
		return fmt.Errorf("tiercache: cache set %q: %w", key, err)
	}
	if !ok {
		rw.hooks.FrontRejected(key)
	}
	return nil
}

func (rw *readWrite[V]) ttlFor(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return rw.expiry
	}
	return ttl
}

func (rw *readWrite[V]) expiryAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return rw.clock.Now().Add(ttl)
}

// invalidate runs at the start of every mutation, under the control lock.
func (rw *readWrite[V]) invalidate(ctx context.Context, key string) uint64 {
	rw.misses.drop(key)
	if rw.reads != nil {
		rw.reads.cancel(key)
	}
	g, err := rw.gens.Bump(ctx, key)
	if err != nil {
		rw.log.Warn("generation bump failed", keyFields(key, "err", err))
	}
	return g
}

func (rw *readWrite[V]) check(key string) error {
	if key == "" {
		return ErrNilKey
	}
	if rw.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ==============================
// Reads
// ==============================

func (rw *readWrite[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := rw.check(key); err != nil {
		return zero, false, err
	}
	if !rw.locks.lock(ctx, key, -1) {
		return zero, false, ctx.Err()
	}
	raw, ok, err := rw.getLocked(ctx, key)
	rw.locks.unlock(key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := rw.codec.Decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("tiercache: decode %q: %w", key, err)
	}
	return v, true, nil
}

func (rw *readWrite[V]) getLocked(ctx context.Context, key string) ([]byte, bool, error) {
	f, hit, err := rw.cacheGet(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("tiercache: cache get %q: %w", key, err)
	}
	if hit {
		rw.onHit(ctx, key, f)
		return f.Payload, true, nil
	}
	if rw.misses.has(key) {
		return nil, false, nil
	}

	if rw.reads != nil {
		if l := rw.reads.latch(key); l != nil {
			val, found, ok := l.wait(ctx)
			rw.reads.release(key, l)
			if ok {
				if !found {
					rw.misses.add(key)
					return nil, false, nil
				}
				rw.install(ctx, key, val, l.gen)
				return val, true, nil
			}
		}
	}

	val, found, err := rw.store.Load(ctx, key)
	if err != nil {
		rw.hooks.StoreFailed("load", 1, err)
		rw.log.Error("store load failed", keyFields(key, "op", "load", "err", err))
		return nil, false, &StoreError{Op: "load", Keys: []string{key}, Err: err}
	}
	if !found {
		rw.misses.add(key)
		return nil, false, nil
	}
	g, _ := rw.gens.Snapshot(ctx, key)
	rw.install(ctx, key, val, g)
	return val, true, nil
}

// install caches a value loaded from the store.
func (rw *readWrite[V]) install(ctx context.Context, key string, val []byte, g uint64) {
	if err := rw.cacheSet(ctx, key, wire.Frame{Gen: g, Payload: val}, rw.expiry); err != nil {
		rw.log.Warn("caching loaded value failed", keyFields(key, "err", err))
	}
}

// onHit schedules refresh-ahead and adopts values a previous owner accepted
// but never stored.
func (rw *readWrite[V]) onHit(ctx context.Context, key string, f wire.Frame) {
	if f.Pending() && rw.queue != nil && rw.isOwned(key) && !rw.queue.has(key) {
		rw.queue.add(&wbEntry{key: key, value: f.Payload, gen: f.Gen}, 0)
		rw.log.Info("adopted unpersisted value", keyFields(key, "gen", f.Gen))
	}
	if rw.reads == nil {
		return
	}
	if l := rw.reads.latch(key); l != nil && l.completed() {
		// nobody came for the result; the cached value is newer anyway
		rw.reads.release(key, l)
	}
	at, ok, err := rw.expiring.ExpiresAt(ctx, key)
	if err != nil || !ok {
		return
	}
	ahead := time.Duration(float64(rw.expiry) * rw.refreshFactor)
	if !rw.clock.Now().Before(at.Add(-ahead)) {
		rw.reads.schedule(key)
	}
}

func (rw *readWrite[V]) GetAll(ctx context.Context, keys []string) (map[string]V, error) {
	for _, k := range keys {
		if err := rw.check(k); err != nil {
			return nil, err
		}
	}
	locked, ok := rw.locks.lockAll(ctx, keys)
	if !ok {
		return nil, ctx.Err()
	}
	defer rw.locks.unlockAll(locked)

	raws := make(map[string][]byte, len(locked))
	var missing []string
	var errs error
	for _, k := range locked {
		f, hit, err := rw.cacheGet(ctx, k)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		switch {
		case hit:
			rw.onHit(ctx, k, f)
			raws[k] = f.Payload
		case !rw.misses.has(k):
			missing = append(missing, k)
		}
	}

	if len(missing) > 0 {
		loaded, err := rw.store.LoadAll(ctx, missing)
		if err != nil {
			rw.hooks.StoreFailed("load_all", len(missing), err)
			rw.log.Error("store load_all failed", Fields{"op": "load_all", "keys": len(missing), "err": err})
			errs = multierr.Append(errs, &StoreError{Op: "load_all", Keys: missing, Err: err})
		}
		gens, _ := rw.gens.SnapshotMany(ctx, missing)
		for _, k := range missing {
			if v, ok := loaded[k]; ok {
				rw.install(ctx, k, v, gens[k])
				raws[k] = v
			} else if err == nil {
				rw.misses.add(k)
			}
		}
	}

	out := make(map[string]V, len(raws))
	for k, raw := range raws {
		v, err := rw.codec.Decode(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tiercache: decode %q: %w", k, err))
			continue
		}
		out[k] = v
	}
	return out, errs
}

// ==============================
// Writes
// ==============================

func (rw *readWrite[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) error {
	if err := rw.check(key); err != nil {
		return err
	}
	raw, err := rw.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("tiercache: encode %q: %w", key, err)
	}
	if !rw.locks.lock(ctx, key, -1) {
		return ctx.Err()
	}
	defer rw.locks.unlock(key)

	g := rw.invalidate(ctx, key)
	ttl = rw.ttlFor(ttl)
	e := &wbEntry{key: key, value: raw, expiry: rw.expiryAt(ttl), gen: g}

	switch {
	case rw.mode == WriteThrough && !rw.storeUnsupported.Load() && rw.isOwned(key):
		prev, hadPrev, _ := rw.cacheGet(ctx, key)
		if hadPrev {
			e.original = prev.Payload
		}
		if err := rw.store.Store(ctx, toStoreEntry(e)); err != nil {
			if serr := rw.syncStoreFailed("store", []string{key}, err); serr != nil {
				// the store never took it; don't let the cache claim otherwise
				rw.rollback(ctx, key, prev, hadPrev)
				return serr
			}
		}
		return rw.cacheSet(ctx, key, wire.Frame{Gen: g, Payload: raw}, ttl)

	case rw.mode == WriteBehind:
		if err := rw.cacheSet(ctx, key, wire.Frame{Flags: wire.FlagStorePending, Gen: g, Payload: raw}, ttl); err != nil {
			return err
		}
		// an unowned value stays flagged; its owner stores it, or a read adopts it here later
		if rw.isOwned(key) {
			rw.enqueue(e)
		}
		return nil

	default:
		return rw.cacheSet(ctx, key, wire.Frame{Gen: g, Payload: raw}, ttl)
	}
}

func (rw *readWrite[V]) enqueue(e *wbEntry) {
	rw.queue.add(e, 0)
	if n := rw.queue.len(); n > 0 && n%rw.queue.maxBatch == 0 {
		rw.log.Info("write-behind backlog growing", Fields{"queued": n})
		rw.hooks.Backlog("write_behind", n)
	}
}

// rollback restores the cache to what it held before a failed write.
func (rw *readWrite[V]) rollback(ctx context.Context, key string, prev wire.Frame, hadPrev bool) {
	var err error
	if hadPrev {
		err = rw.cacheSet(ctx, key, prev, rw.expiry)
	} else {
		err = rw.cache.Del(ctx, key)
	}
	if err != nil {
		rw.log.Warn("cache rollback failed", keyFields(key, "err", err))
	}
}

func (rw *readWrite[V]) PutAll(ctx context.Context, items map[string]V, ttl time.Duration) error {
	keys := make([]string, 0, len(items))
	raws := make(map[string][]byte, len(items))
	for k, v := range items {
		if err := rw.check(k); err != nil {
			return err
		}
		raw, err := rw.codec.Encode(v)
		if err != nil {
			return fmt.Errorf("tiercache: encode %q: %w", k, err)
		}
		keys = append(keys, k)
		raws[k] = raw
	}
	locked, ok := rw.locks.lockAll(ctx, keys)
	if !ok {
		return ctx.Err()
	}
	defer rw.locks.unlockAll(locked)

	ttl = rw.ttlFor(ttl)
	entries := make([]*wbEntry, 0, len(locked))
	for _, k := range locked {
		g := rw.invalidate(ctx, k)
		entries = append(entries, &wbEntry{key: k, value: raws[k], expiry: rw.expiryAt(ttl), gen: g})
	}

	var errs error
	switch {
	case rw.mode == WriteThrough && !rw.storeUnsupported.Load():
		prevs := make(map[string]wire.Frame, len(entries))
		var owned []*wbEntry
		for _, e := range entries {
			if f, ok, _ := rw.cacheGet(ctx, e.key); ok {
				prevs[e.key] = f
				e.original = f.Payload
			}
			if rw.isOwned(e.key) {
				owned = append(owned, e)
			}
		}
		// keys owned elsewhere are only cached; their owners persist them
		failed := map[string]bool{}
		if len(owned) > 0 {
			if err := rw.storeBatch(ctx, owned); err != nil {
				keys := keysOfEntries(owned)
				if fk, ok := store.FailedKeys(err); ok {
					keys = fk
				}
				if serr := rw.syncStoreFailed("store_all", keys, err); serr != nil {
					errs = multierr.Append(errs, serr)
					for _, k := range keys {
						failed[k] = true
					}
				}
			}
		}
		for _, e := range entries {
			if failed[e.key] {
				prev, had := prevs[e.key]
				rw.rollback(ctx, e.key, prev, had)
				continue
			}
			errs = multierr.Append(errs, rw.cacheSet(ctx, e.key, wire.Frame{Gen: e.gen, Payload: e.value}, ttl))
		}

	case rw.mode == WriteBehind:
		for _, e := range entries {
			if err := rw.cacheSet(ctx, e.key, wire.Frame{Flags: wire.FlagStorePending, Gen: e.gen, Payload: e.value}, ttl); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if rw.isOwned(e.key) {
				rw.enqueue(e)
			}
		}

	default:
		for _, e := range entries {
			errs = multierr.Append(errs, rw.cacheSet(ctx, e.key, wire.Frame{Gen: e.gen, Payload: e.value}, ttl))
		}
	}
	return errs
}

// ==============================
// Removes
// ==============================

func (rw *readWrite[V]) Remove(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, removed, err := rw.remove(ctx, key, false)
	if err != nil || raw == nil {
		return zero, removed, err
	}
	v, err := rw.codec.Decode(raw)
	if err != nil {
		rw.log.Warn("removed value decode failed", keyFields(key, "err", err))
		return zero, removed, nil
	}
	return v, removed, nil
}

func (rw *readWrite[V]) Delete(ctx context.Context, key string) (bool, error) {
	_, removed, err := rw.remove(ctx, key, true)
	return removed, err
}

func (rw *readWrite[V]) remove(ctx context.Context, key string, blind bool) ([]byte, bool, error) {
	if err := rw.check(key); err != nil {
		return nil, false, err
	}
	if !rw.locks.lock(ctx, key, -1) {
		return nil, false, ctx.Err()
	}
	defer rw.locks.unlock(key)

	rw.invalidate(ctx, key)

	var queued *wbEntry
	if rw.queue != nil {
		var err error
		if queued, err = rw.queue.remove(ctx, key); err != nil {
			return nil, false, err
		}
	}

	f, hit, err := rw.cacheGet(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("tiercache: cache get %q: %w", key, err)
	}
	old, removed := f.Payload, hit
	if !hit && queued != nil && !queued.erase {
		old, removed = queued.value, true
	}
	owned := rw.isOwned(key)
	if !removed && !blind && rw.mode != ReadOnly && owned {
		v, found, lerr := rw.store.Load(ctx, key)
		if lerr != nil {
			rw.hooks.StoreFailed("load", 1, lerr)
			rw.log.Error("store load failed", keyFields(key, "op", "load", "err", lerr))
		} else if found {
			old, removed = v, true
		}
	}

	if rw.mode != ReadOnly && owned && !rw.eraseUnsupported.Load() {
		e := store.Entry{Key: key, Original: old}
		if err := rw.store.Erase(ctx, e); err != nil {
			if serr := rw.eraseFailed([]string{key}, err); serr != nil {
				return nil, false, serr
			}
		}
	}
	if hit {
		if err := rw.cache.Del(ctx, key); err != nil {
			return nil, false, fmt.Errorf("tiercache: cache del %q: %w", key, err)
		}
	}
	if blind {
		old = nil
	}
	return old, removed, nil
}

func (rw *readWrite[V]) RemoveAll(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := rw.check(k); err != nil {
			return err
		}
	}
	locked, ok := rw.locks.lockAll(ctx, keys)
	if !ok {
		return ctx.Err()
	}
	defer rw.locks.unlockAll(locked)

	var errs error
	for _, k := range locked {
		rw.invalidate(ctx, k)
		if rw.queue != nil {
			if _, err := rw.queue.remove(ctx, k); err != nil {
				return multierr.Append(errs, err)
			}
		}
	}

	var es []store.Entry
	for _, k := range locked {
		if rw.isOwned(k) {
			es = append(es, store.Entry{Key: k})
		}
	}
	if rw.mode != ReadOnly && len(es) > 0 && !rw.eraseUnsupported.Load() {
		var err error
		if len(es) == 1 {
			err = rw.store.Erase(ctx, es[0])
		} else {
			err = rw.store.EraseAll(ctx, es)
		}
		if err != nil {
			failed := make([]string, len(es))
			for i, e := range es {
				failed[i] = e.Key
			}
			if fk, ok := store.FailedKeys(err); ok {
				failed = fk
			}
			errs = multierr.Append(errs, rw.eraseFailed(failed, err))
		}
	}
	for _, k := range locked {
		errs = multierr.Append(errs, rw.cache.Del(ctx, k))
	}
	return errs
}

// ==============================
// Failure policy
// ==============================

// syncStoreFailed applies the foreground failure policy. A non-nil result
// must be returned to the caller.
func (rw *readWrite[V]) syncStoreFailed(op string, keys []string, err error) error {
	if rw.unsupported(op, err) {
		return nil
	}
	rw.hooks.StoreFailed(op, len(keys), err)
	rw.log.Error("store write failed", Fields{"op": op, "keys": keys, "err": err})
	if rw.rethrow {
		return &StoreError{Op: op, Keys: keys, Err: err}
	}
	return nil
}

// eraseFailed handles a failed erase. In write-behind mode the erase is
// retried from the queue.
func (rw *readWrite[V]) eraseFailed(keys []string, err error) error {
	op := "erase"
	if len(keys) > 1 {
		op = "erase_all"
	}
	if rw.unsupported(op, err) {
		return nil
	}
	rw.hooks.StoreFailed(op, len(keys), err)
	rw.log.Error("store erase failed", Fields{"op": op, "keys": keys, "err": err})
	if rw.queue != nil && rw.requeueLimit > 0 {
		for _, k := range keys {
			rw.requeue(&wbEntry{key: k, erase: true})
		}
		return nil
	}
	if rw.rethrow {
		return &StoreError{Op: op, Keys: keys, Err: err}
	}
	return nil
}

// unsupported demotes the store on ErrUnsupported. Later calls of that kind
// skip the store entirely.
func (rw *readWrite[V]) unsupported(op string, err error) bool {
	if !errors.Is(err, store.ErrUnsupported) {
		return false
	}
	flag := &rw.storeUnsupported
	if op == "erase" || op == "erase_all" {
		flag = &rw.eraseUnsupported
	}
	if flag.CompareAndSwap(false, true) {
		rw.diag.report(anomalyStore, "", Fields{"op": op})
	}
	return true
}

func (rw *readWrite[V]) requeue(e *wbEntry) {
	if rw.requeueLimit <= 0 {
		rw.log.Warn("dropping failed write-behind entry", keyFields(e.key, "queued", rw.queue.len()))
		return
	}
	if rw.queue.requeue(e, rw.isOwned(e.key)) {
		rw.hooks.Requeued(e.key)
		rw.log.Warn("requeued failed write-behind entry", keyFields(e.key))
	}
}

// ==============================
// Lifecycle
// ==============================

func (rw *readWrite[V]) Flush(ctx context.Context) error {
	if rw.queue == nil {
		return nil
	}
	if rw.closed.Load() {
		return ErrClosed
	}
	return rw.queue.flush(ctx)
}

func (rw *readWrite[V]) Close(ctx context.Context) error {
	var err error
	rw.closeOnce.Do(func() {
		if rw.queue != nil {
			// drain while the write loop still runs
			err = multierr.Append(err, rw.queue.flush(ctx))
		}
		rw.closed.Store(true)
		close(rw.stopCh)
		rw.wg.Wait()
		if rw.reads != nil {
			rw.reads.cancelAll()
		}
		if rw.unsubscribe != nil {
			rw.unsubscribe()
		}
		err = multierr.Append(err, rw.cache.Close(ctx))
		if rw.ownGens {
			err = multierr.Append(err, rw.gens.Close(ctx))
		}
	})
	return err
}

func toStoreEntry(e *wbEntry) store.Entry {
	return store.Entry{Key: e.key, Value: e.value, Original: e.original, Expiry: e.expiry}
}

func keysOfEntries(es []*wbEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.key
	}
	return out
}
