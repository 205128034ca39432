package tiercache

import "context"

func (rw *readWrite[V]) refreshLoop() {
	defer rw.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-rw.stopCh:
			return
		default:
		}
		rw.reads.await(rw.stopCh, heartbeat)
		key, ok := rw.reads.selectKey(ctx, rw.locks)
		if !ok {
			continue
		}
		rw.refresh(ctx, key)
		rw.hooks.Backlog("refresh_ahead", rw.reads.len())
	}
}

// refresh loads key ahead of its expiry. It is called with key locked; the
// lock is dropped for the load itself. If the key is busy when the load
// returns, the result is left on the latch for the holder to pick up.
func (rw *readWrite[V]) refresh(ctx context.Context, key string) {
	if rw.reads.latch(key) != nil {
		rw.locks.unlock(key)
		return
	}
	g, err := rw.gens.Snapshot(ctx, key)
	if err != nil {
		rw.locks.unlock(key)
		rw.log.Warn("generation snapshot failed", keyFields(key, "err", err))
		return
	}
	l := newRefreshLatch(g)
	rw.reads.install(key, l)
	rw.locks.unlock(key)

	val, found, lerr := rw.store.Load(ctx, key)
	if lerr != nil {
		rw.hooks.StoreFailed("load", 1, lerr)
		rw.log.Error("refresh-ahead load failed", keyFields(key, "op", "load", "err", lerr))
	}

	if !rw.locks.lock(ctx, key, 0) {
		l.complete(val, found, lerr)
		rw.hooks.RefreshAhead(key, "handed_off")
		return
	}
	defer rw.locks.unlock(key)
	defer l.complete(val, found, lerr)

	if !rw.reads.release(key, l) {
		rw.hooks.RefreshAhead(key, "canceled")
		return
	}
	if lerr != nil {
		rw.hooks.RefreshAhead(key, "failed")
		return
	}
	if cur, _ := rw.gens.Snapshot(ctx, key); cur != l.gen {
		rw.hooks.RefreshAhead(key, "stale")
		return
	}
	if f, hit, _ := rw.cacheGet(ctx, key); hit && f.Pending() {
		// the cache is ahead of the store
		rw.hooks.RefreshAhead(key, "stale")
		return
	}

	if !found {
		if err := rw.cache.Del(ctx, key); err != nil {
			rw.log.Warn("dropping refreshed miss failed", keyFields(key, "err", err))
		}
		rw.misses.add(key)
	} else {
		rw.install(ctx, key, val, l.gen)
	}
	rw.hooks.RefreshAhead(key, "installed")
}
