package tiercache

import (
	"context"

	"github.com/unkn0wn-root/tiercache/internal/wire"
	"github.com/unkn0wn-root/tiercache/store"
)

func (rw *readWrite[V]) writeLoop() {
	defer rw.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-rw.stopCh:
			return
		default:
		}
		batch := rw.queue.take(rw.stopCh, heartbeat)
		if len(batch) == 0 {
			continue
		}
		rw.persist(ctx, batch)
		rw.hooks.Backlog("write_behind", rw.queue.len())
	}
}

// persist stores one dequeued batch. Failed entries are requeued before
// the batch leaves the pending set so a key is never briefly untracked.
func (rw *readWrite[V]) persist(ctx context.Context, batch []*wbEntry) {
	var stores, erases []*wbEntry
	for _, e := range batch {
		if e.erase {
			erases = append(erases, e)
		} else {
			stores = append(stores, e)
		}
	}

	var failed []*wbEntry
	if len(stores) > 0 && !rw.storeUnsupported.Load() {
		if err := rw.storeBatch(ctx, stores); err != nil {
			op := "store"
			if len(stores) > 1 {
				op = "store_all"
			}
			failed = append(failed, rw.backgroundFailed(op, stores, err)...)
		}
	}
	if len(erases) > 0 && !rw.eraseUnsupported.Load() {
		if err := rw.eraseBatch(ctx, erases); err != nil {
			op := "erase"
			if len(erases) > 1 {
				op = "erase_all"
			}
			failed = append(failed, rw.backgroundFailed(op, erases, err)...)
		}
	}

	for _, e := range failed {
		rw.requeue(e)
	}
	rw.queue.done(batch)

	if len(stores) > 0 {
		bad := make(map[*wbEntry]bool, len(failed))
		for _, e := range failed {
			bad[e] = true
		}
		for _, e := range stores {
			if !bad[e] {
				rw.markStored(ctx, e)
			}
		}
	}
}

func (rw *readWrite[V]) storeBatch(ctx context.Context, es []*wbEntry) error {
	if len(es) == 1 {
		return rw.store.Store(ctx, toStoreEntry(es[0]))
	}
	out := make([]store.Entry, len(es))
	for i, e := range es {
		out[i] = toStoreEntry(e)
	}
	return rw.store.StoreAll(ctx, out)
}

func (rw *readWrite[V]) eraseBatch(ctx context.Context, es []*wbEntry) error {
	if len(es) == 1 {
		return rw.store.Erase(ctx, toStoreEntry(es[0]))
	}
	out := make([]store.Entry, len(es))
	for i, e := range es {
		out[i] = toStoreEntry(e)
	}
	return rw.store.EraseAll(ctx, out)
}

// backgroundFailed logs a failed write-behind call and returns the entries
// that should be retried.
func (rw *readWrite[V]) backgroundFailed(op string, es []*wbEntry, err error) []*wbEntry {
	if rw.unsupported(op, err) {
		return nil
	}
	failed := es
	if keys, ok := store.FailedKeys(err); ok {
		want := make(map[string]bool, len(keys))
		for _, k := range keys {
			want[k] = true
		}
		failed = failed[:0:0]
		for _, e := range es {
			if want[e.key] {
				failed = append(failed, e)
			}
		}
	}
	rw.hooks.StoreFailed(op, len(failed), err)
	rw.log.Error("write-behind store failed", Fields{"op": op, "keys": keysOfEntries(failed), "err": err})
	return failed
}

// markStored clears the store-pending flag from the cached value, unless
// the key is busy or already holds a newer value.
func (rw *readWrite[V]) markStored(ctx context.Context, e *wbEntry) {
	if !rw.locks.lock(ctx, e.key, 0) {
		return
	}
	defer rw.locks.unlock(e.key)

	f, hit, err := rw.cacheGet(ctx, e.key)
	if err != nil || !hit || !f.Pending() || f.Gen != e.gen {
		return
	}
	ttl := rw.expiry
	if !e.expiry.IsZero() {
		if ttl = e.expiry.Sub(rw.clock.Now()); ttl <= 0 {
			return
		}
	}
	f.Flags &^= wire.FlagStorePending
	if err := rw.cacheSet(ctx, e.key, f, ttl); err != nil {
		rw.log.Debug("clearing store-pending flag failed", keyFields(e.key, "err", err))
	}
}
