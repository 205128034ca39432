// Package tiercache layers a fast, size-limited front tier over a slower back
// tier and keeps one consistent view of every key across both, without a
// global lock. A store-backed variant adds read-through, write-through,
// write-behind and refresh-ahead against an external store.
//
// Components:
//   - Provider tiers: byte stores (Ristretto, BigCache, an LRU, Redis) that may
//     report their own changes, evictions included.
//   - Codec[V]: (de)serializes V <-> []byte.
//   - Overlay[V]: per-key ownership state machine that serializes operations,
//     reconciles tier notifications and writes back front evictions the back
//     tier has not seen yet.
//   - ReadWrite[V]: store coordinator with a per-key control lock, a ripening
//     write-behind queue with failure requeue, and latch-based refresh-ahead.
//
// Listeners:
//
//	cancel := ov.Subscribe(func(ctx context.Context, ev tiercache.Event[User]) {
//	    // ctx lets the listener call back into ov for the same key
//	})
//	defer cancel()
//
// Write-behind:
//
//	cache, _ := memory.New(memory.Config{Capacity: 10_000})
//	st, _ := store.NewRedis(store.RedisConfig{Client: rdb, Prefix: "user:"})
//	rw, _ := tiercache.NewReadWrite[User](tiercache.ReadWriteOptions[User]{
//	    Cache:      cache,
//	    Store:      st,
//	    Codec:      codec.JSON[User]{},
//	    Mode:       tiercache.WriteBehind,
//	    WriteDelay: time.Second,
//	})
//	defer rw.Close(ctx)
package tiercache
