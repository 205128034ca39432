package tiercache

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// controlLock is an advisory per-key mutex, separate from entry statuses,
// that decides who may talk to the store about a key. Entries exist only
// while someone holds or waits for them.
type controlLock struct {
	m *xsync.MapOf[string, *ctlEntry]
}

type ctlEntry struct {
	sem  chan struct{}
	refs int // guarded by the map's Compute
}

func newControlLock() *controlLock {
	return &controlLock{m: xsync.NewMapOf[string, *ctlEntry]()}
}

func (c *controlLock) ref(key string) *ctlEntry {
	e, _ := c.m.Compute(key, func(old *ctlEntry, loaded bool) (*ctlEntry, bool) {
		if !loaded {
			old = &ctlEntry{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	return e
}

func (c *controlLock) unref(key string) {
	c.m.Compute(key, func(old *ctlEntry, loaded bool) (*ctlEntry, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// lock takes key. wait < 0 blocks until ctx is done; wait == 0 only tries.
func (c *controlLock) lock(ctx context.Context, key string, wait time.Duration) bool {
	e := c.ref(key)
	select {
	case e.sem <- struct{}{}:
		return true
	default:
	}
	if wait == 0 {
		c.unref(key)
		return false
	}

	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case e.sem <- struct{}{}:
		return true
	case <-ctx.Done():
	case <-timeout:
	}
	c.unref(key)
	return false
}

func (c *controlLock) unlock(key string) {
	e, ok := c.m.Load(key)
	if !ok {
		return
	}
	select {
	case <-e.sem:
		c.unref(key)
	default:
	}
}

// lockAll takes every key in sorted order so that two batches never
// deadlock. On failure nothing stays locked.
func (c *controlLock) lockAll(ctx context.Context, keys []string) ([]string, bool) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	sorted = dedupSorted(sorted)
	for i, k := range sorted {
		if !c.lock(ctx, k, -1) {
			c.unlockAll(sorted[:i])
			return nil, false
		}
	}
	return sorted, true
}

func (c *controlLock) unlockAll(keys []string) {
	for _, k := range keys {
		c.unlock(k)
	}
}

func dedupSorted(ks []string) []string {
	out := ks[:0]
	for i, k := range ks {
		if i == 0 || k != ks[i-1] {
			out = append(out, k)
		}
	}
	return out
}
