package tiercache

import (
	"sync"
	"time"

	"github.com/google/btree"
)

type expiryBucket struct {
	at   int64
	keys map[string]struct{}
}

// expiryIndex orders keys by absolute expiry. Keys sharing an instant share
// a bucket.
type expiryIndex struct {
	mu sync.Mutex
	t  *btree.BTreeG[*expiryBucket]
	n  int
}

func newExpiryIndex() *expiryIndex {
	return &expiryIndex{
		t: btree.NewG[*expiryBucket](16, func(a, b *expiryBucket) bool { return a.at < b.at }),
	}
}

func (x *expiryIndex) register(key string, at time.Time) {
	if at.IsZero() {
		return
	}
	probe := &expiryBucket{at: at.UnixNano()}
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.t.Get(probe)
	if !ok {
		b = &expiryBucket{at: probe.at, keys: make(map[string]struct{}, 1)}
		x.t.ReplaceOrInsert(b)
	}
	if _, dup := b.keys[key]; !dup {
		b.keys[key] = struct{}{}
		x.n++
	}
}

func (x *expiryIndex) unregister(key string, at time.Time) {
	if at.IsZero() {
		return
	}
	probe := &expiryBucket{at: at.UnixNano()}
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.t.Get(probe)
	if !ok {
		return
	}
	if _, ok := b.keys[key]; ok {
		delete(b.keys, key)
		x.n--
	}
	if len(b.keys) == 0 {
		x.t.Delete(b)
	}
}

// due removes and returns every key expiring at or before now, earliest first.
func (x *expiryIndex) due(now time.Time) []string {
	cut := now.UnixNano()
	x.mu.Lock()
	defer x.mu.Unlock()

	var (
		keys    []string
		buckets []*expiryBucket
	)
	x.t.Ascend(func(b *expiryBucket) bool {
		if b.at > cut {
			return false
		}
		buckets = append(buckets, b)
		return true
	})
	for _, b := range buckets {
		for k := range b.keys {
			keys = append(keys, k)
		}
		x.n -= len(b.keys)
		x.t.Delete(b)
	}
	return keys
}

func (x *expiryIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.n
}

func (x *expiryIndex) clear() {
	x.mu.Lock()
	x.t.Clear(false)
	x.n = 0
	x.mu.Unlock()
}
