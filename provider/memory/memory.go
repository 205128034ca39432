// Package memory is an in-process LRU tier that reports its own changes,
// including capacity evictions and TTL expiry.
//
// Changes are reported while the tier is locked, so listeners see the
// changes to one key in order and must not call back into the tier.
package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

var (
	_ pr.Tier          = (*Tier)(nil)
	_ pr.Observable    = (*Tier)(nil)
	_ pr.Expiring      = (*Tier)(nil)
	_ pr.EvictionAware = (*Tier)(nil)
	_ pr.Sweeper       = (*Tier)(nil)
)

type Config struct {
	// Capacity bounds the number of entries; 0 means unbounded.
	Capacity int
	// Now overrides the clock used for TTLs.
	Now func() time.Time
}

type entry struct {
	val []byte
	exp time.Time
}

type Tier struct {
	pr.Emitter

	mu      sync.Mutex
	lru     *simplelru.LRU[string, entry]
	cap     int
	approve func(key string) bool
	now     func() time.Time
}

func New(cfg Config) (*Tier, error) {
	if cfg.Capacity < 0 {
		return nil, errors.New("memory: negative capacity")
	}
	// eviction is done here so the approver can veto it
	l, err := simplelru.NewLRU[string, entry](math.MaxInt, nil)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tier{lru: l, cap: cfg.Capacity, now: now}, nil
}

func (t *Tier) SetEvictionApprover(approve func(key string) bool) {
	t.mu.Lock()
	t.approve = approve
	t.mu.Unlock()
}

func (t *Tier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Get(key)
	if ok && t.expired(e) {
		t.lru.Remove(key)
		t.Emit(ctx, pr.Event{Kind: pr.Deleted, Key: key, Old: e.val, Synthetic: true})
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	return e.val, true, nil
}

func (t *Tier) Has(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Peek(key)
	return ok && !t.expired(e), nil
}

func (t *Tier) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	e := entry{val: value}
	if ttl > 0 {
		e.exp = t.now().Add(ttl)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, hadOld := t.lru.Peek(key)
	if hadOld && t.expired(prev) {
		hadOld = false
	}
	t.lru.Add(key, e)
	evicted := t.makeRoom(key)
	rejected := t.cap > 0 && t.lru.Len() > t.cap
	if rejected {
		t.lru.Remove(key)
	}

	events := make([]pr.Event, 0, len(evicted)+2)
	for _, v := range evicted {
		events = append(events, pr.Event{Kind: pr.Deleted, Key: v.key, Old: v.val, Synthetic: true})
	}
	switch {
	case rejected:
		if hadOld {
			events = append(events, pr.Event{Kind: pr.Updated, Key: key, Old: prev.val, New: value})
		}
		events = append(events, pr.Event{Kind: pr.Deleted, Key: key, Old: value, Synthetic: true})
	case hadOld:
		events = append(events, pr.Event{Kind: pr.Updated, Key: key, Old: prev.val, New: value})
	default:
		events = append(events, pr.Event{Kind: pr.Inserted, Key: key, New: value})
	}
	for _, ev := range events {
		t.Emit(ctx, ev)
	}
	return !rejected, nil
}

type victim struct {
	key string
	val []byte
}

// makeRoom evicts approved entries, least recently used first, until the
// tier is within capacity. keep is never evicted. Caller holds mu.
func (t *Tier) makeRoom(keep string) []victim {
	if t.cap == 0 || t.lru.Len() <= t.cap {
		return nil
	}
	var out []victim
	for _, k := range t.lru.Keys() {
		if t.lru.Len() <= t.cap {
			break
		}
		if k == keep || (t.approve != nil && !t.approve(k)) {
			continue
		}
		e, _ := t.lru.Peek(k)
		t.lru.Remove(k)
		out = append(out, victim{key: k, val: e.val})
	}
	return out
}

func (t *Tier) Del(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Peek(key)
	if ok {
		t.lru.Remove(key)
	}
	if ok && !t.expired(e) {
		t.Emit(ctx, pr.Event{Kind: pr.Deleted, Key: key, Old: e.val})
	}
	return nil
}

// Clear drops everything without reporting.
func (t *Tier) Clear(_ context.Context) error {
	t.mu.Lock()
	t.lru.Purge()
	t.mu.Unlock()
	return nil
}

func (t *Tier) ExpiresAt(_ context.Context, key string) (time.Time, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Peek(key)
	if !ok || e.exp.IsZero() || t.expired(e) {
		return time.Time{}, false, nil
	}
	return e.exp, true, nil
}

// Sweep removes expired entries, reporting each as a synthetic deletion.
func (t *Tier) Sweep(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gone []victim
	for _, k := range t.lru.Keys() {
		if e, ok := t.lru.Peek(k); ok && t.expired(e) {
			t.lru.Remove(k)
			gone = append(gone, victim{key: k, val: e.val})
		}
	}

	for _, v := range gone {
		t.Emit(ctx, pr.Event{Kind: pr.Deleted, Key: v.key, Old: v.val, Synthetic: true})
	}
	return nil
}

func (t *Tier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

func (t *Tier) Close(_ context.Context) error { return nil }

func (t *Tier) expired(e entry) bool {
	return !e.exp.IsZero() && !t.now().Before(e.exp)
}
