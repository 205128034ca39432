package tiercache

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
)

const (
	// how close an existing batch must be for an accelerated entry to join it
	accelerateWindow = time.Second
	accelerateDelay  = 10 * time.Millisecond
	pendingPoll      = 100 * time.Millisecond
)

// wbEntry is one key waiting to be persisted. It is either in the ripe
// index or in the pending set, never both.
type wbEntry struct {
	key      string
	value    []byte
	erase    bool
	original []byte
	expiry   time.Time
	gen      uint64

	ripe     time.Time
	seq      uint64
	nearly   bool // accelerated so the cache may evict it once stored
	requeued bool
}

func wbLess(a, b *wbEntry) bool {
	if !a.ripe.Equal(b.ripe) {
		return a.ripe.Before(b.ripe)
	}
	return a.seq < b.seq
}

// writeQueue orders write-behind entries by ripe time.
type writeQueue struct {
	mu      sync.Mutex
	byKey   map[string]*wbEntry
	order   *btree.BTreeG[*wbEntry]
	pending map[string]*wbEntry
	drained chan struct{} // closed and replaced whenever pending shrinks
	wake    chan struct{}

	seq      uint64
	lastOut  time.Time
	flushing int

	delay       time.Duration
	batchFactor float64
	maxBatch    int
	minRequeue  time.Duration
	clock       Clock

	// lag is logged whenever the queue size is a multiple of lagEvery
	log      Logger
	lagEvery int
}

func newWriteQueue(delay time.Duration, batchFactor float64, maxBatch int, minRequeue time.Duration, clock Clock) *writeQueue {
	return &writeQueue{
		byKey:       make(map[string]*wbEntry),
		order:       btree.NewG[*wbEntry](16, wbLess),
		pending:     make(map[string]*wbEntry),
		drained:     make(chan struct{}),
		wake:        make(chan struct{}, 1),
		delay:       delay,
		batchFactor: batchFactor,
		maxBatch:    maxBatch,
		minRequeue:  minRequeue,
		clock:       clock,
		log:         NopLogger{},
	}
}

func (q *writeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ripeFor is now+d coarsened to an eighth of the configured delay and never
// earlier than the last entry handed out.
func (q *writeQueue) ripeFor(now time.Time, d time.Duration) time.Time {
	t := now.Add(d)
	grain := max(q.delay>>3, time.Millisecond)
	if r := time.Duration(t.UnixNano()) % grain; r != 0 {
		t = t.Add(grain - r)
	}
	if t.Before(q.lastOut) {
		t = q.lastOut
	}
	return t
}

func (q *writeQueue) softRipe(e *wbEntry) time.Time {
	return e.ripe.Add(-time.Duration(float64(q.delay) * q.batchFactor))
}

// add queues e, or replaces the value of the entry already queued for its
// key. The ripe time of a replaced entry does not move. A new entry never
// ripens before the last one in the queue.
func (q *writeQueue) add(e *wbEntry, minDelay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addLocked(e, minDelay)
}

func (q *writeQueue) addLocked(e *wbEntry, minDelay time.Duration) {
	if cur, ok := q.byKey[e.key]; ok {
		cur.value, cur.erase, cur.expiry, cur.gen = e.value, e.erase, e.expiry, e.gen
		if cur.original == nil {
			cur.original = e.original
		}
		return
	}
	q.seq++
	e.seq = q.seq
	e.ripe = q.ripeFor(q.clock.Now(), max(q.delay, minDelay))
	if last, ok := q.order.Max(); ok && last.ripe.After(e.ripe) {
		// requeued entries already sit past the usual ripe time; line up behind them
		if n := len(q.byKey); q.lagEvery > 0 && n%q.lagEvery == 0 {
			q.log.Warn("write-behind queue runs behind schedule after store failures",
				Fields{"queued": n, "behind": last.ripe.Sub(e.ripe).String()})
		}
		e.ripe = last.ripe
	}
	q.byKey[e.key] = e
	q.order.ReplaceOrInsert(e)
	q.signal()
}

// remove pulls key out of the queue. If the key is being persisted it
// waits for that to finish first, so an erase never overtakes a store.
func (q *writeQueue) remove(ctx context.Context, key string) (*wbEntry, error) {
	for {
		q.mu.Lock()
		if e, ok := q.byKey[key]; ok {
			delete(q.byKey, key)
			q.order.Delete(e)
			q.mu.Unlock()
			return e, nil
		}
		if _, busy := q.pending[key]; !busy {
			q.mu.Unlock()
			return nil, nil
		}
		ch := q.drained
		q.mu.Unlock()

		t := time.NewTimer(pendingPoll)
		select {
		case <-ch:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		t.Stop()
	}
}

// take blocks up to timeout for the first soft-ripe entry and returns it
// with every other soft-ripe entry, up to maxBatch. Taken entries move to
// the pending set until done is called.
func (q *writeQueue) take(stop <-chan struct{}, timeout time.Duration) []*wbEntry {
	deadline := q.clock.Now().Add(timeout)
	for {
		q.mu.Lock()
		now := q.clock.Now()
		if batch := q.takeLocked(now); len(batch) > 0 {
			q.mu.Unlock()
			return batch
		}
		wait := deadline.Sub(now)
		if head, ok := q.order.Min(); ok {
			wait = min(wait, q.softRipe(head).Sub(now))
		}
		q.mu.Unlock()

		if wait <= 0 {
			if !now.Before(deadline) {
				return nil
			}
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-stop:
			t.Stop()
			return nil
		case <-q.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

// takeNoWait returns whatever is soft-ripe now.
func (q *writeQueue) takeNoWait() []*wbEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(q.clock.Now())
}

func (q *writeQueue) takeLocked(now time.Time) []*wbEntry {
	var batch []*wbEntry
	for len(batch) < q.maxBatch {
		head, ok := q.order.Min()
		if !ok || (q.flushing == 0 && now.Before(q.softRipe(head))) {
			break
		}
		q.order.DeleteMin()
		delete(q.byKey, head.key)
		q.pending[head.key] = head
		if head.ripe.After(q.lastOut) {
			q.lastOut = head.ripe
		}
		batch = append(batch, head)
	}
	return batch
}

// done releases entries from the pending set.
func (q *writeQueue) done(es []*wbEntry) {
	q.mu.Lock()
	for _, e := range es {
		if q.pending[e.key] == e {
			delete(q.pending, e.key)
		}
	}
	close(q.drained)
	q.drained = make(chan struct{})
	q.mu.Unlock()
}

// requeue puts a failed entry back with a long delay, unless a newer value
// was queued meanwhile or the key is no longer ours.
func (q *writeQueue) requeue(e *wbEntry, owned bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, queued := q.byKey[e.key]; queued || !owned {
		return false
	}
	ne := *e
	ne.requeued, ne.nearly = true, false
	q.addLocked(&ne, max(2*q.delay, q.minRequeue))
	return true
}

// accelerate reports whether key may leave the cache now. A queued key is
// not evictable yet; its ripe time is pulled in so it soon will be.
func (q *writeQueue) accelerate(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.byKey[key]; ok {
		if !e.nearly {
			now := q.clock.Now()
			target := now.Add(accelerateDelay)
			if head, ok := q.order.Min(); ok && head != e && head.ripe.After(now) && head.ripe.Sub(now) <= accelerateWindow {
				target = head.ripe
			}
			if target.Before(q.lastOut) {
				target = q.lastOut
			}
			if target.Before(e.ripe) {
				q.order.Delete(e)
				e.ripe = target
				q.order.ReplaceOrInsert(e)
				q.signal()
			}
			e.nearly = true
		}
		return false
	}
	if p, ok := q.pending[key]; ok {
		return p.nearly
	}
	return true
}

// ripenNow makes a queued key due immediately.
func (q *writeQueue) ripenNow(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byKey[key]
	if !ok {
		return false
	}
	target := q.clock.Now()
	if target.Before(q.lastOut) {
		target = q.lastOut
	}
	if target.Before(e.ripe) {
		q.order.Delete(e)
		e.ripe = target
		q.order.ReplaceOrInsert(e)
	}
	q.signal()
	return true
}

// flush makes everything ripe and waits until nothing is queued or pending.
func (q *writeQueue) flush(ctx context.Context) error {
	q.mu.Lock()
	q.flushing++
	q.signal()
	defer func() {
		q.mu.Lock()
		q.flushing--
		q.mu.Unlock()
	}()
	for {
		if len(q.byKey) == 0 && len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		ch := q.drained
		q.mu.Unlock()

		t := time.NewTimer(pendingPoll)
		select {
		case <-ch:
		case <-t.C:
			q.signal()
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		t.Stop()
		q.mu.Lock()
	}
}

func (q *writeQueue) has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[key]
	return ok
}

func (q *writeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}
