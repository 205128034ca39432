package tiercache

import (
	"context"
	"sync"
	"time"
)

const selectStep = 10 * time.Millisecond

// refreshLatch stands for one in-flight refresh-ahead load.
type refreshLatch struct {
	gen  uint64
	done chan struct{}
	once sync.Once

	val      []byte
	found    bool
	err      error
	canceled bool
}

func newRefreshLatch(gen uint64) *refreshLatch {
	return &refreshLatch{gen: gen, done: make(chan struct{})}
}

func (l *refreshLatch) complete(val []byte, found bool, err error) {
	l.once.Do(func() {
		l.val, l.found, l.err = val, found, err
		close(l.done)
	})
}

func (l *refreshLatch) cancel() {
	l.once.Do(func() {
		l.canceled = true
		close(l.done)
	})
}

func (l *refreshLatch) completed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// wait blocks until the load completes or is canceled. ok=false means the
// result is unusable and the caller must load for itself.
func (l *refreshLatch) wait(ctx context.Context) (val []byte, found, ok bool) {
	select {
	case <-l.done:
	case <-ctx.Done():
		return nil, false, false
	}
	if l.canceled || l.err != nil {
		return nil, false, false
	}
	return l.val, l.found, true
}

// readQueue holds keys due for refresh-ahead and the latches of loads in
// flight.
type readQueue struct {
	mu      sync.Mutex
	keys    []string
	queued  map[string]struct{}
	latches map[string]*refreshLatch
	wake    chan struct{}
}

func newReadQueue() *readQueue {
	return &readQueue{
		queued:  make(map[string]struct{}),
		latches: make(map[string]*refreshLatch),
		wake:    make(chan struct{}, 1),
	}
}

// schedule queues key unless it is queued or already loading.
func (r *readQueue) schedule(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queued[key]; ok {
		return false
	}
	if _, ok := r.latches[key]; ok {
		return false
	}
	r.queued[key] = struct{}{}
	r.keys = append(r.keys, key)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// selectKey picks the first queued key that can be locked, giving each
// later key 10ms more patience. The key is returned locked.
func (r *readQueue) selectKey(ctx context.Context, locks *controlLock) (string, bool) {
	r.mu.Lock()
	cands := append([]string(nil), r.keys...)
	r.mu.Unlock()

	for i, key := range cands {
		if !locks.lock(ctx, key, time.Duration(i+1)*selectStep) {
			continue
		}
		r.mu.Lock()
		_, still := r.queued[key]
		if still {
			r.dropLocked(key)
		}
		r.mu.Unlock()
		if still {
			return key, true
		}
		locks.unlock(key)
	}
	return "", false
}

func (r *readQueue) dropLocked(key string) {
	delete(r.queued, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// await blocks until a key is queued, stop closes, or timeout passes.
func (r *readQueue) await(stop <-chan struct{}, timeout time.Duration) {
	if r.len() > 0 {
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.wake:
	case <-stop:
	case <-t.C:
	}
}

func (r *readQueue) install(key string, l *refreshLatch) {
	r.mu.Lock()
	r.latches[key] = l
	r.mu.Unlock()
}

func (r *readQueue) latch(key string) *refreshLatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latches[key]
}

// release drops l if it is still the latch for key.
func (r *readQueue) release(key string, l *refreshLatch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latches[key] != l {
		return false
	}
	delete(r.latches, key)
	return true
}

// cancel discards any refresh for key, queued or in flight.
func (r *readQueue) cancel(key string) {
	r.mu.Lock()
	l := r.latches[key]
	delete(r.latches, key)
	if _, ok := r.queued[key]; ok {
		r.dropLocked(key)
	}
	r.mu.Unlock()
	if l != nil {
		l.cancel()
	}
}

func (r *readQueue) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func (r *readQueue) cancelAll() {
	r.mu.Lock()
	ls := r.latches
	r.latches = make(map[string]*refreshLatch)
	r.keys = nil
	r.queued = make(map[string]struct{})
	r.mu.Unlock()
	for _, l := range ls {
		l.cancel()
	}
}
