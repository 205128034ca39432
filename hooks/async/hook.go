// Package asynchook moves hook calls off the caller's goroutine.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{AnomalyEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	ov, _ := tiercache.New[User](tiercache.Options[User]{
//	    Front: front,
//	    Back:  back,
//	    Codec: codec.JSON[User]{},
//	    Hooks: hooks,
//	})
//
// Events are dropped when the queue is full; Dropped reports how many.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/tiercache"
)

type Hooks struct {
	inner   tiercache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(inner tiercache.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = tiercache.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// lost the race with Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) Anomaly(category, key string) { h.try(func() { h.inner.Anomaly(category, key) }) }
func (h *Hooks) FrontRejected(key string)     { h.try(func() { h.inner.FrontRejected(key) }) }
func (h *Hooks) WrittenBack(key string)       { h.try(func() { h.inner.WrittenBack(key) }) }
func (h *Hooks) StoreFailed(op string, keys int, err error) {
	h.try(func() { h.inner.StoreFailed(op, keys, err) })
}
func (h *Hooks) Requeued(key string) { h.try(func() { h.inner.Requeued(key) }) }
func (h *Hooks) RefreshAhead(key, outcome string) {
	h.try(func() { h.inner.RefreshAhead(key, outcome) })
}
func (h *Hooks) Backlog(queue string, n int) { h.try(func() { h.inner.Backlog(queue, n) }) }
