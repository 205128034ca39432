package provider

import (
	"context"
	"sync"
)

// Emitter is a listener registry tiers embed to implement Observable.
// The zero value is ready to use.
type Emitter struct {
	mu        sync.RWMutex
	seq       uint64
	listeners map[uint64]Listener
}

func (e *Emitter) Subscribe(l Listener) (cancel func()) {
	e.mu.Lock()
	if e.listeners == nil {
		e.listeners = make(map[uint64]Listener)
	}
	e.seq++
	id := e.seq
	e.listeners[id] = l
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Active reports whether anyone is listening.
func (e *Emitter) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners) > 0
}

// Emit delivers ev to every listener, synchronously, outside the registry lock.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	e.mu.RLock()
	if len(e.listeners) == 0 {
		e.mu.RUnlock()
		return
	}
	ls := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.RUnlock()

	if ctx == nil {
		ctx = context.Background()
	}
	for _, l := range ls {
		l(ctx, ev)
	}
}
