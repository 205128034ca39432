package tiercache

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	c "github.com/unkn0wn-root/tiercache/codec"
	pr "github.com/unkn0wn-root/tiercache/provider"
)

type overlay[V any] struct {
	front pr.Tier
	back  pr.Tier
	codec c.Codec[V]
	log   Logger
	hooks Hooks
	diag  *diagnostics
	clock Clock

	allowNil   bool
	expiryOn   bool
	defaultTTL time.Duration

	statuses *statusIndex
	gate     *gate
	expiries *expiryIndex
	deferred *backlog
	size     atomic.Int64
	muted    atomic.Bool

	lmu        sync.RWMutex
	lseq       uint64
	listeners  map[uint64]Listener[V]
	nListeners atomic.Int32

	unsubscribe []func()

	// background eviction
	evictEvery time.Duration
	ticker     *time.Ticker
	stopCh     chan struct{}
	closeWg    sync.WaitGroup
	closeOnce  sync.Once
	closed     atomic.Bool
}

func newOverlay[V any](opts Options[V]) (*overlay[V], error) {
	if opts.Front == nil {
		return nil, fmt.Errorf("tiercache: front tier is required")
	}
	if opts.Back == nil {
		return nil, fmt.Errorf("tiercache: back tier is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("tiercache: codec is required")
	}
	if opts.DefaultTTL > 0 && !opts.ExpiryEnabled {
		return nil, fmt.Errorf("tiercache: default ttl requires expiry to be enabled")
	}

	o := &overlay[V]{
		front:      pr.Observe(opts.Front),
		back:       pr.Observe(opts.Back),
		codec:      opts.Codec,
		allowNil:   opts.AllowNilValues,
		expiryOn:   opts.ExpiryEnabled,
		defaultTTL: opts.DefaultTTL,
		statuses:   newStatusIndex(),
		gate:       newGate(),
		deferred:   newBacklog(),
		listeners:  make(map[uint64]Listener[V]),
		evictEvery: opts.EvictInterval,
	}
	o.log = coalesce[Logger](opts.Logger, NopLogger{})
	o.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	o.clock = coalesce[Clock](opts.Clock, systemClock{})
	o.diag = newDiagnostics(o.log, o.hooks)
	if o.expiryOn {
		o.expiries = newExpiryIndex()
	}

	o.unsubscribe = []func(){
		o.front.(pr.Observable).Subscribe(func(ctx context.Context, ev pr.Event) {
			o.onTierEvent(ctx, OriginFront, ev)
		}),
		o.back.(pr.Observable).Subscribe(func(ctx context.Context, ev pr.Event) {
			o.onTierEvent(ctx, OriginBack, ev)
		}),
	}

	if o.evictEvery > 0 {
		o.ticker = time.NewTicker(o.evictEvery)
		o.stopCh = make(chan struct{})
		o.closeWg.Add(1)
		go o.evictLoop()
	}
	return o, nil
}

func (o *overlay[V]) evictLoop() {
	defer o.closeWg.Done()
	for {
		select {
		case <-o.ticker.C:
			if err := o.Evict(context.Background()); err != nil {
				o.log.Warn("background evict failed", Fields{"err": err})
			}
		case <-o.stopCh:
			return
		}
	}
}

func (o *overlay[V]) Close(ctx context.Context) error {
	var err error
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		if o.stopCh != nil {
			close(o.stopCh)
			o.closeWg.Wait()
			o.ticker.Stop()
		}
		for _, cancel := range o.unsubscribe {
			cancel()
		}
		err = multierr.Combine(o.front.Close(ctx), o.back.Close(ctx))
	})
	return err
}

func (o *overlay[V]) Len() int { return int(o.size.Load()) }

func (o *overlay[V]) Subscribe(l Listener[V]) (cancel func()) {
	o.lmu.Lock()
	o.lseq++
	id := o.lseq
	o.listeners[id] = l
	o.nListeners.Add(1)
	o.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.lmu.Lock()
			delete(o.listeners, id)
			o.nListeners.Add(-1)
			o.lmu.Unlock()
		})
	}
}

func (o *overlay[V]) hasListeners() bool { return o.nListeners.Load() > 0 }

// ==============================
// Typed API
// ==============================

func (o *overlay[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, ok, err := o.get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	if raw == nil {
		return zero, true, nil
	}
	v, err := o.codec.Decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("tiercache: decode %q: %w", key, err)
	}
	return v, true, nil
}

func (o *overlay[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) (V, bool, error) {
	var zero V
	raw, err := o.encode(key, value)
	if err != nil {
		return zero, false, err
	}
	old, hadOld, err := o.put(ctx, key, raw, ttl, false)
	if err != nil || !hadOld || old == nil {
		return zero, false, err
	}
	v, err := o.codec.Decode(old)
	if err != nil {
		// the new value is in place; only the previous one is unreadable
		o.log.Warn("previous value decode failed", keyFields(key, "err", err))
		return zero, false, nil
	}
	return v, true, nil
}

func (o *overlay[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	raw, err := o.encode(key, value)
	if err != nil {
		return err
	}
	_, _, err = o.put(ctx, key, raw, ttl, true)
	return err
}

func (o *overlay[V]) Remove(ctx context.Context, key string) (V, bool, error) {
	var zero V
	old, removed, err := o.remove(ctx, key, false)
	if err != nil || !removed || old == nil {
		return zero, removed, err
	}
	v, err := o.codec.Decode(old)
	if err != nil {
		o.log.Warn("removed value decode failed", keyFields(key, "err", err))
		return zero, true, nil
	}
	return v, true, nil
}

func (o *overlay[V]) Delete(ctx context.Context, key string) (bool, error) {
	_, removed, err := o.remove(ctx, key, true)
	return removed, err
}

func (o *overlay[V]) Contains(ctx context.Context, key string) (bool, error) {
	if err := o.check(key); err != nil {
		return false, err
	}
	ctx, own := withOwner(ctx)
	s, err := o.beginKey(ctx, own, key)
	if err != nil {
		return false, err
	}
	ok := s.existent()
	o.endKey(ctx, own, key, s)
	return ok, nil
}

func (o *overlay[V]) Evict(ctx context.Context) error {
	return o.drain(ctx, false)
}

func (o *overlay[V]) Flush(ctx context.Context) error {
	return o.drain(ctx, true)
}

func (o *overlay[V]) drain(ctx context.Context, all bool) error {
	if o.closed.Load() {
		return ErrClosed
	}
	ctx, own := withOwner(ctx)
	if o.gate.entered(own) {
		// re-entrant: the outer section drains on its way in
		return nil
	}
	o.gate.enter(own)
	defer o.gate.exit(own)

	var errs error
	for _, t := range []pr.Tier{o.front, o.back} {
		if ev, ok := unwrapTier(t).(pr.Sweeper); ok {
			errs = multierr.Append(errs, ev.Sweep(ctx))
		}
	}
	o.processDeferred(ctx, own, all)
	return errs
}

func unwrapTier(t pr.Tier) pr.Tier {
	if w, ok := t.(interface{ Unwrap() pr.Tier }); ok {
		return w.Unwrap()
	}
	return t
}

func (o *overlay[V]) check(key string) error {
	if key == "" {
		return ErrNilKey
	}
	if o.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (o *overlay[V]) encode(key string, value V) ([]byte, error) {
	if err := o.check(key); err != nil {
		return nil, err
	}
	if !o.allowNil && isNil(value) {
		return nil, fmt.Errorf("%w (key=%q)", ErrNilValue, key)
	}
	raw, err := o.codec.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("tiercache: encode %q: %w", key, err)
	}
	return raw, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// event builds the public view of a change.
func (o *overlay[V]) event(ch *change) Event[V] {
	return Event[V]{
		Kind:      ch.kind,
		Key:       ch.key,
		Synthetic: ch.synthetic,
		old:       ch.old,
		new:       ch.new,
		codec:     o.codec,
	}
}
