package provider

import (
	"context"
	"time"
)

// Observed makes a plain tier observable by reporting the changes made
// through it. Changes the inner tier makes on its own (TTL expiry in a
// remote store, for example) are invisible; the overlay treats such keys
// as vanished when it next reads them.
type Observed struct {
	Emitter
	inner Tier
}

var (
	_ Tier       = (*Observed)(nil)
	_ Observable = (*Observed)(nil)
)

// Observe wraps t. If t is already observable it is returned unchanged.
func Observe(t Tier) Tier {
	if _, ok := t.(Observable); ok {
		return t
	}
	return &Observed{inner: t}
}

func (o *Observed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return o.inner.Get(ctx, key)
}

func (o *Observed) Has(ctx context.Context, key string) (bool, error) {
	return o.inner.Has(ctx, key)
}

func (o *Observed) Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	var (
		old    []byte
		hadOld bool
	)
	if o.Active() {
		var err error
		if old, hadOld, err = o.inner.Get(ctx, key); err != nil {
			return false, err
		}
	}
	ok, err := o.inner.Set(ctx, key, value, cost, ttl)
	if err != nil {
		return false, err
	}
	switch {
	case !ok:
		// rejected under pressure: the value never became visible
		if hadOld {
			o.Emit(ctx, Event{Kind: Updated, Key: key, Old: old, New: value})
		}
		o.Emit(ctx, Event{Kind: Deleted, Key: key, Old: value, Synthetic: true})
	case hadOld:
		o.Emit(ctx, Event{Kind: Updated, Key: key, Old: old, New: value})
	default:
		o.Emit(ctx, Event{Kind: Inserted, Key: key, New: value})
	}
	return ok, nil
}

func (o *Observed) Del(ctx context.Context, key string) error {
	if !o.Active() {
		return o.inner.Del(ctx, key)
	}
	old, hadOld, err := o.inner.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := o.inner.Del(ctx, key); err != nil {
		return err
	}
	if hadOld {
		o.Emit(ctx, Event{Kind: Deleted, Key: key, Old: old})
	}
	return nil
}

// Clear is not reported per key.
func (o *Observed) Clear(ctx context.Context) error { return o.inner.Clear(ctx) }

func (o *Observed) Close(ctx context.Context) error { return o.inner.Close(ctx) }

// Unwrap returns the wrapped tier.
func (o *Observed) Unwrap() Tier { return o.inner }
