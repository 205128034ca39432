package tiercache

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

// Clear removes every entry. With listeners attached, or from inside a
// key section, keys are removed one at a time so each removal is reported.
// Otherwise the gate is closed and both tiers are cleared in bulk.
func (o *overlay[V]) Clear(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}
	ctx, own := withOwner(ctx)
	if o.gate.entered(own) || o.hasListeners() {
		return o.clearKeys(ctx)
	}
	return o.clearAll(ctx, own)
}

func (o *overlay[V]) clearKeys(ctx context.Context) error {
	var keys []string
	o.statuses.each(func(key string, s *entryStatus) bool {
		if s.existent() {
			keys = append(keys, key)
		}
		return true
	})

	var errs error
	for _, key := range keys {
		if _, _, err := o.remove(ctx, key, true); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

type heldStatus struct {
	key string
	s   *entryStatus
}

func (o *overlay[V]) clearAll(ctx context.Context, own *owner) error {
	if err := o.gate.close(own); err != nil {
		return contract("clear", "", err)
	}
	defer o.gate.open(own)

	held, err := o.beginMapProcess(ctx, own)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(held))
	for _, h := range held {
		keys = append(keys, h.key)
	}

	o.muted.Store(true)
	errs := multierr.Combine(
		o.clearTier(ctx, o.front, keys),
		o.clearTier(ctx, o.back, keys),
	)
	o.muted.Store(false)

	for _, h := range held {
		h.s.reset()
	}
	o.deferred.clear()
	if o.expiries != nil {
		o.expiries.clear()
	}
	o.size.Store(0)

	o.endMapProcess(held)
	return errs
}

// clearTier clears t in bulk, falling back to per-key deletes.
func (o *overlay[V]) clearTier(ctx context.Context, t pr.Tier, keys []string) error {
	err := t.Clear(ctx)
	if !errors.Is(err, pr.ErrClearUnsupported) {
		return err
	}
	var errs error
	for _, key := range keys {
		errs = multierr.Append(errs, t.Del(ctx, key))
	}
	return errs
}

// beginMapProcess works off all pending notifications and expirations and
// then takes ownership of every status. On failure everything acquired so far
// is released again.
func (o *overlay[V]) beginMapProcess(ctx context.Context, own *owner) ([]heldStatus, error) {
	o.gate.enter(own)
	o.processDeferred(ctx, own, true)
	o.gate.exit(own)

	var (
		held []heldStatus
		err  error
	)
	o.statuses.each(func(key string, s *entryStatus) bool {
		var ch *change
		ch, err = s.acquire(own)
		if errors.Is(err, errInvalidated) {
			err = nil
			return true
		}
		if err != nil {
			err = contract("clear", key, err)
			return false
		}
		if ch != nil {
			// superseded by the clear
			s.closeProcessing()
		}
		held = append(held, heldStatus{key: key, s: s})
		return true
	})
	if err != nil {
		o.endMapProcess(held)
		return nil, err
	}
	return held, nil
}

func (o *overlay[V]) endMapProcess(held []heldStatus) {
	for _, h := range held {
		o.release(h.key, h.s)
	}
}
