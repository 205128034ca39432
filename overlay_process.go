package tiercache

import (
	"bytes"
	"context"
	"errors"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

// onTierEvent routes a tier notification to the status of its key. The owner
// of the key, if any, consumes it inline; otherwise the key is deferred.
func (o *overlay[V]) onTierEvent(ctx context.Context, origin Origin, ev pr.Event) {
	if o.muted.Load() || ev.Key == "" {
		return
	}
	ctx, own := withOwner(ctx)
	if !o.gate.tryEnter(own) {
		// a map-level operation is about to discard everything anyway
		return
	}
	defer o.gate.exit(own)

	ch := fromEvent(origin, ev)
	for {
		s := o.statuses.obtain(ev.Key)
		deferred, ok := s.register(o.diag, ch)
		if !ok {
			continue
		}
		if deferred {
			o.deferred.push(ev.Key)
		}
		return
	}
}

// beginKey enters the gate and takes processing ownership of key.
func (o *overlay[V]) beginKey(ctx context.Context, own *owner, key string) (*entryStatus, error) {
	reentrant := o.gate.entered(own)
	o.gate.enter(own)

	if !reentrant {
		o.processDeferred(ctx, own, false)
	}

	for attempt := 1; attempt < maxCount; attempt++ {
		s := o.statuses.obtain(key)
		ok, err := o.prepare(ctx, own, key, s)
		if err != nil {
			o.gate.exit(own)
			return nil, contract("acquire", key, err)
		}
		if ok {
			return s, nil
		}
	}
	o.gate.exit(own)
	return nil, contract("acquire", key, ErrNoProgress)
}

// endKey closes the section, processing whatever the tiers reported
// meanwhile, and releases ownership.
func (o *overlay[V]) endKey(ctx context.Context, own *owner, key string, s *entryStatus) {
	o.closeStatus(ctx, s)
	if s.hasChange() {
		// raised after processing closed
		o.deferred.push(key)
	}
	o.release(key, s)
	o.gate.exit(own)
}

// prepare acquires s for own. prepared=false means s was closed and released
// again (a buffered change was processed or an expired entry was evicted)
// and the caller must retry.
func (o *overlay[V]) prepare(ctx context.Context, own *owner, key string, s *entryStatus) (prepared bool, err error) {
	ch, err := s.acquire(own)
	if errors.Is(err, errInvalidated) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	pending := make([]*change, 0, 2)
	prepared = true
	evict := false
	if ch != nil {
		pending = append(pending, ch)
		if more := s.closeProcessing(); more != nil {
			pending = append(pending, more)
		}
		prepared = false
	} else if o.expiryOn && s.expired(o.clock.Now()) && s.existent() {
		evict = true
		prepared = false
	}

	if evict {
		if _, _, err := o.removeEntry(ctx, key, s, true, true); err != nil {
			o.log.Warn("expired entry eviction failed", keyFields(key, "err", err))
		}
		if next, ok := s.closeIfProcessing(); ok && next != nil {
			pending = append(pending, next)
		}
	}

	for _, p := range pending {
		o.processChange(ctx, s, p)
	}
	if !prepared {
		o.release(key, s)
	}
	return prepared, nil
}

// release commits one level of ownership and drops a discardable status.
func (o *overlay[V]) release(key string, s *entryStatus) {
	if s.commit() {
		o.statuses.discard(key, s)
	}
}

// closeStatus processes buffered changes until processing is closed.
func (o *overlay[V]) closeStatus(ctx context.Context, s *entryStatus) {
	for {
		ch, done := s.nextOrClose()
		if done {
			return
		}
		o.processChange(ctx, s, ch)
	}
}

func (o *overlay[V]) processChange(ctx context.Context, s *entryStatus, ch *change) {
	if ch == nil {
		return
	}
	if ch.origin == OriginFront {
		o.processFront(ctx, s, ch)
	} else {
		o.processBack(ctx, s, ch)
	}
}

// processFront applies a front-tier change to the presence flags and raises
// the change visible through the overlay, if any.
func (o *overlay[V]) processFront(ctx context.Context, s *entryStatus, ch *change) {
	key := ch.key
	fExists := s.existent()
	var raise *change

	switch ch.kind {
	case Inserted:
		s.setInFront(true)
		_, inBack, _ := s.flags()
		if !inBack {
			raise = ch
			break
		}
		// the back still holds a value: net effect is an update
		oldVal, hit, err := o.back.Get(ctx, key)
		if err != nil {
			o.log.Warn("back read failed while reconciling front insert", keyFields(key, "err", err))
		}
		upToDate := hit && bytes.Equal(ch.new, oldVal)
		if bch := s.take(OriginBack); bch != nil {
			if !bch.synthetic {
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "back", "kind": bch.kind.String()})
			}
			switch bch.kind {
			case Updated:
				oldVal = bch.latestOld()
				fallthrough
			case Inserted:
				upToDate = bytes.Equal(ch.new, bch.new)
			case Deleted:
				s.setInBack(false)
				upToDate = false
				oldVal = bch.latestOld()
			}
		}
		s.setBackInSync(upToDate)
		if !bytes.Equal(ch.new, oldVal) && o.hasListeners() {
			raise = &change{
				origin:    OriginFront,
				kind:      Updated,
				key:       key,
				old:       eager(oldVal),
				new:       ch.new,
				synthetic: ch.synthetic,
			}
		}

	case Updated:
		s.setInFront(true)
		s.setBackInSync(false)
		raise = ch

	case Deleted:
		s.setInFront(false)
		_, _, inSync := s.flags()
		if inSync {
			// the overlay still holds the same value through the back
			break
		}
		val := ch.latestOld()
		bok, err := o.back.Set(ctx, key, val, 1, 0)
		if err != nil {
			o.log.Error("write-back of front eviction failed", keyFields(key, "err", err))
		} else {
			o.hooks.WrittenBack(key)
		}
		s.setInBack(true)
		s.setBackInSync(true)

		bch := s.take(OriginBack)
		if bch == nil && (err != nil || !bok) {
			bch = &change{origin: OriginBack, kind: Deleted, key: key, old: eager(val), synthetic: true}
		}
		if bch == nil {
			break
		}
		switch bch.kind {
		case Inserted, Updated:
			if !bytes.Equal(bch.new, val) && o.hasListeners() {
				// the back changed the value on the way in
				raise = &change{
					origin:    OriginBack,
					kind:      Updated,
					key:       key,
					old:       eager(val),
					new:       bch.new,
					synthetic: bch.synthetic,
				}
			}
		case Deleted:
			if !bch.synthetic {
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "back", "kind": "deleted"})
			}
			// lost from both tiers
			s.setInBack(false)
			raise = ch
		}
	}

	o.adjust(fExists, s)
	if raise != nil {
		o.dispatch(ctx, s, raise)
	}
}

// processBack applies a back-tier change. It is visible through the overlay
// only when the front does not shadow it.
func (o *overlay[V]) processBack(ctx context.Context, s *entryStatus, ch *change) {
	s.setBackInSync(false)

	inFront, wasInBack, _ := s.flags()
	nowInBack := ch.kind != Deleted
	if nowInBack != wasInBack {
		s.setInBack(nowInBack)
		if !inFront {
			if wasInBack {
				o.size.Add(-1)
			} else {
				o.size.Add(1)
			}
		}
	}
	if !inFront {
		o.dispatch(ctx, s, ch)
	}
}

// adjust keeps the size counter in step with one section's existence flip.
func (o *overlay[V]) adjust(fExists bool, s *entryStatus) {
	if now := s.existent(); now != fExists {
		if fExists {
			o.size.Add(-1)
		} else {
			o.size.Add(1)
		}
	}
}

// dispatch closes processing, so listeners may re-enter for this key, and
// delivers ch.
func (o *overlay[V]) dispatch(ctx context.Context, s *entryStatus, ch *change) {
	if ch == nil || !o.hasListeners() {
		return
	}
	if pending, ok := s.closeIfProcessing(); ok && pending != nil {
		o.rebuffer(s, pending)
	}

	o.lmu.RLock()
	ls := make([]Listener[V], 0, len(o.listeners))
	for _, l := range o.listeners {
		ls = append(ls, l)
	}
	o.lmu.RUnlock()

	ev := o.event(ch)
	for _, l := range ls {
		l(ctx, ev)
	}
}

// rebuffer hands a change back to its status for later processing.
func (o *overlay[V]) rebuffer(s *entryStatus, ch *change) {
	if deferred, ok := s.register(o.diag, ch); ok && deferred {
		o.deferred.push(ch.key)
	}
}

// processDeferred expires due keys and works off a share of the deferred
// backlog: all of it, or at least 10 and at most 100 keys (~1/128).
func (o *overlay[V]) processDeferred(ctx context.Context, own *owner, all bool) {
	if o.expiryOn {
		if due := o.expiries.due(o.clock.Now()); len(due) > 0 {
			o.deferred.push(due...)
		}
	}

	n := o.deferred.len()
	if n == 0 {
		return
	}
	target := n
	if !all {
		target = max(10, min(100, n>>7))
	}

	processed := 0
	first, haveFirst := "", false
	for processed < target {
		key, ok := o.deferred.pop()
		if !ok {
			break
		}
		s, ok := o.statuses.peek(key)
		if !ok {
			continue
		}

		requeue := true
		if s.isAvailable() {
			prepared, err := o.prepare(ctx, own, key, s)
			if err != nil {
				o.log.Error("deferred processing failed", keyFields(key, "err", err))
			}
			if prepared {
				o.closeStatus(ctx, s)
				o.release(key, s)
			}
			requeue = s.isValid() && (s.hasChange() || (o.expiryOn && s.expired(o.clock.Now())))
			processed++
		}

		if requeue {
			o.deferred.push(key)
			if !haveFirst {
				first, haveFirst = key, true
			} else if key == first {
				// every remaining key is busy
				break
			}
		}
	}
	o.hooks.Backlog("deferred", o.deferred.len())
}
