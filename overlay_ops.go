package tiercache

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// get reads key through the overlay, promoting a back-only value into the
// front. contains reports whether the overlay held the key.
func (o *overlay[V]) get(ctx context.Context, key string) (val []byte, contains bool, err error) {
	if err := o.check(key); err != nil {
		return nil, false, err
	}
	ctx, own := withOwner(ctx)
	s, err := o.beginKey(ctx, own, key)
	if err != nil {
		return nil, false, err
	}

	fExists := s.existent()
	var raise *change
	defer func() {
		o.adjust(fExists, s)
		if raise != nil {
			o.dispatch(ctx, s, raise)
		}
		o.endKey(ctx, own, key, s)
	}()

	inFront, inBack, _ := s.flags()
	readBack := !inFront && inBack

	if inFront {
		v, hit, ferr := o.front.Get(ctx, key)
		if ferr != nil {
			return nil, false, fmt.Errorf("tiercache: front get %q: %w", key, ferr)
		}
		val, contains = v, true

		fch := s.take(OriginFront)
		switch {
		case fch != nil:
			switch fch.kind {
			case Inserted:
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "front", "kind": "inserted"})
				if !hit {
					val = fch.new
				}
				s.setBackInSync(false)
				raise = &change{origin: OriginFront, kind: Updated, key: key, new: val, synthetic: fch.synthetic}
			case Updated:
				if !hit {
					val = fch.new
				}
				s.setBackInSync(false)
				raise = fch
			case Deleted:
				if !hit {
					val = fch.latestOld()
				}
				s.setInFront(false)
			}
		case !hit:
			o.diag.report(anomalyVanished, key, Fields{"origin": "front"})
			s.setInFront(false)
			val, contains = nil, false
			readBack = inBack
		}
	}

	if readBack {
		v, hit, berr := o.back.Get(ctx, key)
		if berr != nil {
			return nil, false, fmt.Errorf("tiercache: back get %q: %w", key, berr)
		}
		val, contains = v, true

		bch := s.take(OriginBack)
		switch {
		case bch != nil:
			switch bch.kind {
			case Inserted:
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "back", "kind": "inserted"})
				if !hit {
					val = bch.new
				}
				raise = &change{origin: OriginBack, kind: Updated, key: key, new: val, synthetic: bch.synthetic}
			case Updated:
				if !hit {
					val = bch.new
				}
				raise = bch
			case Deleted:
				// evicted from the back as we looked; it goes into the front anyway
				if !hit {
					val = bch.latestOld()
				}
				s.setInBack(false)
				s.setBackInSync(false)
			}
		case !hit:
			o.diag.report(anomalyVanished, key, Fields{"origin": "back"})
			s.setInBack(false)
			val, contains = nil, false
		}
	}

	if contains && val == nil && !o.allowNil {
		contains = false
	}

	if inFront, _, _ = s.flags(); contains && !inFront {
		val, contains, raise = o.promote(ctx, s, key, val, raise)
	}
	return val, contains, nil
}

// promote moves val into the front. A front that refuses it pushes the value
// to the back instead so nothing is lost.
func (o *overlay[V]) promote(ctx context.Context, s *entryStatus, key string, val []byte, raise *change) ([]byte, bool, *change) {
	ok, err := o.front.Set(ctx, key, val, 1, 0)
	if err != nil {
		o.log.Warn("front promotion failed", keyFields(key, "err", err))
	}
	s.setInFront(true)

	fch := s.closeProcessing()
	if fch != nil && fch.origin != OriginFront {
		o.rebuffer(s, fch)
		fch = nil
	}
	if fch == nil && (err != nil || !ok) {
		fch = &change{origin: OriginFront, kind: Deleted, key: key, old: eager(val), synthetic: true}
	}
	if fch == nil {
		return val, true, raise
	}

	switch fch.kind {
	case Inserted:
		if !bytes.Equal(fch.new, val) {
			// a listener changed the value on the way in
			s.setBackInSync(false)
			kind, old := Updated, eager(val)
			if raise != nil {
				kind, old = raise.kind, raise.old
			}
			raise = &change{origin: OriginFront, kind: kind, key: key, old: old, new: fch.new, synthetic: fch.synthetic}
			val = fch.new
		}

	case Updated:
		o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "front", "kind": "updated"})
		s.setBackInSync(false)
		val = fch.new
		raise = fch

	case Deleted:
		if !fch.synthetic {
			o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "front", "kind": "deleted"})
		}
		s.setInFront(false)
		o.hooks.FrontRejected(key)

		_, inBack, inSync := s.flags()
		if inBack && inSync {
			break
		}
		bok, berr := o.back.Set(ctx, key, val, 1, 0)
		if berr != nil {
			o.log.Error("back write of rejected promotion failed", keyFields(key, "err", berr))
		}
		s.setInBack(true)
		s.setBackInSync(true)

		bch := s.take(OriginBack)
		if bch == nil && (berr != nil || !bok) {
			bch = &change{origin: OriginBack, kind: Deleted, key: key, old: eager(val), synthetic: true}
		}
		if bch == nil {
			break
		}
		switch bch.kind {
		case Inserted, Updated:
			if !bytes.Equal(bch.new, val) && o.hasListeners() {
				raise = &change{origin: OriginBack, kind: Updated, key: key, old: eager(val), new: bch.new, synthetic: bch.synthetic}
				val = bch.new
			}
		case Deleted:
			if !bch.synthetic {
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "back", "kind": "deleted"})
			}
			// lost from both tiers before the read could complete
			s.setInBack(false)
			raise = &change{origin: OriginBack, kind: Deleted, key: key, old: eager(val), synthetic: true}
			return nil, false, raise
		}
	}
	return val, true, raise
}

// put writes raw through the front. storeOnly skips old-value retrieval
// unless listeners need it.
func (o *overlay[V]) put(ctx context.Context, key string, raw []byte, ttl time.Duration, storeOnly bool) (old []byte, hadOld bool, err error) {
	if err := o.check(key); err != nil {
		return nil, false, err
	}
	if o.expiryOn {
		if ttl == 0 {
			ttl = o.defaultTTL
		}
	} else if ttl > 0 {
		return nil, false, fmt.Errorf("%w (key=%q, ttl=%s)", ErrExpiryDisabled, key, ttl)
	}

	start := o.clock.Now()
	ctx, own := withOwner(ctx)
	s, err := o.beginKey(ctx, own, key)
	if err != nil {
		return nil, false, err
	}

	fExists := s.existent()
	var raise *change
	defer func() {
		o.adjust(fExists, s)
		if raise != nil {
			o.dispatch(ctx, s, raise)
		}
		o.endKey(ctx, own, key, s)
	}()

	fInFront, fInBack, fInSync := s.flags()
	oldExpiry := s.getExpiry()
	newExpiry := ttl > 0
	evtReq := o.hasListeners()
	oldReq := evtReq || !storeOnly
	oldKnown := false
	newVal := raw

	ok, ferr := o.front.Set(ctx, key, raw, 1, 0)
	if ferr != nil {
		return nil, false, fmt.Errorf("tiercache: front set %q: %w", key, ferr)
	}
	s.setInFront(true)
	s.setBackInSync(false)

	fch := s.closeProcessing()
	if fch != nil && fch.origin != OriginFront {
		o.rebuffer(s, fch)
		fch = nil
	}
	if fch == nil && !ok {
		fch = &change{origin: OriginFront, kind: Deleted, key: key, latest: eager(raw), synthetic: true}
	}

	if fch == nil {
		o.diag.report(anomalyMissingEvent, key, Fields{"origin": "front"})
		// unless the back still has it, the old value is lost
		oldKnown = !(fInBack && fInSync)
	} else {
		switch fch.kind {
		case Inserted:
			if fExists {
				newVal = fch.new
				if fInFront {
					o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "front", "kind": "inserted"})
				}
			} else {
				oldKnown = true
				raise = fch
			}

		case Updated:
			raise = fch
			if oldReq {
				old = fch.latestOld()
			}
			oldKnown = true
			if !fInFront {
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "front", "kind": "updated"})
			}

		case Deleted:
			// the front is full and refused the value: it goes to the back
			s.setInFront(false)
			if !fch.synthetic {
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "front", "kind": "deleted"})
			}
			o.hooks.FrontRejected(key)
			if nv := fch.latestOld(); nv != nil {
				newVal = nv
			}
			if oldReq && fInFront && fch.latest != nil {
				old = fch.old.get()
			}
			takeBackOld := !fInFront && fInBack && oldReq

			bok, berr := o.back.Set(ctx, key, newVal, 1, 0)
			if berr != nil {
				o.log.Error("back write of rejected value failed", keyFields(key, "err", berr))
			}
			s.setInBack(true)
			s.setBackInSync(true)

			bch := s.take(OriginBack)
			if bch == nil && (berr != nil || !bok) {
				bch = &change{origin: OriginBack, kind: Deleted, key: key, old: eager(newVal), synthetic: true}
			}
			if bch != nil {
				switch bch.kind {
				case Inserted, Updated:
					newVal = bch.new
					if takeBackOld && bch.kind == Updated {
						old = bch.latestOld()
					}
				case Deleted:
					s.setInBack(false)
					if !bch.synthetic {
						o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "back", "kind": "deleted"})
					}
					if evtReq {
						raise = &change{origin: OriginBack, kind: Deleted, key: key, old: eager(old), synthetic: bch.synthetic}
					}
					newExpiry = false
				}
			}
			// the back was overwritten; its previous value is gone either way
			oldKnown = true
		}
	}

	if !oldKnown && (evtReq && raise == nil || !storeOnly) && fInBack && (!fInFront || fInSync) {
		prev, hit, gerr := o.back.Get(ctx, key)
		if gerr != nil {
			o.log.Warn("back read for previous value failed", keyFields(key, "err", gerr))
		} else if hit {
			old = prev
		}
		if bch := s.take(OriginBack); bch != nil {
			switch bch.kind {
			case Inserted:
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "back", "kind": "inserted"})
			case Updated:
				// hidden by the value in the front
				old = bch.latestOld()
			case Deleted:
				s.setInBack(false)
				old = bch.latestOld()
			}
		}
	}

	if evtReq && raise == nil {
		kind := Inserted
		if fExists {
			kind = Updated
		}
		raise = &change{origin: OriginFront, kind: kind, key: key, old: eager(old), new: newVal}
	}

	if !oldExpiry.IsZero() {
		o.expiries.unregister(key, oldExpiry)
		s.setExpiry(time.Time{})
	}
	if newExpiry {
		at := start.Add(ttl)
		s.setExpiry(at)
		o.expiries.register(key, at)
	}

	if !fExists {
		return nil, false, nil
	}
	return old, old != nil, nil
}

// remove deletes key from both tiers. blind skips old-value retrieval.
func (o *overlay[V]) remove(ctx context.Context, key string, blind bool) ([]byte, bool, error) {
	if err := o.check(key); err != nil {
		return nil, false, err
	}
	ctx, own := withOwner(ctx)
	s, err := o.beginKey(ctx, own, key)
	if err != nil {
		return nil, false, err
	}
	defer o.endKey(ctx, own, key, s)
	return o.removeEntry(ctx, key, s, blind, false)
}

// removeEntry removes key from the front, then the back, reconciling the
// changes each raises. The caller owns s. eviction marks the resulting
// deletion synthetic.
func (o *overlay[V]) removeEntry(ctx context.Context, key string, s *entryStatus, blind, eviction bool) (val []byte, removed bool, err error) {
	fExists := s.existent()
	evtReq := o.hasListeners()
	var raise *change
	frontRemoved, backRemoved := false, false
	fromBack := true

	defer func() {
		o.adjust(fExists, s)
		if !s.existent() {
			if at := s.getExpiry(); !at.IsZero() {
				o.expiries.unregister(key, at)
				s.setExpiry(time.Time{})
			}
		}
		if evtReq && raise != nil {
			if eviction && raise.kind == Deleted && !raise.synthetic {
				cp := *raise
				cp.synthetic = true
				raise = &cp
			}
			o.dispatch(ctx, s, raise)
		}
	}()

	if inFront, _, _ := s.flags(); inFront {
		if derr := o.front.Del(ctx, key); derr != nil {
			return nil, false, fmt.Errorf("tiercache: front del %q: %w", key, derr)
		}
		fch := s.closeProcessing()
		if fch != nil && fch.origin != OriginFront {
			o.rebuffer(s, fch)
			fch = nil
		}

		if fch == nil {
			still, herr := o.front.Has(ctx, key)
			if herr == nil && still {
				// not removed, and no reason given; stop here
				fromBack = false
			} else {
				o.diag.report(anomalyMissingEvent, key, Fields{"origin": "front", "kind": "deleted"})
				frontRemoved = true
				s.setInFront(false)
				if evtReq {
					raise = &change{origin: OriginFront, kind: Deleted, key: key, synthetic: eviction}
				}
			}
		} else {
			raise = fch
			switch fch.kind {
			case Inserted:
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "front", "kind": "inserted"})
				fallthrough
			case Updated:
				s.setBackInSync(false)
				fromBack = false
			case Deleted:
				frontRemoved = true
				s.setInFront(false)
				if !blind {
					val = fch.latestOld()
				}
			}
		}
	}

	if _, inBack, _ := s.flags(); fromBack && inBack {
		if derr := o.back.Del(ctx, key); derr != nil {
			return val, false, fmt.Errorf("tiercache: back del %q: %w", key, derr)
		}
		bch := s.take(OriginBack)
		if bch == nil {
			// assume it is gone even if the tier said nothing
			backRemoved = true
			s.setInBack(false)
			if evtReq && !frontRemoved {
				raise = &change{origin: OriginBack, kind: Deleted, key: key, synthetic: eviction}
			}
		} else {
			switch bch.kind {
			case Inserted:
				o.diag.report(anomalyUnexpectedEvent, key, Fields{"origin": "back", "kind": "inserted"})
				fallthrough
			case Updated:
				if evtReq {
					src := bch
					if raise != nil {
						src = raise
					}
					raise = &change{origin: OriginBack, kind: Updated, key: key, old: src.old, new: bch.new, synthetic: eviction || bch.synthetic}
				}
			case Deleted:
				backRemoved = true
				s.setInBack(false)
				if !frontRemoved {
					if !blind {
						val = bch.latestOld()
					}
					if evtReq {
						raise = bch
					}
				}
			}
		}
	}

	removed = (frontRemoved || backRemoved) && !s.existent()
	return val, removed, nil
}
