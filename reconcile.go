package tiercache

// merge folds next into prev, both observed on the same tier for the same
// key. ok=false means the two cancel out and nothing remains buffered.
func (d *diagnostics) merge(prev, next *change) (merged *change, ok bool) {
	if prev == nil {
		return next, true
	}
	if next == nil {
		return prev, true
	}

	switch prev.kind {
	case Inserted:
		switch next.kind {
		case Updated:
			// still a fresh appearance
			return &change{
				origin:    next.origin,
				kind:      Inserted,
				key:       next.key,
				new:       next.new,
				synthetic: prev.synthetic,
			}, true
		case Deleted:
			if next.synthetic {
				d.report(anomalyInsertEvicted, next.key, nil)
				return nil, false
			}
			d.report(anomalyInsertDeleted, next.key, nil)
			return next, true
		}

	case Updated:
		switch next.kind {
		case Updated:
			return &change{
				origin:    next.origin,
				kind:      Updated,
				key:       next.key,
				old:       prev.old,
				new:       next.new,
				synthetic: next.synthetic,
			}, true
		case Deleted:
			latest := next.latest
			if latest == nil {
				latest = next.old
			}
			return &change{
				origin:    next.origin,
				kind:      Deleted,
				key:       next.key,
				old:       prev.old,
				synthetic: next.synthetic,
				latest:    latest,
			}, true
		}

	case Deleted:
		if next.kind == Inserted {
			return &change{
				origin:    next.origin,
				kind:      Updated,
				key:       next.key,
				old:       prev.old,
				new:       next.new,
				synthetic: next.synthetic,
			}, true
		}
	}

	d.report(anomalyEventOrder, next.key, Fields{"prev": prev.kind.String(), "next": next.kind.String()})
	return next, true
}
