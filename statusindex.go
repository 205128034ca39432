package tiercache

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// statusIndex maps keys to their live entryStatus. Lookups create a status on
// demand and replace one that was invalidated concurrently.
type statusIndex struct {
	m *xsync.MapOf[string, *entryStatus]
}

func newStatusIndex() *statusIndex {
	return &statusIndex{m: xsync.NewMapOf[string, *entryStatus]()}
}

// obtain returns the valid status for key, creating it if needed.
func (x *statusIndex) obtain(key string) *entryStatus {
	st, _ := x.m.Compute(key, func(old *entryStatus, loaded bool) (*entryStatus, bool) {
		if loaded && old.isValid() {
			return old, false
		}
		return newEntryStatus(), false
	})
	return st
}

// peek returns the status for key without creating one.
func (x *statusIndex) peek(key string) (*entryStatus, bool) {
	st, ok := x.m.Load(key)
	if !ok || !st.isValid() {
		return nil, false
	}
	return st, true
}

// discard drops st from the index if it is still the mapped status.
func (x *statusIndex) discard(key string, st *entryStatus) {
	x.m.Compute(key, func(old *entryStatus, loaded bool) (*entryStatus, bool) {
		if !loaded {
			return nil, true
		}
		return old, old == st
	})
}

func (x *statusIndex) each(fn func(key string, st *entryStatus) bool) {
	x.m.Range(fn)
}

func (x *statusIndex) len() int { return x.m.Size() }
