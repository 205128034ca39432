package tiercache

import (
	"sync"

	"github.com/unkn0wn-root/tiercache/provider"
)

// Kind is the structural effect of a change on one key.
type Kind = provider.Kind

const (
	Inserted = provider.Inserted
	Updated  = provider.Updated
	Deleted  = provider.Deleted
)

// Origin names the tier a change was observed on.
type Origin uint8

const (
	OriginFront Origin = iota + 1
	OriginBack
)

func (o Origin) String() string {
	switch o {
	case OriginFront:
		return "front"
	case OriginBack:
		return "back"
	default:
		return "unknown"
	}
}

// thunk is a lazily computed value. nil means "no value".
type thunk func() []byte

func eager(b []byte) thunk {
	if b == nil {
		return nil
	}
	return func() []byte { return b }
}

func lazy(f func() []byte) thunk {
	return thunk(sync.OnceValue(f))
}

func (t thunk) get() []byte {
	if t == nil {
		return nil
	}
	return t()
}

// change is an immutable notification observed on one tier, possibly the
// merge of several. latest carries the most recent pre-deletion value of a
// merged Updated→Deleted pair.
type change struct {
	origin    Origin
	kind      Kind
	key       string
	old       thunk
	new       []byte
	synthetic bool
	latest    thunk
}

// latestOld returns the value the key held right before this change.
func (c *change) latestOld() []byte {
	if c.latest != nil {
		return c.latest.get()
	}
	return c.old.get()
}

func fromEvent(origin Origin, ev provider.Event) *change {
	return &change{
		origin:    origin,
		kind:      ev.Kind,
		key:       ev.Key,
		old:       eager(ev.Old),
		new:       ev.New,
		synthetic: ev.Synthetic,
	}
}
