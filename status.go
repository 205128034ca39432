package tiercache

import (
	"errors"
	"sync"
	"time"
)

type phase uint8

const (
	phaseAvailable phase = iota
	phaseProcessing
	phaseCommitting
	phaseInvalidated
)

func (p phase) String() string {
	switch p {
	case phaseAvailable:
		return "available"
	case phaseProcessing:
		return "processing"
	case phaseCommitting:
		return "committing"
	default:
		return "invalidated"
	}
}

const maxCount = 0xFF

// errInvalidated means the status was discarded while the caller looked it up.
var errInvalidated = errors.New("status invalidated")

// entryStatus serializes all work on one key and buffers changes the tiers
// report while nobody, or somebody else, owns it.
//
// Only the owner reads or mutates tier contents for the key. Other callers
// hand their observations over through register.
type entryStatus struct {
	mu   sync.Mutex
	cond sync.Cond

	phase   phase
	owner   *owner
	depth   uint8
	waiters uint8

	inFront    bool
	inBack     bool
	backInSync bool

	front *change
	back  *change

	expiry time.Time
}

func newEntryStatus() *entryStatus {
	s := &entryStatus{}
	s.cond.L = &s.mu
	return s
}

// acquire blocks until the status is available (or already owned by o and
// committing, for a re-entrant call) and makes o its processing owner. Any
// change buffered meanwhile is returned; the caller must process it before
// treating the status as prepared.
func (s *entryStatus) acquire(o *owner) (*change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	registered := false
	defer func() {
		if registered {
			s.waiters--
		}
	}()

	for s.phase != phaseAvailable {
		if s.phase == phaseInvalidated {
			return nil, errInvalidated
		}
		if s.owner == o {
			if s.phase == phaseCommitting {
				break
			}
			return nil, ErrReentrancy
		}
		if !registered {
			if s.waiters == maxCount {
				return nil, ErrTooManyWaiters
			}
			s.waiters++
			registered = true
		}
		s.cond.Wait()
	}

	if s.depth == maxCount {
		return nil, ErrTooDeep
	}
	s.phase = phaseProcessing
	s.owner = o
	s.depth++
	return s.takeLocked(), nil
}

// closeProcessing moves the owner into the commit phase and hands back
// whatever was buffered, front first.
func (s *entryStatus) closeProcessing() *change {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phaseCommitting
	return s.takeLocked()
}

// commit ends one level of ownership. invalidated=true means the caller
// must drop the status from the index.
func (s *entryStatus) commit() (invalidated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseInvalidated {
		return true
	}
	if s.depth > 0 {
		s.depth--
	}
	if s.depth > 0 {
		// nested exit
		s.phase = phaseCommitting
		return false
	}

	s.phase = phaseAvailable
	s.owner = nil
	if s.waiters > 0 {
		s.cond.Signal()
		return false
	}
	if s.discardableLocked() {
		s.phase = phaseInvalidated
		return true
	}
	return false
}

// register buffers a change observed on origin. deferred=true means no
// owner is processing the key, so someone must come back for it. ok=false
// means the status was already discarded and the caller must look up a
// fresh one.
func (s *entryStatus) register(d *diagnostics, ch *change) (deferred, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseInvalidated {
		return false, false
	}
	slot := &s.front
	if ch.origin == OriginBack {
		slot = &s.back
	}
	merged, keep := d.merge(*slot, ch)
	if keep {
		*slot = merged
	} else {
		*slot = nil
	}
	return s.phase != phaseProcessing, true
}

// take returns the buffered change for one origin without touching the other.
func (s *entryStatus) take(origin Origin) *change {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ch *change
	if origin == OriginFront {
		ch, s.front = s.front, nil
	} else {
		ch, s.back = s.back, nil
	}
	return ch
}

// takeLocked folds a back change shadowed by a front change into presence
// bookkeeping.
func (s *entryStatus) takeLocked() *change {
	f, b := s.front, s.back
	s.front, s.back = nil, nil
	switch {
	case f != nil && b != nil:
		s.inBack = b.kind != Deleted
		s.backInSync = false
		return f
	case f != nil:
		return f
	default:
		return b
	}
}

func (s *entryStatus) discardableLocked() bool {
	return s.phase == phaseAvailable && !s.inFront && !s.inBack &&
		s.front == nil && s.back == nil
}

func (s *entryStatus) hasChange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.front != nil || s.back != nil
}

func (s *entryStatus) isAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseAvailable
}

func (s *entryStatus) isValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase != phaseInvalidated
}

// closeIfProcessing closes processing when the section is still open.
func (s *entryStatus) closeIfProcessing() (*change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseProcessing {
		return nil, false
	}
	s.phase = phaseCommitting
	return s.takeLocked(), true
}

// nextOrClose takes the next buffered change while processing; with nothing
// left it closes processing. done=true once the section is closed.
func (s *entryStatus) nextOrClose() (ch *change, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseProcessing {
		return nil, true
	}
	if s.front != nil || s.back != nil {
		return s.takeLocked(), false
	}
	s.phase = phaseCommitting
	return nil, true
}

// presence flags. Only the owner mutates them.

func (s *entryStatus) existent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFront || s.inBack
}

func (s *entryStatus) flags() (inFront, inBack, backInSync bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFront, s.inBack, s.backInSync
}

func (s *entryStatus) setInFront(v bool) {
	s.mu.Lock()
	s.inFront = v
	s.mu.Unlock()
}

func (s *entryStatus) setInBack(v bool) {
	s.mu.Lock()
	s.inBack = v
	s.mu.Unlock()
}

func (s *entryStatus) setBackInSync(v bool) {
	s.mu.Lock()
	s.backInSync = v
	s.mu.Unlock()
}

func (s *entryStatus) getExpiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

func (s *entryStatus) setExpiry(t time.Time) {
	s.mu.Lock()
	s.expiry = t
	s.mu.Unlock()
}

func (s *entryStatus) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.expiry.IsZero() && !now.Before(s.expiry)
}

// reset clears presence and buffered changes. Used by map-level clear.
func (s *entryStatus) reset() {
	s.mu.Lock()
	s.inFront, s.inBack, s.backInSync = false, false, false
	s.front, s.back = nil, nil
	s.expiry = time.Time{}
	s.mu.Unlock()
}
