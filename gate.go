package tiercache

import "sync"

// gate lets any number of key-level sections run concurrently until a
// map-level operation closes it; closing waits for every entered caller to
// leave. A caller that has entered can always re-enter.
type gate struct {
	mu       sync.Mutex
	cond     sync.Cond
	active   int
	holders  map[*owner]int
	closedBy *owner
	closes   int
}

func newGate() *gate {
	g := &gate{holders: make(map[*owner]int)}
	g.cond.L = &g.mu
	return g
}

func (g *gate) enter(o *owner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holders[o] == 0 {
		for g.closedBy != nil && g.closedBy != o {
			g.cond.Wait()
		}
	}
	g.holders[o]++
	g.active++
}

// tryEnter is enter without waiting; it fails while another owner holds the
// gate closed.
func (g *gate) tryEnter(o *owner) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holders[o] == 0 && g.closedBy != nil && g.closedBy != o {
		return false
	}
	g.holders[o]++
	g.active++
	return true
}

func (g *gate) exit(o *owner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.holders[o]
	if n == 0 {
		return
	}
	if n == 1 {
		delete(g.holders, o)
	} else {
		g.holders[o] = n - 1
	}
	g.active--
	g.cond.Broadcast()
}

// entered reports whether o is inside the gate.
func (g *gate) entered(o *owner) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holders[o] > 0
}

// close blocks until o holds the gate exclusively.
func (g *gate) close(o *owner) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holders[o] > 0 && g.closedBy != o {
		return ErrMapOpInKeySection
	}
	for g.closedBy != nil && g.closedBy != o {
		g.cond.Wait()
	}
	g.closedBy = o
	g.closes++
	for g.active > g.holders[o] {
		g.cond.Wait()
	}
	return nil
}

func (g *gate) open(o *owner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closedBy != o {
		return
	}
	g.closes--
	if g.closes == 0 {
		g.closedBy = nil
		g.cond.Broadcast()
	}
}
