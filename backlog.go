package tiercache

import "sync"

// backlog is the FIFO of keys whose status holds a change nobody was around
// to process. A key appears at most once.
type backlog struct {
	mu    sync.Mutex
	queue []string
	head  int
	in    map[string]struct{}
}

func newBacklog() *backlog {
	return &backlog{in: make(map[string]struct{})}
}

func (b *backlog) push(keys ...string) {
	b.mu.Lock()
	for _, k := range keys {
		if _, ok := b.in[k]; ok {
			continue
		}
		b.in[k] = struct{}{}
		b.queue = append(b.queue, k)
	}
	b.mu.Unlock()
}

func (b *backlog) pop() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.head == len(b.queue) {
		return "", false
	}
	k := b.queue[b.head]
	b.queue[b.head] = ""
	b.head++
	if b.head == len(b.queue) {
		b.queue = b.queue[:0]
		b.head = 0
	} else if b.head > 1024 && b.head*2 > len(b.queue) {
		b.queue = append(b.queue[:0], b.queue[b.head:]...)
		b.head = 0
	}
	delete(b.in, k)
	return k, true
}

func (b *backlog) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) - b.head
}

func (b *backlog) clear() {
	b.mu.Lock()
	b.queue = b.queue[:0]
	b.head = 0
	b.in = make(map[string]struct{})
	b.mu.Unlock()
}
