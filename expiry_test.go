package tiercache

import (
	"sort"
	"strconv"
	"testing"
	"time"
)

func TestExpiryIndexDueOrder(t *testing.T) {
	x := newExpiryIndex()
	base := time.Unix(1000, 0)
	x.register("c", base.Add(3*time.Second))
	x.register("a", base.Add(1*time.Second))
	x.register("b", base.Add(2*time.Second))
	x.register("b2", base.Add(2*time.Second))
	x.register("a", base.Add(1*time.Second)) // duplicate

	if x.len() != 4 {
		t.Fatalf("len: got %d want 4", x.len())
	}
	if at, ok := x.next(); !ok || !at.Equal(base.Add(time.Second)) {
		t.Fatalf("next: got %v %v", at, ok)
	}

	due := x.due(base.Add(2 * time.Second))
	if len(due) != 3 || due[0] != "a" {
		t.Fatalf("due: got %v", due)
	}
	rest := due[1:]
	sort.Strings(rest)
	if rest[0] != "b" || rest[1] != "b2" {
		t.Fatalf("due: got %v", due)
	}
	if x.len() != 1 {
		t.Fatalf("len after due: %d", x.len())
	}

	x.unregister("c", base.Add(3*time.Second))
	x.unregister("c", base.Add(3*time.Second))
	if _, ok := x.next(); ok || x.len() != 0 {
		t.Fatalf("index should be empty")
	}
	x.register("z", time.Time{})
	if x.len() != 0 {
		t.Fatalf("zero expiry must not be indexed")
	}
}

func TestBacklogFIFOUnique(t *testing.T) {
	b := newBacklog()
	b.push("a", "b", "a")
	b.push("c")
	if b.len() != 3 {
		t.Fatalf("len: got %d want 3", b.len())
	}
	var got []string
	for {
		k, ok := b.pop()
		if !ok {
			break
		}
		got = append(got, k)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("order: %v", got)
	}
	// popped keys may be queued again
	b.push("a")
	if k, _ := b.pop(); k != "a" {
		t.Fatalf("re-push lost")
	}
}

func TestBacklogCompacts(t *testing.T) {
	b := newBacklog()
	for i := 0; i < 5000; i++ {
		b.push("k" + strconv.Itoa(i))
	}
	for i := 0; i < 4000; i++ {
		if _, ok := b.pop(); !ok {
			t.Fatalf("pop %d failed", i)
		}
	}
	if b.len() != 1000 {
		t.Fatalf("len: %d", b.len())
	}
	b.clear()
	if _, ok := b.pop(); ok || b.len() != 0 {
		t.Fatalf("clear left entries")
	}
}
