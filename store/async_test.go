package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// callbackStore answers through observers from its own goroutines.
type callbackStore struct {
	mem *Memory

	mu     sync.Mutex
	fail   map[string]bool // reported through OnError
	drop   map[string]bool // never reported
	silent bool            // never completes
	calls  int
}

func newCallbackStore() *callbackStore {
	return &callbackStore{mem: NewMemory(), fail: map[string]bool{}, drop: map[string]bool{}}
}

func (s *callbackStore) respond(es []Entry, obs Observer, apply func(Entry) (Entry, bool)) {
	s.mu.Lock()
	s.calls++
	silent := s.silent
	s.mu.Unlock()
	go func() {
		for _, e := range es {
			switch {
			case s.fail[e.Key]:
				obs.OnError(e, errors.New("rejected"))
			case s.drop[e.Key]:
			default:
				if out, ok := apply(e); ok {
					obs.OnNext(out)
				}
			}
		}
		if !silent {
			obs.OnComplete()
		}
	}()
}

func (s *callbackStore) Load(ctx context.Context, keys []string, obs Observer) {
	es := make([]Entry, len(keys))
	for i, k := range keys {
		es[i] = Entry{Key: k}
	}
	s.respond(es, obs, func(e Entry) (Entry, bool) {
		v, ok, _ := s.mem.Load(ctx, e.Key)
		e.Value = v
		return e, ok
	})
}

func (s *callbackStore) Store(ctx context.Context, es []Entry, obs Observer) {
	s.respond(es, obs, func(e Entry) (Entry, bool) { return e, s.mem.Store(ctx, e) == nil })
}

func (s *callbackStore) Erase(ctx context.Context, es []Entry, obs Observer) {
	s.respond(es, obs, func(e Entry) (Entry, bool) { return e, s.mem.Erase(ctx, e) == nil })
}

func TestAsyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	cb := newCallbackStore()
	s := Async(cb, AsyncOptions{Chunk: 2, Parallel: 2, Timeout: time.Second})

	es := []Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
	}
	require.NoError(t, s.StoreAll(ctx, es))
	require.Equal(t, 2, cb.calls, "three entries in chunks of two")

	got, err := s.LoadAll(ctx, []string{"a", "b", "c", "missing"})
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")}, got)

	v, ok, err := s.Load(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, s.Erase(ctx, Entry{Key: "a"}))
	_, ok, err = s.Load(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAsyncReportsFailedKeys(t *testing.T) {
	ctx := context.Background()
	cb := newCallbackStore()
	cb.fail["b"] = true
	cb.drop["c"] = true
	s := Async(cb, AsyncOptions{Timeout: time.Second})

	err := s.StoreAll(ctx, []Entry{{Key: "a"}, {Key: "b"}, {Key: "c"}})
	require.Error(t, err)
	keys, ok := FailedKeys(err)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"b", "c"}, keys)
	require.ErrorIs(t, err, ErrIncomplete)
	_, stored := cb.mem.Peek("a")
	require.True(t, stored)
}

func TestAsyncTimeout(t *testing.T) {
	ctx := context.Background()
	cb := newCallbackStore()
	cb.silent = true
	cb.drop["a"] = true
	s := Async(cb, AsyncOptions{Timeout: 20 * time.Millisecond})

	err := s.Store(ctx, Entry{Key: "a"})
	require.ErrorIs(t, err, ErrIncomplete)

	// loads are not strict: a key nobody reported is just absent
	_, ok, err := s.Load(ctx, "zzz")
	require.ErrorIs(t, err, ErrIncomplete)
	require.False(t, ok)
}
