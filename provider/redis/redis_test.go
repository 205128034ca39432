package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

func newTier(t *testing.T, prefix string) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	p, err := New(Config{Client: rdb, Prefix: prefix, CloseClient: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, mr
}

func TestNilClient(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilClient)
}

func TestRoundTripAndEvents(t *testing.T) {
	ctx := context.Background()
	p, mr := newTier(t, "t:")

	var mu sync.Mutex
	var evs []pr.Event
	p.Subscribe(func(_ context.Context, ev pr.Event) {
		mu.Lock()
		evs = append(evs, ev)
		mu.Unlock()
	})

	ok, err := p.Set(ctx, "k", []byte("v1"), 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = p.Set(ctx, "k", []byte("v2"), 1, 0)
	require.NoError(t, err)

	got, hit, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, []byte("v2"), got)
	require.True(t, mr.Exists("t:k"), "keys are prefixed")

	has, err := p.Has(ctx, "k")
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, p.Del(ctx, "k"))
	require.NoError(t, p.Del(ctx, "k"))
	_, hit, err = p.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, hit)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []pr.Event{
		{Kind: pr.Inserted, Key: "k", New: []byte("v1")},
		{Kind: pr.Updated, Key: "k", Old: []byte("v1"), New: []byte("v2")},
		{Kind: pr.Deleted, Key: "k", Old: []byte("v2")},
	}, evs)
}

func TestExpiresAt(t *testing.T) {
	ctx := context.Background()
	p, mr := newTier(t, "t:")

	_, err := p.Set(ctx, "ttl", []byte("v"), 1, time.Minute)
	require.NoError(t, err)
	_, err = p.Set(ctx, "plain", []byte("v"), 1, 0)
	require.NoError(t, err)

	at, ok, err := p.ExpiresAt(ctx, "ttl")
	require.NoError(t, err)
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Minute), at, 5*time.Second)

	_, ok, err = p.ExpiresAt(ctx, "plain")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = p.ExpiresAt(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, hit, err := p.Get(ctx, "ttl")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestClearOnlyTouchesPrefix(t *testing.T) {
	ctx := context.Background()
	p, mr := newTier(t, "t:")
	require.NoError(t, mr.Set("other", "keep"))
	for _, k := range []string{"a", "b", "c"} {
		_, err := p.Set(ctx, k, []byte(k), 1, 0)
		require.NoError(t, err)
	}

	require.NoError(t, p.Clear(ctx))
	require.Equal(t, []string{"other"}, mr.Keys())
}

func TestClearWithoutPrefix(t *testing.T) {
	p, _ := newTier(t, "")
	require.ErrorIs(t, p.Clear(context.Background()), pr.ErrClearUnsupported)
}
