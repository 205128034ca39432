package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/tiercache/provider/memory"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Store(ctx, Entry{Key: "a", Value: []byte("1")}))
	require.NoError(t, m.StoreAll(ctx, []Entry{{Key: "b", Value: []byte("2")}, {Key: "c", Value: []byte("3")}}))

	v, ok, err := m.Load(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	all, err := m.LoadAll(ctx, []string{"a", "c", "z"})
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1"), "c": []byte("3")}, all)

	require.NoError(t, m.Erase(ctx, Entry{Key: "a"}))
	require.NoError(t, m.EraseAll(ctx, []Entry{{Key: "b"}, {Key: "c"}}))
	require.Zero(t, m.Len())

	loads, stores, erases := m.Calls()
	require.Equal(t, [3]int64{2, 2, 2}, [3]int64{loads, stores, erases})
}

func TestLoadOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Store(ctx, Entry{Key: "k", Value: []byte("v")})
	s := LoadOnly(m)

	v, ok, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	require.ErrorIs(t, s.Store(ctx, Entry{Key: "k"}), ErrUnsupported)
	require.ErrorIs(t, s.StoreAll(ctx, nil), ErrUnsupported)
	require.ErrorIs(t, s.Erase(ctx, Entry{Key: "k"}), ErrUnsupported)
	require.ErrorIs(t, s.EraseAll(ctx, nil), ErrUnsupported)
}

func TestBatchError(t *testing.T) {
	boom := errors.New("boom")
	err := error(&BatchError{Failed: []string{"a", "b", "c", "d", "e"}, Err: boom})

	require.ErrorIs(t, err, boom)
	require.Equal(t, "store: batch failed for [a, b, c] (+2 more): boom", err.Error())

	keys, ok := FailedKeys(err)
	require.True(t, ok)
	require.Len(t, keys, 5)

	_, ok = FailedKeys(boom)
	require.False(t, ok)
}

func TestFromProvider(t *testing.T) {
	ctx := context.Background()
	tier, err := memory.New(memory.Config{})
	require.NoError(t, err)
	s := FromProvider(tier)

	require.NoError(t, s.StoreAll(ctx, []Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2"), Expiry: time.Now().Add(time.Hour)},
	}))
	all, err := s.LoadAll(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, all, 2)

	at, ok, err := tier.ExpiresAt(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Hour), at, 5*time.Second)

	// an entry that already expired is dropped rather than stored
	require.NoError(t, s.Store(ctx, Entry{Key: "a", Value: []byte("x"), Expiry: time.Now().Add(-time.Second)}))
	_, ok, err = s.Load(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.EraseAll(ctx, []Entry{{Key: "b"}}))
	require.Zero(t, tier.Len())
}
