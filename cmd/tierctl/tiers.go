package main

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/unkn0wn-root/tiercache/genstore"
	pr "github.com/unkn0wn-root/tiercache/provider"
	"github.com/unkn0wn-root/tiercache/provider/bigcache"
	"github.com/unkn0wn-root/tiercache/provider/memory"
	redistier "github.com/unkn0wn-root/tiercache/provider/redis"
	"github.com/unkn0wn-root/tiercache/provider/ristretto"
	"github.com/unkn0wn-root/tiercache/store"
)

func redisClient(ctx context.Context) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: viper.GetString("redis-addr")})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", viper.GetString("redis-addr"), err)
	}
	return rdb, nil
}

// buildTier constructs the named tier. role keeps redis keyspaces apart
// when the same server backs more than one tier. costUnit scales capacity
// for tiers that account cost in bytes.
func buildTier(ctx context.Context, name, role string, capacity int, costUnit int64) (pr.Tier, error) {
	switch name {
	case "memory":
		return memory.New(memory.Config{Capacity: capacity})
	case "ristretto":
		return ristretto.New(ristretto.Config{
			NumCounters: int64(capacity) * 10,
			MaxCost:     int64(capacity) * costUnit,
			BufferItems: 64,
		})
	case "bigcache":
		return bigcache.New(bigcache.Config{
			LifeWindow:         time.Hour,
			MaxEntriesInWindow: capacity,
			Shards:             64,
		})
	case "redis":
		rdb, err := redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return redistier.New(redistier.Config{
			Client:      rdb,
			Prefix:      viper.GetString("redis-prefix") + role + ":",
			CloseClient: true,
		})
	default:
		return nil, fmt.Errorf("unknown tier %q", name)
	}
}

// buildStore returns the store and, for redis, the client it uses so the
// caller can share it with a generation store.
func buildStore(ctx context.Context, name string) (store.Store, *goredis.Client, error) {
	switch name {
	case "memory":
		return store.NewMemory(), nil, nil
	case "redis":
		rdb, err := redisClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewRedis(store.RedisConfig{Client: rdb, Prefix: viper.GetString("redis-prefix") + "store:"})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return s, rdb, nil
	case "tier":
		// A memory tier standing in for a remote system of record.
		t, err := memory.New(memory.Config{Capacity: 1 << 30})
		if err != nil {
			return nil, nil, err
		}
		return store.FromProvider(t), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", name)
	}
}

func buildGenerations(rdb *goredis.Client) (genstore.GenStore, error) {
	if rdb == nil {
		return genstore.NewLocalGenStore(time.Minute, time.Hour), nil
	}
	return genstore.NewRedisGenStore(genstore.RedisConfig{
		Client:    rdb,
		Namespace: viper.GetString("redis-prefix") + "gen",
		TTL:       24 * time.Hour,
	})
}
