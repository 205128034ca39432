package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

var (
	_ pr.Tier       = (*Provider)(nil)
	_ pr.Observable = (*Provider)(nil)
)

// Provider is a bigcache-backed tier. Entries dropped for space or by the
// life window are reported as synthetic deletions.
type Provider struct {
	pr.Emitter
	c *bc.BigCache
}

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
	Shards             int
}

func New(cfg Config) (*Provider, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	conf.Verbose = false

	p := &Provider{}
	conf.OnRemoveWithReason = func(key string, entry []byte, reason bc.RemoveReason) {
		if reason == bc.Deleted {
			// reported by Del
			return
		}
		old := make([]byte, len(entry))
		copy(old, entry)
		p.Emit(context.Background(), pr.Event{Kind: pr.Deleted, Key: key, Old: old, Synthetic: true})
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	p.c = c
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Provider) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := p.Get(ctx, key)
	return ok, err
}

// Set ignores ttl: bigcache expires by its global LifeWindow.
func (p *Provider) Set(ctx context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	old, hadOld, err := p.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if err := p.c.Set(key, value); err != nil {
		return false, err
	}
	if hadOld {
		p.Emit(ctx, pr.Event{Kind: pr.Updated, Key: key, Old: old, New: value})
	} else {
		p.Emit(ctx, pr.Event{Kind: pr.Inserted, Key: key, New: value})
	}
	return true, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	old, ok, err := p.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	p.Emit(ctx, pr.Event{Kind: pr.Deleted, Key: key, Old: old})
	return nil
}

// Clear resets every shard; nothing is reported.
func (p *Provider) Clear(_ context.Context) error {
	return p.c.Reset()
}

func (p *Provider) Len() int { return p.c.Len() }

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
