package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

var (
	_ pr.Tier       = (*Provider)(nil)
	_ pr.Observable = (*Provider)(nil)
	_ pr.Expiring   = (*Provider)(nil)
)

// Provider is a ristretto-backed tier. Admission and eviction decisions the
// cache makes on its own are reported as synthetic deletions.
type Provider struct {
	pr.Emitter
	c *rc.Cache
}

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

// stored values carry their key so evictions can be reported by name
type item struct {
	key string
	val []byte
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	p := &Provider{}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
		OnEvict: func(it *rc.Item) {
			if v, ok := it.Value.(*item); ok {
				p.Emit(context.Background(), pr.Event{Kind: pr.Deleted, Key: v.key, Old: v.val, Synthetic: true})
			}
		},
	})
	if err != nil {
		return nil, err
	}
	p.c = c
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	it, _ := v.(*item)
	if it == nil || it.key != key {
		// self-heal: drop unexpected entry shape
		p.c.Del(key)
		return nil, false, nil
	}
	return it.val, true, nil
}

func (p *Provider) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := p.Get(ctx, key)
	return ok, err
}

// Set waits for the write to be applied so that admission is known before
// it returns. A value the policy refuses is reported as a synthetic deletion.
func (p *Provider) Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	old, hadOld, _ := p.Get(ctx, key)
	if cost <= 0 {
		cost = int64(len(value))
	}
	accepted := p.c.SetWithTTL(key, &item{key: key, val: value}, cost, ttl)
	p.c.Wait()
	if accepted {
		_, accepted = p.c.Get(key)
	}

	switch {
	case !accepted:
		if hadOld {
			p.Emit(ctx, pr.Event{Kind: pr.Updated, Key: key, Old: old, New: value})
		}
		p.Emit(ctx, pr.Event{Kind: pr.Deleted, Key: key, Old: value, Synthetic: true})
	case hadOld:
		p.Emit(ctx, pr.Event{Kind: pr.Updated, Key: key, Old: old, New: value})
	default:
		p.Emit(ctx, pr.Event{Kind: pr.Inserted, Key: key, New: value})
	}
	return accepted, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	old, ok, _ := p.Get(ctx, key)
	p.c.Del(key)
	if ok {
		p.Emit(ctx, pr.Event{Kind: pr.Deleted, Key: key, Old: old})
	}
	return nil
}

func (p *Provider) Clear(_ context.Context) error {
	p.c.Clear()
	return nil
}

func (p *Provider) ExpiresAt(_ context.Context, key string) (time.Time, bool, error) {
	d, ok := p.c.GetTTL(key)
	if !ok || d <= 0 {
		return time.Time{}, false, nil
	}
	return time.Now().Add(d), true, nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto's own counters when Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
