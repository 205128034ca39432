package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Observer receives the outcome of a non-blocking call: one OnNext or
// OnError per entry, then OnComplete. Calls may come from any goroutine.
type Observer interface {
	OnNext(e Entry)
	OnError(e Entry, err error)
	OnComplete()
}

// NonBlocking is a store that reports results through an Observer instead
// of returning them. Load reports each present key through OnNext with its
// Value set.
type NonBlocking interface {
	Load(ctx context.Context, keys []string, obs Observer)
	Store(ctx context.Context, es []Entry, obs Observer)
	Erase(ctx context.Context, es []Entry, obs Observer)
}

// ErrIncomplete is reported for entries the observer never heard about.
var ErrIncomplete = errors.New("store: non-blocking call did not complete")

type AsyncOptions struct {
	Chunk    int           // entries per call; 0 means the whole batch
	Parallel int           // concurrent calls; default 4
	Timeout  time.Duration // wait for OnComplete; default 30s
}

// Async adapts a NonBlocking store. Each call blocks until every chunk has
// completed or the timeout passes.
func Async(nb NonBlocking, opts AsyncOptions) Store {
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &async{nb: nb, opts: opts}
}

type async struct {
	nb   NonBlocking
	opts AsyncOptions
}

func (a *async) Load(ctx context.Context, key string) ([]byte, bool, error) {
	m, err := a.LoadAll(ctx, []string{key})
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (a *async) LoadAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	es := make([]Entry, len(keys))
	for i, k := range keys {
		es[i] = Entry{Key: k}
	}
	out := make(map[string][]byte, len(keys))
	var mu sync.Mutex
	err := a.run(ctx, es, a.opts.Chunk, func(ctx context.Context, chunk []Entry, obs Observer) {
		a.nb.Load(ctx, keysOf(chunk), obs)
	}, func(e Entry) {
		mu.Lock()
		out[e.Key] = e.Value
		mu.Unlock()
	}, false)
	return out, err
}

func (a *async) Store(ctx context.Context, e Entry) error {
	return a.StoreAll(ctx, []Entry{e})
}

func (a *async) StoreAll(ctx context.Context, es []Entry) error {
	return a.run(ctx, es, a.opts.Chunk, a.nb.Store, nil, true)
}

func (a *async) Erase(ctx context.Context, e Entry) error {
	return a.EraseAll(ctx, []Entry{e})
}

func (a *async) EraseAll(ctx context.Context, es []Entry) error {
	return a.run(ctx, es, a.opts.Chunk, a.nb.Erase, nil, true)
}

// run fans es out in chunks and fans the observer callbacks back in.
// strict=true treats entries never reported as failed.
func (a *async) run(
	ctx context.Context,
	es []Entry,
	chunk int,
	call func(context.Context, []Entry, Observer),
	next func(Entry),
	strict bool,
) error {
	if len(es) == 0 {
		return nil
	}
	if chunk <= 0 || chunk > len(es) {
		chunk = len(es)
	}

	var (
		mu     sync.Mutex
		failed []string
		errs   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Parallel)
	for lo := 0; lo < len(es); lo += chunk {
		part := es[lo:min(lo+chunk, len(es))]
		g.Go(func() error {
			col := newCollector(part, next)
			call(gctx, part, col)
			f, err := col.wait(gctx, a.opts.Timeout, strict)
			if err != nil {
				mu.Lock()
				failed = append(failed, f...)
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if errs == nil {
		return nil
	}
	return &BatchError{Failed: failed, Err: errs}
}

type collector struct {
	mu     sync.Mutex
	want   map[string]struct{}
	failed []string
	errs   error
	next   func(Entry)
	done   chan struct{}
	once   sync.Once
}

func newCollector(es []Entry, next func(Entry)) *collector {
	want := make(map[string]struct{}, len(es))
	for _, e := range es {
		want[e.Key] = struct{}{}
	}
	return &collector{want: want, next: next, done: make(chan struct{})}
}

func (c *collector) OnNext(e Entry) {
	c.mu.Lock()
	delete(c.want, e.Key)
	c.mu.Unlock()
	if c.next != nil {
		c.next(e)
	}
}

func (c *collector) OnError(e Entry, err error) {
	c.mu.Lock()
	delete(c.want, e.Key)
	c.failed = append(c.failed, e.Key)
	c.errs = multierr.Append(c.errs, fmt.Errorf("%s: %w", e.Key, err))
	c.mu.Unlock()
}

func (c *collector) OnComplete() { c.once.Do(func() { close(c.done) }) }

func (c *collector) wait(ctx context.Context, timeout time.Duration, strict bool) ([]string, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	var cause error
	select {
	case <-c.done:
	case <-ctx.Done():
		cause = ctx.Err()
	case <-t.C:
		cause = ErrIncomplete
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	failed, errs := c.failed, c.errs
	if cause != nil || strict {
		for k := range c.want {
			failed = append(failed, k)
		}
		if len(c.want) > 0 {
			if cause == nil {
				cause = ErrIncomplete
			}
			errs = multierr.Append(errs, cause)
		}
	}
	return failed, errs
}
