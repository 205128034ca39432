// Package store defines the persistent store behind a read-write cache and
// a few adapters for it.
//
// A Store sees opaque bytes. Values are whatever the cache's codec produced;
// the store never re-encodes them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupported is returned by stores that cannot perform an operation at
// all (a load-only store asked to write, for example). The cache stops
// retrying that operation against the store once it sees it.
var ErrUnsupported = errors.New("store: operation unsupported")

// Entry is one key handed to the store.
type Entry struct {
	Key string
	// Value is the new value; nil for erasures.
	Value []byte
	// Original is the value the store last returned or accepted, if known.
	Original []byte
	// Expiry is the absolute cache expiry of the value; zero means none.
	Expiry time.Time
}

// Loader is the read half of a Store.
type Loader interface {
	// Load returns (value, true, nil) when present and (nil, false, nil) when absent.
	Load(ctx context.Context, key string) ([]byte, bool, error)
	// LoadAll returns the present subset of keys.
	LoadAll(ctx context.Context, keys []string) (map[string][]byte, error)
}

// Store is the full capability set the cache drives.
//
// Batch methods may persist a subset: they report the rest with a
// *BatchError so only those entries are retried.
type Store interface {
	Loader

	Store(ctx context.Context, e Entry) error
	StoreAll(ctx context.Context, es []Entry) error
	Erase(ctx context.Context, e Entry) error
	EraseAll(ctx context.Context, es []Entry) error
}

// BatchError reports the keys a batch call did not persist.
type BatchError struct {
	Failed []string
	Err    error
}

func (e *BatchError) Error() string {
	const show = 3
	keys := e.Failed
	more := ""
	if len(keys) > show {
		keys, more = keys[:show], fmt.Sprintf(" (+%d more)", len(e.Failed)-show)
	}
	return fmt.Sprintf("store: batch failed for [%s]%s: %v", strings.Join(keys, ", "), more, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// FailedKeys returns the keys err reports as not persisted. ok=false means
// err is not a *BatchError and every key must be assumed failed.
func FailedKeys(err error) (keys []string, ok bool) {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Failed, true
	}
	return nil, false
}

// LoadOnly turns a Loader into a Store whose writes report ErrUnsupported.
func LoadOnly(l Loader) Store { return loadOnly{l} }

type loadOnly struct{ Loader }

func (loadOnly) Store(context.Context, Entry) error      { return ErrUnsupported }
func (loadOnly) StoreAll(context.Context, []Entry) error { return ErrUnsupported }
func (loadOnly) Erase(context.Context, Entry) error      { return ErrUnsupported }
func (loadOnly) EraseAll(context.Context, []Entry) error { return ErrUnsupported }

func keysOf(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Key
	}
	return out
}
