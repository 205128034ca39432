// Package provider defines the tier abstraction used by tiercache.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation). If a store performs internal transforms
// (e.g., compression), they MUST be fully reversed so that the bytes returned by
// Get are identical to the bytes provided to Set.
//
// A tier may optionally report its own changes (Observable). The overlay relies
// on those notifications to learn about evictions it did not cause; a tier that
// cannot observe itself can be wrapped with Observe.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrClearUnsupported is returned by tiers that cannot enumerate their keyspace.
var ErrClearUnsupported = errors.New("provider: clear unsupported")

// Provider is a minimal byte store with TTLs.
// Must be safe for concurrent use and must be byte-for-byte
// transparent: Get must return exactly the []byte previously passed to Set for
// the same key. Implementations must not prepend/append metadata, transcode, or
// otherwise mutate values.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Tier is a Provider that can also answer membership and drop everything.
type Tier interface {
	Provider

	Has(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
}

// Kind is the structural effect of a change.
type Kind uint8

const (
	Inserted Kind = iota + 1
	Updated
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is a change notification raised by a tier.
// Synthetic marks changes the tier made on its own (eviction, expiry,
// rejection under pressure) as opposed to a caller's Set or Del.
type Event struct {
	Kind      Kind
	Key       string
	Old       []byte
	New       []byte
	Synthetic bool
}

// Listener receives tier events. ctx is the context of the call that caused
// the change, or context.Background() for changes the tier made on its own.
// Listeners must not block on the tier that called them.
type Listener func(ctx context.Context, ev Event)

// Observable tiers report their changes.
type Observable interface {
	Subscribe(l Listener) (cancel func())
}

// Expiring tiers expose the absolute expiry of a key.
// ok=false means the key is absent or never expires.
type Expiring interface {
	ExpiresAt(ctx context.Context, key string) (at time.Time, ok bool, err error)
}

// EvictionAware tiers consult an approver before evicting a key to make room.
// A key the approver refuses stays resident.
type EvictionAware interface {
	SetEvictionApprover(approve func(key string) bool)
}

// Sweeper tiers can drop their expired entries on demand, reporting each as
// a synthetic deletion.
type Sweeper interface {
	Sweep(ctx context.Context) error
}
