package tiercache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/tiercache/codec"
	gen "github.com/unkn0wn-root/tiercache/genstore"
	pr "github.com/unkn0wn-root/tiercache/provider"
	"github.com/unkn0wn-root/tiercache/store"
)

// Event is a change observed through a coordinator. Values decode lazily.
type Event[V any] struct {
	Kind      Kind
	Key       string
	Synthetic bool

	old   thunk
	new   []byte
	codec c.Codec[V]
}

// Old returns the value before the change, if one is known.
func (e Event[V]) Old() (V, bool) { return e.decode(e.old.get()) }

// New returns the value after the change. Deleted events have none.
func (e Event[V]) New() (V, bool) { return e.decode(e.new) }

func (e Event[V]) decode(b []byte) (V, bool) {
	var zero V
	if b == nil || e.codec == nil {
		return zero, false
	}
	v, err := e.codec.Decode(b)
	if err != nil {
		return zero, false
	}
	return v, true
}

// Listener observes changes. ctx carries the caller's key ownership, so a
// listener may call back into the coordinator, including for the same key.
type Listener[V any] func(ctx context.Context, ev Event[V])

// Overlay is a front tier transparently overlaid on a back tier.
// V is the caller's value type. Serialization is handled by a pluggable Codec[V].
type Overlay[V any] interface {
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	Contains(ctx context.Context, key string) (bool, error)

	// Put stores value and returns the previous one.
	Put(ctx context.Context, key string, value V, ttl time.Duration) (old V, hadOld bool, err error)
	// Set stores value without retrieving the previous one.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error

	Remove(ctx context.Context, key string) (old V, removed bool, err error)
	// Delete is a blind Remove.
	Delete(ctx context.Context, key string) (removed bool, err error)

	Clear(ctx context.Context) error

	// Evict expires due entries and works off a bounded share of deferred
	// tier notifications. Flush works all of them off.
	Evict(ctx context.Context) error
	Flush(ctx context.Context) error

	Len() int
	Subscribe(l Listener[V]) (cancel func())
	Close(ctx context.Context) error
}

// Options tune the overlay. Front, Back and Codec are required.
type Options[V any] struct {
	// Required
	Front pr.Tier // fast, capacity-bounded tier
	Back  pr.Tier // slower tier holding what the front cannot
	Codec c.Codec[V]

	Logger         Logger        // if nil, NopLogger is used
	Hooks          Hooks         // if nil, NopHooks is used
	Clock          Clock         // if nil, the system clock is used
	ExpiryEnabled  bool          // default false; Put with ttl>0 fails unless set
	DefaultTTL     time.Duration // applied to ttl=0 puts when expiry is enabled; 0 => never
	AllowNilValues bool          // default false
	EvictInterval  time.Duration // background Evict; 0 disables
}

func New[V any](opts Options[V]) (Overlay[V], error) {
	o, err := newOverlay[V](opts)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Mode selects how the store coordinator persists mutations.
type Mode uint8

const (
	// ReadOnly loads from the store but never writes to it.
	ReadOnly Mode = iota
	// WriteThrough stores synchronously inside the mutating call.
	WriteThrough
	// WriteBehind queues mutations and stores them from a background loop.
	WriteBehind
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case WriteThrough:
		return "write-through"
	case WriteBehind:
		return "write-behind"
	default:
		return "unknown"
	}
}

// ReadWrite is a cache tier backed by an external store.
type ReadWrite[V any] interface {
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	GetAll(ctx context.Context, keys []string) (map[string]V, error)

	Put(ctx context.Context, key string, value V, ttl time.Duration) error
	PutAll(ctx context.Context, items map[string]V, ttl time.Duration) error

	Remove(ctx context.Context, key string) (old V, removed bool, err error)
	// Delete is a blind Remove; the store is not consulted for the old value.
	Delete(ctx context.Context, key string) (removed bool, err error)
	RemoveAll(ctx context.Context, keys []string) error

	// Flush persists every queued write-behind entry before returning.
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// ReadWriteOptions tune the store coordinator. Cache, Store and Codec are required.
type ReadWriteOptions[V any] struct {
	// Required
	Cache pr.Tier
	Store store.Store
	Codec c.Codec[V]

	Mode Mode // default ReadOnly

	WriteDelay       time.Duration // write-behind delay; 0 => 1s
	BatchFactor      float64       // soft-ripe share of WriteDelay, 0..1; default 0
	MaxBatch         int           // entries per StoreAll; 0 => 128
	RequeueThreshold int           // 0 disables requeue; >0 retries failed writes
	MinRequeueDelay  time.Duration // 0 => 60s

	ExpiryDelay        time.Duration // cache entry TTL; 0 => none
	RefreshAheadFactor float64       // 0 disables refresh-ahead; 0..1
	MissesTTL          time.Duration // remember store misses; 0 disables

	// Owned reports whether this process is the authoritative owner of key.
	// nil => every key is owned.
	Owned func(key string) bool
	// Rethrow surfaces synchronous store failures to the caller instead of
	// only logging them.
	Rethrow bool

	Generations gen.GenStore // nil => LocalGenStore
	Logger      Logger       // if nil, NopLogger is used
	Hooks       Hooks        // if nil, NopHooks is used
	Clock       Clock        // if nil, the system clock is used
}

func NewReadWrite[V any](opts ReadWriteOptions[V]) (ReadWrite[V], error) {
	rw, err := newReadWrite[V](opts)
	if err != nil {
		return nil, err
	}
	return rw, nil
}
