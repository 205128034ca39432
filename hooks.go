package tiercache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The coordinators call them on hot paths, sometimes while holding a key.
type Hooks interface {
	// A tier broke its notification contract (missing, reordered or
	// impossible change). Called on every occurrence, logging is once.
	Anomaly(category, key string)

	// The front tier refused a value (capacity) and the overlay kept it
	// in the back tier instead.
	FrontRejected(key string)

	// A value leaving the front tier was written back because the back
	// tier did not hold it yet.
	WrittenBack(key string)

	// A store call failed. op ∈ {"load", "load_all", "store", "store_all", "erase", "erase_all"}.
	StoreFailed(op string, keys int, err error)

	// A failed write-behind entry went back into the queue.
	Requeued(key string)

	// A refresh-ahead load finished.
	// outcome ∈ {"installed", "handed_off", "canceled", "stale", "failed"}.
	RefreshAhead(key, outcome string)

	// Size of a background backlog after a drain pass.
	// queue ∈ {"deferred", "write_behind", "refresh_ahead"}.
	Backlog(queue string, n int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) Anomaly(string, string)         {}
func (NopHooks) FrontRejected(string)           {}
func (NopHooks) WrittenBack(string)             {}
func (NopHooks) StoreFailed(string, int, error) {}
func (NopHooks) Requeued(string)                {}
func (NopHooks) RefreshAhead(string, string)    {}
func (NopHooks) Backlog(string, int)            {}
