package tiercache

import "sync/atomic"

// anomaly categories for tier protocol violations.
type anomaly uint8

const (
	anomalyMissingEvent anomaly = iota
	anomalyUnexpectedEvent
	anomalyEventOrder
	anomalyInsertEvicted
	anomalyInsertDeleted
	anomalyVanished
	anomalyStore
	numAnomalies
)

var anomalyNames = [numAnomalies]string{
	anomalyMissingEvent:    "missing_event",
	anomalyUnexpectedEvent: "unexpected_event",
	anomalyEventOrder:      "event_order",
	anomalyInsertEvicted:   "insert_evicted",
	anomalyInsertDeleted:   "insert_deleted",
	anomalyVanished:        "vanished",
	anomalyStore:           "store_unsupported",
}

var anomalyMessages = [numAnomalies]string{
	anomalyMissingEvent:    "tier did not raise an expected change; synthesizing one",
	anomalyUnexpectedEvent: "tier raised a change that contradicts the known entry state",
	anomalyEventOrder:      "tier raised changes in an impossible order; keeping the newest",
	anomalyInsertEvicted:   "inserted entry was evicted before its insert was processed",
	anomalyInsertDeleted:   "inserted entry was deleted before its insert was processed; the value is lost",
	anomalyVanished:        "entry vanished from a tier without a change notification",
	anomalyStore:           "store does not support an operation; disabling it",
}

// diagnostics logs each anomaly category once per coordinator and reports
// every occurrence to hooks.
type diagnostics struct {
	log    Logger
	hooks  Hooks
	logged [numAnomalies]atomic.Bool
}

func newDiagnostics(l Logger, h Hooks) *diagnostics {
	return &diagnostics{log: l, hooks: h}
}

func (d *diagnostics) report(a anomaly, key string, f Fields) {
	d.hooks.Anomaly(anomalyNames[a], key)
	if !d.logged[a].CompareAndSwap(false, true) {
		return
	}
	if f == nil {
		f = Fields{}
	}
	f["key"] = key
	f["category"] = anomalyNames[a]
	d.log.Warn(anomalyMessages[a], f)
}
