// Package prom exports coordinator hook events as Prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/unkn0wn-root/tiercache"
)

// Hooks implements tiercache.Hooks. Keys are never used as label values.
type Hooks struct {
	anomalies     *prometheus.CounterVec
	frontRejected prometheus.Counter
	writtenBack   prometheus.Counter
	storeFailed   *prometheus.CounterVec
	requeued      prometheus.Counter
	refresh       *prometheus.CounterVec
	backlog       *prometheus.GaugeVec
}

var _ tiercache.Hooks = (*Hooks)(nil)

// New registers the metrics with reg (nil => prometheus.DefaultRegisterer)
// under namespace ns and subsystem sub.
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Hooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		}, labels)
	}
	h := &Hooks{
		anomalies:     counterVec("tier_anomalies_total", "Tier notification contract breaches by category", "category"),
		frontRejected: counter("front_rejected_total", "Values the front tier refused"),
		writtenBack:   counter("written_back_total", "Values written back to the back tier on front eviction"),
		storeFailed:   counterVec("store_failures_total", "Failed store calls by operation", "op"),
		requeued:      counter("write_behind_requeued_total", "Write-behind entries queued again after a failure"),
		refresh:       counterVec("refresh_ahead_total", "Refresh-ahead loads by outcome", "outcome"),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "backlog_entries",
			Help: "Background queue size after the last drain", ConstLabels: constLabels,
		}, []string{"queue"}),
	}
	reg.MustRegister(h.anomalies, h.frontRejected, h.writtenBack, h.storeFailed, h.requeued, h.refresh, h.backlog)
	return h
}

func (h *Hooks) Anomaly(category, _ string) { h.anomalies.WithLabelValues(category).Inc() }
func (h *Hooks) FrontRejected(string)       { h.frontRejected.Inc() }
func (h *Hooks) WrittenBack(string)         { h.writtenBack.Inc() }

// StoreFailed counts affected keys, not calls.
func (h *Hooks) StoreFailed(op string, keys int, _ error) {
	if keys < 1 {
		keys = 1
	}
	h.storeFailed.WithLabelValues(op).Add(float64(keys))
}

func (h *Hooks) Requeued(string)                { h.requeued.Inc() }
func (h *Hooks) RefreshAhead(_, outcome string) { h.refresh.WithLabelValues(outcome).Inc() }
func (h *Hooks) Backlog(queue string, n int)    { h.backlog.WithLabelValues(queue).Set(float64(n)) }
