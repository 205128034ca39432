// Package sloghooks reports coordinator hook events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/tiercache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	AnomalyEvery uint64
	RefreshEvery uint64
	// Backlog lines are only written at or above this size. 0 logs none.
	BacklogAbove int
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	anomalyCtr atomic.Uint64
	refreshCtr atomic.Uint64
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) Anomaly(category, key string) {
	if h.l == nil || !sample(h.opts.AnomalyEvery, &h.anomalyCtr) {
		return
	}
	h.l.Warn("tiercache.anomaly",
		"category", category,
		"key", h.redact(key))
}

func (h *Hooks) FrontRejected(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("tiercache.front_rejected", "key", h.redact(key))
}

func (h *Hooks) WrittenBack(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("tiercache.written_back", "key", h.redact(key))
}

func (h *Hooks) StoreFailed(op string, keys int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("tiercache.store_failed",
		"op", op,
		"keys", keys,
		"err", err)
}

func (h *Hooks) Requeued(key string) {
	if h.l == nil {
		return
	}
	h.l.Info("tiercache.requeued", "key", h.redact(key))
}

func (h *Hooks) RefreshAhead(key, outcome string) {
	if h.l == nil || !sample(h.opts.RefreshEvery, &h.refreshCtr) {
		return
	}
	h.l.Debug("tiercache.refresh_ahead",
		"key", h.redact(key),
		"outcome", outcome)
}

func (h *Hooks) Backlog(queue string, n int) {
	if h.l == nil || h.opts.BacklogAbove <= 0 || n < h.opts.BacklogAbove {
		return
	}
	h.l.Warn("tiercache.backlog",
		"queue", queue,
		"size", n)
}
