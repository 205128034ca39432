package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newBuf(opts Options) (*Hooks, *bytes.Buffer) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(l, opts), &buf
}

func TestRedactsKeys(t *testing.T) {
	h, buf := newBuf(Options{})
	h.Anomaly("vanished", "user:42")
	out := buf.String()
	require.Contains(t, out, "tiercache.anomaly")
	require.Contains(t, out, "category=vanished")
	require.NotContains(t, out, "user:42")

	buf.Reset()
	h.opts.Redact = strings.ToUpper
	h.FrontRejected("abc")
	require.Contains(t, buf.String(), "key=ABC")
}

func TestSampling(t *testing.T) {
	h, buf := newBuf(Options{AnomalyEvery: 3})
	for i := 0; i < 9; i++ {
		h.Anomaly("missing", "k")
	}
	require.Equal(t, 3, strings.Count(buf.String(), "tiercache.anomaly"))
}

func TestBacklogThreshold(t *testing.T) {
	h, buf := newBuf(Options{BacklogAbove: 100})
	h.Backlog("write_behind", 99)
	require.Zero(t, buf.Len())
	h.Backlog("write_behind", 100)
	require.Contains(t, buf.String(), "queue=write_behind")
}

func TestStoreFailed(t *testing.T) {
	h, buf := newBuf(Options{})
	h.StoreFailed("store_all", 4, errors.New("timeout"))
	require.Contains(t, buf.String(), "keys=4")
	require.Contains(t, buf.String(), "err=timeout")

	var nilLogger Hooks
	nilLogger.StoreFailed("load", 1, nil)
}
