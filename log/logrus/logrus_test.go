package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/tiercache"
)

func TestLogrusLogger(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.InfoLevel)
	l := New(base, "readwrite")

	l.Debug("skipped", tiercache.Fields{"key": "k"})
	require.Empty(t, hook.AllEntries())

	l.Error("write-behind store failed", tiercache.Fields{"op": "store", "err": errors.New("down")})
	e := hook.LastEntry()
	require.NotNil(t, e)
	require.Equal(t, logrus.ErrorLevel, e.Level)
	require.Equal(t, "readwrite", e.Data["component"])
	require.Equal(t, "store", e.Data["op"])
	require.EqualError(t, e.Data[logrus.ErrorKey].(error), "down")
}
