package listeners

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	p, err = ParseOverflowPolicy("drop_newest")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)

	_, err = ParseOverflowPolicy("block")
	assert.Error(t, err)
}

func alertWithID(id string) database.Alert {
	return database.Alert{AlertID: id}
}

func TestSyslogListener_DropOldest(t *testing.T) {
	l := NewSyslogListener("127.0.0.1:0", 2, DropOldest)

	l.enqueue(alertWithID("a"))
	l.enqueue(alertWithID("b"))
	l.enqueue(alertWithID("c"))

	drained := l.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", drained[0].AlertID)
	assert.Equal(t, "c", drained[1].AlertID)
	assert.Equal(t, 1, l.Dropped())
}

func TestSyslogListener_DropNewest(t *testing.T) {
	l := NewSyslogListener("127.0.0.1:0", 2, DropNewest)

	l.enqueue(alertWithID("a"))
	l.enqueue(alertWithID("b"))
	l.enqueue(alertWithID("c"))

	drained := l.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].AlertID)
	assert.Equal(t, "b", drained[1].AlertID)
	assert.Equal(t, 1, l.Dropped())
}

func TestSyslogListener_DrainEmpty(t *testing.T) {
	l := NewSyslogListener("127.0.0.1:0", 0, "")
	testhelpers.MustCompleteWithin(t, time.Second, func() {
		assert.Empty(t, l.Drain())
	})
	assert.Equal(t, 0, l.Pending())
	assert.Nil(t, l.Addr())
}

func TestSyslogListener_Loopback(t *testing.T) {
	l := NewSyslogListener("127.0.0.1:0", 10, DropOldest)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	messages := []string{
		"CEF:0|Vendor|Monitor|1.0|100|Patch installed|7|dhost=SCADA01 msg=Installed KB5062070 rt=1756468067000",
		"<134>Aug 29 11:47:47 collector host=HMI-02 category=config firmware changed",
		"<134>Aug 29 11:47:47 collector nothing useful here",
	}
	for _, m := range messages {
		_, err := conn.Write([]byte(m))
		require.NoError(t, err)
	}

	testhelpers.Eventually(t, 2*time.Second, func() bool { return l.Pending() >= 2 }, "two alerts queued")

	drained := l.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "scada01", drained[0].AssetNameNormalized)
	assert.Equal(t, database.SourceTypeSyslogCEF, drained[0].SourceType)
	assert.Equal(t, []string{"KB5062070"}, []string(drained[0].PatchIDs))
	assert.Equal(t, "hmi-02", drained[1].AssetNameNormalized)
	assert.Equal(t, database.SourceTypeSyslogCustom, drained[1].SourceType)
}

func TestSyslogListener_StopsOnContextCancel(t *testing.T) {
	l := NewSyslogListener("127.0.0.1:0", 10, DropOldest)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))

	cancel()
	testhelpers.MustCompleteWithin(t, 2*time.Second, l.Stop)
}

func TestSyslogListener_StopReleasesWatcher(t *testing.T) {
	before := runtime.NumGoroutine()

	l := NewSyslogListener("127.0.0.1:0", 10, DropNewest)
	require.NoError(t, l.Start(context.Background()))
	testhelpers.MustCompleteWithin(t, 2*time.Second, l.Stop)

	testhelpers.Eventually(t, 2*time.Second, func() bool {
		return runtime.NumGoroutine() <= before
	}, "listener goroutines still running after Stop")
}
