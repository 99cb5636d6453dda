package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safewatch/internal/clock"
	"safewatch/internal/types"
)

func newTestListener(src *fakeSource) (*Listener, *fakeSink, *fakeMetrics, *clock.Fake) {
	return newTestListenerWith(src, DefaultListenerConfig())
}

func newTestListenerWith(src *fakeSource, cfg ListenerConfig) (*Listener, *fakeSink, *fakeMetrics, *clock.Fake) {
	c := clock.NewFake(t0)
	sink := &fakeSink{}
	metrics := newFakeMetrics()
	l := NewListener("g-1", ListenerDeps{
		Source:   src,
		Settings: &fakeSettings{settings: types.DefaultNotificationSettings()},
		Names:    staticNames{"child-1": "Mia"},
		Sink:     sink,
		Metrics:  metrics,
		Clock:    c,
	}, cfg)
	return l, sink, metrics, c
}

func TestListener_Poll_BaselineThenNew(t *testing.T) {
	src := &fakeSource{}
	src.add(alertAt("old-1", types.AlertWatchRemoved, t0.Add(-2*time.Hour)))
	src.add(alertAt("old-2", types.AlertSOS, t0.Add(-time.Hour)))
	l, sink, _, _ := newTestListener(src)
	ctx := context.Background()

	require.NoError(t, l.Poll(ctx))
	assert.Empty(t, sink.presented(), "baseline presents nothing")
	assert.Equal(t, PhaseArmed, l.Watermark().Phase())
	assert.Equal(t, int64(0), src.afterArgs[0])
	assert.Equal(t, types.AlertCursor{Seq: 2, Timestamp: t0.Add(-time.Hour)}, src.storedWatermark())

	require.NoError(t, l.Poll(ctx))
	assert.Empty(t, sink.presented())
	assert.Equal(t, int64(2), src.afterArgs[1], "armed polls resume after the cursor")

	a := alertAt("new-1", types.AlertBatteryLow, t0.Add(time.Second))
	a.Payload = map[string]any{"percent": float64(15), "threshold": float64(20)}
	src.add(a)
	require.NoError(t, l.Poll(ctx))

	got := sink.presented()
	require.Len(t, got, 1)
	assert.Equal(t, "new-1", got[0].AlertID)
	assert.Equal(t, "Mia's watch battery is at 15%.", got[0].Body)
	assert.Equal(t, 1, sink.count(types.HapticNotification))
	assert.Equal(t, types.AlertCursor{Seq: 3, Timestamp: t0.Add(time.Second)}, src.storedWatermark())

	require.NoError(t, l.Poll(ctx))
	assert.Len(t, sink.presented(), 1, "same alert is not surfaced twice")
}

func TestListener_Poll_DropsMalformedAndDismissed(t *testing.T) {
	src := &fakeSource{}
	l, sink, _, _ := newTestListener(src)
	ctx := context.Background()
	require.NoError(t, l.Poll(ctx))

	bad := alertAt("bad", types.AlertConnectionRequest, t0.Add(time.Second))
	bad.Payload = map[string]any{"requester_id": "g-2"}
	done := alertAt("done", types.AlertWatchRemoved, t0.Add(2*time.Second))
	done.Dismissed = true
	src.add(bad)
	src.add(done)

	require.NoError(t, l.Poll(ctx))
	assert.Empty(t, sink.presented())
	assert.Equal(t, int64(2), src.storedWatermark().Seq, "malformed alerts still move the cursor")

	require.NoError(t, l.Poll(ctx))
	assert.Equal(t, int64(2), src.afterArgs[len(src.afterArgs)-1])
}

func TestListener_Poll_BaselineDrainsEveryPage(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 7; i++ {
		src.add(alertAt("old", types.AlertWatchRemoved, t0.Add(-time.Duration(7-i)*time.Minute)))
	}
	cfg := DefaultListenerConfig()
	cfg.BatchLimit = 3
	l, sink, _, _ := newTestListenerWith(src, cfg)
	ctx := context.Background()

	require.NoError(t, l.Poll(ctx))
	assert.Equal(t, []int64{0, 3, 6}, src.afterArgs)
	assert.Equal(t, int64(7), l.Watermark().Value().Seq)

	require.NoError(t, l.Poll(ctx))
	assert.Empty(t, sink.presented(), "backlog beyond the first page is baseline too")
}

func TestListener_Poll_LateCommittedAlertSurfaces(t *testing.T) {
	src := &fakeSource{}
	l, sink, _, _ := newTestListener(src)
	ctx := context.Background()
	require.NoError(t, l.Poll(ctx))

	src.add(alertAt("battery", types.AlertWatchRemoved, t0.Add(2*time.Second)))
	require.NoError(t, l.Poll(ctx))
	require.Len(t, sink.presented(), 1)

	// Created earlier on another engine, committed after the poll above.
	src.add(alertAt("sos-late", types.AlertSOS, t0.Add(time.Second)))
	require.NoError(t, l.Poll(ctx))

	got := sink.presented()
	require.Len(t, got, 2)
	assert.Equal(t, "sos-late", got[1].AlertID)
	id, active := l.SOS().Active()
	assert.True(t, active)
	assert.Equal(t, "sos-late", id)
}

func TestListener_SOSLoopAndDismiss(t *testing.T) {
	src := &fakeSource{}
	l, sink, _, c := newTestListener(src)
	ctx := context.Background()
	require.NoError(t, l.Poll(ctx))

	src.add(alertAt("sos-1", types.AlertSOS, t0.Add(time.Second)))
	require.NoError(t, l.Poll(ctx))
	require.Len(t, sink.presented(), 1)
	assert.Equal(t, "SOS", sink.presented()[0].Title)

	c.Advance(6 * time.Second)
	assert.Equal(t, 4, sink.count(types.HapticNotification))

	require.NoError(t, l.Dismiss(ctx, "sos-1"))
	_, active := l.SOS().Active()
	assert.False(t, active)
	assert.Equal(t, []string{"sos-1"}, src.dismissed)
	assert.Equal(t, types.AlertCursor{Seq: 1, Timestamp: t0.Add(time.Second)}, src.storedWatermark())

	c.Advance(time.Minute)
	assert.Equal(t, 4, sink.count(types.HapticNotification))

	// A restarted listener baselines past the dismissed SOS.
	l2, sink2, _, _ := newTestListener(src)
	require.NoError(t, l2.Poll(ctx))
	require.NoError(t, l2.Poll(ctx))
	assert.Empty(t, sink2.presented())
}

func TestListener_Poll_Failure(t *testing.T) {
	src := &fakeSource{listErr: errors.New("503")}
	l, _, metrics, _ := newTestListener(src)

	err := l.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, metrics.pollFails)
	assert.Equal(t, PhaseBaseline, l.Watermark().Phase())
}

func TestListeners_DismissWithoutListener(t *testing.T) {
	src := &fakeSource{}
	src.add(alertAt("a-1", types.AlertWatchRemoved, t0))
	r := NewListeners(ListenerDeps{Source: src, Sink: &fakeSink{}, Clock: clock.NewFake(t0)}, DefaultListenerConfig())
	defer r.Close()

	require.NoError(t, r.Dismiss(context.Background(), "g-1", "a-1"))
	assert.Equal(t, []string{"a-1"}, src.dismissed)

	_, ok := r.Get("g-1")
	assert.False(t, ok)
}
