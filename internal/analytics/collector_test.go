package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RunOnce(t *testing.T) {
	e, clock, _ := newPopulatedEngine(t)
	store := NewMemoryStore()
	c := NewCollector(e, store, 15*time.Minute, 24*time.Hour, clock)
	ctx := context.Background()

	rep, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Snapshot.TotalDevices)
	assert.Equal(t, 1, rep.Snapshot.Alerts)
	assert.Equal(t, 2, rep.DeviceDays)
	assert.Equal(t, int64(0), rep.Purged)

	snaps, err := store.SnapshotsBetween(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, rep.Snapshot, snaps[0])

	devices, err := e.Devices(ctx)
	require.NoError(t, err)
	for _, d := range devices {
		days, err := store.DeviceDays(ctx, d.Identity, t0)
		require.NoError(t, err)
		require.Len(t, days, 1)
		assert.Equal(t, "2025-06-02", days[0].Date)
		assert.Equal(t, d.DetectionCount, days[0].Detections)
	}

	// A day later the first snapshot and both summaries fall out of retention.
	clock.Advance(25 * time.Hour)
	rep, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.DeviceDays)
	assert.Equal(t, int64(3), rep.Purged)

	snaps, err = store.SnapshotsBetween(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, clock.Now(), snaps[0].Timestamp)
	for _, d := range devices {
		days, err := store.DeviceDays(ctx, d.Identity, time.Time{})
		require.NoError(t, err)
		assert.Empty(t, days)
	}
}

func TestCollector_RefreshesTodayOnEachRun(t *testing.T) {
	e, clock, _ := newPopulatedEngine(t)
	store := NewMemoryStore()
	c := NewCollector(e, store, 15*time.Minute, 0, clock)
	ctx := context.Background()

	_, err := c.RunOnce(ctx)
	require.NoError(t, err)

	last := t0.Add(20 * time.Minute)
	clock.Set(last)
	_, err = e.Process(ctx, sightingAt("D0:0D:00:00:00:02", last, -80, home))
	require.NoError(t, err)

	_, err = c.RunOnce(ctx)
	require.NoError(t, err)

	out, err := e.Device(ctx, deviceByDetections(t, e, 2))
	require.NoError(t, err)
	days, err := store.DeviceDays(ctx, out.Identity, t0)
	require.NoError(t, err)
	require.Len(t, days, 1, "the same day is replaced, not appended")
	assert.Equal(t, 2, days[0].Detections)
	assert.Equal(t, last, days[0].LastSeen)
}

func deviceByDetections(t *testing.T, src Source, n int) string {
	t.Helper()
	devices, err := src.Devices(context.Background())
	require.NoError(t, err)
	for _, d := range devices {
		if d.DetectionCount == n {
			return d.Identity
		}
	}
	t.Fatalf("no device with %d detections", n)
	return ""
}

func TestCollector_StartStop(t *testing.T) {
	e, clock, _ := newPopulatedEngine(t)
	store := NewMemoryStore()
	c := NewCollector(e, store, 15*time.Minute, 0, clock)

	c.Start()
	c.Start() // second start is a no-op

	assert.Eventually(t, func() bool {
		clock.Advance(15 * time.Minute)
		snaps, _ := store.SnapshotsBetween(context.Background(), time.Time{}, time.Time{})
		return len(snaps) > 0
	}, 2*time.Second, 10*time.Millisecond)

	c.Stop()
	c.Stop()
}

func TestCollector_StopWithoutStart(t *testing.T) {
	c := NewCollector(nil, NewMemoryStore(), time.Minute, 0, nil)
	c.Stop()
}
