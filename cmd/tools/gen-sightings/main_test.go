package main

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/geo"
	"github.com/banshee-data/beacon.report/internal/ingest"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

var start = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func testScenario() scenario {
	return scenario{
		Start:     start,
		Home:      geo.Point{Lat: 51.5007, Lon: -0.1246},
		Errands:   3,
		Radius:    2000,
		Step:      150 * time.Second,
		Passersby: 2,
		Seed:      7,
	}
}

func TestErrandRoute(t *testing.T) {
	s := testScenario()
	route := errandRoute(s)
	require.Len(t, route, 7)
	for i := 0; i < len(route); i += 2 {
		assert.Equal(t, s.Home, route[i], "every other stop is home")
	}
	for i := 1; i < len(route); i += 2 {
		assert.InDelta(t, 2000, geo.Haversine(s.Home, route[i]), 1)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	var a, b bytes.Buffer
	n, err := generate(&a, testScenario())
	require.NoError(t, err)
	_, err = generate(&b, testScenario())
	require.NoError(t, err)
	assert.Equal(t, a.String(), b.String())

	// 7 fixes, 7 follower, 4 neighbour, 4 AirTag, 14 passers-by.
	assert.Equal(t, 36, n)
}

func TestGenerate_ReplaysThroughIngest(t *testing.T) {
	var buf bytes.Buffer
	_, err := generate(&buf, testScenario())
	require.NoError(t, err)

	clock := timeutil.NewMockClock(start.Add(20 * time.Minute))
	engine := beacon.NewEngine(beacon.DefaultConfig(), beacon.NewMemoryStore(), beacon.EngineOptions{Clock: clock})
	in := ingest.New(engine, ingest.Options{MaxBatch: 1000, Clock: clock})

	scan := bufio.NewScanner(&buf)
	for scan.Scan() {
		kind := serialmux.ClassifyPayload(scan.Text())
		require.Contains(t, []string{serialmux.EventTypeSighting, serialmux.EventTypeLocation}, kind)
		require.NoError(t, serialmux.HandleEvent(in, scan.Text()))
	}
	_, err = in.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, in.Stats().Dropped)

	suspicious, err := engine.SuspiciousDevices(context.Background())
	require.NoError(t, err)
	var addrs []string
	for _, d := range suspicious {
		addrs = append(addrs, d.Addresses...)
	}
	assert.Contains(t, addrs, "C0:FF:EE:00:00:01")
	assert.NotContains(t, addrs, "5A:5A:5A:00:00:01")

	trackers, err := engine.KnownTrackers(context.Background())
	require.NoError(t, err)
	require.Len(t, trackers, 1)
	assert.Equal(t, "AirTag", trackers[0].TrackerType)
}
