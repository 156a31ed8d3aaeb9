package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/geo"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

var (
	t0   = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	home = geo.Point{Lat: 51.5007, Lon: -0.1246}
)

func seededEngine(t *testing.T) (*beacon.Engine, string) {
	t.Helper()
	engine := beacon.NewEngine(beacon.DefaultConfig(), beacon.NewMemoryStore(), beacon.EngineOptions{
		Clock: timeutil.NewMockClock(t0.Add(15 * time.Minute)),
	})
	stops := []geo.Point{home, geo.Offset(home, 0, 2000), home, geo.Offset(home, 90, 2000), home}
	var id string
	for i, p := range stops {
		at := t0.Add(time.Duration(i) * 150 * time.Second)
		out, err := engine.Process(context.Background(), beacon.DetectionEvent{
			Address:   "C0:FF:EE:00:00:01",
			Timestamp: at,
			RSSI:      -60 - i,
			Location:  beacon.LocationFix{Timestamp: at, Latitude: p.Lat, Longitude: p.Lon, Accuracy: 5},
		})
		require.NoError(t, err)
		id = out.Profile.Identity
	}
	return engine, id
}

func assertPNG(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "\x89PNG\r\n\x1a\n", string(data[:8]))
}

func TestPlotScores(t *testing.T) {
	engine, _ := seededEngine(t)
	path := filepath.Join(t.TempDir(), "scores.png")

	n, err := plotScores(context.Background(), engine, 20, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertPNG(t, path)
}

func TestPlotScores_Empty(t *testing.T) {
	engine := beacon.NewEngine(beacon.DefaultConfig(), beacon.NewMemoryStore(), beacon.EngineOptions{})
	_, err := plotScores(context.Background(), engine, 20, filepath.Join(t.TempDir(), "scores.png"))
	assert.Error(t, err)
}

func TestPlotDevice(t *testing.T) {
	engine, id := seededEngine(t)
	path := filepath.Join(t.TempDir(), "device.png")

	n, err := plotDevice(context.Background(), engine, id, path)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assertPNG(t, path)

	_, err = plotDevice(context.Background(), engine, "missing", path)
	assert.ErrorIs(t, err, beacon.ErrNotFound)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "keys", label(beacon.DeviceProfile{Identity: "0123456789", Label: "keys"}))
	assert.Equal(t, "AirTag", label(beacon.DeviceProfile{Identity: "0123456789", TrackerType: "AirTag"}))
	assert.Equal(t, "01234567", label(beacon.DeviceProfile{Identity: "0123456789"}))
	assert.Equal(t, "abc", label(beacon.DeviceProfile{Identity: "abc"}))
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "scores.png", outputName(""))
	assert.Equal(t, "device-4f1c9a2e-0b7d.png", outputName("4f1c9a2e-0b7d"))
	assert.Equal(t, "device-etc_passwd.png", outputName("../etc/passwd"))
}
