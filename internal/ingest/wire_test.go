package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/beacon"
)

var now = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func TestDecodeSighting(t *testing.T) {
	line := `{"type":"adv","ts":"2025-06-02T07:59:58.5Z","address":"aa-bb-cc-dd-ee-01","rssi":-67,` +
		`"name":" Tag ","uuids":["FD5A"," "],"mfg":"4c00 1219 10","interval_ms":2000,` +
		`"loc":{"lat":51.5007,"lon":-0.1246,"acc":4.5,"speed":1.2,"provider":"gps"}}`

	ev, err := DecodeSighting(line, now, nil)
	require.NoError(t, err)

	ts := time.Date(2025, 6, 2, 7, 59, 58, 500_000_000, time.UTC)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", ev.Address)
	assert.True(t, ev.Timestamp.Equal(ts))
	assert.Equal(t, -67, ev.RSSI)
	assert.Equal(t, "Tag", ev.Name)
	assert.Equal(t, []string{"FD5A"}, ev.ServiceUUIDs)
	assert.Equal(t, []byte{0x4C, 0x00, 0x12, 0x19, 0x10}, ev.ManufacturerData)
	assert.Equal(t, 2*time.Second, ev.AdvertisingInterval)

	assert.Equal(t, 51.5007, ev.Location.Latitude)
	assert.Equal(t, 4.5, ev.Location.Accuracy)
	assert.True(t, ev.Location.Timestamp.Equal(ts), "nested fix without ts takes the sighting time")
	require.NotNil(t, ev.Location.Speed)
	assert.Equal(t, 1.2, *ev.Location.Speed)
	assert.Nil(t, ev.Location.Altitude)
	assert.Equal(t, "gps", ev.Location.Provider)
}

func TestDecodeSighting_TimestampForms(t *testing.T) {
	ev, err := DecodeSighting(`{"address":"AA:BB:CC:DD:EE:01","rssi":-50,"ts_ms":1748851200000,"loc":{"lat":1,"lon":2}}`, now, nil)
	require.NoError(t, err)
	assert.True(t, ev.Timestamp.Equal(time.UnixMilli(1748851200000)))

	ev, err = DecodeSighting(`{"address":"AA:BB:CC:DD:EE:01","rssi":-50,"loc":{"lat":1,"lon":2}}`, now, nil)
	require.NoError(t, err)
	assert.True(t, ev.Timestamp.Equal(now), "unstamped lines take the receive time")
}

func TestDecodeSighting_UsesLookup(t *testing.T) {
	fix := beacon.LocationFix{Timestamp: now.Add(-time.Second), Latitude: 10, Longitude: 20, Accuracy: 3}
	var asked time.Time
	lookup := func(ts time.Time) (beacon.LocationFix, error) {
		asked = ts
		return fix, nil
	}
	ev, err := DecodeSighting(`{"address":"AA:BB:CC:DD:EE:01","rssi":-50}`, now, lookup)
	require.NoError(t, err)
	assert.Equal(t, fix, ev.Location)
	assert.True(t, asked.Equal(now))

	_, err = DecodeSighting(`{"address":"AA:BB:CC:DD:EE:01","rssi":-50}`, now, func(time.Time) (beacon.LocationFix, error) {
		return beacon.LocationFix{}, errNoFix
	})
	assert.ErrorIs(t, err, ErrMissingLocation)
}

func TestDecodeSighting_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"not json", `{"address":`, ErrBadJSON},
		{"no address", `{"rssi":-50,"loc":{"lat":1,"lon":2}}`, ErrMissingAddress},
		{"bad address", `{"address":"not-a-mac","rssi":-50,"loc":{"lat":1,"lon":2}}`, ErrMissingAddress},
		{"eui64 address", `{"address":"00:00:00:00:fe:80:00:00","rssi":-50,"loc":{"lat":1,"lon":2}}`, ErrMissingAddress},
		{"no rssi", `{"address":"AA:BB:CC:DD:EE:01","loc":{"lat":1,"lon":2}}`, ErrMissingRSSI},
		{"rssi out of range", `{"address":"AA:BB:CC:DD:EE:01","rssi":-200,"loc":{"lat":1,"lon":2}}`, ErrMissingRSSI},
		{"no location", `{"address":"AA:BB:CC:DD:EE:01","rssi":-50}`, ErrMissingLocation},
		{"partial location", `{"address":"AA:BB:CC:DD:EE:01","rssi":-50,"loc":{"lat":1}}`, ErrMissingLocation},
		{"latitude out of range", `{"address":"AA:BB:CC:DD:EE:01","rssi":-50,"loc":{"lat":91,"lon":2}}`, ErrBadLocation},
		{"negative accuracy", `{"address":"AA:BB:CC:DD:EE:01","rssi":-50,"loc":{"lat":1,"lon":2,"acc":-1}}`, ErrBadLocation},
		{"bad mfg hex", `{"address":"AA:BB:CC:DD:EE:01","rssi":-50,"mfg":"4c0g","loc":{"lat":1,"lon":2}}`, ErrBadManufacturer},
		{"zero ts_ms", `{"address":"AA:BB:CC:DD:EE:01","rssi":-50,"ts_ms":0,"loc":{"lat":1,"lon":2}}`, ErrBadTimestamp},
		{"bad ts", `{"address":"AA:BB:CC:DD:EE:01","rssi":-50,"ts":"yesterday","loc":{"lat":1,"lon":2}}`, ErrBadJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSighting(tt.line, now, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
			assert.Equal(t, tt.want.Error(), dropReason(err))
		})
	}
}

func TestDecodeLocation(t *testing.T) {
	fix, err := DecodeLocation(`{"type":"loc","ts":"2025-06-02T07:00:00Z","lat":51.5,"lon":-0.12,"acc":8,"alt":21.5,"bearing":270}`, now)
	require.NoError(t, err)
	assert.True(t, fix.Timestamp.Equal(now.Add(-time.Hour)))
	require.NotNil(t, fix.Altitude)
	assert.Equal(t, 21.5, *fix.Altitude)
	require.NotNil(t, fix.Bearing)
	assert.Nil(t, fix.Speed)

	_, err = DecodeLocation(`{"type":"loc","lat":51.5}`, now)
	assert.ErrorIs(t, err, ErrMissingLocation)

	assert.Equal(t, "other", dropReason(errors.New("unexpected")))
}
