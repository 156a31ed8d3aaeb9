package beacon

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/beacon.report/internal/geo"
)

var (
	t0   = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	home = geo.Point{Lat: 51.5007, Lon: -0.1246}
)

// appleFindMy is manufacturer data for an AirTag separated from its owner:
// company 0x004C little-endian, then the Find My payload header.
var appleFindMy = []byte{0x4C, 0x00, 0x12, 0x19, 0x10, 0xAA, 0xBB}

func sightingAt(addr string, at time.Time, rssi int, p geo.Point) DetectionEvent {
	return DetectionEvent{
		Address:   addr,
		Timestamp: at,
		RSSI:      rssi,
		Location: LocationFix{
			Timestamp: at,
			Latitude:  p.Lat,
			Longitude: p.Lon,
			Accuracy:  5,
		},
	}
}

func withAdvert(ev DetectionEvent, services []string, mfg []byte, interval time.Duration) DetectionEvent {
	ev.ServiceUUIDs = services
	ev.ManufacturerData = mfg
	ev.AdvertisingInterval = interval
	return ev
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingNotifier) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func newTestEngine(cfg Config) (*Engine, *MemoryStore, *recordingNotifier) {
	store := NewMemoryStore()
	n := &recordingNotifier{}
	e := NewEngine(cfg, store, EngineOptions{Notifier: n})
	return e, store, n
}

// followingScenario is a device carried by the owner on two 2 km errands
// from home within ten minutes.
func followingScenario(addr string) []DetectionEvent {
	a := geo.Offset(home, 0, 2000)
	b := geo.Offset(home, 90, 2000)
	step := 150 * time.Second
	return []DetectionEvent{
		sightingAt(addr, t0, -60, home),
		sightingAt(addr, t0.Add(1*step), -61, a),
		sightingAt(addr, t0.Add(2*step), -60, home),
		sightingAt(addr, t0.Add(3*step), -59, b),
		sightingAt(addr, t0.Add(4*step), -60, home),
	}
}
