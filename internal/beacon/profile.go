package beacon

import (
	"time"
)

// intervalAlpha is the EMA factor for the advertising interval estimate.
const intervalAlpha = 0.2

// Aggregate folds ev into old and returns the updated profile. It is pure:
// old is not modified. latest reports whether ev advanced LastSeen.
//
// An event older than LastSeen still counts: it updates the detection count,
// the RSSI statistics and FirstSeen, and extends the current streak when it
// falls inside it, but LastSeen, CurrentRSSI and the advertisement stay as
// the newest sighting left them. Aggregate does not detect replays; Evaluate
// drops events whose (timestamp, address) is already recorded.
//
// A nil old starts a new profile for the identity in ev's resolution; the
// caller sets Identity beforehand.
func Aggregate(cfg Config, old *DeviceProfile, ev DetectionEvent) (p DeviceProfile, latest bool) {
	if old != nil {
		p = *old.Clone()
	}

	switch {
	case p.DetectionCount == 0:
		latest = true
		p.FirstSeen = ev.Timestamp
		p.StreakStart = ev.Timestamp
		p.ConsecutiveDetections = 1
		p.State = StateNew
	case !ev.Timestamp.After(p.LastSeen):
		if ev.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = ev.Timestamp
		}
		if !ev.Timestamp.Before(p.StreakStart.Add(-cfg.ActiveWindow)) {
			p.ConsecutiveDetections++
			if ev.Timestamp.Before(p.StreakStart) {
				p.StreakStart = ev.Timestamp
			}
		}
	case ev.Timestamp.Sub(p.LastSeen) > cfg.ActiveWindow:
		latest = true
		p.ConsecutiveDetections = 1
		p.StreakStart = ev.Timestamp
	default:
		latest = true
		p.ConsecutiveDetections++
	}
	if p.ConsecutiveDetections > p.MaxConsecutiveDetections {
		p.MaxConsecutiveDetections = p.ConsecutiveDetections
	}

	// Welford's online mean and M2. Population variance.
	p.DetectionCount++
	x := float64(ev.RSSI)
	delta := x - p.AvgRSSI
	p.AvgRSSI += delta / float64(p.DetectionCount)
	p.RSSIM2 += delta * (x - p.AvgRSSI)
	if p.RSSIM2 < 0 {
		p.RSSIM2 = 0
	}
	p.RSSIVariance = p.RSSIM2 / float64(p.DetectionCount)
	if latest {
		p.CurrentRSSI = ev.RSSI
		p.LastSeen = ev.Timestamp
	}

	if ev.Name != "" && (latest || p.Name == "") {
		p.Name = ev.Name
	}
	if services := NormalizeServices(ev.ServiceUUIDs); len(services) > 0 && (latest || len(p.Services) == 0) {
		p.Services = services
	}
	if id, _, ok := SplitManufacturerData(ev.ManufacturerData); ok && (latest || !p.HasCompanyID) {
		p.CompanyID = id
		p.HasCompanyID = true
		p.ManufacturerData = append([]byte(nil), ev.ManufacturerData...)
		if name := CompanyName(id); name != "" {
			p.Manufacturer = name
		}
	}
	if ev.AdvertisingInterval > 0 {
		switch {
		case p.AdvertisingInterval == 0:
			p.AdvertisingInterval = ev.AdvertisingInterval
		case latest:
			p.AdvertisingInterval = time.Duration(intervalAlpha*float64(ev.AdvertisingInterval) +
				(1-intervalAlpha)*float64(p.AdvertisingInterval))
		}
	}

	addr := normalizeAddress(ev.Address)
	if addr != "" && !p.HasAddress(addr) {
		p.Addresses = append(p.Addresses, addr)
	}

	return p, latest
}

// companyNames covers the manufacturers whose trackers the registry knows.
var companyNames = map[uint16]string{
	0x004C: "Apple",
	0x0075: "Samsung",
	0x00E0: "Google",
	0x00B3: "Tile",
	0x0006: "Microsoft",
}

// CompanyName returns the Bluetooth SIG company name for id, or "".
func CompanyName(id uint16) string {
	return companyNames[id]
}
