package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/geo"
)

// lookback is the window for the "recent" snapshot counters.
const lookback = 24 * time.Hour

// stationaryStepMeters is the largest move between consecutive sightings
// that still counts towards StationaryDuration.
const stationaryStepMeters = 10.0

// Source is the engine surface the collector reads. *beacon.Engine
// satisfies it.
type Source interface {
	Config() beacon.Config
	Devices(ctx context.Context) ([]beacon.DeviceProfile, error)
	Patterns(ctx context.Context, q beacon.PatternQuery) ([]beacon.PatternRecord, error)
	Store() beacon.Store
}

var _ Source = (*beacon.Engine)(nil)

// Collect builds the snapshot for now from the decayed device profiles and
// the alert patterns of the last day.
func Collect(ctx context.Context, src Source, now time.Time) (Snapshot, error) {
	devices, err := src.Devices(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return summarise(ctx, src, devices, now)
}

func summarise(ctx context.Context, src Source, devices []beacon.DeviceProfile, now time.Time) (Snapshot, error) {
	snap := Snapshot{Timestamp: now, TotalDevices: len(devices)}
	threshold := src.Config().Policy.Threshold
	since := now.Add(-lookback)

	var rssi, following, suspicion []float64
	for _, d := range devices {
		if d.IsTracked {
			snap.TrackedDevices++
		}
		if d.IsKnownTracker {
			snap.KnownTrackers++
		}
		if !d.IsIgnored && d.SuspiciousActivityScore >= threshold {
			snap.SuspiciousDevices++
		}
		if !d.LastSeen.Before(since) {
			snap.ActiveDevices++
		}
		if !d.FirstSeen.Before(since) {
			snap.NewDevices++
		}
		rssi = append(rssi, d.AvgRSSI)
		following = append(following, d.FollowingScore)
		suspicion = append(suspicion, d.SuspiciousActivityScore)
	}
	if len(devices) > 0 {
		snap.AvgRSSI = stat.Mean(rssi, nil)
		snap.AvgFollowingScore = stat.Mean(following, nil)
		snap.AvgSuspicionScore = stat.Mean(suspicion, nil)
	}

	for _, typ := range []beacon.PatternType{beacon.PatternFollowingSuspect, beacon.PatternKnownTracker} {
		records, err := src.Patterns(ctx, beacon.PatternQuery{Type: typ, Since: since, Until: now})
		if err != nil {
			return Snapshot{}, err
		}
		snap.Alerts += len(records)
	}
	return snap, nil
}

// SummariseDay summarises the sightings of identity that fall on the UTC
// day containing day. It reports false when there are none.
func SummariseDay(cfg beacon.ScoringConfig, identity string, day time.Time, sightings []beacon.Sighting) (DeviceDay, bool) {
	start := dayStart(day)
	end := start.Add(24 * time.Hour)
	var in []beacon.Sighting
	for _, s := range sightings {
		if !s.Timestamp.Before(start) && s.Timestamp.Before(end) {
			in = append(in, s)
		}
	}
	if len(in) == 0 {
		return DeviceDay{}, false
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].Timestamp.Before(in[j].Timestamp) })

	d := DeviceDay{
		Identity:   identity,
		Date:       start.Format(DateLayout),
		Detections: len(in),
		MinRSSI:    in[0].RSSI,
		MaxRSSI:    in[0].RSSI,
		FirstSeen:  in[0].Timestamp,
		LastSeen:   in[len(in)-1].Timestamp,
	}
	d.ActiveDuration = d.LastSeen.Sub(d.FirstSeen)

	values := make([]float64, len(in))
	for i, s := range in {
		values[i] = float64(s.RSSI)
		d.MinRSSI = min(d.MinRSSI, s.RSSI)
		d.MaxRSSI = max(d.MaxRSSI, s.RSSI)
		if i == 0 {
			continue
		}
		step := geo.Haversine(in[i-1].Point(), s.Point())
		dt := s.Timestamp.Sub(in[i-1].Timestamp)
		d.DistanceMeters += step
		if dt > 0 {
			d.MaxSpeed = math.Max(d.MaxSpeed, step/dt.Seconds())
		}
		if step < stationaryStepMeters {
			d.StationaryDuration += dt
		}
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	d.AvgRSSI = mean
	d.RSSIVariance = std * std
	d.UniqueLocations = beacon.ExtractFollowingFactors(cfg, in, 0, 0).DistinctLocations
	return d, true
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// summariseDevices writes the DeviceDay of every device seen on each UTC
// day from `from` through `now`.
func summariseDevices(ctx context.Context, src Source, store Store, devices []beacon.DeviceProfile, from, now time.Time) (int, error) {
	scoring := src.Config().Scoring
	first := dayStart(from)
	written := 0
	for _, dev := range devices {
		if dev.LastSeen.Before(first) {
			continue
		}
		sightings, err := src.Store().SightingsFor(ctx, dev.Identity, first)
		if err != nil {
			return written, fmt.Errorf("failed to load sightings for %s: %w", dev.Identity, err)
		}
		for day := first; !day.After(now); day = day.Add(24 * time.Hour) {
			summary, ok := SummariseDay(scoring, dev.Identity, day, sightings)
			if !ok {
				continue
			}
			if err := store.UpsertDeviceDay(ctx, summary); err != nil {
				return written, fmt.Errorf("failed to store daily summary for %s: %w", dev.Identity, err)
			}
			written++
		}
	}
	return written, nil
}
