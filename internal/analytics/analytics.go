// Package analytics records periodic aggregate snapshots of the device
// population and per-device daily summaries, and fits trends to them.
//
// The collector runs on its own ticker next to housekeeping. Everything it
// writes is derived from the detection store, so losing analytics rows never
// affects detection.
package analytics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Snapshot is the state of the device population at one instant.
type Snapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalDevices      int       `json:"total_devices"`
	TrackedDevices    int       `json:"tracked_devices"`
	SuspiciousDevices int       `json:"suspicious_devices"`
	KnownTrackers     int       `json:"known_trackers"`
	ActiveDevices     int       `json:"active_devices"` // seen in the last day
	NewDevices        int       `json:"new_devices"`    // first seen in the last day
	AvgRSSI           float64   `json:"avg_rssi"`
	AvgFollowingScore float64   `json:"avg_following_score"`
	AvgSuspicionScore float64   `json:"avg_suspicion_score"`
	Alerts            int       `json:"alerts"` // alert patterns raised in the last day
}

// Metrics lists the snapshot fields a trend can be fitted to.
var Metrics = []string{
	"total_devices",
	"tracked_devices",
	"suspicious_devices",
	"known_trackers",
	"active_devices",
	"new_devices",
	"avg_rssi",
	"avg_following_score",
	"avg_suspicion_score",
	"alerts",
}

// Value returns the named metric of s.
func (s Snapshot) Value(metric string) (float64, bool) {
	switch metric {
	case "total_devices":
		return float64(s.TotalDevices), true
	case "tracked_devices":
		return float64(s.TrackedDevices), true
	case "suspicious_devices":
		return float64(s.SuspiciousDevices), true
	case "known_trackers":
		return float64(s.KnownTrackers), true
	case "active_devices":
		return float64(s.ActiveDevices), true
	case "new_devices":
		return float64(s.NewDevices), true
	case "avg_rssi":
		return s.AvgRSSI, true
	case "avg_following_score":
		return s.AvgFollowingScore, true
	case "avg_suspicion_score":
		return s.AvgSuspicionScore, true
	case "alerts":
		return float64(s.Alerts), true
	}
	return 0, false
}

// Series extracts metric from snapshots.
func Series(snapshots []Snapshot, metric string) (times []time.Time, values []float64, ok bool) {
	if _, ok := (Snapshot{}).Value(metric); !ok {
		return nil, nil, false
	}
	times = make([]time.Time, len(snapshots))
	values = make([]float64, len(snapshots))
	for i, s := range snapshots {
		times[i] = s.Timestamp
		values[i], _ = s.Value(metric)
	}
	return times, values, true
}

// DeviceDay summarises one device's sightings over one UTC day.
type DeviceDay struct {
	Identity           string        `json:"identity"`
	Date               string        `json:"date"` // YYYY-MM-DD
	Detections         int           `json:"detections"`
	AvgRSSI            float64       `json:"avg_rssi"`
	MinRSSI            int           `json:"min_rssi"`
	MaxRSSI            int           `json:"max_rssi"`
	RSSIVariance       float64       `json:"rssi_variance"`
	FirstSeen          time.Time     `json:"first_seen"`
	LastSeen           time.Time     `json:"last_seen"`
	ActiveDuration     time.Duration `json:"active_duration_ns"`
	DistanceMeters     float64       `json:"distance_m"`
	MaxSpeed           float64       `json:"max_speed_mps"`
	UniqueLocations    int           `json:"unique_locations"`
	StationaryDuration time.Duration `json:"stationary_duration_ns"`
}

// DateLayout is the format of DeviceDay.Date.
const DateLayout = time.DateOnly

// Store persists snapshots and daily summaries. Reads return oldest first.
type Store interface {
	AppendSnapshot(ctx context.Context, s Snapshot) error
	SnapshotsBetween(ctx context.Context, since, until time.Time) ([]Snapshot, error)
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// UpsertDeviceDay replaces the summary for (Identity, Date).
	UpsertDeviceDay(ctx context.Context, d DeviceDay) error
	DeviceDays(ctx context.Context, identity string, since time.Time) ([]DeviceDay, error)
	DeleteDeviceDaysBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []Snapshot
	days      map[string]DeviceDay
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: make(map[string]DeviceDay)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) AppendSnapshot(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.snapshots), func(i int) bool { return m.snapshots[i].Timestamp.After(s.Timestamp) })
	m.snapshots = append(m.snapshots, Snapshot{})
	copy(m.snapshots[i+1:], m.snapshots[i:])
	m.snapshots[i] = s
	return nil
}

func (m *MemoryStore) SnapshotsBetween(_ context.Context, since, until time.Time) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snapshot
	for _, s := range m.snapshots {
		if s.Timestamp.Before(since) || (!until.IsZero() && s.Timestamp.After(until)) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) DeleteSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.snapshots), func(i int) bool { return !m.snapshots[i].Timestamp.Before(cutoff) })
	m.snapshots = append([]Snapshot(nil), m.snapshots[i:]...)
	return int64(i), nil
}

func (m *MemoryStore) UpsertDeviceDay(_ context.Context, d DeviceDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days[d.Identity+"/"+d.Date] = d
	return nil
}

func (m *MemoryStore) DeviceDays(_ context.Context, identity string, since time.Time) ([]DeviceDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from := since.UTC().Format(DateLayout)
	var out []DeviceDay
	for _, d := range m.days {
		if d.Identity == identity && d.Date >= from {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *MemoryStore) DeleteDeviceDaysBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := cutoff.UTC().Format(DateLayout)
	var n int64
	for k, d := range m.days {
		if d.Date < before {
			delete(m.days, k)
			n++
		}
	}
	return n, nil
}
