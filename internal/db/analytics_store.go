package db

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/beacon.report/internal/analytics"
)

var _ analytics.Store = (*Store)(nil)

const snapshotColumns = `timestamp_ns, total_devices, tracked_devices, suspicious_devices,
	known_trackers, active_devices, new_devices, avg_rssi, avg_following_score,
	avg_suspicion_score, alerts`

// AppendSnapshot stores s, replacing any snapshot taken at the same instant.
func (s *Store) AppendSnapshot(ctx context.Context, snap analytics.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO analytics_snapshots (`+snapshotColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toNanos(snap.Timestamp), snap.TotalDevices, snap.TrackedDevices, snap.SuspiciousDevices,
		snap.KnownTrackers, snap.ActiveDevices, snap.NewDevices, snap.AvgRSSI, snap.AvgFollowingScore,
		snap.AvgSuspicionScore, snap.Alerts)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// SnapshotsBetween returns snapshots in [since, until], oldest first. A zero
// until leaves the range open.
func (s *Store) SnapshotsBetween(ctx context.Context, since, until time.Time) ([]analytics.Snapshot, error) {
	end := int64(math.MaxInt64)
	if !until.IsZero() {
		end = toNanos(until)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM analytics_snapshots
		 WHERE timestamp_ns BETWEEN ? AND ? ORDER BY timestamp_ns`,
		toNanos(since), end)
	if err != nil {
		return nil, fmt.Errorf("snapshots between: %w", err)
	}
	defer rows.Close()

	var out []analytics.Snapshot
	for rows.Next() {
		var (
			snap analytics.Snapshot
			ts   int64
		)
		if err := rows.Scan(&ts, &snap.TotalDevices, &snap.TrackedDevices, &snap.SuspiciousDevices,
			&snap.KnownTrackers, &snap.ActiveDevices, &snap.NewDevices, &snap.AvgRSSI,
			&snap.AvgFollowingScore, &snap.AvgSuspicionScore, &snap.Alerts); err != nil {
			return nil, err
		}
		snap.Timestamp = fromNanos(ts)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "analytics_snapshots", cutoff)
}

const deviceDayColumns = `identity, date, detections, avg_rssi, min_rssi, max_rssi, rssi_variance,
	first_seen_ns, last_seen_ns, active_duration_ns, distance_m, max_speed_mps,
	unique_locations, stationary_duration_ns`

// UpsertDeviceDay replaces the summary for (identity, date).
func (s *Store) UpsertDeviceDay(ctx context.Context, d analytics.DeviceDay) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_daily (`+deviceDayColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity, date) DO UPDATE SET
			detections = excluded.detections,
			avg_rssi = excluded.avg_rssi,
			min_rssi = excluded.min_rssi,
			max_rssi = excluded.max_rssi,
			rssi_variance = excluded.rssi_variance,
			first_seen_ns = excluded.first_seen_ns,
			last_seen_ns = excluded.last_seen_ns,
			active_duration_ns = excluded.active_duration_ns,
			distance_m = excluded.distance_m,
			max_speed_mps = excluded.max_speed_mps,
			unique_locations = excluded.unique_locations,
			stationary_duration_ns = excluded.stationary_duration_ns`,
		d.Identity, d.Date, d.Detections, d.AvgRSSI, d.MinRSSI, d.MaxRSSI, d.RSSIVariance,
		toNanos(d.FirstSeen), toNanos(d.LastSeen), int64(d.ActiveDuration), d.DistanceMeters, d.MaxSpeed,
		d.UniqueLocations, int64(d.StationaryDuration))
	if err != nil {
		return fmt.Errorf("upsert daily summary for %s: %w", d.Identity, err)
	}
	return nil
}

// DeviceDays returns the summaries of identity from the UTC date of since,
// oldest first.
func (s *Store) DeviceDays(ctx context.Context, identity string, since time.Time) ([]analytics.DeviceDay, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceDayColumns+` FROM device_daily
		 WHERE identity = ? AND date >= ? ORDER BY date`,
		identity, since.UTC().Format(analytics.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("daily summaries for %s: %w", identity, err)
	}
	defer rows.Close()

	var out []analytics.DeviceDay
	for rows.Next() {
		var (
			d                             analytics.DeviceDay
			firstSeen, lastSeen           int64
			activeDuration, stationaryDur int64
		)
		if err := rows.Scan(&d.Identity, &d.Date, &d.Detections, &d.AvgRSSI, &d.MinRSSI, &d.MaxRSSI,
			&d.RSSIVariance, &firstSeen, &lastSeen, &activeDuration, &d.DistanceMeters, &d.MaxSpeed,
			&d.UniqueLocations, &stationaryDur); err != nil {
			return nil, err
		}
		d.FirstSeen = fromNanos(firstSeen)
		d.LastSeen = fromNanos(lastSeen)
		d.ActiveDuration = time.Duration(activeDuration)
		d.StationaryDuration = time.Duration(stationaryDur)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDeviceDaysBefore removes summaries for UTC dates before cutoff's.
func (s *Store) DeleteDeviceDaysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_daily WHERE date < ?`,
		cutoff.UTC().Format(analytics.DateLayout))
	if err != nil {
		return 0, fmt.Errorf("purge device_daily: %w", err)
	}
	return res.RowsAffected()
}
