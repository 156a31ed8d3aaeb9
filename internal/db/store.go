package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/beacon.report/internal/beacon"
)

// Store implements beacon.Store on top of the SQLite schema in migrations/.
type Store struct {
	db *DB
}

// NewStore wraps an open, migrated database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

var _ beacon.Store = (*Store)(nil)

// Timestamps are stored as unix nanoseconds; 0 means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const deviceColumns = `identity, version, state, addresses, name, manufacturer, services,
	company_id, manufacturer_data, advertising_interval_ns, rotation_gap_ns, rotating_identifier,
	current_rssi, avg_rssi, rssi_m2, rssi_variance, first_seen_ns, last_seen_ns,
	detection_count, consecutive_detections, max_consecutive, is_stationary, last_movement_ns,
	movement_contradictions, following_score, suspicious_score, scored_at_ns,
	is_known_tracker, tracker_type, is_ignored, is_tracked, label, last_alert_ns,
	streak_start_ns, pending_alert`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (beacon.DeviceProfile, error) {
	var (
		p                                             beacon.DeviceProfile
		state, addresses, services                    string
		companyID                                     sql.NullInt64
		advInterval, rotationGap                      int64
		rotating, stationary, known, ignored, tracked int
		firstSeen, lastSeen, lastMovement             int64
		scoredAt, lastAlert, streakStart              int64
		pendingAlert                                  string
	)
	err := row.Scan(
		&p.Identity, &p.Version, &state, &addresses, &p.Name, &p.Manufacturer, &services,
		&companyID, &p.ManufacturerData, &advInterval, &rotationGap, &rotating,
		&p.CurrentRSSI, &p.AvgRSSI, &p.RSSIM2, &p.RSSIVariance, &firstSeen, &lastSeen,
		&p.DetectionCount, &p.ConsecutiveDetections, &p.MaxConsecutiveDetections, &stationary, &lastMovement,
		&p.MovementContradictions, &p.FollowingScore, &p.SuspiciousActivityScore, &scoredAt,
		&known, &p.TrackerType, &ignored, &tracked, &p.Label, &lastAlert,
		&streakStart, &pendingAlert,
	)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(addresses), &p.Addresses); err != nil {
		return p, fmt.Errorf("decode addresses for %s: %w", p.Identity, err)
	}
	if err := json.Unmarshal([]byte(services), &p.Services); err != nil {
		return p, fmt.Errorf("decode services for %s: %w", p.Identity, err)
	}
	p.State = beacon.DeviceState(state)
	if companyID.Valid {
		p.CompanyID = uint16(companyID.Int64)
		p.HasCompanyID = true
	}
	p.AdvertisingInterval = time.Duration(advInterval)
	p.RotationGap = time.Duration(rotationGap)
	p.RotatingIdentifier = rotating != 0
	p.FirstSeen = fromNanos(firstSeen)
	p.LastSeen = fromNanos(lastSeen)
	p.IsStationary = stationary != 0
	p.LastMovementTime = fromNanos(lastMovement)
	p.ScoredAt = fromNanos(scoredAt)
	p.IsKnownTracker = known != 0
	p.IsIgnored = ignored != 0
	p.IsTracked = tracked != 0
	p.LastAlertTime = fromNanos(lastAlert)
	p.StreakStart = fromNanos(streakStart)
	if pendingAlert != "" {
		var a beacon.Alert
		if err := json.Unmarshal([]byte(pendingAlert), &a); err != nil {
			return p, fmt.Errorf("decode pending alert for %s: %w", p.Identity, err)
		}
		p.PendingAlert = &a
	}
	return p, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) GetDevice(ctx context.Context, identity string) (*beacon.DeviceProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE identity = ?`, identity)
	p, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, beacon.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", identity, err)
	}
	return &p, nil
}

// UpsertDevice writes p if the stored version still equals p.Version. The
// check and the write share one statement, so concurrent writers cannot both
// succeed.
func (s *Store) UpsertDevice(ctx context.Context, p beacon.DeviceProfile) (beacon.DeviceProfile, error) {
	return upsertDevice(ctx, s.db, p)
}

func upsertDevice(ctx context.Context, ex execer, p beacon.DeviceProfile) (beacon.DeviceProfile, error) {
	addresses, err := json.Marshal(nonNil(p.Addresses))
	if err != nil {
		return beacon.DeviceProfile{}, err
	}
	services, err := json.Marshal(nonNil(p.Services))
	if err != nil {
		return beacon.DeviceProfile{}, err
	}
	var companyID sql.NullInt64
	if p.HasCompanyID {
		companyID = sql.NullInt64{Int64: int64(p.CompanyID), Valid: true}
	}
	var pending string
	if p.PendingAlert != nil {
		b, err := json.Marshal(p.PendingAlert)
		if err != nil {
			return beacon.DeviceProfile{}, err
		}
		pending = string(b)
	}

	args := []any{
		p.Identity, p.Version + 1, string(p.State), string(addresses), p.Name, p.Manufacturer, string(services),
		companyID, p.ManufacturerData, int64(p.AdvertisingInterval), int64(p.RotationGap), boolInt(p.RotatingIdentifier),
		p.CurrentRSSI, p.AvgRSSI, p.RSSIM2, p.RSSIVariance, toNanos(p.FirstSeen), toNanos(p.LastSeen),
		p.DetectionCount, p.ConsecutiveDetections, p.MaxConsecutiveDetections, boolInt(p.IsStationary), toNanos(p.LastMovementTime),
		p.MovementContradictions, p.FollowingScore, p.SuspiciousActivityScore, toNanos(p.ScoredAt),
		boolInt(p.IsKnownTracker), p.TrackerType, boolInt(p.IsIgnored), boolInt(p.IsTracked), p.Label, toNanos(p.LastAlertTime),
		toNanos(p.StreakStart), pending,
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")

	var res sql.Result
	if p.Version == 0 {
		res, err = ex.ExecContext(ctx,
			`INSERT INTO devices (`+deviceColumns+`) VALUES (`+placeholders+`) ON CONFLICT(identity) DO NOTHING`,
			args...)
	} else {
		res, err = ex.ExecContext(ctx,
			`UPDATE devices SET (`+deviceColumns+`) = (`+placeholders+`) WHERE identity = ? AND version = ?`,
			append(args, p.Identity, p.Version)...)
	}
	if err != nil {
		return beacon.DeviceProfile{}, fmt.Errorf("upsert device %s: %w", p.Identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return beacon.DeviceProfile{}, err
	}
	if n == 0 {
		return beacon.DeviceProfile{}, beacon.ErrVersionConflict
	}
	p.Version++
	return p, nil
}

// CommitUpdate writes the profile, the sighting and the patterns of one
// event in a single transaction. A version conflict rolls everything back.
func (s *Store) CommitUpdate(ctx context.Context, u beacon.DeviceUpdate) (beacon.DeviceProfile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return beacon.DeviceProfile{}, fmt.Errorf("commit update for %s: %w", u.Profile.Identity, err)
	}
	defer tx.Rollback()

	saved, err := upsertDevice(ctx, tx, u.Profile)
	if err != nil {
		return beacon.DeviceProfile{}, err
	}
	if err := appendSighting(ctx, tx, u.Sighting); err != nil {
		return beacon.DeviceProfile{}, err
	}
	if err := appendPatterns(ctx, tx, u.Patterns); err != nil {
		return beacon.DeviceProfile{}, err
	}
	if err := tx.Commit(); err != nil {
		return beacon.DeviceProfile{}, fmt.Errorf("commit update for %s: %w", u.Profile.Identity, err)
	}
	return saved, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Store) ListDevices(ctx context.Context) ([]beacon.DeviceProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []beacon.DeviceProfile
	for rows.Next() {
		p, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDevice(ctx context.Context, identity string, version int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE identity = ? AND version = ?`, identity, version)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) > 0 FROM devices WHERE identity = ?`, identity).Scan(&exists); err != nil {
		return fmt.Errorf("delete device %s: %w", identity, err)
	}
	if !exists {
		return beacon.ErrNotFound
	}
	return beacon.ErrVersionConflict
}

func (s *Store) AppendSighting(ctx context.Context, sg beacon.Sighting) error {
	return appendSighting(ctx, s.db, sg)
}

func appendSighting(ctx context.Context, ex execer, sg beacon.Sighting) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO sightings (identity, address, timestamp_ns, rssi, latitude, longitude, accuracy)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity, timestamp_ns, address) DO NOTHING`,
		sg.Identity, sg.Address, toNanos(sg.Timestamp), sg.RSSI, sg.Latitude, sg.Longitude, sg.Accuracy)
	if err != nil {
		return fmt.Errorf("append sighting for %s: %w", sg.Identity, err)
	}
	return nil
}

func (s *Store) SightingsFor(ctx context.Context, identity string, since time.Time) ([]beacon.Sighting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, address, timestamp_ns, rssi, latitude, longitude, accuracy
		 FROM sightings WHERE identity = ? AND timestamp_ns >= ?
		 ORDER BY timestamp_ns, address`,
		identity, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("sightings for %s: %w", identity, err)
	}
	defer rows.Close()

	var out []beacon.Sighting
	for rows.Next() {
		var sg beacon.Sighting
		var ts int64
		if err := rows.Scan(&sg.Identity, &sg.Address, &ts, &sg.RSSI, &sg.Latitude, &sg.Longitude, &sg.Accuracy); err != nil {
			return nil, err
		}
		sg.Timestamp = fromNanos(ts)
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *Store) deleteBefore(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE timestamp_ns < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteSightingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "sightings", cutoff)
}

func (s *Store) DeleteSightingsFor(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sightings WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("delete sightings for %s: %w", identity, err)
	}
	return nil
}

func (s *Store) AppendLocation(ctx context.Context, f beacon.LocationFix) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (timestamp_ns, latitude, longitude, accuracy, altitude, speed, bearing, provider)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(timestamp_ns) DO NOTHING`,
		toNanos(f.Timestamp), f.Latitude, f.Longitude, f.Accuracy,
		nullFloat(f.Altitude), nullFloat(f.Speed), nullFloat(f.Bearing), f.Provider)
	if err != nil {
		return fmt.Errorf("append location: %w", err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *Store) LocationsBetween(ctx context.Context, start, end time.Time) ([]beacon.LocationFix, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp_ns, latitude, longitude, accuracy, altitude, speed, bearing, provider
		 FROM locations WHERE timestamp_ns BETWEEN ? AND ?
		 ORDER BY timestamp_ns`,
		toNanos(start), toNanos(end))
	if err != nil {
		return nil, fmt.Errorf("locations between: %w", err)
	}
	defer rows.Close()

	var out []beacon.LocationFix
	for rows.Next() {
		var (
			f                        beacon.LocationFix
			ts                       int64
			altitude, speed, bearing sql.NullFloat64
		)
		if err := rows.Scan(&ts, &f.Latitude, &f.Longitude, &f.Accuracy, &altitude, &speed, &bearing, &f.Provider); err != nil {
			return nil, err
		}
		f.Timestamp = fromNanos(ts)
		f.Altitude = floatPtr(altitude)
		f.Speed = floatPtr(speed)
		f.Bearing = floatPtr(bearing)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteLocationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "locations", cutoff)
}

// AppendPatterns inserts all records in one transaction.
func (s *Store) AppendPatterns(ctx context.Context, records []beacon.PatternRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append patterns: %w", err)
	}
	defer tx.Rollback()

	if err := appendPatterns(ctx, tx, records); err != nil {
		return err
	}
	return tx.Commit()
}

func appendPatterns(ctx context.Context, ex execer, records []beacon.PatternRecord) error {
	for _, r := range records {
		meta := r.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO patterns (identity, timestamp_ns, type, confidence, metadata) VALUES (?, ?, ?, ?, ?)`,
			r.Identity, toNanos(r.Timestamp), string(r.Type), r.Confidence, string(metaJSON)); err != nil {
			return fmt.Errorf("append pattern %s for %s: %w", r.Type, r.Identity, err)
		}
	}
	return nil
}

func (s *Store) QueryPatterns(ctx context.Context, q beacon.PatternQuery) ([]beacon.PatternRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, q.Identity)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp_ns >= ?")
		args = append(args, toNanos(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp_ns <= ?")
		args = append(args, toNanos(q.Until))
	}
	query := `SELECT id, identity, timestamp_ns, type, confidence, metadata FROM patterns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp_ns DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []beacon.PatternRecord
	for rows.Next() {
		var (
			r        beacon.PatternRecord
			ts       int64
			typ      string
			metaJSON string
		)
		if err := rows.Scan(&r.ID, &r.Identity, &ts, &typ, &r.Confidence, &metaJSON); err != nil {
			return nil, err
		}
		r.Timestamp = fromNanos(ts)
		r.Type = beacon.PatternType(typ)
		if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for pattern %d: %w", r.ID, err)
		}
		if len(r.Metadata) == 0 {
			r.Metadata = nil
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeletePatternsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "patterns", cutoff)
}
