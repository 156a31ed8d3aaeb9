package beacon

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an identity has no stored profile.
	ErrNotFound = errors.New("beacon: device not found")
	// ErrVersionConflict is returned when a versioned write or delete finds
	// that the stored profile changed since it was read.
	ErrVersionConflict = errors.New("beacon: version conflict")
)

// DeviceStore persists device profiles.
//
// Upsert succeeds only when p.Version equals the stored version (0 for a new
// profile) and returns the profile with its Version bumped. Delete removes
// the profile only if its stored version still equals version.
type DeviceStore interface {
	GetDevice(ctx context.Context, identity string) (*DeviceProfile, error)
	UpsertDevice(ctx context.Context, p DeviceProfile) (DeviceProfile, error)
	ListDevices(ctx context.Context) ([]DeviceProfile, error)
	DeleteDevice(ctx context.Context, identity string, version int64) error
}

// SightingStore persists per-identity sightings.
type SightingStore interface {
	AppendSighting(ctx context.Context, s Sighting) error
	SightingsFor(ctx context.Context, identity string, since time.Time) ([]Sighting, error)
	DeleteSightingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSightingsFor(ctx context.Context, identity string) error
}

// LocationStore persists the owner's location track. Appending a fix whose
// timestamp is already stored is a no-op.
type LocationStore interface {
	AppendLocation(ctx context.Context, f LocationFix) error
	LocationsBetween(ctx context.Context, start, end time.Time) ([]LocationFix, error)
	DeleteLocationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PatternQuery filters pattern records. Zero fields match everything.
type PatternQuery struct {
	Identity string
	Type     PatternType
	Since    time.Time
	Until    time.Time
	Limit    int
}

// PatternStore persists append-only pattern records. Query returns records
// newest first.
type PatternStore interface {
	AppendPatterns(ctx context.Context, records []PatternRecord) error
	QueryPatterns(ctx context.Context, q PatternQuery) ([]PatternRecord, error)
	DeletePatternsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeviceUpdate is everything one applied event writes.
type DeviceUpdate struct {
	Profile  DeviceProfile
	Sighting Sighting
	Patterns []PatternRecord
}

// UpdateStore commits a DeviceUpdate atomically: the profile upsert (with
// the same version check as UpsertDevice), the sighting and the patterns
// are either all stored or none are.
type UpdateStore interface {
	CommitUpdate(ctx context.Context, u DeviceUpdate) (DeviceProfile, error)
}

// Store bundles every persistence interface the engine needs.
type Store interface {
	DeviceStore
	SightingStore
	LocationStore
	PatternStore
	UpdateStore
}

// Notifier receives alerts once their updates are persisted.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, a Alert) error {
	return f(ctx, a)
}
