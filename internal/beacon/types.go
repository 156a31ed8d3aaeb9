package beacon

import (
	"math"
	"time"

	"github.com/banshee-data/beacon.report/internal/geo"
)

// DeviceState represents the lifecycle state of a tracked identity.
type DeviceState string

const (
	StateNew              DeviceState = "new"               // First sighting
	StateActive           DeviceState = "active"            // Seen again, nothing notable
	StateStationary       DeviceState = "stationary"        // Fixed environmental beacon
	StateFollowingSuspect DeviceState = "following_suspect" // Above threshold, alert suppressed
	StateAlerted          DeviceState = "alerted"           // Alert emitted, cooldown running
)

// PatternType enumerates the derived behavioural patterns.
type PatternType string

const (
	PatternStationaryBeacon        PatternType = "STATIONARY_BEACON"
	PatternFollowingSuspect        PatternType = "FOLLOWING_SUSPECT"
	PatternRotatingIdentifierMerge PatternType = "ROTATING_IDENTIFIER_MERGE"
	PatternKnownTracker            PatternType = "KNOWN_TRACKER"
)

// LocationFix is one reading of the owner's own position. Altitude, Speed and
// Bearing are optional because not every provider reports them.
type LocationFix struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Provider  string    `json:"provider,omitempty"`
}

// Point returns the fix as a geo.Point.
func (f LocationFix) Point() geo.Point {
	return geo.Point{Lat: f.Latitude, Lon: f.Longitude}
}

// DetectionEvent is one observation of a BLE advertisement together with the
// owner's location recorded at approximately the same instant.
type DetectionEvent struct {
	Address             string        `json:"address"`
	Timestamp           time.Time     `json:"timestamp"`
	RSSI                int           `json:"rssi"`
	Name                string        `json:"name,omitempty"`
	ServiceUUIDs        []string      `json:"service_uuids,omitempty"`
	ManufacturerData    []byte        `json:"manufacturer_data,omitempty"`
	AdvertisingInterval time.Duration `json:"advertising_interval,omitempty"`
	Location            LocationFix   `json:"location"`
}

// Fingerprint returns the static advertisement fingerprint of the event.
func (e DetectionEvent) Fingerprint() Fingerprint {
	return NewFingerprint(e.ServiceUUIDs, e.ManufacturerData, e.AdvertisingInterval)
}

// Sighting is the persisted projection of a DetectionEvent once its identity
// has been resolved. The scorer and movement classifier read these back.
type Sighting struct {
	Identity  string
	Address   string
	Timestamp time.Time
	RSSI      int
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// Point returns the sighting location as a geo.Point.
func (s Sighting) Point() geo.Point {
	return geo.Point{Lat: s.Latitude, Lon: s.Longitude}
}

// SightingFromEvent builds the sighting record for a resolved event.
func SightingFromEvent(identity string, ev DetectionEvent) Sighting {
	return Sighting{
		Identity:  identity,
		Address:   ev.Address,
		Timestamp: ev.Timestamp,
		RSSI:      ev.RSSI,
		Latitude:  ev.Location.Latitude,
		Longitude: ev.Location.Longitude,
		Accuracy:  ev.Location.Accuracy,
	}
}

// DeviceProfile holds everything the engine knows about one stable identity.
type DeviceProfile struct {
	// Identity
	Identity  string
	Addresses []string // raw addresses merged into this identity, oldest first
	State     DeviceState
	Version   int64 // bumped by the store on every successful upsert

	// Advertisement
	Name                string
	Manufacturer        string
	Services            []string
	CompanyID           uint16
	HasCompanyID        bool
	ManufacturerData    []byte
	AdvertisingInterval time.Duration
	RotationGap         time.Duration // learned gap between address rotations
	RotatingIdentifier  bool

	// Signal statistics (Welford)
	CurrentRSSI  int
	AvgRSSI      float64
	RSSIM2       float64
	RSSIVariance float64

	// Timestamps and counters
	FirstSeen                time.Time
	LastSeen                 time.Time
	DetectionCount           int
	ConsecutiveDetections    int
	MaxConsecutiveDetections int
	StreakStart              time.Time // first sighting of the current run

	// Movement
	IsStationary           bool
	LastMovementTime       time.Time
	MovementContradictions int // consecutive evidences against IsStationary

	// Scores, all in [0, 1]
	FollowingScore          float64
	SuspiciousActivityScore float64
	ScoredAt                time.Time // instant the scores were last computed or decayed

	// Known tracker classification
	IsKnownTracker bool
	TrackerType    string

	// User overrides
	IsIgnored bool
	IsTracked bool
	Label     string

	LastAlertTime time.Time
	PendingAlert  *Alert // raised and persisted but not yet accepted by the notifier
}

// Clone returns a deep copy so callers can mutate freely.
func (p *DeviceProfile) Clone() *DeviceProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.Addresses = append([]string(nil), p.Addresses...)
	c.Services = append([]string(nil), p.Services...)
	c.ManufacturerData = append([]byte(nil), p.ManufacturerData...)
	if p.PendingAlert != nil {
		a := *p.PendingAlert
		c.PendingAlert = &a
	}
	return &c
}

// HasAddress reports whether addr has been merged into this profile.
func (p *DeviceProfile) HasAddress(addr string) bool {
	for _, a := range p.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// PatternRecord is an immutable derived event describing a detected pattern.
type PatternRecord struct {
	ID         int64             `json:"id"`
	Identity   string            `json:"identity"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       PatternType       `json:"type"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Alert is handed to the notification collaborator.
type Alert struct {
	Identity    string      `json:"identity"`
	Type        PatternType `json:"type"`
	Score       float64     `json:"score"`
	Timestamp   time.Time   `json:"timestamp"`
	TrackerType string      `json:"tracker_type,omitempty"`
	Label       string      `json:"label,omitempty"`
}

// Overrides carries user-set flags. Nil fields are left untouched.
type Overrides struct {
	Ignored *bool   `json:"ignored,omitempty"`
	Tracked *bool   `json:"tracked,omitempty"`
	Label   *string `json:"label,omitempty"`
}

// Apply writes the non-nil overrides onto p.
func (o Overrides) Apply(p *DeviceProfile) {
	if o.Ignored != nil {
		p.IsIgnored = *o.Ignored
	}
	if o.Tracked != nil {
		p.IsTracked = *o.Tracked
	}
	if o.Label != nil {
		p.Label = *o.Label
	}
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
