package beacon

import (
	"math"
	"time"

	"github.com/banshee-data/beacon.report/internal/geo"
)

// MovementEvidence is what one pair of consecutive sightings says about a device.
type MovementEvidence int

const (
	EvidenceNeutral MovementEvidence = iota
	EvidenceMoving
	EvidenceStationary
)

func (e MovementEvidence) String() string {
	switch e {
	case EvidenceMoving:
		return "moving"
	case EvidenceStationary:
		return "stationary"
	default:
		return "neutral"
	}
}

// MovementResult is the classifier output for one update.
type MovementResult struct {
	Evidence       MovementEvidence
	Displacement   float64 // metres between the last two sightings
	OwnerExcursion float64 // furthest the owner strayed from the earlier sighting in between

	IsStationary     bool
	Contradictions   int
	LastMovementTime time.Time
	Flipped          bool
}

// Confidence returns how sure the classifier is of a stationary verdict.
// An owner who wandered off and came back to find the beacon still in place
// is stronger evidence than an owner who never moved.
func (r MovementResult) Confidence(cfg Config) float64 {
	if cfg.MovementDistanceMeters <= 0 {
		return 0.5
	}
	return clamp01(0.5 + 0.5*math.Min(1, r.OwnerExcursion/cfg.MovementDistanceMeters))
}

// ClassifyMovement evaluates the latest pair of sightings in history against
// the owner track recorded between them and applies hysteresis to p's
// current classification. history need not be sorted.
func ClassifyMovement(cfg Config, p DeviceProfile, history []Sighting, owner []LocationFix) MovementResult {
	res := MovementResult{
		IsStationary:     p.IsStationary,
		Contradictions:   p.MovementContradictions,
		LastMovementTime: p.LastMovementTime,
	}
	if len(history) < 2 {
		return res
	}

	sorted := sortSightings(history)
	prev, cur := sorted[len(sorted)-2], sorted[len(sorted)-1]

	res.Displacement = geo.Haversine(prev.Point(), cur.Point())
	res.OwnerExcursion = ownerExcursion(prev, cur, owner)

	switch {
	case res.Displacement > cfg.MovementDistanceMeters:
		res.Evidence = EvidenceMoving
	case res.Displacement <= cfg.StationaryRadiusMeters:
		res.Evidence = EvidenceStationary
	default:
		res.Evidence = EvidenceNeutral
	}

	if res.Evidence == EvidenceNeutral {
		return res
	}

	contradicts := (res.Evidence == EvidenceStationary) != res.IsStationary
	if !contradicts {
		res.Contradictions = 0
		return res
	}

	res.Contradictions++
	k := cfg.MovementHysteresis
	if k < 1 {
		k = 1
	}
	if res.Contradictions >= k {
		res.IsStationary = !res.IsStationary
		res.Contradictions = 0
		res.LastMovementTime = cur.Timestamp
		res.Flipped = true
	}
	return res
}

func ownerExcursion(prev, cur Sighting, owner []LocationFix) float64 {
	var pts []geo.Point
	for _, f := range owner {
		if f.Timestamp.Before(prev.Timestamp) || f.Timestamp.After(cur.Timestamp) {
			continue
		}
		pts = append(pts, f.Point())
	}
	return geo.MaxDistanceFrom(prev.Point(), pts)
}
