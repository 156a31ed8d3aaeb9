package beacon

import (
	"math"
	"sort"
	"time"

	"github.com/banshee-data/beacon.report/internal/geo"
)

// ScoringConfig holds the saturation scales and weights of the following score.
// The four weights are expected to sum to 1.
type ScoringConfig struct {
	DistinctLocationMeters float64
	LocationScale          float64
	SpanScale              time.Duration
	StreakScale            float64
	RSSIVarianceScale      float64

	WeightLocations float64
	WeightSpan      float64
	WeightStreak    float64
	WeightStability float64
}

// FollowingFactors are the raw inputs to the following score. They are
// exported so the score can be explained and tested factor by factor.
type FollowingFactors struct {
	DistinctLocations int           `json:"distinct_locations"`
	Span              time.Duration `json:"span"`
	Streak            int           `json:"streak"`
	RSSIVariance      float64       `json:"rssi_variance"`
}

// ExtractFollowingFactors derives the factors from a device's sighting history.
// Distinct locations are picked greedily in timestamp order so that every
// chosen location is at least DistinctLocationMeters from the others. The
// result depends only on the set of sightings, not their slice order.
func ExtractFollowingFactors(cfg ScoringConfig, history []Sighting, streak int, rssiVariance float64) FollowingFactors {
	f := FollowingFactors{Streak: streak, RSSIVariance: rssiVariance}
	if len(history) == 0 {
		return f
	}

	sorted := sortSightings(history)
	var distinct []geo.Point
	for _, s := range sorted {
		p := s.Point()
		far := true
		for _, d := range distinct {
			if geo.Haversine(p, d) < cfg.DistinctLocationMeters {
				far = false
				break
			}
		}
		if far {
			distinct = append(distinct, p)
		}
	}
	f.DistinctLocations = len(distinct)

	// Every sighting lies within the threshold of some chosen location, so
	// the span of the distinct set is the span of the whole history.
	if f.DistinctLocations > 1 {
		f.Span = sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp)
	}
	return f
}

// Combine maps factors to a score in [0, 1]. Each factor passes through a
// saturating curve; the location factor gates the rest, so a device seen at a
// single place scores 0 regardless of how often or how steadily it was seen.
// The result is non-decreasing in locations, span and streak, and
// non-increasing in variance.
func (c ScoringConfig) Combine(f FollowingFactors) float64 {
	fLoc := saturate(float64(f.DistinctLocations-1), c.LocationScale)
	fSpan := saturate(f.Span.Seconds(), c.SpanScale.Seconds())
	fStreak := saturate(float64(f.Streak-1), c.StreakScale)

	fStab := 1.0
	if c.RSSIVarianceScale > 0 && f.RSSIVariance > 0 {
		fStab = 1 / (1 + f.RSSIVariance/c.RSSIVarianceScale)
	}

	score := fLoc * (c.WeightLocations + c.WeightSpan*fSpan + c.WeightStreak*fStreak + c.WeightStability*fStab)
	return clamp01(score)
}

// saturate returns 1-exp(-x/scale), 0 for non-positive x.
func saturate(x, scale float64) float64 {
	if x <= 0 || scale <= 0 {
		return 0
	}
	return 1 - math.Exp(-x/scale)
}

// ScoreFollowing is ExtractFollowingFactors followed by Combine.
func ScoreFollowing(cfg ScoringConfig, history []Sighting, streak int, rssiVariance float64) (float64, FollowingFactors) {
	f := ExtractFollowingFactors(cfg, history, streak, rssiVariance)
	return cfg.Combine(f), f
}

// DecayScore applies exponential half-life decay to a score last refreshed at
// lastSeen, as observed at now.
func DecayScore(score float64, lastSeen, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 || !now.After(lastSeen) {
		return clamp01(score)
	}
	elapsed := now.Sub(lastSeen).Seconds()
	return clamp01(score * math.Pow(0.5, elapsed/halfLife.Seconds()))
}

// sortSightings returns a copy ordered by timestamp with a deterministic
// tie-break, so equal-time sightings never depend on arrival order.
func sortSightings(in []Sighting) []Sighting {
	out := append([]Sighting(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Latitude != b.Latitude {
			return a.Latitude < b.Latitude
		}
		if a.Longitude != b.Longitude {
			return a.Longitude < b.Longitude
		}
		return a.RSSI < b.RSSI
	})
	return out
}

// windowSightings keeps the sightings in (end-window, end].
func windowSightings(history []Sighting, end time.Time, window time.Duration) []Sighting {
	if window <= 0 {
		return history
	}
	start := end.Add(-window)
	out := make([]Sighting, 0, len(history))
	for _, s := range history {
		if s.Timestamp.After(start) && !s.Timestamp.After(end) {
			out = append(out, s)
		}
	}
	return out
}
