package beacon

import (
	"sort"
	"strconv"
	"time"
)

// EvaluateInput is everything Evaluate needs for one event.
type EvaluateInput struct {
	Identity   string
	Previous   *DeviceProfile // nil for a new identity
	Event      DetectionEvent
	Resolution Resolution
	History    []Sighting    // earlier sightings of the identity
	OwnerTrack []LocationFix // owner fixes covering History and Event
}

// Outcome is the result of evaluating one event.
type Outcome struct {
	Profile  DeviceProfile
	Applied  bool // false for replayed or expired events
	Sighting Sighting
	Movement MovementResult
	Factors  FollowingFactors
	Patterns []PatternRecord
	Alert    *Alert
}

// Evaluate runs the full per-identity pipeline for one event: aggregate,
// classify movement, score, match signatures and apply the alert policy.
// It performs no I/O and takes "now" from the newest sighting of the
// identity, so replaying the same inputs always yields the same outcome.
//
// An event whose (timestamp, address) is already in History is a replay and
// is not applied. Events older than the newest sighting are folded in; they
// rescore the device but do not move it or its streak backwards. Events
// older than Retention before the newest sighting are dropped, since their
// history is gone.
func Evaluate(cfg Config, registry *SignatureRegistry, in EvaluateInput) Outcome {
	prev := in.Previous
	if prev == nil {
		prev = &DeviceProfile{Identity: in.Identity}
	}
	ev := in.Event
	addr := normalizeAddress(ev.Address)

	if isReplay(in.History, ev.Timestamp, addr) || isExpired(cfg, prev, ev.Timestamp) {
		return Outcome{Profile: *prev.Clone()}
	}

	p, latest := Aggregate(cfg, prev, ev)
	now := p.LastSeen
	out := Outcome{Applied: true}

	if in.Resolution.RotationGap > 0 {
		p.RotationGap = in.Resolution.RotationGap
	}
	if in.Resolution.Merged {
		p.RotatingIdentifier = true
		out.Patterns = append(out.Patterns, PatternRecord{
			Identity:   p.Identity,
			Timestamp:  ev.Timestamp,
			Type:       PatternRotatingIdentifierMerge,
			Confidence: clamp01(in.Resolution.Similarity),
			Metadata: map[string]string{
				"address": addr,
				"gap_ms":  strconv.FormatInt(in.Resolution.Gap.Milliseconds(), 10),
			},
		})
	}

	out.Sighting = SightingFromEvent(p.Identity, ev)
	out.Sighting.Address = addr
	history := make([]Sighting, 0, len(in.History)+1)
	history = append(history, in.History...)
	history = append(history, out.Sighting)
	sort.SliceStable(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })
	history = windowSightings(history, now, cfg.AnalysisWindow)

	// Movement is tracked forward in time only.
	if latest {
		out.Movement = ClassifyMovement(cfg, p, history, in.OwnerTrack)
		wasStationary := p.IsStationary
		p.IsStationary = out.Movement.IsStationary
		p.MovementContradictions = out.Movement.Contradictions
		p.LastMovementTime = out.Movement.LastMovementTime
		if out.Movement.Flipped && p.IsStationary && !wasStationary {
			out.Patterns = append(out.Patterns, PatternRecord{
				Identity:   p.Identity,
				Timestamp:  now,
				Type:       PatternStationaryBeacon,
				Confidence: out.Movement.Confidence(cfg),
				Metadata: map[string]string{
					"displacement_m":    strconv.FormatFloat(out.Movement.Displacement, 'f', 1, 64),
					"owner_excursion_m": strconv.FormatFloat(out.Movement.OwnerExcursion, 'f', 1, 64),
				},
			})
		}
	}

	p.FollowingScore, out.Factors = ScoreFollowing(cfg.Scoring, history, p.ConsecutiveDetections, p.RSSIVariance)

	if trackerType, ok := registry.Classify(ProfileFingerprint(&p), p.Name); ok {
		p.IsKnownTracker = true
		p.TrackerType = trackerType
	}

	p.SuspiciousActivityScore = cfg.Policy.SuspicionScore(p.FollowingScore, p.IsKnownTracker, p.IsStationary)
	p.ScoredAt = now

	decision := cfg.Policy.Decide(p, now)
	if decision.Alert {
		p.LastAlertTime = now
		out.Patterns = append(out.Patterns, PatternRecord{
			Identity:   p.Identity,
			Timestamp:  now,
			Type:       decision.Pattern,
			Confidence: decision.Score,
			Metadata:   alertMetadata(p, out.Factors),
		})
		out.Alert = &Alert{
			Identity:    p.Identity,
			Type:        decision.Pattern,
			Score:       decision.Score,
			Timestamp:   now,
			TrackerType: p.TrackerType,
			Label:       p.Label,
		}
		pending := *out.Alert
		p.PendingAlert = &pending
	}
	p.State = cfg.Policy.NextState(p, decision.Alert, now)

	out.Profile = p
	return out
}

func isReplay(history []Sighting, ts time.Time, addr string) bool {
	for _, s := range history {
		if s.Timestamp.Equal(ts) && s.Address == addr {
			return true
		}
	}
	return false
}

func isExpired(cfg Config, prev *DeviceProfile, ts time.Time) bool {
	if cfg.Retention <= 0 || prev.DetectionCount == 0 {
		return false
	}
	return ts.Before(prev.LastSeen.Add(-cfg.Retention))
}

func alertMetadata(p DeviceProfile, f FollowingFactors) map[string]string {
	md := map[string]string{
		"following_score":    strconv.FormatFloat(p.FollowingScore, 'f', 3, 64),
		"distinct_locations": strconv.Itoa(f.DistinctLocations),
		"span_s":             strconv.FormatInt(int64(f.Span.Seconds()), 10),
		"streak":             strconv.Itoa(f.Streak),
		"rssi_variance":      strconv.FormatFloat(f.RSSIVariance, 'f', 2, 64),
	}
	if p.TrackerType != "" {
		md["tracker_type"] = p.TrackerType
	}
	return md
}
