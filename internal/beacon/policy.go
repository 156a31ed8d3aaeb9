package beacon

import (
	"time"
)

// AlertPolicy turns scores into alert decisions.
type AlertPolicy struct {
	Threshold          float64       // T
	Cooldown           time.Duration // C
	KnownTrackerWeight float64       // share of the score reserved for a signature match
	StationaryDamping  float64       // multiplier on the following score of a fixed beacon
}

// SuspicionScore combines the following score with the known-tracker and
// stationary flags. It is non-decreasing in following and strictly higher
// for a known tracker whenever KnownTrackerWeight is positive.
func (a AlertPolicy) SuspicionScore(following float64, known, stationary bool) float64 {
	wk := clamp01(a.KnownTrackerWeight)
	f := clamp01(following)
	if stationary {
		f *= clamp01(a.StationaryDamping)
	}
	s := (1 - wk) * f
	if known {
		s += wk
	}
	return clamp01(s)
}

// CooldownElapsed reports whether p may alert again at now.
func (a AlertPolicy) CooldownElapsed(p DeviceProfile, now time.Time) bool {
	return p.LastAlertTime.IsZero() || now.Sub(p.LastAlertTime) >= a.Cooldown
}

// Decision is the policy verdict for one update.
type Decision struct {
	Score   float64
	Alert   bool
	Pattern PatternType
}

// Decide evaluates p, whose SuspiciousActivityScore is already refreshed.
func (a AlertPolicy) Decide(p DeviceProfile, now time.Time) Decision {
	d := Decision{Score: p.SuspiciousActivityScore, Pattern: PatternFollowingSuspect}
	if p.IsKnownTracker {
		d.Pattern = PatternKnownTracker
	}
	if p.IsIgnored {
		return d
	}
	d.Alert = d.Score >= a.Threshold && a.CooldownElapsed(p, now)
	return d
}

// NextState returns the lifecycle state after an update. An alerted device
// stays alerted until its cooldown runs out, then falls back to whatever its
// scores say.
func (a AlertPolicy) NextState(p DeviceProfile, alerted bool, now time.Time) DeviceState {
	switch {
	case alerted:
		return StateAlerted
	case !p.LastAlertTime.IsZero() && !a.CooldownElapsed(p, now):
		return StateAlerted
	case p.DetectionCount <= 1:
		return StateNew
	case !p.IsIgnored && p.SuspiciousActivityScore >= a.Threshold:
		return StateFollowingSuspect
	case p.IsStationary:
		return StateStationary
	default:
		return StateActive
	}
}
