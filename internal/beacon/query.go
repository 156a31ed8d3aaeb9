package beacon

import (
	"context"
	"fmt"
	"sort"
)

// Device returns one profile with its scores decayed to the current time.
func (e *Engine) Device(ctx context.Context, id string) (DeviceProfile, error) {
	p, err := e.store.GetDevice(ctx, id)
	if err != nil {
		return DeviceProfile{}, err
	}
	return DecayProfile(e.cfg, *p, e.clock.Now()), nil
}

// Devices returns every profile, decayed, ordered by suspicion then identity.
func (e *Engine) Devices(ctx context.Context) ([]DeviceProfile, error) {
	return e.selectDevices(ctx, func(DeviceProfile) bool { return true })
}

// TrackedDevices returns devices the user asked to follow.
func (e *Engine) TrackedDevices(ctx context.Context) ([]DeviceProfile, error) {
	return e.selectDevices(ctx, func(p DeviceProfile) bool { return p.IsTracked })
}

// KnownTrackers returns devices matching a tracker signature.
func (e *Engine) KnownTrackers(ctx context.Context) ([]DeviceProfile, error) {
	return e.selectDevices(ctx, func(p DeviceProfile) bool { return p.IsKnownTracker })
}

// SuspiciousDevices returns non-ignored devices whose decayed suspicion
// score meets the alert threshold.
func (e *Engine) SuspiciousDevices(ctx context.Context) ([]DeviceProfile, error) {
	threshold := e.cfg.Policy.Threshold
	return e.selectDevices(ctx, func(p DeviceProfile) bool {
		return !p.IsIgnored && p.SuspiciousActivityScore >= threshold
	})
}

// Patterns returns stored pattern records, newest first.
func (e *Engine) Patterns(ctx context.Context, q PatternQuery) ([]PatternRecord, error) {
	records, err := e.store.QueryPatterns(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	return records, nil
}

func (e *Engine) selectDevices(ctx context.Context, keep func(DeviceProfile) bool) ([]DeviceProfile, error) {
	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	now := e.clock.Now()
	out := make([]DeviceProfile, 0, len(devices))
	for _, d := range devices {
		d = DecayProfile(e.cfg, d, now)
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuspiciousActivityScore != out[j].SuspiciousActivityScore {
			return out[i].SuspiciousActivityScore > out[j].SuspiciousActivityScore
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}
