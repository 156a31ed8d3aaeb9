package beacon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// EngineOptions carries the optional collaborators of an Engine.
type EngineOptions struct {
	Registry *SignatureRegistry // defaults to DefaultSignatureRegistry
	Notifier Notifier           // nil records alert patterns without delivering them
	Clock    timeutil.Clock     // defaults to timeutil.RealClock
}

// Engine wires the pure pipeline to a store and a notifier. Updates for one
// identity are serialised; different identities are processed in parallel.
type Engine struct {
	cfg      Config
	store    Store
	registry *SignatureRegistry
	resolver *IdentityResolver
	notifier Notifier
	clock    timeutil.Clock
	locks    *keyedMutex
}

// NewEngine creates an engine over store.
func NewEngine(cfg Config, store Store, opts EngineOptions) *Engine {
	if opts.Registry == nil {
		opts.Registry = DefaultSignatureRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: opts.Registry,
		resolver: NewIdentityResolver(cfg),
		notifier: opts.Notifier,
		clock:    opts.Clock,
		locks:    newKeyedMutex(),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Store returns the backing store.
func (e *Engine) Store() Store { return e.store }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Clock returns the engine clock.
func (e *Engine) Clock() timeutil.Clock { return e.clock }

// Warm seeds the identity resolver from stored profiles so rotating
// addresses keep resolving to the same identity across restarts.
func (e *Engine) Warm(ctx context.Context) (int, error) {
	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}
	for i := range devices {
		e.resolver.Seed(&devices[i])
	}
	monitoring.KnownIdentities.Set(float64(e.resolver.Len()))
	return len(devices), nil
}

// RecordLocation stores an owner fix that did not arrive with a sighting.
func (e *Engine) RecordLocation(ctx context.Context, f LocationFix) error {
	if err := e.store.AppendLocation(ctx, f); err != nil {
		return fmt.Errorf("failed to record location: %w", err)
	}
	return nil
}

// Process handles a single detection event.
func (e *Engine) Process(ctx context.Context, ev DetectionEvent) (Outcome, error) {
	outs, err := e.ProcessBatch(ctx, []DetectionEvent{ev})
	if err != nil {
		return Outcome{}, err
	}
	return outs[0], nil
}

type resolvedEvent struct {
	index int
	ev    DetectionEvent
	res   Resolution
}

// ProcessBatch resolves identities for the batch in timestamp order, then
// evaluates each identity's events under that identity's lock. All store
// writes for an event complete before its alert is handed to the notifier.
// Outcomes are returned in timestamp order.
func (e *Engine) ProcessBatch(ctx context.Context, events []DetectionEvent) ([]Outcome, error) {
	if len(events) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() { monitoring.ProcessDuration.Observe(time.Since(start).Seconds()) }()

	sorted := append([]DetectionEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return strings.ToUpper(sorted[i].Address) < strings.ToUpper(sorted[j].Address)
	})

	// Owner fixes first, so every group sees the full track.
	for i := range sorted {
		loc := sorted[i].Location
		if loc.Timestamp.IsZero() {
			loc.Timestamp = sorted[i].Timestamp
			sorted[i].Location = loc
		}
		if err := e.store.AppendLocation(ctx, loc); err != nil {
			return nil, fmt.Errorf("failed to record location: %w", err)
		}
	}

	groups := make(map[string][]resolvedEvent)
	var order []string
	for i, ev := range sorted {
		res := e.resolver.Resolve(ev)
		if _, ok := groups[res.Identity]; !ok {
			order = append(order, res.Identity)
		}
		groups[res.Identity] = append(groups[res.Identity], resolvedEvent{index: i, ev: ev, res: res})
		if res.Merged {
			monitoring.IdentityMerges.Inc()
		}
	}
	monitoring.KnownIdentities.Set(float64(e.resolver.Len()))

	outcomes := make([]Outcome, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	limit := e.cfg.BatchParallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, id := range order {
		id, group := id, groups[id]
		g.Go(func() error {
			unlock := e.locks.Lock(id)
			defer unlock()
			for _, re := range group {
				out, err := e.processLocked(gctx, id, re.ev, re.res)
				if err != nil {
					return err
				}
				outcomes[re.index] = out
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (e *Engine) processLocked(ctx context.Context, id string, ev DetectionEvent, res Resolution) (Outcome, error) {
	prev, err := e.store.GetDevice(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Outcome{}, fmt.Errorf("failed to load device %s: %w", id, err)
	}

	// Late events are scored at the newest sighting, so the history has to
	// cover both the event itself and the window ending at LastSeen.
	end := ev.Timestamp
	if prev != nil && prev.LastSeen.After(end) {
		end = prev.LastSeen
	}
	since := end.Add(-e.cfg.AnalysisWindow)
	if ev.Timestamp.Before(since) {
		since = ev.Timestamp
	}
	history, err := e.store.SightingsFor(ctx, id, since)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load sightings for %s: %w", id, err)
	}
	trackStart := since
	if len(history) > 0 && history[0].Timestamp.After(trackStart) {
		trackStart = history[0].Timestamp
	}
	owner, err := e.store.LocationsBetween(ctx, trackStart, end)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load owner track: %w", err)
	}

	out := Evaluate(e.cfg, e.registry, EvaluateInput{
		Identity:   id,
		Previous:   prev,
		Event:      ev,
		Resolution: res,
		History:    history,
		OwnerTrack: owner,
	})
	if !out.Applied {
		reason := "duplicate"
		if prev != nil && isExpired(e.cfg, prev, ev.Timestamp) {
			reason = "expired"
		}
		monitoring.SightingsDropped.WithLabelValues(reason).Inc()
		if prev == nil || prev.PendingAlert == nil {
			return out, nil
		}
		a := *prev.PendingAlert
		out.Alert = &a
		saved, err := e.deliver(ctx, *prev)
		out.Profile = saved
		return out, err
	}

	if e.notifier == nil {
		out.Profile.PendingAlert = nil
	}
	saved, err := e.store.CommitUpdate(ctx, DeviceUpdate{
		Profile:  out.Profile,
		Sighting: out.Sighting,
		Patterns: out.Patterns,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to commit update for %s: %w", id, err)
	}
	out.Profile = saved
	for _, r := range out.Patterns {
		monitoring.PatternsRecorded.WithLabelValues(string(r.Type)).Inc()
	}
	monitoring.SightingsProcessed.Inc()
	if out.Alert != nil {
		monitoring.AlertsEmitted.WithLabelValues(string(out.Alert.Type)).Inc()
	}

	if saved.PendingAlert == nil {
		return out, nil
	}
	if out.Alert == nil {
		a := *saved.PendingAlert
		out.Alert = &a
	}
	delivered, err := e.deliver(ctx, saved)
	out.Profile = delivered
	return out, err
}

// deliver hands p's pending alert to the notifier and clears it once the
// notifier accepts it. A failed delivery leaves the alert stored, and it is
// retried by the next event, replay or DeliverPending for the identity.
// Delivery is at least once: a crash between Notify and the clearing write
// repeats the alert.
func (e *Engine) deliver(ctx context.Context, p DeviceProfile) (DeviceProfile, error) {
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, *p.PendingAlert); err != nil {
			return p, fmt.Errorf("failed to notify alert for %s: %w", p.Identity, err)
		}
	}
	p.PendingAlert = nil
	saved, err := e.store.UpsertDevice(ctx, p)
	if err != nil {
		return p, fmt.Errorf("failed to clear delivered alert for %s: %w", p.Identity, err)
	}
	return saved, nil
}

// DeliverPending retries every stored alert the notifier has not yet
// accepted. It returns the number delivered and the first delivery error.
func (e *Engine) DeliverPending(ctx context.Context) (int, error) {
	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}
	delivered := 0
	for _, d := range devices {
		if d.PendingAlert == nil {
			continue
		}
		ok, err := e.deliverOne(ctx, d.Identity)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

func (e *Engine) deliverOne(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.GetDevice(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load device %s: %w", id, err)
	}
	if p.PendingAlert == nil {
		return false, nil
	}
	if _, err := e.deliver(ctx, *p); err != nil {
		return false, err
	}
	return true, nil
}

// SetOverrides applies user flags to a stored profile. Ignoring a device
// also removes it from merge candidacy.
func (e *Engine) SetOverrides(ctx context.Context, id string, o Overrides) (DeviceProfile, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.GetDevice(ctx, id)
	if err != nil {
		return DeviceProfile{}, err
	}
	o.Apply(p)
	p.State = e.cfg.Policy.NextState(*p, false, e.clock.Now())
	saved, err := e.store.UpsertDevice(ctx, *p)
	if err != nil {
		return DeviceProfile{}, fmt.Errorf("failed to save overrides for %s: %w", id, err)
	}
	e.resolver.SetIgnored(id, saved.IsIgnored)
	return saved, nil
}

// Purge deletes a profile and its sightings if it is still at version.
// It waits for any in-flight update of the identity to finish, so an update
// that lands first makes the purge fail with ErrVersionConflict.
func (e *Engine) Purge(ctx context.Context, id string, version int64) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	if err := e.store.DeleteDevice(ctx, id, version); err != nil {
		return err
	}
	if err := e.store.DeleteSightingsFor(ctx, id); err != nil {
		return fmt.Errorf("failed to delete sightings for %s: %w", id, err)
	}
	e.resolver.Forget(id)
	monitoring.KnownIdentities.Set(float64(e.resolver.Len()))
	return nil
}

// RefreshDecay decays the stored scores of every profile to the current
// time and re-derives its state. Decay is multiplicative, so running it
// repeatedly is equivalent to running it once. It returns the number of
// profiles that changed.
func (e *Engine) RefreshDecay(ctx context.Context) (int, error) {
	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}
	now := e.clock.Now()
	changed := 0
	for _, d := range devices {
		ok, err := e.refreshOne(ctx, d.Identity, now)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (e *Engine) refreshOne(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	p, err := e.store.GetDevice(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load device %s: %w", id, err)
	}

	next := DecayProfile(e.cfg, *p, now)
	if next.FollowingScore == p.FollowingScore &&
		next.SuspiciousActivityScore == p.SuspiciousActivityScore &&
		next.State == p.State {
		return false, nil
	}
	if _, err := e.store.UpsertDevice(ctx, next); err != nil {
		return false, fmt.Errorf("failed to save decayed device %s: %w", id, err)
	}
	return true, nil
}

// DecayProfile returns p with its scores decayed from ScoredAt to now and
// its state re-derived. The stored profile is not modified.
func DecayProfile(cfg Config, p DeviceProfile, now time.Time) DeviceProfile {
	from := p.ScoredAt
	if from.IsZero() {
		from = p.LastSeen
	}
	if !now.After(from) {
		return p
	}
	p.FollowingScore = DecayScore(p.FollowingScore, from, now, cfg.ScoreHalfLife)
	p.SuspiciousActivityScore = cfg.Policy.SuspicionScore(p.FollowingScore, p.IsKnownTracker, p.IsStationary)
	p.ScoredAt = now
	p.State = cfg.Policy.NextState(p, false, now)
	return p
}
