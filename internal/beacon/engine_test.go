package beacon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/geo"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

func processAll(t *testing.T, e *Engine, events []DetectionEvent) []Outcome {
	t.Helper()
	var outs []Outcome
	for _, ev := range events {
		out, err := e.Process(context.Background(), ev)
		require.NoError(t, err)
		outs = append(outs, out)
	}
	return outs
}

func onlyDevice(t *testing.T, s *MemoryStore) DeviceProfile {
	t.Helper()
	devices, err := s.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	return devices[0]
}

func TestEngine_FollowingScenario(t *testing.T) {
	e, store, notifier := newTestEngine(DefaultConfig())
	outs := processAll(t, e, followingScenario("C0:FF:EE:00:00:01"))

	p := onlyDevice(t, store)
	assert.False(t, p.IsStationary)
	assert.False(t, p.RotatingIdentifier)
	assert.Equal(t, 5, p.DetectionCount)
	assert.Equal(t, 3, outs[4].Factors.DistinctLocations)
	assert.Greater(t, p.FollowingScore, 0.7)

	alerts := notifier.Alerts()
	require.Len(t, alerts, 1, "exactly one alert")
	assert.Equal(t, PatternFollowingSuspect, alerts[0].Type)
	assert.Equal(t, outs[3].Sighting.Timestamp, alerts[0].Timestamp, "alert fires once the second errand is seen")
	assert.GreaterOrEqual(t, alerts[0].Score, DefaultConfig().Policy.Threshold)
	assert.Equal(t, StateAlerted, p.State)

	patterns, err := store.QueryPatterns(context.Background(), PatternQuery{Type: PatternFollowingSuspect})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, alerts[0].Score, patterns[0].Confidence)
	assert.Equal(t, "3", patterns[0].Metadata["distinct_locations"])
}

func TestEngine_StationaryScenario(t *testing.T) {
	e, store, notifier := newTestEngine(DefaultConfig())
	ctx := context.Background()

	// A neighbour's beacon, seen only when the owner is home, over a month
	// in which the owner travels widely between sightings.
	step := 30 * 24 * time.Hour / 50
	for i := 0; i < 50; i++ {
		at := t0.Add(time.Duration(i) * step)
		away := geo.Offset(home, float64((i*73)%360), 5000+float64(i*100))
		require.NoError(t, e.RecordLocation(ctx, LocationFix{
			Timestamp: at.Add(-step / 2), Latitude: away.Lat, Longitude: away.Lon, Accuracy: 10,
		}))

		jitter := geo.Offset(home, float64((i*37)%360), 2)
		out, err := e.Process(ctx, sightingAt("5A:5A:5A:00:00:01", at, -75+(i%5), jitter))
		require.NoError(t, err)
		require.True(t, out.Applied)
		assert.Less(t, out.Profile.FollowingScore, 0.1, "sighting %d", i)
	}

	p := onlyDevice(t, store)
	assert.True(t, p.IsStationary)
	assert.Equal(t, 50, p.DetectionCount)
	assert.Less(t, p.FollowingScore, 0.1)
	assert.Equal(t, StateStationary, p.State)
	assert.False(t, p.RotatingIdentifier)
	assert.Empty(t, notifier.Alerts())

	stationary, err := store.QueryPatterns(ctx, PatternQuery{Type: PatternStationaryBeacon})
	require.NoError(t, err)
	require.Len(t, stationary, 1, "classification flips once")
	assert.InDelta(t, 1.0, stationary[0].Confidence, 1e-9)
}

func TestEngine_SingleAddressSingleLocationStaysLow(t *testing.T) {
	e, store, notifier := newTestEngine(DefaultConfig())
	var events []DetectionEvent
	for i := 0; i < 200; i++ {
		events = append(events, sightingAt("11:22:33:44:55:66", t0.Add(time.Duration(i)*time.Minute), -50-(i%7), home))
	}
	_, err := e.ProcessBatch(context.Background(), events)
	require.NoError(t, err)

	p := onlyDevice(t, store)
	assert.False(t, p.RotatingIdentifier)
	assert.Equal(t, 0.0, p.FollowingScore)
	assert.Equal(t, 200, p.DetectionCount)
	assert.Equal(t, 200, p.MaxConsecutiveDetections)
	assert.Empty(t, notifier.Alerts())
}

func TestEngine_ReplayDoesNotDoubleCountOrRealert(t *testing.T) {
	e, store, notifier := newTestEngine(DefaultConfig())
	events := followingScenario("C0:FF:EE:00:00:02")
	processAll(t, e, events)
	before := onlyDevice(t, store)

	// The triggering event, delivered again twice within the cooldown.
	for i := 0; i < 2; i++ {
		out, err := e.Process(context.Background(), events[3])
		require.NoError(t, err)
		assert.False(t, out.Applied)
		assert.Nil(t, out.Alert)
	}
	outs, err := e.ProcessBatch(context.Background(), events)
	require.NoError(t, err)
	for _, out := range outs {
		assert.False(t, out.Applied)
	}

	after := onlyDevice(t, store)
	assert.Equal(t, before.DetectionCount, after.DetectionCount)
	assert.Equal(t, before.ConsecutiveDetections, after.ConsecutiveDetections)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, notifier.Alerts(), 1)
}

func TestEngine_AlertRearmsAfterCooldown(t *testing.T) {
	e, _, notifier := newTestEngine(DefaultConfig())
	addr := "C0:FF:EE:00:00:03"
	processAll(t, e, followingScenario(addr))
	require.Len(t, notifier.Alerts(), 1)

	// Within the cooldown: still suspicious, no alert.
	c := geo.Offset(home, 180, 2000)
	out, err := e.Process(context.Background(), sightingAt(addr, t0.Add(20*time.Minute), -60, c))
	require.NoError(t, err)
	assert.Nil(t, out.Alert)
	assert.Equal(t, StateAlerted, out.Profile.State)

	// After the cooldown the device is still following.
	d := geo.Offset(home, 270, 2000)
	out, err = e.Process(context.Background(), sightingAt(addr, t0.Add(50*time.Minute), -60, d))
	require.NoError(t, err)
	require.NotNil(t, out.Alert)
	assert.Len(t, notifier.Alerts(), 2)
}

func TestEngine_OrderIndependenceAcrossDevices(t *testing.T) {
	a := followingScenario("AA:AA:AA:00:00:01")
	var b []DetectionEvent
	for i := 0; i < 6; i++ {
		at := t0.Add(time.Duration(i)*2*time.Minute + 7*time.Second)
		b = append(b, sightingAt("BB:BB:BB:00:00:02", at, -80+i, geo.Offset(home, 270, 3000)))
	}

	run := func(order ...[]DetectionEvent) map[string]DeviceProfile {
		e, store, _ := newTestEngine(DefaultConfig())
		for _, events := range order {
			processAll(t, e, events)
		}
		devices, err := store.ListDevices(context.Background())
		require.NoError(t, err)
		out := make(map[string]DeviceProfile)
		for _, d := range devices {
			out[d.Identity] = d
		}
		return out
	}

	ab := run(a, b)
	ba := run(b, a)
	require.Len(t, ab, 2)
	if diff := cmp.Diff(ab, ba); diff != "" {
		t.Errorf("profiles depend on cross-device order (-a,b +b,a):\n%s", diff)
	}

	e, store, _ := newTestEngine(DefaultConfig())
	_, err := e.ProcessBatch(context.Background(), append(append([]DetectionEvent(nil), b...), a...))
	require.NoError(t, err)
	devices, err := store.ListDevices(context.Background())
	require.NoError(t, err)
	for _, d := range devices {
		if diff := cmp.Diff(ab[d.Identity], d); diff != "" {
			t.Errorf("batched profile for %s differs:\n%s", d.Identity, diff)
		}
	}
}

func TestEngine_MergesRotatedAddress(t *testing.T) {
	e, store, _ := newTestEngine(DefaultConfig())
	events := []DetectionEvent{
		advert("4A:00:00:00:00:01", t0, -60),
		advert("4A:00:00:00:00:01", t0.Add(10*time.Second), -61),
		advert("4A:00:00:00:00:02", t0.Add(50*time.Second), -59),
	}
	outs := processAll(t, e, events)

	p := onlyDevice(t, store)
	assert.True(t, p.RotatingIdentifier)
	assert.Equal(t, []string{"4A:00:00:00:00:01", "4A:00:00:00:00:02"}, p.Addresses)
	assert.Equal(t, 3, p.DetectionCount)
	assert.True(t, p.IsKnownTracker)
	assert.Equal(t, "AirTag", p.TrackerType)
	assert.Equal(t, outs[0].Profile.Identity, outs[2].Profile.Identity)

	merges, err := store.QueryPatterns(context.Background(), PatternQuery{Type: PatternRotatingIdentifierMerge})
	require.NoError(t, err)
	require.Len(t, merges, 1)
	assert.Equal(t, "4A:00:00:00:00:02", merges[0].Metadata["address"])
	assert.Equal(t, "40000", merges[0].Metadata["gap_ms"])
}

func TestEngine_KnownTrackerFirstSighting(t *testing.T) {
	e, _, notifier := newTestEngine(DefaultConfig())
	out, err := e.Process(context.Background(), advert("4A:00:00:00:00:09", t0, -60))
	require.NoError(t, err)

	assert.True(t, out.Profile.IsKnownTracker)
	assert.Equal(t, 0.0, out.Profile.FollowingScore)
	assert.InDelta(t, DefaultConfig().Policy.KnownTrackerWeight, out.Profile.SuspiciousActivityScore, 1e-9)
	assert.Equal(t, StateNew, out.Profile.State)
	assert.Empty(t, notifier.Alerts())
}

func TestEngine_IgnoredDeviceNeverAlerts(t *testing.T) {
	e, store, notifier := newTestEngine(DefaultConfig())
	events := followingScenario("C0:FF:EE:00:00:04")
	processAll(t, e, events[:1])

	id := onlyDevice(t, store).Identity
	ignored := true
	label := "my headphones"
	p, err := e.SetOverrides(context.Background(), id, Overrides{Ignored: &ignored, Label: &label})
	require.NoError(t, err)
	assert.True(t, p.IsIgnored)
	assert.Equal(t, "my headphones", p.Label)

	processAll(t, e, events[1:])
	assert.Empty(t, notifier.Alerts())
	p = onlyDevice(t, store)
	assert.Greater(t, p.SuspiciousActivityScore, 0.5)
	assert.Equal(t, StateActive, p.State)

	_, err = e.SetOverrides(context.Background(), "missing", Overrides{Ignored: &ignored})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEngine_PurgeIsVersioned(t *testing.T) {
	e, store, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()
	addr := "D0:0D:00:00:00:01"
	processAll(t, e, []DetectionEvent{sightingAt(addr, t0, -60, home)})
	stale := onlyDevice(t, store)

	// An update lands between the housekeeping read and the purge.
	processAll(t, e, []DetectionEvent{sightingAt(addr, t0.Add(time.Minute), -60, home)})
	err := e.Purge(ctx, stale.Identity, stale.Version)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	current := onlyDevice(t, store)
	require.NoError(t, e.Purge(ctx, current.Identity, current.Version))
	_, err = store.GetDevice(ctx, current.Identity)
	assert.True(t, errors.Is(err, ErrNotFound))
	sightings, err := store.SightingsFor(ctx, current.Identity, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, sightings)
}

func TestEngine_WarmRestoresIdentities(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first := NewEngine(DefaultConfig(), store, EngineOptions{})
	_, err := first.Process(ctx, advert("4B:00:00:00:00:01", t0, -60))
	require.NoError(t, err)

	restarted := NewEngine(DefaultConfig(), store, EngineOptions{})
	n, err := restarted.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, err := restarted.Process(ctx, advert("4B:00:00:00:00:02", t0.Add(30*time.Second), -60))
	require.NoError(t, err)
	assert.True(t, out.Profile.RotatingIdentifier)

	devices, err := store.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestEngine_DecayAndQueries(t *testing.T) {
	clock := timeutil.NewMockClock(t0.Add(10 * time.Minute))
	store := NewMemoryStore()
	cfg := DefaultConfig()
	e := NewEngine(cfg, store, EngineOptions{Clock: clock})
	ctx := context.Background()

	processAll(t, e, followingScenario("C0:FF:EE:00:00:05"))
	processAll(t, e, []DetectionEvent{advert("4C:00:00:00:00:01", t0.Add(time.Minute), -70)})
	fresh := onlyFollowing(t, store)

	suspicious, err := e.SuspiciousDevices(ctx)
	require.NoError(t, err)
	require.Len(t, suspicious, 1)
	assert.Equal(t, fresh.Identity, suspicious[0].Identity)

	known, err := e.KnownTrackers(ctx)
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, "AirTag", known[0].TrackerType)

	tracked, err := e.TrackedDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, tracked)

	// One half-life later the read-time view is halved and the device
	// drops out of the suspicious set.
	clock.Advance(cfg.ScoreHalfLife)
	view, err := e.Device(ctx, fresh.Identity)
	require.NoError(t, err)
	assert.InDelta(t, fresh.FollowingScore/2, view.FollowingScore, 1e-9)
	suspicious, err = e.SuspiciousDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, suspicious)

	changed, err := e.RefreshDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed, "the known tracker has nothing to decay")
	stored, err := store.GetDevice(ctx, fresh.Identity)
	require.NoError(t, err)
	assert.InDelta(t, view.FollowingScore, stored.FollowingScore, 1e-9)
	assert.Equal(t, StateActive, stored.State)

	// Refreshing again at the same instant changes nothing.
	changed, err = e.RefreshDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	// Decay compounds correctly across refreshes.
	clock.Advance(cfg.ScoreHalfLife)
	_, err = e.RefreshDecay(ctx)
	require.NoError(t, err)
	stored, err = store.GetDevice(ctx, fresh.Identity)
	require.NoError(t, err)
	assert.InDelta(t, fresh.FollowingScore/4, stored.FollowingScore, 1e-9)
}

func onlyFollowing(t *testing.T, s *MemoryStore) DeviceProfile {
	t.Helper()
	devices, err := s.ListDevices(context.Background())
	require.NoError(t, err)
	for _, d := range devices {
		if !d.IsKnownTracker {
			return d
		}
	}
	t.Fatal("no following device stored")
	return DeviceProfile{}
}

func TestEngine_ConcurrentBatchesForOneIdentity(t *testing.T) {
	e, store, _ := newTestEngine(DefaultConfig())
	addr := "CC:CC:CC:00:00:01"

	var mu sync.Mutex
	applied := 0
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var batch []DetectionEvent
			for i := 0; i < 25; i++ {
				at := t0.Add(time.Duration(i*4+w) * time.Second)
				batch = append(batch, sightingAt(addr, at, -60-w, geo.Offset(home, 0, float64(i*10))))
			}
			outs, err := e.ProcessBatch(context.Background(), batch)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			for _, o := range outs {
				if o.Applied {
					applied++
				}
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	p := onlyDevice(t, store)
	assert.Equal(t, 100, applied, "interleaved late sightings are folded in")
	assert.Equal(t, applied, p.DetectionCount, "every applied update is reflected exactly once")
	assert.Equal(t, t0, p.FirstSeen)
	assert.Equal(t, t0.Add(99*time.Second), p.LastSeen)
	assert.Nil(t, p.PendingAlert)
}

func TestEngine_ParallelIdentitiesInOneBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchParallelism = 8
	e, store, _ := newTestEngine(cfg)

	var batch []DetectionEvent
	for d := 0; d < 20; d++ {
		addr := "EE:EE:EE:00:00:" + twoDigits(d)
		for i := 0; i < 10; i++ {
			at := t0.Add(time.Duration(i)*time.Minute + time.Duration(d)*time.Millisecond)
			batch = append(batch, sightingAt(addr, at, -70, geo.Offset(home, float64(d*18), float64(i*300))))
		}
	}
	outs, err := e.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outs, len(batch))
	for i := 1; i < len(outs); i++ {
		assert.False(t, outs[i].Sighting.Timestamp.Before(outs[i-1].Sighting.Timestamp), "outcomes in timestamp order")
	}

	devices, err := store.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 20)
	for _, d := range devices {
		assert.Equal(t, 10, d.DetectionCount)
	}
}

// flakyNotifier rejects the first failures alerts, then records the rest.
type flakyNotifier struct {
	recordingNotifier
	failures int
	calls    int
}

func (f *flakyNotifier) Notify(ctx context.Context, a Alert) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("push service down")
	}
	return f.recordingNotifier.Notify(ctx, a)
}

func TestEngine_FailedNotificationIsRedeliveredOnRetry(t *testing.T) {
	store := NewMemoryStore()
	notifier := &flakyNotifier{failures: 1}
	e := NewEngine(DefaultConfig(), store, EngineOptions{Notifier: notifier})
	events := followingScenario("C0:FF:EE:00:00:06")
	processAll(t, e, events[:3])

	_, err := e.Process(context.Background(), events[3])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push service down")

	// Profile, sighting and alert pattern were committed together and the
	// alert is kept until the notifier accepts it.
	p := onlyDevice(t, store)
	assert.Equal(t, 4, p.DetectionCount)
	assert.Equal(t, events[3].Timestamp, p.LastAlertTime)
	require.NotNil(t, p.PendingAlert)
	assert.Equal(t, PatternFollowingSuspect, p.PendingAlert.Type)
	assert.Empty(t, notifier.Alerts())

	// The caller retries the same event.
	out, err := e.Process(context.Background(), events[3])
	require.NoError(t, err)
	assert.False(t, out.Applied)
	require.NotNil(t, out.Alert)

	alerts := notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, PatternFollowingSuspect, alerts[0].Type)
	assert.Equal(t, events[3].Timestamp, alerts[0].Timestamp)

	p = onlyDevice(t, store)
	assert.Equal(t, 4, p.DetectionCount, "retry is not counted twice")
	assert.Nil(t, p.PendingAlert)

	patterns, err := store.QueryPatterns(context.Background(), PatternQuery{Type: PatternFollowingSuspect})
	require.NoError(t, err)
	assert.Len(t, patterns, 1)

	// Once delivered, further replays stay silent.
	out, err = e.Process(context.Background(), events[3])
	require.NoError(t, err)
	assert.Nil(t, out.Alert)
	assert.Len(t, notifier.Alerts(), 1)
}

func TestEngine_PendingAlertDeliveredByNextSighting(t *testing.T) {
	store := NewMemoryStore()
	notifier := &flakyNotifier{failures: 1}
	e := NewEngine(DefaultConfig(), store, EngineOptions{Notifier: notifier})
	events := followingScenario("C0:FF:EE:00:00:07")
	processAll(t, e, events[:3])

	_, err := e.Process(context.Background(), events[3])
	require.Error(t, err)

	out, err := e.Process(context.Background(), events[4])
	require.NoError(t, err)
	assert.True(t, out.Applied)
	require.NotNil(t, out.Alert)
	assert.Equal(t, events[3].Timestamp, out.Alert.Timestamp)

	alerts := notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, events[3].Timestamp, alerts[0].Timestamp)
	p := onlyDevice(t, store)
	assert.Nil(t, p.PendingAlert)
	assert.Equal(t, 5, p.DetectionCount)
}

func TestEngine_DeliverPending(t *testing.T) {
	store := NewMemoryStore()
	notifier := &flakyNotifier{failures: 2}
	e := NewEngine(DefaultConfig(), store, EngineOptions{Notifier: notifier})
	events := followingScenario("C0:FF:EE:00:00:08")
	processAll(t, e, events[:3])
	_, err := e.Process(context.Background(), events[3])
	require.Error(t, err)

	n, err := e.DeliverPending(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)
	require.NotNil(t, onlyDevice(t, store).PendingAlert)

	n, err = e.DeliverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, notifier.Alerts(), 1)
	assert.Nil(t, onlyDevice(t, store).PendingAlert)

	n, err = e.DeliverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngine_NoNotifierKeepsNothingPending(t *testing.T) {
	store := NewMemoryStore()
	e := NewEngine(DefaultConfig(), store, EngineOptions{})
	outs := processAll(t, e, followingScenario("C0:FF:EE:00:00:09"))
	require.NotNil(t, outs[3].Alert)
	p := onlyDevice(t, store)
	assert.Nil(t, p.PendingAlert)
	assert.Equal(t, StateAlerted, p.State)
}

// commitFailingStore fails the first atomic commit that raises an alert.
type commitFailingStore struct {
	*MemoryStore
	failed bool
}

func (s *commitFailingStore) CommitUpdate(ctx context.Context, u DeviceUpdate) (DeviceProfile, error) {
	if !s.failed && u.Profile.PendingAlert != nil {
		s.failed = true
		return DeviceProfile{}, errors.New("disk full")
	}
	return s.MemoryStore.CommitUpdate(ctx, u)
}

func TestEngine_FailedCommitLeavesEventRetryable(t *testing.T) {
	store := &commitFailingStore{MemoryStore: NewMemoryStore()}
	notifier := &recordingNotifier{}
	e := NewEngine(DefaultConfig(), store, EngineOptions{Notifier: notifier})
	events := followingScenario("C0:FF:EE:00:00:0A")
	processAll(t, e, events[:3])

	_, err := e.Process(context.Background(), events[3])
	require.Error(t, err)
	p := onlyDevice(t, store.MemoryStore)
	assert.Equal(t, 3, p.DetectionCount, "nothing of the failed event was stored")
	sightings, err := store.SightingsFor(context.Background(), p.Identity, time.Time{})
	require.NoError(t, err)
	assert.Len(t, sightings, 3)

	out, err := e.Process(context.Background(), events[3])
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Len(t, notifier.Alerts(), 1)
}

func TestEngine_LateSightingFromLaterBatch(t *testing.T) {
	addr := "1A:7E:00:00:00:01"
	a := sightingAt(addr, t0, -60, home)
	b := sightingAt(addr, t0.Add(time.Minute), -50, geo.Offset(home, 0, 40))

	run := func(batches ...DetectionEvent) DeviceProfile {
		e, store, _ := newTestEngine(DefaultConfig())
		for _, ev := range batches {
			outs, err := e.ProcessBatch(context.Background(), []DetectionEvent{ev})
			require.NoError(t, err)
			require.True(t, outs[0].Applied)
		}
		return onlyDevice(t, store)
	}

	inOrder := run(a, b)
	swapped := run(b, a)

	assert.Equal(t, 2, swapped.DetectionCount)
	assert.Equal(t, inOrder.DetectionCount, swapped.DetectionCount)
	assert.Equal(t, inOrder.FirstSeen, swapped.FirstSeen)
	assert.Equal(t, t0, swapped.FirstSeen)
	assert.Equal(t, inOrder.LastSeen, swapped.LastSeen)
	assert.Equal(t, inOrder.ConsecutiveDetections, swapped.ConsecutiveDetections)
	assert.Equal(t, inOrder.CurrentRSSI, swapped.CurrentRSSI)
	assert.InDelta(t, inOrder.AvgRSSI, swapped.AvgRSSI, 1e-9)
	assert.InDelta(t, inOrder.RSSIVariance, swapped.RSSIVariance, 1e-9)
	assert.InDelta(t, inOrder.FollowingScore, swapped.FollowingScore, 1e-9)
}

func TestEngine_SameInstantFromTwoAddresses(t *testing.T) {
	e, store, _ := newTestEngine(DefaultConfig())
	ctx := context.Background()
	first := sightingAt("2B:00:00:00:00:01", t0, -60, home)
	_, err := e.Process(ctx, first)
	require.NoError(t, err)
	id := onlyDevice(t, store).Identity

	// A second address reported at the same instant for the same identity
	// is a distinct sighting, not a replay.
	res := Resolution{Identity: id}
	out, err := e.processLocked(ctx, id, sightingAt("2B:00:00:00:00:02", t0, -62, home), res)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	out, err = e.processLocked(ctx, id, sightingAt("2b:00:00:00:00:02", t0, -62, home), res)
	require.NoError(t, err)
	assert.False(t, out.Applied, "address case does not defeat replay detection")
	assert.Equal(t, 2, onlyDevice(t, store).DetectionCount)
}
