package beacon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// HousekeepingReport summarises one housekeeping run.
type HousekeepingReport struct {
	Sightings int64 `json:"sightings"`
	Locations int64 `json:"locations"`
	Patterns  int64 `json:"patterns"`
	Devices   int   `json:"devices"`
	Decayed   int   `json:"decayed"`
	Conflicts int   `json:"conflicts"` // purges skipped because the device was updated meanwhile
	Delivered int   `json:"delivered"` // pending alerts the notifier accepted on retry
}

// Housekeeper periodically purges data older than the retention window,
// deletes devices with no recent sightings, refreshes decayed scores and
// retries alerts the notifier rejected earlier.
// Devices the user tracks or labels are never purged.
type Housekeeper struct {
	Engine    *Engine
	Retention time.Duration
	Interval  time.Duration
	Clock     timeutil.Clock

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHousekeeper creates a housekeeper for engine.
func NewHousekeeper(engine *Engine, retention, interval time.Duration) *Housekeeper {
	return &Housekeeper{
		Engine:    engine,
		Retention: retention,
		Interval:  interval,
		Clock:     engine.clock,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the periodic loop in a goroutine.
func (h *Housekeeper) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(h.done)
		ticker := h.Clock.NewTicker(h.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if _, err := h.RunOnce(context.Background()); err != nil {
					monitoring.Logf("housekeeping run error: %v", err)
				}
			case <-h.stop:
				return
			}
		}
	}()
}

// Stop requests the loop to exit and waits for it.
func (h *Housekeeper) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	if h.started.Load() {
		<-h.done
	}
}

// RunOnce performs a single housekeeping pass.
func (h *Housekeeper) RunOnce(ctx context.Context) (HousekeepingReport, error) {
	var rep HousekeepingReport
	store := h.Engine.store
	cutoff := h.Clock.Now().Add(-h.Retention)

	// Device list is snapshotted before sightings are purged so each
	// candidate carries the version it had when it was judged stale.
	devices, err := store.ListDevices(ctx)
	if err != nil {
		return rep, err
	}

	if rep.Sightings, err = store.DeleteSightingsBefore(ctx, cutoff); err != nil {
		return rep, err
	}
	if rep.Locations, err = store.DeleteLocationsBefore(ctx, cutoff); err != nil {
		return rep, err
	}
	if rep.Patterns, err = store.DeletePatternsBefore(ctx, cutoff); err != nil {
		return rep, err
	}

	for _, d := range devices {
		if d.IsTracked || strings.TrimSpace(d.Label) != "" {
			continue
		}
		if !d.LastSeen.Before(cutoff) {
			continue
		}
		err := h.Engine.Purge(ctx, d.Identity, d.Version)
		switch {
		case err == nil:
			rep.Devices++
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrNotFound):
			rep.Conflicts++
		default:
			return rep, err
		}
	}

	if rep.Decayed, err = h.Engine.RefreshDecay(ctx); err != nil {
		return rep, err
	}

	// A notifier outage must not stop retention from running.
	if rep.Delivered, err = h.Engine.DeliverPending(ctx); err != nil {
		monitoring.Logf("housekeeping: pending alert delivery: %v", err)
	}

	monitoring.RowsPurged.WithLabelValues("sightings").Add(float64(rep.Sightings))
	monitoring.RowsPurged.WithLabelValues("locations").Add(float64(rep.Locations))
	monitoring.RowsPurged.WithLabelValues("patterns").Add(float64(rep.Patterns))
	monitoring.RowsPurged.WithLabelValues("devices").Add(float64(rep.Devices))
	monitoring.Logf("housekeeping: purged %d sightings, %d locations, %d patterns, %d devices (%d skipped); decayed %d; delivered %d",
		rep.Sightings, rep.Locations, rep.Patterns, rep.Devices, rep.Conflicts, rep.Decayed, rep.Delivered)
	return rep, nil
}
