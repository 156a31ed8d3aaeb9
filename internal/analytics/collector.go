package analytics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

var logf = monitoring.Component("analytics")

// CollectionReport summarises one collector run.
type CollectionReport struct {
	Snapshot   Snapshot `json:"snapshot"`
	DeviceDays int      `json:"device_days"`
	Purged     int64    `json:"purged"`
}

// Collector periodically writes a snapshot and refreshes the daily summary
// of every device seen since its previous run. Rows older than Retention
// are purged on the same pass.
type Collector struct {
	Source    Source
	Store     Store
	Interval  time.Duration
	Retention time.Duration
	Clock     timeutil.Clock

	mu      sync.Mutex
	lastRun time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCollector creates a collector reading src and writing store.
func NewCollector(src Source, store Store, interval, retention time.Duration, clock timeutil.Clock) *Collector {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Collector{
		Source:    src,
		Store:     store,
		Interval:  interval,
		Retention: retention,
		Clock:     clock,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the periodic loop in a goroutine.
func (c *Collector) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		ticker := c.Clock.NewTicker(c.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if _, err := c.RunOnce(context.Background()); err != nil {
					logf("collection run error: %v", err)
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop requests the loop to exit and waits for it.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}

// RunOnce performs a single collection pass.
func (c *Collector) RunOnce(ctx context.Context) (CollectionReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rep CollectionReport
	now := c.Clock.Now()
	devices, err := c.Source.Devices(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to list devices: %w", err)
	}
	if rep.Snapshot, err = summarise(ctx, c.Source, devices, now); err != nil {
		return rep, fmt.Errorf("failed to build snapshot: %w", err)
	}
	if err := c.Store.AppendSnapshot(ctx, rep.Snapshot); err != nil {
		return rep, fmt.Errorf("failed to store snapshot: %w", err)
	}
	monitoring.SnapshotsTaken.Inc()

	// Days the previous run may not have finished summarising.
	from := now
	if !c.lastRun.IsZero() && c.lastRun.Before(now) {
		from = c.lastRun
	}
	if c.Retention > 0 && from.Before(now.Add(-c.Retention)) {
		from = now.Add(-c.Retention)
	}
	if rep.DeviceDays, err = summariseDevices(ctx, c.Source, c.Store, devices, from, now); err != nil {
		return rep, err
	}
	c.lastRun = now

	if c.Retention > 0 {
		cutoff := now.Add(-c.Retention)
		snaps, err := c.Store.DeleteSnapshotsBefore(ctx, cutoff)
		if err != nil {
			return rep, fmt.Errorf("failed to purge snapshots: %w", err)
		}
		days, err := c.Store.DeleteDeviceDaysBefore(ctx, cutoff)
		if err != nil {
			return rep, fmt.Errorf("failed to purge daily summaries: %w", err)
		}
		rep.Purged = snaps + days
		monitoring.RowsPurged.WithLabelValues("snapshots").Add(float64(snaps))
		monitoring.RowsPurged.WithLabelValues("device_days").Add(float64(days))
	}

	logf("snapshot: %d devices, %d active, %d suspicious, %d alerts; %d daily summaries",
		rep.Snapshot.TotalDevices, rep.Snapshot.ActiveDevices, rep.Snapshot.SuspiciousDevices,
		rep.Snapshot.Alerts, rep.DeviceDays)
	return rep, nil
}
