// Package ingest turns sniffer lines into detection events and owner fixes,
// batches them, and hands the batches to the detection engine.
//
// Malformed lines are dropped here with a rate-limited diagnostic so the
// engine only ever sees well-formed events.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

var logf = monitoring.Component("ingest")

// Processor is the engine surface the ingestor drives. *beacon.Engine
// satisfies it.
type Processor interface {
	ProcessBatch(ctx context.Context, events []beacon.DetectionEvent) ([]beacon.Outcome, error)
	RecordLocation(ctx context.Context, f beacon.LocationFix) error
}

var _ Processor = (*beacon.Engine)(nil)

// Options tune batching. Zero values take the defaults below.
type Options struct {
	FlushInterval time.Duration // default 2s
	MaxBatch      int           // flush early at this many events, default 256
	MaxPending    int           // backlog kept across failed flushes, default 8×MaxBatch
	MaxFixAge     time.Duration // how far an owner fix may be from a sighting, default 30s
	Clock         timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 256
	}
	if o.MaxPending < o.MaxBatch {
		o.MaxPending = 8 * o.MaxBatch
	}
	if o.MaxFixAge <= 0 {
		o.MaxFixAge = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// recentFixes is how many owner fixes are kept for attaching to sightings
// that arrive without one.
const recentFixes = 64

// Stats counts what the ingestor has seen since it started.
type Stats struct {
	Received  int64 `json:"received"`
	Dropped   int64 `json:"dropped"`
	Processed int64 `json:"processed"`
	Alerts    int64 `json:"alerts"`
	Failures  int64 `json:"failed_flushes"`
	Pending   int   `json:"pending"`
}

// Ingestor implements serialmux.Handler.
type Ingestor struct {
	proc Processor
	opts Options

	mu      sync.Mutex
	events  []beacon.DetectionEvent
	fixes   []beacon.LocationFix // queued for the store
	recent  []beacon.LocationFix // ring of the latest fixes, oldest first
	flushMu sync.Mutex

	full chan struct{}

	received, dropped, processed, alerts, failures atomic.Int64
}

// New returns an Ingestor feeding proc.
func New(proc Processor, opts Options) *Ingestor {
	return &Ingestor{
		proc: proc,
		opts: opts.withDefaults(),
		full: make(chan struct{}, 1),
	}
}

func (in *Ingestor) drop(err error, payload string) {
	in.dropped.Add(1)
	monitoring.SightingsDropped.WithLabelValues(dropReason(err)).Inc()
	monitoring.Diagf("[ingest] dropped line: %v: %.120s", err, payload)
}

// HandleLocation queues an owner fix. Malformed fixes are dropped.
func (in *Ingestor) HandleLocation(payload string) error {
	fix, err := DecodeLocation(payload, in.opts.Clock.Now())
	if err != nil {
		in.drop(err, payload)
		return nil
	}
	in.mu.Lock()
	in.fixes = append(in.fixes, fix)
	in.remember(fix)
	in.mu.Unlock()
	return nil
}

// remember inserts fix into the recent ring, keeping it time ordered.
// Callers hold in.mu.
func (in *Ingestor) remember(fix beacon.LocationFix) {
	i := sort.Search(len(in.recent), func(i int) bool { return !in.recent[i].Timestamp.Before(fix.Timestamp) })
	if i < len(in.recent) && in.recent[i].Timestamp.Equal(fix.Timestamp) {
		in.recent[i] = fix
		return
	}
	in.recent = append(in.recent, beacon.LocationFix{})
	copy(in.recent[i+1:], in.recent[i:])
	in.recent[i] = fix
	if len(in.recent) > recentFixes {
		in.recent = in.recent[len(in.recent)-recentFixes:]
	}
}

// nearestFix returns the remembered fix closest in time to ts, if it lies
// within MaxFixAge. Callers hold in.mu.
func (in *Ingestor) nearestFix(ts time.Time) (beacon.LocationFix, error) {
	best := -1
	var bestGap time.Duration
	for i, f := range in.recent {
		gap := f.Timestamp.Sub(ts).Abs()
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	if best < 0 || bestGap > in.opts.MaxFixAge {
		return beacon.LocationFix{}, errNoFix
	}
	return in.recent[best], nil
}

// HandleSighting decodes a sighting and queues it for the next flush.
// Malformed sightings, or ones with no owner fix nearby, are dropped.
func (in *Ingestor) HandleSighting(payload string) error {
	in.received.Add(1)
	now := in.opts.Clock.Now()

	in.mu.Lock()
	ev, err := DecodeSighting(payload, now, in.nearestFix)
	if err != nil {
		in.mu.Unlock()
		in.drop(err, payload)
		return nil
	}
	in.events = append(in.events, ev)
	if over := len(in.events) - in.opts.MaxPending; over > 0 {
		in.events = in.events[over:]
		in.dropped.Add(int64(over))
		monitoring.SightingsDropped.WithLabelValues("backlog").Add(float64(over))
	}
	full := len(in.events) >= in.opts.MaxBatch
	in.mu.Unlock()

	if full {
		select {
		case in.full <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush records queued fixes and processes up to MaxBatch queued events.
// On a store or notifier error the events go back to the front of the
// queue. The engine does not apply an event twice, and a retried event
// whose alert was not delivered redelivers it.
func (in *Ingestor) Flush(ctx context.Context) (int, error) {
	in.flushMu.Lock()
	defer in.flushMu.Unlock()

	in.mu.Lock()
	fixes := in.fixes
	in.fixes = nil
	n := min(len(in.events), in.opts.MaxBatch)
	batch := append([]beacon.DetectionEvent(nil), in.events[:n]...)
	in.events = in.events[n:]
	in.mu.Unlock()

	for i, f := range fixes {
		if err := in.proc.RecordLocation(ctx, f); err != nil {
			in.requeue(fixes[i:], batch)
			in.failures.Add(1)
			return 0, err
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	outs, err := in.proc.ProcessBatch(ctx, batch)
	if err != nil {
		in.requeue(nil, batch)
		in.failures.Add(1)
		return 0, fmt.Errorf("failed to process batch of %d: %w", len(batch), err)
	}
	applied := 0
	for _, o := range outs {
		if o.Applied {
			applied++
		}
		if o.Alert != nil {
			in.alerts.Add(1)
		}
	}
	in.processed.Add(int64(applied))
	return applied, nil
}

func (in *Ingestor) requeue(fixes []beacon.LocationFix, events []beacon.DetectionEvent) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.fixes = append(append([]beacon.LocationFix(nil), fixes...), in.fixes...)
	in.events = append(append([]beacon.DetectionEvent(nil), events...), in.events...)
}

// Pending returns the number of queued events.
func (in *Ingestor) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.events)
}

// Stats returns the ingestor counters.
func (in *Ingestor) Stats() Stats {
	return Stats{
		Received:  in.received.Load(),
		Dropped:   in.dropped.Load(),
		Processed: in.processed.Load(),
		Alerts:    in.alerts.Load(),
		Failures:  in.failures.Load(),
		Pending:   in.Pending(),
	}
}

// Run flushes every FlushInterval, or sooner when a full batch is queued,
// until ctx is done. It then drains the queue once more with a short
// deadline so a clean shutdown loses nothing.
func (in *Ingestor) Run(ctx context.Context) error {
	ticker := in.opts.Clock.NewTicker(in.opts.FlushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		for {
			if _, err := in.Flush(ctx); err != nil {
				logf("flush error: %v", err)
				return
			}
			if in.Pending() < in.opts.MaxBatch {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for in.Pending() > 0 {
				if _, err := in.Flush(drainCtx); err != nil {
					logf("final flush error: %v", err)
					break
				}
			}
			// Fixes queued without sightings.
			if _, err := in.Flush(drainCtx); err != nil {
				logf("final flush error: %v", err)
			}
			cancel()
			return ctx.Err()
		case <-ticker.C():
			flush(ctx)
		case <-in.full:
			flush(ctx)
		}
	}
}
