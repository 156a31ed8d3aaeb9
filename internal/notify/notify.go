// Package notify delivers engine alerts. The engine calls a notifier only
// after the alert's profile and patterns are persisted, so every notifier
// here may fail or drop without losing state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/monitoring"
)

// Log writes each alert to the monitoring logger.
type Log struct{}

func (Log) Notify(_ context.Context, a beacon.Alert) error {
	label := a.Label
	if label == "" {
		label = "-"
	}
	tracker := a.TrackerType
	if tracker == "" {
		tracker = "-"
	}
	monitoring.Logf("ALERT %s identity=%s score=%.3f tracker=%s label=%s at=%s",
		a.Type, a.Identity, a.Score, tracker, label, a.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}

// Channel hands alerts to a consumer goroutine. Delivery never blocks the
// engine: when the buffer is full the alert is dropped and counted.
type Channel struct {
	ch      chan beacon.Alert
	dropped atomic.Int64
}

// NewChannel returns a Channel buffering up to size alerts.
func NewChannel(size int) *Channel {
	if size < 1 {
		size = 1
	}
	return &Channel{ch: make(chan beacon.Alert, size)}
}

// C returns the receive side.
func (c *Channel) C() <-chan beacon.Alert { return c.ch }

// Dropped returns how many alerts were discarded because the buffer was full.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

func (c *Channel) Notify(ctx context.Context, a beacon.Alert) error {
	select {
	case c.ch <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.dropped.Add(1)
		monitoring.NotifyFailures.WithLabelValues("channel").Inc()
		monitoring.Diagf("alert channel full, dropped %s for %s", a.Type, a.Identity)
		return nil
	}
}

// Webhook POSTs each alert as JSON to URL.
type Webhook struct {
	URL    string
	Client httputil.Doer // defaults to http.DefaultClient
}

// webhookPayload is the JSON body of a webhook call.
type webhookPayload struct {
	Event string       `json:"event"`
	Alert beacon.Alert `json:"alert"`
}

func (w *Webhook) Notify(ctx context.Context, a beacon.Alert) error {
	err := w.post(ctx, a)
	if err != nil {
		monitoring.NotifyFailures.WithLabelValues("webhook").Inc()
	}
	return err
}

func (w *Webhook) post(ctx context.Context, a beacon.Alert) error {
	body, err := json.Marshal(webhookPayload{Event: "beacon.alert", Alert: a})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []beacon.Notifier

func (f Fanout) Notify(ctx context.Context, a beacon.Alert) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
