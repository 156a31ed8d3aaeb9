package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/beacon.report/internal/analytics"
	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/httputil"
)

const (
	defaultSnapshotWindow = 24 * time.Hour
	defaultTrendWindow    = 7 * 24 * time.Hour
	defaultTrendMetric    = "suspicious_devices"
)

// historyEnabled writes 503 when no analytics store is configured.
func (s *Server) historyEnabled(w http.ResponseWriter) bool {
	if s.history == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "analytics are not enabled")
		return false
	}
	return true
}

func metricParam(r *http.Request) (string, bool) {
	m := strings.TrimSpace(r.URL.Query().Get("metric"))
	if m == "" {
		return defaultTrendMetric, true
	}
	_, ok := (analytics.Snapshot{}).Value(m)
	return m, ok
}

func daysParam(r *http.Request, def, limit int) (int, bool) {
	v := r.URL.Query().Get("days")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > limit {
		return 0, false
	}
	return n, true
}

// sinceParam returns ?since= or now minus def.
func (s *Server) sinceParam(r *http.Request, def time.Duration) (time.Time, error) {
	since, err := parseTimeParam(r.URL.Query().Get("since"))
	if err != nil {
		return time.Time{}, err
	}
	if since.IsZero() {
		since = s.engine.Now().Add(-def)
	}
	return since, nil
}

// listSnapshots returns stored snapshots, oldest first.
// Query params:
//   - since (optional; default 24 hours ago)
//   - until (optional; default open)
func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.historyEnabled(w) {
		return
	}
	since, err := s.sinceParam(r, defaultSnapshotWindow)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'since' parameter")
		return
	}
	until, err := parseTimeParam(r.URL.Query().Get("until"))
	if err != nil {
		httputil.BadRequest(w, "Invalid 'until' parameter")
		return
	}
	snaps, err := s.history.SnapshotsBetween(r.Context(), since, until)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load snapshots: %v", err))
		return
	}
	if snaps == nil {
		snaps = []analytics.Snapshot{}
	}
	httputil.WriteJSONOK(w, snaps)
}

// currentSnapshot computes a snapshot now without storing it.
func (s *Server) currentSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap, err := analytics.Collect(r.Context(), s.engine, s.engine.Now())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to build snapshot: %v", err))
		return
	}
	httputil.WriteJSONOK(w, snap)
}

// loadTrend fits a trend to the snapshots since ?since=.
func (s *Server) loadTrend(w http.ResponseWriter, r *http.Request) (analytics.Trend, []time.Time, []float64, bool) {
	metric, ok := metricParam(r)
	if !ok {
		httputil.BadRequest(w, fmt.Sprintf("Invalid 'metric' parameter. Must be one of: %s", strings.Join(analytics.Metrics, ", ")))
		return analytics.Trend{}, nil, nil, false
	}
	since, err := s.sinceParam(r, defaultTrendWindow)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'since' parameter")
		return analytics.Trend{}, nil, nil, false
	}
	snaps, err := s.history.SnapshotsBetween(r.Context(), since, time.Time{})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load snapshots: %v", err))
		return analytics.Trend{}, nil, nil, false
	}
	times, values, _ := analytics.Series(snaps, metric)
	return analytics.AnalyzeTrend(metric, times, values), times, values, true
}

// showTrend fits a linear trend to one snapshot metric.
// Query params:
//   - metric (optional; default suspicious_devices)
//   - since (optional; default 7 days ago)
func (s *Server) showTrend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.historyEnabled(w) {
		return
	}
	trend, _, _, ok := s.loadTrend(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, trend)
}

// comparePeriods compares the mean of a metric over the last `days` days
// against the `days` days before that.
// Query params:
//   - metric (optional; default suspicious_devices)
//   - days (optional; default 7, max 90)
func (s *Server) comparePeriods(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.historyEnabled(w) {
		return
	}
	metric, ok := metricParam(r)
	if !ok {
		httputil.BadRequest(w, fmt.Sprintf("Invalid 'metric' parameter. Must be one of: %s", strings.Join(analytics.Metrics, ", ")))
		return
	}
	days, ok := daysParam(r, 7, 90)
	if !ok {
		httputil.BadRequest(w, "Invalid 'days' parameter")
		return
	}
	now := s.engine.Now()
	period := time.Duration(days) * 24 * time.Hour
	split := now.Add(-period)
	snaps, err := s.history.SnapshotsBetween(r.Context(), split.Add(-period), now)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load snapshots: %v", err))
		return
	}
	var before, after []float64
	for _, snap := range snaps {
		v, _ := snap.Value(metric)
		if snap.Timestamp.Before(split) {
			before = append(before, v)
		} else {
			after = append(after, v)
		}
	}
	httputil.WriteJSONOK(w, analytics.ComparePeriods(metric, before, after))
}

// listDeviceDays returns a device's daily summaries.
// Query params:
//   - days (optional; default 7, max 365), counting today
func (s *Server) listDeviceDays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.historyEnabled(w) {
		return
	}
	days, ok := daysParam(r, 7, 365)
	if !ok {
		httputil.BadRequest(w, "Invalid 'days' parameter")
		return
	}
	id := r.PathValue("id")
	if _, err := s.engine.Device(r.Context(), id); errors.Is(err, beacon.ErrNotFound) {
		httputil.NotFound(w, "device not found")
		return
	} else if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load device: %v", err))
		return
	}
	since := s.engine.Now().Add(-time.Duration(days-1) * 24 * time.Hour)
	out, err := s.history.DeviceDays(r.Context(), id, since)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load daily summaries: %v", err))
		return
	}
	if out == nil {
		out = []analytics.DeviceDay{}
	}
	httputil.WriteJSONOK(w, out)
}

// trendChart renders a snapshot metric with its fitted line and the
// predicted next samples.
// Query params:
//   - metric (optional; default suspicious_devices)
//   - since (optional; default 7 days ago)
//   - tz (optional) for the time axis
func (s *Server) trendChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.historyEnabled(w) {
		return
	}
	loc, err := s.requestLocation(r)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'tz' parameter")
		return
	}
	trend, times, values, ok := s.loadTrend(w, r)
	if !ok {
		return
	}

	// Predicted samples continue at the mean snapshot spacing.
	var step time.Duration
	if n := len(times); n > 1 {
		step = times[n-1].Sub(times[0]) / time.Duration(n-1)
	}
	total := len(values) + len(trend.Prediction)
	labels := make([]string, 0, total)
	observed := make([]opts.LineData, 0, total)
	fitted := make([]opts.LineData, 0, total)
	predicted := make([]opts.LineData, 0, total)
	for i, ts := range times {
		labels = append(labels, ts.In(loc).Format("01-02 15:04"))
		observed = append(observed, opts.LineData{Value: values[i]})
		fitted = append(fitted, opts.LineData{Value: trend.Fitted(i)})
		if i == len(times)-1 {
			predicted = append(predicted, opts.LineData{Value: trend.Fitted(i)})
		} else {
			predicted = append(predicted, opts.LineData{Value: nil})
		}
	}
	for i, v := range trend.Prediction {
		labels = append(labels, times[len(times)-1].Add(time.Duration(i+1)*step).In(loc).Format("01-02 15:04"))
		predicted = append(predicted, opts.LineData{Value: v})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Trend " + trend.Metric, Width: "100%", Height: "560px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    strings.ReplaceAll(trend.Metric, "_", " "),
			Subtitle: fmt.Sprintf("%s, %s", trend.Summary, loc),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: trend.Metric}),
	)
	line.SetXAxis(labels).
		AddSeries("observed", observed).
		AddSeries("fitted", fitted).
		AddSeries("predicted", predicted)
	renderChart(w, line)
}
