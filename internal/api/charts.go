package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/geo"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/units"
)

// deviceLabel is the x-axis label for a device.
func deviceLabel(p beacon.DeviceProfile) string {
	switch {
	case p.Label != "":
		return p.Label
	case p.Name != "":
		return p.Name
	case p.TrackerType != "":
		return p.TrackerType + " " + shortID(p.Identity)
	}
	return shortID(p.Identity)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderer is implemented by every go-echarts chart.
type renderer interface {
	Render(w io.Writer) error
}

func renderChart(w http.ResponseWriter, c renderer) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// scoreChart renders the most suspicious devices as a grouped bar chart of
// following and suspicion scores.
// Query params:
//   - limit (optional; default 20, max 200)
//   - tz (optional) for the subtitle timestamp
func (s *Server) scoreChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	loc, err := s.requestLocation(r)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'tz' parameter")
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 200 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}

	devices, err := s.engine.Devices(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list devices: %v", err))
		return
	}
	if len(devices) > limit {
		devices = devices[:limit]
	}

	labels := make([]string, len(devices))
	following := make([]opts.BarData, len(devices))
	suspicion := make([]opts.BarData, len(devices))
	for i, d := range devices {
		labels[i] = deviceLabel(d)
		following[i] = opts.BarData{Value: d.FollowingScore}
		suspicion[i] = opts.BarData{Value: d.SuspiciousActivityScore}
	}

	threshold := s.engine.Config().Policy.Threshold
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Device scores", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Device scores",
			Subtitle: fmt.Sprintf("%d devices, alert threshold %.2f, %s", len(devices), threshold, s.engine.Now().In(loc).Format("2006-01-02 15:04 MST")),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "score"}),
	)
	bar.SetXAxis(labels).
		AddSeries("following", following).
		AddSeries("suspicion", suspicion)
	renderChart(w, bar)
}

// deviceChart renders a device's sightings in the analysis window: RSSI
// and distance from the first sighting over time.
// Query params:
//   - units (optional) for the distance series
//   - tz (optional) for the time axis
func (s *Server) deviceChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	unit, ok := s.requestUnits(r)
	if !ok {
		httputil.BadRequest(w, fmt.Sprintf("Invalid 'units' parameter. Must be one of: %s", units.ValidUnitsString()))
		return
	}
	loc, err := s.requestLocation(r)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'tz' parameter")
		return
	}

	id := r.PathValue("id")
	p, err := s.engine.Device(r.Context(), id)
	if errors.Is(err, beacon.ErrNotFound) {
		httputil.NotFound(w, "device not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load device: %v", err))
		return
	}
	history, err := s.engine.Store().SightingsFor(r.Context(), id, p.LastSeen.Add(-s.engine.Config().AnalysisWindow))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load sightings: %v", err))
		return
	}

	times := make([]string, len(history))
	rssi := make([]opts.LineData, len(history))
	dist := make([]opts.LineData, len(history))
	for i, h := range history {
		times[i] = h.Timestamp.In(loc).Format(time.TimeOnly)
		rssi[i] = opts.LineData{Value: h.RSSI}
		d := geo.Haversine(history[0].Point(), h.Point())
		dist[i] = opts.LineData{Value: units.ConvertDistance(d, unit)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Device " + shortID(id), Width: "100%", Height: "560px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    deviceLabel(p),
			Subtitle: fmt.Sprintf("%d sightings, following %.2f, suspicion %.2f, %s", len(history), p.FollowingScore, p.SuspiciousActivityScore, loc),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "RSSI (dBm)"}),
	)
	line.ExtendYAxis(opts.YAxis{Name: "distance (" + unit + ")"})
	line.SetXAxis(times).
		AddSeries("rssi", rssi).
		AddSeries("distance", dist, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1}))
	renderChart(w, line)
}
