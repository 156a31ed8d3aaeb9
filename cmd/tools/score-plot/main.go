// Command score-plot renders device scores from a beacon.report database as
// PNG charts: a bar chart of the most suspicious devices, or one device's
// RSSI and distance from its first sighting over time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/config"
	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/geo"
	"github.com/banshee-data/beacon.report/internal/security"
)

var (
	followingColor = color.RGBA{R: 0x33, G: 0x66, B: 0xcc, A: 0xff}
	suspicionColor = color.RGBA{R: 0xdc, G: 0x39, B: 0x12, A: 0xff}
)

func label(p beacon.DeviceProfile) string {
	switch {
	case p.Label != "":
		return p.Label
	case p.TrackerType != "":
		return p.TrackerType
	case len(p.Identity) > 8:
		return p.Identity[:8]
	}
	return p.Identity
}

// plotScores draws following and suspicion scores of the top devices side by
// side. It returns the number of devices drawn.
func plotScores(ctx context.Context, engine *beacon.Engine, top int, path string) (int, error) {
	devices, err := engine.Devices(ctx)
	if err != nil {
		return 0, err
	}
	if len(devices) == 0 {
		return 0, errors.New("no devices in database")
	}
	if len(devices) > top {
		devices = devices[:top]
	}

	names := make([]string, len(devices))
	following := make(plotter.Values, len(devices))
	suspicion := make(plotter.Values, len(devices))
	for i, d := range devices {
		names[i] = label(d)
		following[i] = d.FollowingScore
		suspicion[i] = d.SuspiciousActivityScore
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Device scores (alert threshold %.2f)", engine.Config().Policy.Threshold)
	p.Y.Label.Text = "Score"
	p.Y.Min, p.Y.Max = 0, 1

	w := vg.Points(12)
	fBars, err := plotter.NewBarChart(following, w)
	if err != nil {
		return 0, err
	}
	fBars.Color = followingColor
	fBars.LineStyle.Width = 0
	fBars.Offset = -w / 2

	sBars, err := plotter.NewBarChart(suspicion, w)
	if err != nil {
		return 0, err
	}
	sBars.Color = suspicionColor
	sBars.LineStyle.Width = 0
	sBars.Offset = w / 2

	threshold := plotter.NewFunction(func(float64) float64 { return engine.Config().Policy.Threshold })
	threshold.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(fBars, sBars, threshold)
	p.Legend.Add("following", fBars)
	p.Legend.Add("suspicion", sBars)
	p.Legend.Top = true
	p.NominalX(names...)

	width := vg.Length(len(devices))*3*w + 2*vg.Inch
	if err := p.Save(width, 5*vg.Inch, path); err != nil {
		return 0, err
	}
	return len(devices), nil
}

// plotDevice draws one device's RSSI and its distance from the first
// sighting in the analysis window. It returns the number of sightings drawn.
func plotDevice(ctx context.Context, engine *beacon.Engine, id, path string) (int, error) {
	dev, err := engine.Device(ctx, id)
	if err != nil {
		return 0, err
	}
	history, err := engine.Store().SightingsFor(ctx, id, dev.LastSeen.Add(-engine.Config().AnalysisWindow))
	if err != nil {
		return 0, err
	}
	if len(history) == 0 {
		return 0, fmt.Errorf("device %s has no sightings in the analysis window", id)
	}

	rssi := make(plotter.XYs, len(history))
	dist := make(plotter.XYs, len(history))
	for i, s := range history {
		x := float64(s.Timestamp.Unix())
		rssi[i] = plotter.XY{X: x, Y: float64(s.RSSI)}
		dist[i] = plotter.XY{X: x, Y: geo.Haversine(history[0].Point(), s.Point())}
	}

	pr := plot.New()
	pr.Title.Text = fmt.Sprintf("%s - RSSI", label(dev))
	pr.Y.Label.Text = "RSSI (dBm)"
	pr.X.Tick.Marker = plot.TimeTicks{Format: "15:04"}

	pd := plot.New()
	pd.Title.Text = fmt.Sprintf("%s - distance from first sighting", label(dev))
	pd.Y.Label.Text = "Distance (m)"
	pd.X.Tick.Marker = plot.TimeTicks{Format: "15:04"}

	rLine, rPoints, err := plotter.NewLinePoints(rssi)
	if err != nil {
		return 0, err
	}
	rLine.Color = followingColor
	rLine.Width = vg.Points(1)
	rPoints.Color = followingColor
	pr.Add(rLine, rPoints)

	dLine, dPoints, err := plotter.NewLinePoints(dist)
	if err != nil {
		return 0, err
	}
	dLine.Color = suspicionColor
	dLine.Width = vg.Points(1)
	dPoints.Color = suspicionColor
	pd.Add(dLine, dPoints)

	img := vgimg.New(10*vg.Inch, 8*vg.Inch)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadTop: vg.Points(4), PadY: vg.Points(8)}
	canvases := plot.Align([][]*plot.Plot{{pr}, {pd}}, tiles, draw.New(img))
	pr.Draw(canvases[0][0])
	pd.Draw(canvases[1][0])

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		return 0, err
	}
	return len(history), nil
}

// outputName is the default PNG name for a score chart or a device chart.
func outputName(device string) string {
	if device == "" {
		return "scores.png"
	}
	return "device-" + security.SanitizeFilename(device) + ".png"
}

func main() {
	dbPath := flag.String("db", "beacon.db", "Path to the SQLite database")
	output := flag.String("o", "", "output PNG path (default scores.png, or device-<id>.png with -device)")
	device := flag.String("device", "", "plot one device's sightings instead of the score chart")
	top := flag.Int("top", 20, "number of devices in the score chart")
	configPath := flag.String("config", "", "Detection config JSON")
	flag.Parse()

	var tuning *config.DetectionConfig
	if *configPath != "" {
		var err error
		if tuning, err = config.LoadDetectionConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	} else {
		tuning = config.MustLoadDefaultConfig()
	}

	database, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()
	engine := beacon.NewEngine(beacon.ConfigFromTuning(tuning), db.NewStore(database), beacon.EngineOptions{})

	if *output == "" {
		*output = outputName(*device)
	}
	if err := security.ValidateOutputPath(*output); err != nil {
		log.Fatalf("invalid output path: %v", err)
	}

	ctx := context.Background()
	if *device != "" {
		n, err := plotDevice(ctx, engine, *device, *output)
		if err != nil {
			log.Fatalf("failed to plot device: %v", err)
		}
		log.Printf("✓ Created: %s (%d sightings)", *output, n)
		return
	}
	n, err := plotScores(ctx, engine, *top, *output)
	if err != nil {
		log.Fatalf("failed to plot scores: %v", err)
	}
	log.Printf("✓ Created: %s (%d devices)", *output, n)
}
