// Package api serves the device query surface over HTTP: tracked devices,
// known trackers and suspicious devices, user overrides, pattern history,
// population trends and charts.
package api

import (
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/beacon.report/internal/analytics"
	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/ingest"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/units"
)

// ANSI escape codes for the request log.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// StatsSource reports ingestion counters. *ingest.Ingestor implements it.
type StatsSource interface {
	Stats() ingest.Stats
}

// Options configures a Server. Units and Timezone are the defaults for
// requests that do not pass ?units= or ?tz=. Without Analytics the snapshot
// and trend routes answer 503.
type Options struct {
	Units     string
	Timezone  string
	Ingest    StatsSource
	Analytics analytics.Store
}

type Server struct {
	engine  *beacon.Engine
	m       serialmux.SerialMuxInterface
	ingest  StatsSource
	history analytics.Store
	units   string
	tz      string
}

func NewServer(engine *beacon.Engine, m serialmux.SerialMuxInterface, opts Options) *Server {
	if opts.Units == "" {
		opts.Units = units.Meters
	}
	if opts.Timezone == "" {
		opts.Timezone = "UTC"
	}
	return &Server{
		engine:  engine,
		m:       m,
		ingest:  opts.Ingest,
		history: opts.Analytics,
		units:   opts.Units,
		tz:      opts.Timezone,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/devices/{id}", s.showDevice)
	mux.HandleFunc("/api/devices/{id}/overrides", s.setOverrides)
	mux.HandleFunc("/api/patterns", s.listPatterns)
	mux.HandleFunc("/api/charts/scores", s.scoreChart)
	mux.HandleFunc("/api/charts/devices/{id}", s.deviceChart)
	mux.HandleFunc("/api/charts/trends", s.trendChart)
	mux.HandleFunc("/api/analytics/snapshots", s.listSnapshots)
	mux.HandleFunc("/api/analytics/current", s.currentSnapshot)
	mux.HandleFunc("/api/analytics/trends", s.showTrend)
	mux.HandleFunc("/api/analytics/compare", s.comparePeriods)
	mux.HandleFunc("/api/analytics/devices/{id}", s.listDeviceDays)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// requestUnits returns ?units= or the server default.
func (s *Server) requestUnits(r *http.Request) (string, bool) {
	u := strings.TrimSpace(r.URL.Query().Get("units"))
	if u == "" {
		return s.units, true
	}
	return u, units.IsValid(u)
}

// requestLocation returns ?tz= or the server default.
func (s *Server) requestLocation(r *http.Request) (*time.Location, error) {
	tz := strings.TrimSpace(r.URL.Query().Get("tz"))
	if tz == "" {
		tz = s.tz
	}
	return units.LoadTimezone(tz)
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	if err := s.m.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	cfg := s.engine.Config()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"units":            s.units,
		"timezone":         s.tz,
		"alert_threshold":  cfg.Policy.Threshold,
		"alert_cooldown":   cfg.Policy.Cooldown.String(),
		"analysis_window":  cfg.AnalysisWindow.String(),
		"score_half_life":  cfg.ScoreHalfLife.String(),
		"retention":        cfg.Retention.String(),
		"similarity_floor": cfg.SimilarityThreshold,
	})
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	var st ingest.Stats
	if s.ingest != nil {
		st = s.ingest.Stats()
	}
	httputil.WriteJSONOK(w, st)
}
