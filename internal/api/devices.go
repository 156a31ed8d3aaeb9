package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/geo"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/units"
)

// DeviceAPI is the JSON form of a device profile. Without it the response
// would expose the internal Welford accumulators and zero times.
type DeviceAPI struct {
	Identity           string             `json:"identity"`
	State              beacon.DeviceState `json:"state"`
	Addresses          []string           `json:"addresses"`
	Name               string             `json:"name,omitempty"`
	Manufacturer       string             `json:"manufacturer,omitempty"`
	Services           []string           `json:"services,omitempty"`
	CompanyID          *uint16            `json:"company_id,omitempty"`
	RotatingIdentifier bool               `json:"rotating_identifier"`

	CurrentRSSI  int     `json:"current_rssi"`
	AvgRSSI      float64 `json:"avg_rssi"`
	RSSIVariance float64 `json:"rssi_variance"`

	FirstSeen             time.Time `json:"first_seen"`
	LastSeen              time.Time `json:"last_seen"`
	DetectionCount        int       `json:"detection_count"`
	ConsecutiveDetections int       `json:"consecutive_detections"`

	IsStationary     bool       `json:"is_stationary"`
	LastMovementTime *time.Time `json:"last_movement_time,omitempty"`

	FollowingScore          float64 `json:"following_score"`
	SuspiciousActivityScore float64 `json:"suspicious_activity_score"`

	IsKnownTracker bool   `json:"is_known_tracker"`
	TrackerType    string `json:"tracker_type,omitempty"`

	IsIgnored     bool       `json:"is_ignored"`
	IsTracked     bool       `json:"is_tracked"`
	Label         string     `json:"label,omitempty"`
	LastAlertTime *time.Time `json:"last_alert_time,omitempty"`
	Version       int64      `json:"version"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// DeviceToAPI converts a profile for the API.
func DeviceToAPI(p beacon.DeviceProfile) DeviceAPI {
	d := DeviceAPI{
		Identity:                p.Identity,
		State:                   p.State,
		Addresses:               p.Addresses,
		Name:                    p.Name,
		Manufacturer:            p.Manufacturer,
		Services:                p.Services,
		RotatingIdentifier:      p.RotatingIdentifier,
		CurrentRSSI:             p.CurrentRSSI,
		AvgRSSI:                 p.AvgRSSI,
		RSSIVariance:            p.RSSIVariance,
		FirstSeen:               p.FirstSeen,
		LastSeen:                p.LastSeen,
		DetectionCount:          p.DetectionCount,
		ConsecutiveDetections:   p.ConsecutiveDetections,
		IsStationary:            p.IsStationary,
		LastMovementTime:        optTime(p.LastMovementTime),
		FollowingScore:          p.FollowingScore,
		SuspiciousActivityScore: p.SuspiciousActivityScore,
		IsKnownTracker:          p.IsKnownTracker,
		TrackerType:             p.TrackerType,
		IsIgnored:               p.IsIgnored,
		IsTracked:               p.IsTracked,
		Label:                   p.Label,
		LastAlertTime:           optTime(p.LastAlertTime),
		Version:                 p.Version,
	}
	if d.Addresses == nil {
		d.Addresses = []string{}
	}
	if p.HasCompanyID {
		id := p.CompanyID
		d.CompanyID = &id
	}
	return d
}

// filters maps ?filter= onto the engine query surfaces.
var filters = map[string]func(*beacon.Engine, context.Context) ([]beacon.DeviceProfile, error){
	"":           (*beacon.Engine).Devices,
	"all":        (*beacon.Engine).Devices,
	"tracked":    (*beacon.Engine).TrackedDevices,
	"known":      (*beacon.Engine).KnownTrackers,
	"suspicious": (*beacon.Engine).SuspiciousDevices,
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	filter := r.URL.Query().Get("filter")
	query, ok := filters[filter]
	if !ok {
		httputil.BadRequest(w, "Invalid 'filter' parameter. Must be one of: all, tracked, known, suspicious")
		return
	}
	devices, err := query(s.engine, r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list devices: %v", err))
		return
	}
	out := make([]DeviceAPI, len(devices))
	for i, d := range devices {
		out[i] = DeviceToAPI(d)
	}
	httputil.WriteJSONOK(w, out)
}

// DeviceDetail is a device with the evidence behind its score.
type DeviceDetail struct {
	DeviceAPI
	Factors   beacon.FollowingFactors `json:"factors"`
	Sightings int                     `json:"sightings"`
	Spread    float64                 `json:"spread"` // widest distance between two sightings
	Units     string                  `json:"units"`
	Patterns  []beacon.PatternRecord  `json:"patterns"`
}

func (s *Server) showDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	unit, ok := s.requestUnits(r)
	if !ok {
		httputil.BadRequest(w, fmt.Sprintf("Invalid 'units' parameter. Must be one of: %s", units.ValidUnitsString()))
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	p, err := s.engine.Device(ctx, id)
	if errors.Is(err, beacon.ErrNotFound) {
		httputil.NotFound(w, "device not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load device: %v", err))
		return
	}

	cfg := s.engine.Config()
	history, err := s.engine.Store().SightingsFor(ctx, id, p.LastSeen.Add(-cfg.AnalysisWindow))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load sightings: %v", err))
		return
	}
	patterns, err := s.engine.Patterns(ctx, beacon.PatternQuery{Identity: id, Limit: 20})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load patterns: %v", err))
		return
	}
	if patterns == nil {
		patterns = []beacon.PatternRecord{}
	}

	points := make([]geo.Point, len(history))
	for i, h := range history {
		points[i] = h.Point()
	}
	httputil.WriteJSONOK(w, DeviceDetail{
		DeviceAPI: DeviceToAPI(p),
		Factors:   beacon.ExtractFollowingFactors(cfg.Scoring, history, p.ConsecutiveDetections, p.RSSIVariance),
		Sightings: len(history),
		Spread:    units.ConvertDistance(geo.Spread(points), unit),
		Units:     unit,
		Patterns:  patterns,
	})
}

func (s *Server) setOverrides(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var o beacon.Overrides
	if err := httputil.DecodeJSON(r, &o); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if o.Ignored == nil && o.Tracked == nil && o.Label == nil {
		httputil.BadRequest(w, "no overrides given")
		return
	}

	p, err := s.engine.SetOverrides(r.Context(), r.PathValue("id"), o)
	switch {
	case errors.Is(err, beacon.ErrNotFound):
		httputil.NotFound(w, "device not found")
	case errors.Is(err, beacon.ErrVersionConflict):
		httputil.Conflict(w, "device changed while saving; retry")
	case err != nil:
		httputil.InternalServerError(w, fmt.Sprintf("Failed to save overrides: %v", err))
	default:
		httputil.WriteJSONOK(w, DeviceToAPI(p))
	}
}

// parseTimeParam accepts RFC 3339 or unix seconds.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) listPatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	pq := beacon.PatternQuery{
		Identity: q.Get("identity"),
		Type:     beacon.PatternType(q.Get("type")),
		Limit:    100,
	}
	switch pq.Type {
	case "", beacon.PatternStationaryBeacon, beacon.PatternFollowingSuspect,
		beacon.PatternRotatingIdentifierMerge, beacon.PatternKnownTracker:
	default:
		httputil.BadRequest(w, "Invalid 'type' parameter")
		return
	}
	var err error
	if pq.Since, err = parseTimeParam(q.Get("since")); err != nil {
		httputil.BadRequest(w, "Invalid 'since' parameter")
		return
	}
	if pq.Until, err = parseTimeParam(q.Get("until")); err != nil {
		httputil.BadRequest(w, "Invalid 'until' parameter")
		return
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 1000 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		pq.Limit = n
	}

	records, err := s.engine.Patterns(r.Context(), pq)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to query patterns: %v", err))
		return
	}
	if records == nil {
		records = []beacon.PatternRecord{}
	}
	httputil.WriteJSONOK(w, records)
}
