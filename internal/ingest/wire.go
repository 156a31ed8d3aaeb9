package ingest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/banshee-data/beacon.report/internal/beacon"
)

// Reasons a line is dropped. Each is also the "reason" label of
// monitoring.SightingsDropped.
var (
	ErrBadJSON         = errors.New("bad_json")
	ErrMissingAddress  = errors.New("missing_address")
	ErrMissingRSSI     = errors.New("missing_rssi")
	ErrMissingLocation = errors.New("missing_location")
	ErrBadLocation     = errors.New("bad_location")
	ErrBadManufacturer = errors.New("bad_manufacturer_data")
	ErrBadTimestamp    = errors.New("bad_timestamp")
	errNoFix           = errors.New("no recent owner fix")
)

// dropReason maps a decode error onto its metric label.
func dropReason(err error) string {
	for _, e := range []error{ErrBadJSON, ErrMissingAddress, ErrMissingRSSI, ErrMissingLocation, ErrBadLocation, ErrBadManufacturer, ErrBadTimestamp} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "other"
}

// wireTime accepts either an RFC 3339 "ts" or integer milliseconds "ts_ms".
type wireTime struct {
	TS   *time.Time `json:"ts,omitempty"`
	TSMs *int64     `json:"ts_ms,omitempty"`
}

func (w wireTime) resolve(now time.Time) (time.Time, error) {
	switch {
	case w.TS != nil:
		if w.TS.IsZero() {
			return time.Time{}, ErrBadTimestamp
		}
		return w.TS.UTC(), nil
	case w.TSMs != nil:
		if *w.TSMs <= 0 {
			return time.Time{}, ErrBadTimestamp
		}
		return time.UnixMilli(*w.TSMs).UTC(), nil
	}
	// The sniffer has no clock of its own; unstamped lines take the
	// receive time.
	return now.UTC(), nil
}

// wireLocation is a "loc" line, or the "loc" object nested in an "adv" line.
type wireLocation struct {
	wireTime
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Accuracy float64  `json:"acc"`
	Altitude *float64 `json:"alt,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	Bearing  *float64 `json:"bearing,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// wireSighting is an "adv" line.
type wireSighting struct {
	wireTime
	Address    string        `json:"address"`
	RSSI       *int          `json:"rssi"`
	Name       string        `json:"name,omitempty"`
	UUIDs      []string      `json:"uuids,omitempty"`
	Mfg        string        `json:"mfg,omitempty"` // hex, company ID first (little endian)
	IntervalMs float64       `json:"interval_ms,omitempty"`
	Location   *wireLocation `json:"loc,omitempty"`
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func (w wireLocation) fix(fallback time.Time) (beacon.LocationFix, error) {
	if w.Lat == nil || w.Lon == nil {
		return beacon.LocationFix{}, ErrMissingLocation
	}
	lat, lon := *w.Lat, *w.Lon
	if !finite(lat) || !finite(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return beacon.LocationFix{}, fmt.Errorf("%w: %v,%v", ErrBadLocation, lat, lon)
	}
	if !finite(w.Accuracy) || w.Accuracy < 0 {
		return beacon.LocationFix{}, fmt.Errorf("%w: accuracy %v", ErrBadLocation, w.Accuracy)
	}
	ts, err := w.resolve(fallback)
	if err != nil {
		return beacon.LocationFix{}, err
	}
	return beacon.LocationFix{
		Timestamp: ts,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  w.Accuracy,
		Altitude:  w.Altitude,
		Speed:     w.Speed,
		Bearing:   w.Bearing,
		Provider:  w.Provider,
	}, nil
}

// DecodeLocation parses a "loc" line. now stamps lines without a timestamp.
func DecodeLocation(payload string, now time.Time) (beacon.LocationFix, error) {
	var w wireLocation
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return beacon.LocationFix{}, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	return w.fix(now)
}

// normaliseAddress returns addr as upper-case colon-separated hex.
func normaliseAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrMissingAddress
	}
	hw, err := net.ParseMAC(addr)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: %q", ErrMissingAddress, addr)
	}
	return strings.ToUpper(hw.String()), nil
}

// DecodeSighting parses an "adv" line. When the line carries no location,
// lookup supplies the owner fix closest to the sighting; a lookup error
// drops the line as ErrMissingLocation.
func DecodeSighting(payload string, now time.Time, lookup func(time.Time) (beacon.LocationFix, error)) (beacon.DetectionEvent, error) {
	var w wireSighting
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return beacon.DetectionEvent{}, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}

	addr, err := normaliseAddress(w.Address)
	if err != nil {
		return beacon.DetectionEvent{}, err
	}
	if w.RSSI == nil {
		return beacon.DetectionEvent{}, ErrMissingRSSI
	}
	if *w.RSSI < -127 || *w.RSSI > 20 {
		return beacon.DetectionEvent{}, fmt.Errorf("%w: %d dBm out of range", ErrMissingRSSI, *w.RSSI)
	}
	ts, err := w.resolve(now)
	if err != nil {
		return beacon.DetectionEvent{}, err
	}

	var mfg []byte
	if w.Mfg != "" {
		mfg, err = hex.DecodeString(strings.ReplaceAll(w.Mfg, " ", ""))
		if err != nil {
			return beacon.DetectionEvent{}, fmt.Errorf("%w: %v", ErrBadManufacturer, err)
		}
	}

	var loc beacon.LocationFix
	if w.Location != nil {
		loc, err = w.Location.fix(ts)
		if err != nil {
			return beacon.DetectionEvent{}, err
		}
	} else {
		if lookup == nil {
			return beacon.DetectionEvent{}, ErrMissingLocation
		}
		loc, err = lookup(ts)
		if err != nil {
			return beacon.DetectionEvent{}, fmt.Errorf("%w: %v", ErrMissingLocation, err)
		}
	}

	var uuids []string
	for _, u := range w.UUIDs {
		if u = strings.TrimSpace(u); u != "" {
			uuids = append(uuids, u)
		}
	}

	interval := time.Duration(0)
	if finite(w.IntervalMs) && w.IntervalMs > 0 {
		interval = time.Duration(w.IntervalMs * float64(time.Millisecond))
	}

	return beacon.DetectionEvent{
		Address:             addr,
		Timestamp:           ts,
		RSSI:                *w.RSSI,
		Name:                strings.TrimSpace(w.Name),
		ServiceUUIDs:        uuids,
		ManufacturerData:    mfg,
		AdvertisingInterval: interval,
		Location:            loc,
	}, nil
}
