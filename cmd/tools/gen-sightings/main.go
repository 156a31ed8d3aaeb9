// Command gen-sightings writes a synthetic sniffer capture for -dev replay:
// an owner running errands from home, a device that follows them, a
// neighbour's fixed beacon, an AirTag and a stream of passers-by.
package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/beacon.report/internal/geo"
	"github.com/banshee-data/beacon.report/internal/security"
)

type locLine struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
	Lat  float64   `json:"lat"`
	Lon  float64   `json:"lon"`
	Acc  float64   `json:"acc"`
}

type advLine struct {
	Type       string    `json:"type"`
	TS         time.Time `json:"ts"`
	Address    string    `json:"address"`
	RSSI       int       `json:"rssi"`
	Name       string    `json:"name,omitempty"`
	UUIDs      []string  `json:"uuids,omitempty"`
	Mfg        string    `json:"mfg,omitempty"`
	IntervalMs float64   `json:"interval_ms,omitempty"`
}

type scenario struct {
	Start     time.Time
	Home      geo.Point
	Errands   int
	Radius    float64 // metres from home to each errand
	Step      time.Duration
	Passersby int // per step
	Seed      int64
}

// errandRoute returns the owner positions: home, then each errand followed
// by a return home.
func errandRoute(s scenario) []geo.Point {
	route := []geo.Point{s.Home}
	for i := 0; i < s.Errands; i++ {
		bearing := float64(i) * 360 / float64(max(s.Errands, 1))
		route = append(route, geo.Offset(s.Home, bearing, s.Radius), s.Home)
	}
	return route
}

func randomAddress(rng *rand.Rand) string {
	b := make([]byte, 6)
	rng.Read(b)
	b[0] |= 0x40 // resolvable private address
	b[0] &^= 0x80
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

func randomServiceUUID(rng *rand.Rand) string {
	var b [16]byte
	rng.Read(b[:])
	u, _ := uuid.FromBytes(b[:])
	return u.String()
}

// generate writes the capture as JSONL and returns the number of lines.
func generate(w io.Writer, s scenario) (int, error) {
	rng := rand.New(rand.NewSource(s.Seed))
	enc := json.NewEncoder(w)
	n := 0
	emit := func(v any) error {
		n++
		return enc.Encode(v)
	}

	airTag := hex.EncodeToString([]byte{0x4C, 0x00, 0x12, 0x19, 0x10, 0x5E, 0xA1})
	for i, p := range errandRoute(s) {
		at := s.Start.Add(time.Duration(i) * s.Step)
		jitter := geo.Offset(p, rng.Float64()*360, rng.Float64()*8)
		if err := emit(locLine{Type: "loc", TS: at, Lat: jitter.Lat, Lon: jitter.Lon, Acc: 5 + rng.Float64()*5}); err != nil {
			return n, err
		}

		follower := advLine{
			Type: "adv", TS: at.Add(2 * time.Second), Address: "C0:FF:EE:00:00:01",
			RSSI: -58 - rng.Intn(4), Name: "Galaxy Buds", IntervalMs: 1000,
		}
		if err := emit(follower); err != nil {
			return n, err
		}

		atHome := geo.Haversine(p, s.Home) < 50
		if atHome {
			neighbour := advLine{
				Type: "adv", TS: at.Add(3 * time.Second), Address: "5A:5A:5A:00:00:01",
				RSSI: -78 + rng.Intn(5), UUIDs: []string{"FEAA"}, IntervalMs: 100,
			}
			if err := emit(neighbour); err != nil {
				return n, err
			}
		}
		if i >= len(errandRoute(s))/2 {
			tag := advLine{
				Type: "adv", TS: at.Add(4 * time.Second), Address: "4A:1B:00:00:00:02",
				RSSI: -66 - rng.Intn(6), Mfg: airTag, IntervalMs: 2000,
			}
			if err := emit(tag); err != nil {
				return n, err
			}
		}

		for j := 0; j < s.Passersby; j++ {
			pass := advLine{
				Type: "adv", TS: at.Add(time.Duration(5+j) * time.Second), Address: randomAddress(rng),
				RSSI: -95 + rng.Intn(25), UUIDs: []string{randomServiceUUID(rng)}, IntervalMs: 250,
			}
			if err := emit(pass); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func main() {
	output := flag.String("o", "sightings.jsonl", "output path")
	errands := flag.Int("errands", 3, "number of errands from home")
	radius := flag.Float64("radius", 2000, "errand distance from home in metres")
	step := flag.Duration("step", 150*time.Second, "time between owner fixes")
	passersby := flag.Int("passersby", 3, "random devices per step")
	seed := flag.Int64("seed", 1, "random seed")
	lat := flag.Float64("lat", 51.5007, "home latitude")
	lon := flag.Float64("lon", -0.1246, "home longitude")
	flag.Parse()

	if err := security.ValidateOutputPath(*output); err != nil {
		log.Fatalf("invalid output path: %v", err)
	}
	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *output, err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)

	n, err := generate(bw, scenario{
		Start:     time.Now().UTC().Truncate(time.Second),
		Home:      geo.Point{Lat: *lat, Lon: *lon},
		Errands:   *errands,
		Radius:    *radius,
		Step:      *step,
		Passersby: *passersby,
		Seed:      *seed,
	})
	if err != nil {
		log.Fatalf("failed to write capture: %v", err)
	}
	if err := bw.Flush(); err != nil {
		log.Fatalf("failed to write capture: %v", err)
	}
	log.Printf("✓ Created: %s (%d lines)", *output, n)
}
