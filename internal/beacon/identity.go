package beacon

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// bluetoothBaseUUID is the SIG base; 16-bit service UUIDs are shortened to
// their assigned-number form so "FD5A" and the expanded 128-bit form compare
// equal.
var bluetoothBaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// identityNamespace seeds deterministic identity minting.
var identityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://beacon.report/identity"))

// Fingerprint components and their weights in FingerprintSimilarity.
const (
	weightServices = 0.4
	weightCompany  = 0.2
	weightPayload  = 0.2
	weightInterval = 0.2
)

// rotationGapAlpha is the EMA factor for learning an identity's rotation gap.
const rotationGapAlpha = 0.3

// Fingerprint is the static part of an advertisement used to link rotating
// addresses. Services are normalised and sorted.
type Fingerprint struct {
	Services     []string
	CompanyID    uint16
	HasCompanyID bool
	Payload      []byte // manufacturer data after the company ID
	Interval     time.Duration
}

// NormalizeServiceUUID returns the canonical upper-case form of a service
// UUID, shortening SIG base UUIDs to four hex digits.
func NormalizeServiceUUID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if u, err := uuid.Parse(s); err == nil {
		b := u[:]
		base := bluetoothBaseUUID[:]
		if b[0] == 0 && b[1] == 0 && string(b[4:]) == string(base[4:]) {
			return fmt.Sprintf("%02X%02X", b[2], b[3])
		}
		return strings.ToUpper(u.String())
	}
	return strings.ToUpper(strings.TrimPrefix(strings.ToLower(s), "0x"))
}

// NormalizeServices canonicalises, dedupes and sorts a list of service UUIDs.
func NormalizeServices(services []string) []string {
	if len(services) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(services))
	out := make([]string, 0, len(services))
	for _, s := range services {
		n := NormalizeServiceUUID(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SplitManufacturerData splits raw manufacturer-specific data into the
// little-endian company identifier and the remaining payload.
func SplitManufacturerData(data []byte) (companyID uint16, payload []byte, ok bool) {
	if len(data) < 2 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint16(data[:2]), data[2:], true
}

// NewFingerprint builds a fingerprint from advertisement fields.
func NewFingerprint(services []string, mfgData []byte, interval time.Duration) Fingerprint {
	fp := Fingerprint{
		Services: NormalizeServices(services),
		Interval: interval,
	}
	if id, payload, ok := SplitManufacturerData(mfgData); ok {
		fp.CompanyID = id
		fp.HasCompanyID = true
		fp.Payload = append([]byte(nil), payload...)
	}
	return fp
}

// ProfileFingerprint rebuilds the fingerprint stored on a profile.
func ProfileFingerprint(p *DeviceProfile) Fingerprint {
	return NewFingerprint(p.Services, p.ManufacturerData, p.AdvertisingInterval)
}

// FingerprintSimilarity returns a similarity in [0, 1]. Each component
// contributes only when both sides carry it, and the weights of the present
// components are renormalised. Fingerprints with nothing comparable score 0.
func FingerprintSimilarity(a, b Fingerprint, prefixLen int) float64 {
	var total, weight float64

	if len(a.Services) > 0 && len(b.Services) > 0 {
		total += weightServices * jaccard(a.Services, b.Services)
		weight += weightServices
	}

	if a.HasCompanyID && b.HasCompanyID {
		if a.CompanyID == b.CompanyID {
			total += weightCompany
		}
		weight += weightCompany

		n := min(prefixLen, len(a.Payload), len(b.Payload))
		if n > 0 {
			same := 0
			for i := 0; i < n; i++ {
				if a.Payload[i] == b.Payload[i] {
					same++
				}
			}
			total += weightPayload * float64(same) / float64(n)
			weight += weightPayload
		}
	}

	if a.Interval > 0 && b.Interval > 0 {
		hi := math.Max(float64(a.Interval), float64(b.Interval))
		diff := math.Abs(float64(a.Interval - b.Interval))
		total += weightInterval * (1 - diff/hi)
		weight += weightInterval
	}

	if weight == 0 {
		return 0
	}
	return clamp01(total / weight)
}

// jaccard expects sorted, deduplicated inputs.
func jaccard(a, b []string) float64 {
	i, j, inter := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// MintIdentity returns the deterministic identity for an address first seen
// at the given instant.
func MintIdentity(address string, firstSeen time.Time) string {
	name := fmt.Sprintf("%s|%d", strings.ToUpper(address), firstSeen.UnixNano())
	return uuid.NewSHA1(identityNamespace, []byte(name)).String()
}

// Resolution is the outcome of resolving one event's address.
type Resolution struct {
	Identity    string
	New         bool          // a fresh identity was minted
	Merged      bool          // the address was linked to an existing identity
	Similarity  float64       // fingerprint similarity of the merge
	Gap         time.Duration // silence between the old and new address
	RotationGap time.Duration // learned rotation gap after this event
}

type identityEntry struct {
	identity    string
	fingerprint Fingerprint
	lastSeen    time.Time
	lastRSSI    int
	rotationGap time.Duration
	ignored     bool
}

// IdentityResolver maps raw, possibly rotating, addresses to stable
// identities. It is safe for concurrent use, but Resolve results depend on
// call order, so callers feed it events in timestamp order.
type IdentityResolver struct {
	mu         sync.Mutex
	cfg        Config
	byAddress  map[string]string
	identities map[string]*identityEntry
}

// NewIdentityResolver creates an empty resolver.
func NewIdentityResolver(cfg Config) *IdentityResolver {
	return &IdentityResolver{
		cfg:        cfg,
		byAddress:  make(map[string]string),
		identities: make(map[string]*identityEntry),
	}
}

func normalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// Resolve returns the identity for ev.Address, minting or merging as needed.
func (r *IdentityResolver) Resolve(ev DetectionEvent) Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr := normalizeAddress(ev.Address)
	fp := ev.Fingerprint()

	if id, ok := r.byAddress[addr]; ok {
		e := r.identities[id]
		r.observe(e, ev, fp)
		return Resolution{Identity: id, RotationGap: e.rotationGap}
	}

	var (
		match   *identityEntry
		matches int
		bestSim float64
	)
	for _, e := range r.identities {
		sim, ok := r.candidate(e, ev, fp)
		if !ok {
			continue
		}
		matches++
		match = e
		bestSim = sim
	}

	if matches == 1 {
		gap := ev.Timestamp.Sub(match.lastSeen)
		r.learnGap(match, gap)
		r.byAddress[addr] = match.identity
		r.observe(match, ev, fp)
		return Resolution{
			Identity:    match.identity,
			Merged:      true,
			Similarity:  bestSim,
			Gap:         gap,
			RotationGap: match.rotationGap,
		}
	}

	id := MintIdentity(addr, ev.Timestamp)
	e := &identityEntry{
		identity:    id,
		fingerprint: fp,
		lastSeen:    ev.Timestamp,
		lastRSSI:    ev.RSSI,
		rotationGap: r.clampGap(r.cfg.DefaultRotationGap),
	}
	r.identities[id] = e
	r.byAddress[addr] = id
	return Resolution{Identity: id, New: true, RotationGap: e.rotationGap}
}

func (r *IdentityResolver) candidate(e *identityEntry, ev DetectionEvent, fp Fingerprint) (float64, bool) {
	if e.ignored {
		return 0, false
	}
	gap := ev.Timestamp.Sub(e.lastSeen)
	if gap <= 0 || gap > e.rotationGap+r.cfg.MergeMargin {
		return 0, false
	}
	// Still advertising on its own address: a second device, not a rotation.
	if interval := max(e.fingerprint.Interval, fp.Interval); interval > 0 && gap < interval {
		return 0, false
	}
	if math.Abs(float64(ev.RSSI-e.lastRSSI)) > r.cfg.RSSIMergeEnvelope {
		return 0, false
	}
	sim := FingerprintSimilarity(e.fingerprint, fp, r.cfg.ManufacturerPrefixLen)
	if sim <= 0 || sim < r.cfg.SimilarityThreshold {
		return 0, false
	}
	return sim, true
}

func (r *IdentityResolver) observe(e *identityEntry, ev DetectionEvent, fp Fingerprint) {
	if !ev.Timestamp.After(e.lastSeen) {
		return
	}
	e.lastSeen = ev.Timestamp
	e.lastRSSI = ev.RSSI
	if len(fp.Services) > 0 {
		e.fingerprint.Services = fp.Services
	}
	if fp.HasCompanyID {
		e.fingerprint.CompanyID = fp.CompanyID
		e.fingerprint.HasCompanyID = true
		e.fingerprint.Payload = fp.Payload
	}
	if fp.Interval > 0 {
		e.fingerprint.Interval = fp.Interval
	}
}

func (r *IdentityResolver) learnGap(e *identityEntry, gap time.Duration) {
	learned := time.Duration(rotationGapAlpha*float64(gap) + (1-rotationGapAlpha)*float64(e.rotationGap))
	e.rotationGap = r.clampGap(learned)
}

func (r *IdentityResolver) clampGap(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if m := r.cfg.maxRotationGap(); d > m {
		return m
	}
	return d
}

// Seed registers a persisted profile so its addresses resolve to it again
// after a restart.
func (r *IdentityResolver) Seed(p *DeviceProfile) {
	if p == nil || p.Identity == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	gap := p.RotationGap
	if gap == 0 {
		gap = r.cfg.DefaultRotationGap
	}
	r.identities[p.Identity] = &identityEntry{
		identity:    p.Identity,
		fingerprint: ProfileFingerprint(p),
		lastSeen:    p.LastSeen,
		lastRSSI:    p.CurrentRSSI,
		rotationGap: r.clampGap(gap),
		ignored:     p.IsIgnored,
	}
	for _, a := range p.Addresses {
		r.byAddress[normalizeAddress(a)] = p.Identity
	}
}

// SetIgnored marks an identity so it is never chosen as a merge candidate.
func (r *IdentityResolver) SetIgnored(identity string, ignored bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.identities[identity]; ok {
		e.ignored = ignored
	}
}

// Forget drops an identity and all addresses bound to it.
func (r *IdentityResolver) Forget(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.identities, identity)
	for a, id := range r.byAddress {
		if id == identity {
			delete(r.byAddress, a)
		}
	}
}

// Len returns the number of known identities.
func (r *IdentityResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.identities)
}
