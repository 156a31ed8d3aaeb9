package beacon

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]DeviceProfile
	sightings map[string][]Sighting
	locations []LocationFix
	patterns  []PatternRecord
	nextID    int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[string]DeviceProfile),
		sightings: make(map[string][]Sighting),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetDevice(_ context.Context, identity string) (*DeviceProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.devices[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) UpsertDevice(_ context.Context, p DeviceProfile) (DeviceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(p)
}

func (m *MemoryStore) upsertLocked(p DeviceProfile) (DeviceProfile, error) {
	cur, ok := m.devices[p.Identity]
	if (ok && cur.Version != p.Version) || (!ok && p.Version != 0) {
		return DeviceProfile{}, ErrVersionConflict
	}
	p.Version++
	m.devices[p.Identity] = *p.Clone()
	return p, nil
}

// CommitUpdate applies u under a single lock. A version conflict leaves the
// store unchanged.
func (m *MemoryStore) CommitUpdate(_ context.Context, u DeviceUpdate) (DeviceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved, err := m.upsertLocked(u.Profile)
	if err != nil {
		return DeviceProfile{}, err
	}
	m.appendSightingLocked(u.Sighting)
	m.appendPatternsLocked(u.Patterns)
	return saved, nil
}

func (m *MemoryStore) ListDevices(_ context.Context) ([]DeviceProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceProfile, 0, len(m.devices))
	for _, p := range m.devices {
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (m *MemoryStore) DeleteDevice(_ context.Context, identity string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.devices[identity]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != version {
		return ErrVersionConflict
	}
	delete(m.devices, identity)
	return nil
}

func (m *MemoryStore) AppendSighting(_ context.Context, s Sighting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendSightingLocked(s)
	return nil
}

func (m *MemoryStore) appendSightingLocked(s Sighting) {
	for _, have := range m.sightings[s.Identity] {
		if have.Timestamp.Equal(s.Timestamp) && have.Address == s.Address {
			return
		}
	}
	m.sightings[s.Identity] = append(m.sightings[s.Identity], s)
}

func (m *MemoryStore) SightingsFor(_ context.Context, identity string, since time.Time) ([]Sighting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sighting
	for _, s := range m.sightings[identity] {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) DeleteSightingsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, list := range m.sightings {
		kept := list[:0]
		for _, s := range list {
			if s.Timestamp.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(m.sightings, id)
		} else {
			m.sightings[id] = kept
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteSightingsFor(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sightings, identity)
	return nil
}

func (m *MemoryStore) AppendLocation(_ context.Context, f LocationFix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.locations), func(i int) bool { return !m.locations[i].Timestamp.Before(f.Timestamp) })
	if i < len(m.locations) && m.locations[i].Timestamp.Equal(f.Timestamp) {
		return nil
	}
	m.locations = append(m.locations, LocationFix{})
	copy(m.locations[i+1:], m.locations[i:])
	m.locations[i] = f
	return nil
}

func (m *MemoryStore) LocationsBetween(_ context.Context, start, end time.Time) ([]LocationFix, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []LocationFix
	for _, f := range m.locations {
		if f.Timestamp.Before(start) || f.Timestamp.After(end) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *MemoryStore) DeleteLocationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.locations), func(i int) bool { return !m.locations[i].Timestamp.Before(cutoff) })
	m.locations = append([]LocationFix(nil), m.locations[i:]...)
	return int64(i), nil
}

func (m *MemoryStore) AppendPatterns(_ context.Context, records []PatternRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendPatternsLocked(records)
	return nil
}

func (m *MemoryStore) appendPatternsLocked(records []PatternRecord) {
	for _, r := range records {
		m.nextID++
		r.ID = m.nextID
		m.patterns = append(m.patterns, r)
	}
}

func (m *MemoryStore) QueryPatterns(_ context.Context, q PatternQuery) ([]PatternRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PatternRecord
	for i := len(m.patterns) - 1; i >= 0; i-- {
		r := m.patterns[i]
		if !q.matches(r) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (q PatternQuery) matches(r PatternRecord) bool {
	if q.Identity != "" && r.Identity != q.Identity {
		return false
	}
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && r.Timestamp.After(q.Until) {
		return false
	}
	return true
}

func (m *MemoryStore) DeletePatternsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.patterns[:0]
	var n int64
	for _, r := range m.patterns {
		if r.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.patterns = kept
	return n, nil
}
