package beacon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSignatureRegistry_Classify(t *testing.T) {
	reg := DefaultSignatureRegistry()

	tests := []struct {
		name     string
		services []string
		mfg      []byte
		devName  string
		want     string
		wantOK   bool
	}{
		{"airtag find my payload", nil, appleFindMy, "", "AirTag", true},
		{"apple unregistered find my", nil, []byte{0x4C, 0x00, 0x07, 0x19, 0x05}, "", "AppleFindMy", true},
		{"airtag service", []string{"0000FE9F-0000-1000-8000-00805F9B34FB"}, nil, "", "AirTag", true},
		{"smarttag service", []string{"0000fd5a-0000-1000-8000-00805f9b34fb"}, nil, "", "SmartTag", true},
		{"smarttag2 service", []string{"FDCC"}, nil, "", "SmartTag", true},
		{"smarttag by name", nil, nil, "Galaxy SmartTag", "SmartTag", true},
		{"tile service", []string{"FEED"}, nil, "", "Tile", true},
		{"tile company", nil, []byte{0xB3, 0x00, 0x01, 0x02}, "", "Tile", true},
		{"iphone nearby advert", nil, []byte{0x4C, 0x00, 0x10, 0x05, 0x01}, "", "", false},
		{"heart rate monitor", []string{"180D"}, nil, "HRM", "", false},
		{"nothing", nil, nil, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := reg.Classify(NewFingerprint(tt.services, tt.mfg, time.Second), tt.devName)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignatureRegistry_NilIsEmpty(t *testing.T) {
	var reg *SignatureRegistry
	_, ok := reg.Classify(NewFingerprint([]string{"FEED"}, nil, 0), "")
	assert.False(t, ok)
}

func TestNewSignatureRegistry_Validation(t *testing.T) {
	_, err := NewSignatureRegistry([]Signature{{TrackerType: "Empty"}})
	assert.Error(t, err)

	_, err = NewSignatureRegistry([]Signature{{Services: []string{"FEED"}}})
	assert.Error(t, err)

	_, err = NewSignatureRegistry([]Signature{{TrackerType: "Bad", PayloadPrefix: "zz"}})
	assert.Error(t, err)
}

func TestLoadSignatureRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signatures.json")
	content := `[
		{"tracker_type": "BenchTag", "services": ["FE65"]},
		{"tracker_type": "LabTag", "company_id": 2257, "payload_prefix": "0a0b"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	reg, err := LoadSignatureRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSignatureRegistry().Len()+2, reg.Len())

	got, ok := reg.Classify(NewFingerprint([]string{"fe65"}, nil, 0), "")
	assert.True(t, ok)
	assert.Equal(t, "BenchTag", got)

	got, ok = reg.Classify(NewFingerprint(nil, []byte{0xD1, 0x08, 0x0A, 0x0B, 0x00}, 0), "")
	assert.True(t, ok)
	assert.Equal(t, "LabTag", got)

	// Built-ins still apply.
	got, _ = reg.Classify(NewFingerprint(nil, appleFindMy, 0), "")
	assert.Equal(t, "AirTag", got)

	_, err = LoadSignatureRegistry(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
