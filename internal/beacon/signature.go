package beacon

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Signature describes one commercial item-finder product. Every criterion
// that is set must match; a signature with no criteria never matches.
type Signature struct {
	TrackerType   string   `json:"tracker_type"`
	CompanyID     *uint16  `json:"company_id,omitempty"`
	PayloadPrefix string   `json:"payload_prefix,omitempty"` // hex, manufacturer payload after the company ID
	Services      []string `json:"services,omitempty"`       // any one advertised service suffices
	NameContains  string   `json:"name_contains,omitempty"`  // case-insensitive

	prefix   []byte
	services []string
}

func (s *Signature) compile() error {
	if s.TrackerType == "" {
		return fmt.Errorf("signature missing tracker_type")
	}
	if s.PayloadPrefix != "" {
		b, err := hex.DecodeString(strings.ReplaceAll(s.PayloadPrefix, " ", ""))
		if err != nil {
			return fmt.Errorf("signature %s: invalid payload_prefix: %w", s.TrackerType, err)
		}
		s.prefix = b
	}
	s.services = NormalizeServices(s.Services)
	if s.CompanyID == nil && len(s.prefix) == 0 && len(s.services) == 0 && s.NameContains == "" {
		return fmt.Errorf("signature %s has no match criteria", s.TrackerType)
	}
	return nil
}

func (s *Signature) matches(fp Fingerprint, name string) bool {
	if s.CompanyID != nil && (!fp.HasCompanyID || fp.CompanyID != *s.CompanyID) {
		return false
	}
	if len(s.prefix) > 0 && !bytes.HasPrefix(fp.Payload, s.prefix) {
		return false
	}
	if len(s.services) > 0 {
		found := false
		for _, want := range s.services {
			for _, have := range fp.Services {
				if want == have {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	if s.NameContains != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(s.NameContains)) {
		return false
	}
	return true
}

// SignatureRegistry is an ordered list of signatures; the first match wins.
type SignatureRegistry struct {
	signatures []Signature
}

// NewSignatureRegistry validates and compiles the given signatures.
func NewSignatureRegistry(sigs []Signature) (*SignatureRegistry, error) {
	r := &SignatureRegistry{signatures: make([]Signature, 0, len(sigs))}
	if err := r.add(sigs); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SignatureRegistry) add(sigs []Signature) error {
	for _, s := range sigs {
		if err := s.compile(); err != nil {
			return err
		}
		r.signatures = append(r.signatures, s)
	}
	return nil
}

func companyID(v uint16) *uint16 { return &v }

// DefaultSignatureRegistry returns the built-in tracker signatures.
func DefaultSignatureRegistry() *SignatureRegistry {
	r, err := NewSignatureRegistry([]Signature{
		{TrackerType: "AirTag", CompanyID: companyID(0x004C), PayloadPrefix: "1219"}, // Find My, owner separated
		{TrackerType: "AppleFindMy", CompanyID: companyID(0x004C), PayloadPrefix: "0719"},
		{TrackerType: "AirTag", Services: []string{"FE9F"}},
		{TrackerType: "SmartTag", Services: []string{"FD5A"}},
		{TrackerType: "SmartTag", Services: []string{"FDCC"}}, // SmartTag2
		{TrackerType: "SmartTag", NameContains: "SmartTag"},
		{TrackerType: "Tile", Services: []string{"FEED"}},
		{TrackerType: "Tile", CompanyID: companyID(0x00B3)},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// LoadSignatureRegistry returns the default registry extended with the
// signatures in a JSON file (an array of Signature objects).
func LoadSignatureRegistry(path string) (*SignatureRegistry, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures: %w", err)
	}
	var sigs []Signature
	if err := json.Unmarshal(data, &sigs); err != nil {
		return nil, fmt.Errorf("failed to parse signatures: %w", err)
	}
	r := DefaultSignatureRegistry()
	if err := r.add(sigs); err != nil {
		return nil, err
	}
	return r, nil
}

// Classify returns the tracker type of the first matching signature.
func (r *SignatureRegistry) Classify(fp Fingerprint, name string) (string, bool) {
	if r == nil {
		return "", false
	}
	for i := range r.signatures {
		if r.signatures[i].matches(fp, name) {
			return r.signatures[i].TrackerType, true
		}
	}
	return "", false
}

// Len returns the number of registered signatures.
func (r *SignatureRegistry) Len() int {
	return len(r.signatures)
}
