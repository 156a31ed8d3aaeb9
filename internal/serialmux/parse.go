package serialmux

import (
	"encoding/json"
	"strings"
)

// Sniffer line types. Every line is one JSON object whose "type" field
// names the record.
const (
	EventTypeSighting = "adv"
	EventTypeLocation = "loc"
	EventTypeStatus   = "status"
	EventTypeUnknown  = "unknown"
)

// ClassifyPayload returns the event type of a sniffer line. Anything that
// is not a JSON object with a known type is EventTypeUnknown.
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "{") {
		return EventTypeUnknown
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil {
		return EventTypeUnknown
	}
	switch head.Type {
	case EventTypeSighting, EventTypeLocation, EventTypeStatus:
		return head.Type
	}
	return EventTypeUnknown
}
