package serialmux

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/banshee-data/beacon.report/internal/monitoring"
)

// Handler consumes the data-bearing sniffer lines. ingest.Ingestor is the
// production implementation.
type Handler interface {
	HandleSighting(payload string) error
	HandleLocation(payload string) error
}

var (
	statusMu sync.Mutex
	// currentStatus merges every status line reported by the sniffer.
	currentStatus = map[string]any{}
)

// SnifferStatus returns a copy of the latest status values reported by the
// sniffer (firmware, channel, scan state, ...).
func SnifferStatus() map[string]any {
	statusMu.Lock()
	defer statusMu.Unlock()
	return maps.Clone(currentStatus)
}

// HandleStatusResponse merges a status line into the sniffer status.
func HandleStatusResponse(payload string) error {
	var values map[string]any
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	delete(values, "type")

	statusMu.Lock()
	for k, v := range values {
		currentStatus[k] = v
	}
	statusMu.Unlock()

	logf("sniffer status: %s", payload)
	return nil
}

// HandleEvent routes one sniffer line to h by its type.
func HandleEvent(h Handler, payload string) error {
	switch ClassifyPayload(payload) {
	case EventTypeSighting:
		if err := h.HandleSighting(payload); err != nil {
			return fmt.Errorf("failed to handle sighting: %w", err)
		}
	case EventTypeLocation:
		if err := h.HandleLocation(payload); err != nil {
			return fmt.Errorf("failed to handle location: %w", err)
		}
	case EventTypeStatus:
		if err := HandleStatusResponse(payload); err != nil {
			return fmt.Errorf("failed to handle status: %w", err)
		}
	default:
		monitoring.SightingsDropped.WithLabelValues("unknown_line").Inc()
		monitoring.Diagf("unknown sniffer line: %.120s", payload)
	}
	return nil
}

// Consume subscribes to mux and feeds every line to h until the
// subscription closes. Handler errors are logged and do not stop the loop.
func Consume(mux SerialMuxInterface, h Handler) {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	for line := range lines {
		if err := HandleEvent(h, line); err != nil {
			logf("error handling event: %v", err)
		}
	}
}
