// Package chronolog implements the project-level, tamper-evident audit log
// for research runs: a signed, append-only event stream with per-session
// derived logs and full integrity verification.
package chronolog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event kinds. The kind tag is an open string; these are the
// ones the core itself emits.
const (
	EventKindInitialization = "INITIALIZATION"
	EventKindExternalEvent  = "EXTERNAL_EVENT_CAPTURED"
)

// Marker suffixes recognized by RunStatistics for phase timing.
const (
	markerStartedSuffix   = "_STARTED"
	markerCompletedSuffix = "_COMPLETED"
)

// Payload is the open map carrying domain data on an event. Values are
// restricted to JSON-compatible kinds: string, number, bool, nil, nested
// map and list.
type Payload map[string]interface{}

// Validate checks every value in the payload against the closed set of
// JSON-compatible kinds. Deterministic canonicalization for signing
// depends on this restriction holding.
func (p Payload) Validate() error {
	for k, v := range p {
		if err := validateValue(v); err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrInvalidPayload, k, err)
		}
	}
	return nil
}

func validateValue(v interface{}) error {
	switch t := v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case map[string]interface{}:
		return Payload(t).Validate()
	case Payload:
		return t.Validate()
	case []interface{}:
		for i, elem := range t {
			if err := validateValue(elem); err != nil {
				return fmt.Errorf("index %d: %v", i, err)
			}
		}
		return nil
	case []string:
		return nil
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
}

// ChronologEvent is one immutable, signed record. Wire field names are
// stable: the session extractor and integrity verifier are both written
// against this exact shape.
type ChronologEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"event"`
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project"`
	Payload   Payload   `json:"data"`
	EventID   string    `json:"event_id"`
	Signature string    `json:"signature,omitempty"`
}

// eventClock hands out strictly increasing UTC timestamps so events are
// monotonic by construction order within a process, even when the wall
// clock does not advance between constructions.
var eventClock struct {
	mu   sync.Mutex
	last time.Time
}

func nextTimestamp() time.Time {
	eventClock.mu.Lock()
	defer eventClock.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(eventClock.last) {
		now = eventClock.last.Add(time.Nanosecond)
	}
	eventClock.last = now
	return now
}

// NewEvent constructs an unsigned event with a fresh globally unique id
// and a monotonic UTC timestamp. The payload is validated against the
// JSON-compatible value kinds; a nil payload is stored as an empty map so
// the wire record always carries a data object.
func NewEvent(kind, sessionID, projectID string, payload Payload) (*ChronologEvent, error) {
	if kind == "" {
		return nil, fmt.Errorf("event kind must not be empty")
	}
	if payload == nil {
		payload = Payload{}
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	return &ChronologEvent{
		Timestamp: nextTimestamp(),
		Kind:      kind,
		SessionID: sessionID,
		ProjectID: projectID,
		Payload:   payload,
		EventID:   uuid.New().String(),
	}, nil
}

// signable returns the event's fields under their wire names, excluding
// the signature. The signature is a pure function of this map's canonical
// encoding; any later mutation of a field invalidates it.
func (e *ChronologEvent) signable() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"event":      e.Kind,
		"session_id": e.SessionID,
		"project":    e.ProjectID,
		"data":       e.Payload,
		"event_id":   e.EventID,
	}
}
