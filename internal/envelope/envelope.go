// Package envelope defines the wire unit shared by the SSE and WebSocket
// endpoints and the resume store. The serialized JSON form is canonical:
// it is built once per publish and the same bytes are fanned out to every
// subscriber and persisted for replay.
package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Schema version stamped into every envelope.
const Version = 1

// MaxPayloadSize is the serialized payload ceiling (64 KiB).
const MaxPayloadSize = 64 * 1024

// Event names carried in the envelope's "event" field.
const (
	EventUpdate    = "update"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
	EventReset     = "reset"
	EventWelcome   = "welcome"
)

// HeartbeatTopic is the synthetic topic idle heartbeats are emitted on.
// Idle heartbeats carry seq 0 and never consume a real topic sequence.
const HeartbeatTopic = "_hb"

// Envelope is the unit of publication and delivery.
type Envelope struct {
	V       int             `json:"v"`
	TS      string          `json:"ts"`
	Seq     uint64          `json:"seq"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Build hand-crafts the envelope JSON. payload must already be valid JSON
// (an empty payload is rendered as {}). Field order is fixed so the bytes
// stay stable across the fan-out path and the resume store.
func Build(ts time.Time, seq uint64, topic, event string, payload []byte) []byte {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	buf := make([]byte, 0, len(topic)+len(event)+len(payload)+96)
	buf = append(buf, `{"v":`...)
	buf = strconv.AppendInt(buf, Version, 10)
	buf = append(buf, `,"ts":"`...)
	buf = ts.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendUint(buf, seq, 10)
	buf = append(buf, `,"topic":"`...)
	buf = append(buf, topic...)
	buf = append(buf, `","event":"`...)
	buf = append(buf, event...)
	buf = append(buf, `","payload":`...)
	buf = append(buf, payload...)
	buf = append(buf, '}')
	return buf
}

// Heartbeat returns an idle-heartbeat envelope on the synthetic topic.
func Heartbeat(ts time.Time) []byte {
	return Build(ts, 0, HeartbeatTopic, EventHeartbeat, nil)
}

// Parse decodes envelope JSON. Used by endpoints to recover seq/event for
// SSE framing of replayed entries.
func Parse(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope parse: %w", err)
	}
	return e, nil
}
