// Package decode parses inbound broker messages into fleet events.
//
// Two envelope shapes are accepted: the flat form
// {aid, timestamp, data} and the wrapping form
// {id, type, data: {aid, timestamp, data}}, which is unwrapped one level.
// Events without a producer-supplied aid get one synthesized from a
// canonical hash of their data, so redelivery stays idempotent.
package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetops/fleet-reporter/pkg/fleet"
)

var (
	// ErrMissingData is returned when an envelope carries no vehicle data.
	ErrMissingData = errors.New("envelope has no data")

	// ErrMissingID is returned when neither a producer aid nor a synthesized
	// fingerprint could be derived.
	ErrMissingID = errors.New("envelope has no aid")
)

// envelope covers both accepted shapes; unused fields stay empty.
type envelope struct {
	AID       string          `json:"aid"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Decode parses a raw broker payload into a fleet event.
// Malformed payloads return an error; callers log at warn level and drop the
// message so a bad producer cannot halt the pipeline.
func Decode(payload []byte) (*fleet.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	// A wrapping envelope nests the real one under data.
	if inner, ok := unwrap(env.Data); ok {
		env = inner
	}

	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, ErrMissingData
	}

	var data fleet.Vehicle
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("unmarshal vehicle data: %w", err)
	}

	aid := env.AID
	if aid == "" {
		var err error
		if aid, err = Fingerprint(env.Data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingID, err)
		}
	}

	return &fleet.Event{
		AID:       aid,
		Timestamp: parseTimestamp(env.Timestamp),
		Data:      data,
	}, nil
}

// unwrap reparses raw as an envelope when it looks like one, i.e. it is an
// object that itself carries a data field.
func unwrap(raw json.RawMessage) (envelope, bool) {
	if len(raw) == 0 || raw[0] != '{' {
		return envelope{}, false
	}

	var inner envelope
	if err := json.Unmarshal(raw, &inner); err != nil {
		return envelope{}, false
	}
	if len(inner.Data) == 0 {
		return envelope{}, false
	}
	return inner, true
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds.
// Anything else, including an absent timestamp, defaults to now.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Now().UTC()
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		return time.Now().UTC()
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC()
	}

	return time.Now().UTC()
}
