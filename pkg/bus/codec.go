package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// DefaultIssuer is written to meta.user when no issuer is configured.
const DefaultIssuer = "grid-wrapper"

// Target types of a command envelope.
const (
	TargetDevice = "device"
	TargetGrid   = "grid"
)

// ID is an entity identifier. The plugin expects numeric IDs as JSON numbers, so
// IDs made only of digits are encoded without quotes.
type ID string

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts both numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// CommandEnvelope is one outbound command message.
//
// Identity fields are duplicated under every alias the plugin accepts
// (gridId/gridEntityId/grid_id and so on). Extra holds type specific parameters
// the plugin reads from the root of the message; it never overrides the fixed
// fields.
type CommandEnvelope struct {
	Cmd        string
	State      any
	Payload    any
	GridID     ID
	DeviceID   ID
	OwnerID    ID
	PlayerID   ID
	TargetType string
	IssuedBy   string
	Seq        int64
	Timestamp  time.Time
	Extra      map[string]any
}

// NewDeviceCommand builds an envelope for a device command addressed by id.
func NewDeviceCommand(id Identity, cmd string, state, payload any) *CommandEnvelope {
	return &CommandEnvelope{
		Cmd:        cmd,
		State:      state,
		Payload:    payload,
		GridID:     ID(id.GridID),
		DeviceID:   ID(id.DeviceID),
		PlayerID:   ID(id.Player()),
		TargetType: TargetDevice,
	}
}

// NewGridCommand builds an envelope for a grid level command.
func NewGridCommand(ownerID, playerID, gridID, cmd string, state, payload any) *CommandEnvelope {
	if playerID == "" {
		playerID = ownerID
	}
	return &CommandEnvelope{
		Cmd:        cmd,
		State:      state,
		Payload:    payload,
		GridID:     ID(gridID),
		OwnerID:    ID(ownerID),
		PlayerID:   ID(playerID),
		TargetType: TargetGrid,
	}
}

// Stamp fills issuer, sequence and timestamp when they are unset.
func (e *CommandEnvelope) Stamp(now time.Time, issuer string) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Seq == 0 {
		e.Seq = e.Timestamp.UnixMilli()
	}
	if e.IssuedBy == "" {
		e.IssuedBy = issuer
	}
	if e.IssuedBy == "" {
		e.IssuedBy = DefaultIssuer
	}
}

// Validate checks the envelope invariants.
func (e *CommandEnvelope) Validate() error {
	if e.Cmd == "" {
		return &ValidationError{Field: "cmd", Reason: "must be a non-empty string"}
	}
	if e.TargetType == TargetDevice && e.DeviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "required for device commands"}
	}
	if e.TargetType == TargetGrid && e.GridID == "" {
		return &ValidationError{Field: "gridId", Reason: "required for grid commands"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *CommandEnvelope) MarshalJSON() ([]byte, error) {
	msg := map[string]any{
		"cmd": e.Cmd,
	}
	if e.State != nil {
		msg["state"] = e.State
	}
	if e.Payload != nil {
		msg["payload"] = e.Payload
	}
	if e.GridID != "" {
		msg["gridId"] = e.GridID
		msg["gridEntityId"] = e.GridID
		msg["grid_id"] = e.GridID
	}
	if e.DeviceID != "" {
		msg["deviceId"] = e.DeviceID
		msg["entityId"] = e.DeviceID
	}
	if e.OwnerID != "" {
		msg["ownerId"] = e.OwnerID
		msg["owner_id"] = e.OwnerID
	}
	if e.PlayerID != "" {
		msg["playerId"] = e.PlayerID
		msg["player_id"] = e.PlayerID
		msg["userId"] = e.PlayerID
	}
	if e.TargetType != "" {
		msg["targetType"] = e.TargetType
		if e.TargetType == TargetGrid && e.GridID != "" {
			msg["targetId"] = e.GridID
		}
	}
	if e.IssuedBy != "" {
		msg["issuedBy"] = e.IssuedBy
		msg["meta"] = map[string]any{"user": e.IssuedBy}
	}
	if e.Seq != 0 {
		msg["seq"] = e.Seq
	}
	if !e.Timestamp.IsZero() {
		msg["ts"] = e.Timestamp.UnixMilli()
	}
	for k, v := range e.Extra {
		if _, taken := msg[k]; !taken && v != nil {
			msg[k] = v
		}
	}
	return json.Marshal(msg)
}

// Encode returns the wire form of the envelope.
func (e *CommandEnvelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command envelope: %w", err)
	}
	return data, nil
}

var envelopeKeys = setOf(
	"cmd", "state", "payload", "gridId", "gridEntityId", "grid_id", "deviceId", "entityId",
	"ownerId", "owner_id", "playerId", "player_id", "userId", "targetType", "targetId",
	"issuedBy", "meta", "seq", "ts",
)

// DecodeCommand parses a command message as published on a command channel.
// Unknown root keys end up in Extra.
func DecodeCommand(data []byte) (*CommandEnvelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse command envelope: %w", err)
	}

	e := &CommandEnvelope{}
	str := func(key string) string {
		var s string
		if v, ok := raw[key]; ok {
			_ = json.Unmarshal(v, &s)
		}
		return s
	}
	id := func(keys ...string) ID {
		for _, key := range keys {
			var v ID
			if msg, ok := raw[key]; ok && json.Unmarshal(msg, &v) == nil && v != "" {
				return v
			}
		}
		return ""
	}
	anyValue := func(key string) any {
		msg, ok := raw[key]
		if !ok {
			return nil
		}
		var v any
		_ = json.Unmarshal(msg, &v)
		return v
	}

	e.Cmd = str("cmd")
	e.State = anyValue("state")
	e.Payload = anyValue("payload")
	e.GridID = id("gridId", "gridEntityId", "grid_id")
	e.DeviceID = id("deviceId", "entityId")
	e.OwnerID = id("ownerId", "owner_id")
	e.PlayerID = id("playerId", "player_id", "userId")
	e.TargetType = str("targetType")
	e.IssuedBy = str("issuedBy")
	if e.IssuedBy == "" {
		var meta struct {
			User string `json:"user"`
		}
		if m, ok := raw["meta"]; ok && json.Unmarshal(m, &meta) == nil {
			e.IssuedBy = meta.User
		}
	}
	if v, ok := raw["seq"]; ok {
		_ = json.Unmarshal(v, &e.Seq)
	}
	if v, ok := raw["ts"]; ok {
		var ms int64
		if json.Unmarshal(v, &ms) == nil && ms > 0 {
			e.Timestamp = time.UnixMilli(ms)
		}
	}
	for k := range raw {
		if _, fixed := envelopeKeys[k]; fixed {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]any)
		}
		e.Extra[k] = anyValue(k)
	}
	return e, nil
}

// DecodeTelemetry turns a telemetry document into snapshot fields. A JSON object
// is returned as is; anything else is kept under "raw" so that no update is lost.
// Numbers are kept as json.Number so that 64-bit entity IDs survive.
func DecodeTelemetry(data []byte) map[string]any {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]any
		if err := decodeNumbers(trimmed, &fields); err == nil && fields != nil {
			return fields
		}
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []any
		if err := decodeNumbers(trimmed, &list); err == nil {
			return map[string]any{"raw": list}
		}
	}
	return map[string]any{"raw": string(data)}
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

func setOf(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}
