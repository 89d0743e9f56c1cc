package bus

import (
	"encoding/json"
	"strconv"
	"time"
)

// Identity addresses one device on one grid of one owner.
// PlayerID may be left empty, in which case the owner ID is used for command channels.
type Identity struct {
	OwnerID    string `json:"ownerId" yaml:"owner_id"`
	PlayerID   string `json:"playerId,omitempty" yaml:"player_id"`
	GridID     string `json:"gridId" yaml:"grid_id"`
	DeviceType string `json:"deviceType" yaml:"device_type"`
	DeviceID   string `json:"deviceId" yaml:"device_id"`
}

// Player returns the player ID used for command channels.
func (i Identity) Player() string {
	if i.PlayerID != "" {
		return i.PlayerID
	}
	return i.OwnerID
}

// Validate checks that the identity can be turned into keys and channels.
// DeviceType is optional because discovery can recover it from the keyspace.
func (i Identity) Validate() error {
	if i.OwnerID == "" {
		return &ValidationError{Field: "ownerId", Reason: "required"}
	}
	if i.GridID == "" {
		return &ValidationError{Field: "gridId", Reason: "required"}
	}
	if i.DeviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "required"}
	}
	return nil
}

// Snapshot sources.
const (
	SourceKeyspace = "keyspace"
	SourceChannel  = "channel"
	SourcePoll     = "poll"
	SourceSeed     = "seed"
)

// Snapshot is the last decoded telemetry document for a target.
// The zero value is the "unknown" sentinel: nothing has arrived yet.
type Snapshot struct {
	Fields     map[string]any `json:"fields,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
	Source     string         `json:"source,omitempty"`
	Seq        uint64         `json:"seq"`
	Cleared    bool           `json:"cleared,omitempty"`

	// Optimistic is set by device handles when local command results are
	// overlaid on the last telemetry that arrived.
	Optimistic bool `json:"optimistic,omitempty"`
}

// Known reports whether the snapshot holds real telemetry.
func (s Snapshot) Known() bool {
	return s.Seq > 0 && !s.Cleared && s.Fields != nil
}

// Clone returns a deep copy so that callers can never mutate registry state.
func (s Snapshot) Clone() Snapshot {
	s.Fields = cloneMap(s.Fields)
	return s
}

// Value returns the raw field value.
func (s Snapshot) Value(field string) (any, bool) {
	if s.Fields == nil {
		return nil, false
	}
	v, ok := s.Fields[field]
	return v, ok
}

// Bool reads a boolean field. Numeric 0/1 and "true"/"false" strings are accepted
// because the plugin is not consistent across block types.
func (s Snapshot) Bool(field string) (bool, bool) {
	v, ok := s.Value(field)
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case json.Number:
		f, err := b.Float64()
		if err != nil {
			return false, false
		}
		return f != 0, true
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, false
		}
		return parsed, true
	}
	return false, false
}

// Float reads a numeric field.
func (s Snapshot) Float(field string) (float64, bool) {
	v, ok := s.Value(field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// String reads a string field.
func (s Snapshot) String(field string) (string, bool) {
	v, ok := s.Value(field)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
