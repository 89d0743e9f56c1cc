package bus

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandEnvelope_Encode(t *testing.T) {
	id := Identity{OwnerID: "144115188075855919", PlayerID: "144115188075855919", GridID: "110", DeviceType: "lamp", DeviceID: "d1"}

	t.Run("device command carries identity aliases", func(t *testing.T) {
		env := NewDeviceCommand(id, "enable", nil, nil)
		env.Stamp(time.UnixMilli(1700000000000), "")

		data, err := env.Encode()
		require.NoError(t, err)

		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))

		assert.Equal(t, "enable", msg["cmd"])
		assert.Equal(t, float64(110), msg["gridId"])
		assert.Equal(t, float64(110), msg["gridEntityId"])
		assert.Equal(t, float64(110), msg["grid_id"])
		assert.Equal(t, "d1", msg["deviceId"])
		assert.Equal(t, "d1", msg["entityId"])
		assert.Equal(t, "device", msg["targetType"])
		assert.Equal(t, DefaultIssuer, msg["issuedBy"])
		assert.Equal(t, map[string]any{"user": DefaultIssuer}, msg["meta"])
		assert.Equal(t, float64(1700000000000), msg["ts"])
		assert.Equal(t, float64(1700000000000), msg["seq"])
		assert.NotContains(t, msg, "state")
		assert.NotContains(t, msg, "payload")
	})

	t.Run("large numeric ids keep their precision", func(t *testing.T) {
		env := NewDeviceCommand(id, "enable", nil, nil)
		data, err := env.Encode()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"playerId":144115188075855919`)
	})

	t.Run("extra never overrides fixed fields", func(t *testing.T) {
		env := NewDeviceCommand(id, "color", map[string]any{"r": 1}, nil)
		env.Extra = map[string]any{"cmd": "hijack", "color": []float64{1, 0, 0}}

		data, err := env.Encode()
		require.NoError(t, err)

		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "color", msg["cmd"])
		assert.Equal(t, []any{float64(1), float64(0), float64(0)}, msg["color"])
		assert.Equal(t, map[string]any{"r": float64(1)}, msg["state"])
	})

	t.Run("grid command targets the grid", func(t *testing.T) {
		env := NewGridCommand("o1", "", "g1", "set_name", "Miner", map[string]any{"name": "Miner"})
		data, err := env.Encode()
		require.NoError(t, err)

		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "grid", msg["targetType"])
		assert.Equal(t, "g1", msg["targetId"])
		assert.Equal(t, "o1", msg["playerId"])
		assert.Equal(t, "o1", msg["ownerId"])
		assert.Equal(t, "Miner", msg["state"])
	})

	t.Run("rejects empty cmd", func(t *testing.T) {
		env := NewDeviceCommand(id, "", nil, nil)
		_, err := env.Encode()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
	})
}

func TestDecodeCommand(t *testing.T) {
	env := NewDeviceCommand(Identity{OwnerID: "7", GridID: "8", DeviceID: "9"}, "transfer_items", `{"fromId":9}`, map[string]any{"note": "x"})
	env.Extra = map[string]any{"keep": true}
	env.Stamp(time.UnixMilli(1234), "tester")

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, "transfer_items", decoded.Cmd)
	assert.Equal(t, ID("8"), decoded.GridID)
	assert.Equal(t, ID("9"), decoded.DeviceID)
	assert.Equal(t, ID("7"), decoded.PlayerID)
	assert.Equal(t, `{"fromId":9}`, decoded.State)
	assert.Equal(t, map[string]any{"note": "x"}, decoded.Payload)
	assert.Equal(t, "tester", decoded.IssuedBy)
	assert.Equal(t, int64(1234), decoded.Seq)
	assert.Equal(t, int64(1234), decoded.Timestamp.UnixMilli())
	assert.Equal(t, map[string]any{"keep": true}, decoded.Extra)

	_, err = DecodeCommand([]byte("not json"))
	assert.Error(t, err)
}

func TestDecodeTelemetry(t *testing.T) {
	assert.Equal(t, map[string]any{"enabled": true}, DecodeTelemetry([]byte(` {"enabled":true} `)))
	assert.Equal(t, map[string]any{"raw": []any{json.Number("1"), json.Number("2")}}, DecodeTelemetry([]byte(`[1,2]`)))
	assert.Equal(t, map[string]any{"raw": "hello"}, DecodeTelemetry([]byte(`hello`)))
	assert.Equal(t, map[string]any{"raw": "{broken"}, DecodeTelemetry([]byte(`{broken`)))
}

func TestSnapshotAccessors(t *testing.T) {
	snap := Snapshot{
		Seq: 1,
		Fields: map[string]any{
			"enabled":   true,
			"working":   float64(0),
			"power":     0.5,
			"name":      "Lamp 1",
			"flag":      "true",
			"inventory": map[string]any{"items": []any{map[string]any{"subtype": "Iron"}}},
		},
	}

	assert.True(t, snap.Known())
	b, ok := snap.Bool("enabled")
	assert.True(t, ok)
	assert.True(t, b)
	b, ok = snap.Bool("working")
	assert.True(t, ok)
	assert.False(t, b)
	b, ok = snap.Bool("flag")
	assert.True(t, ok)
	assert.True(t, b)
	f, ok := snap.Float("power")
	assert.True(t, ok)
	assert.Equal(t, 0.5, f)
	s, ok := snap.String("name")
	assert.True(t, ok)
	assert.Equal(t, "Lamp 1", s)
	_, ok = snap.Bool("missing")
	assert.False(t, ok)

	clone := snap.Clone()
	clone.Fields["inventory"].(map[string]any)["items"].([]any)[0].(map[string]any)["subtype"] = "Gold"
	assert.Equal(t, "Iron", snap.Fields["inventory"].(map[string]any)["items"].([]any)[0].(map[string]any)["subtype"])

	assert.False(t, Snapshot{}.Known())
	assert.False(t, Snapshot{Seq: 2, Cleared: true}.Known())
}
