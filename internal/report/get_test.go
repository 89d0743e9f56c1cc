package report

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/dyluth/secontrol/internal/testutil"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShowTelemetry(t *testing.T) {
	id := bus.Identity{OwnerID: "o1", GridID: "g1", DeviceID: "10"}

	t.Run("table", func(t *testing.T) {
		env := testutil.SetupEnvironment(t)
		env.SetJSON("se:o1:grid:g1:lamp:10:telemetry", map[string]any{"enabled": true, "intensity": 4})

		var buf bytes.Buffer
		require.NoError(t, ShowTelemetry(env.Ctx, env.Conn, id, OutputFormatTable, &buf))
		assert.Contains(t, buf.String(), "se:o1:grid:g1:lamp:10:telemetry")
		assert.Contains(t, buf.String(), "intensity")
		assert.Contains(t, buf.String(), "via seed")
	})

	t.Run("json", func(t *testing.T) {
		env := testutil.SetupEnvironment(t)
		env.SetJSON("se:o1:grid:g1:lamp:10:telemetry", map[string]any{"enabled": true})

		var buf bytes.Buffer
		require.NoError(t, ShowTelemetry(env.Ctx, env.Conn, id, OutputFormatJSON, &buf))

		var view TelemetryView
		require.NoError(t, json.Unmarshal(buf.Bytes(), &view))
		assert.Equal(t, "lamp", view.Identity.DeviceType)
		assert.Equal(t, true, view.Snapshot.Fields["enabled"])
	})

	t.Run("empty canonical key", func(t *testing.T) {
		env := testutil.SetupEnvironment(t)
		typed := id
		typed.DeviceType = "lamp"

		var buf bytes.Buffer
		err := ShowTelemetry(env.Ctx, env.Conn, typed, OutputFormatTable, &buf)
		assert.True(t, bus.IsNotFound(err))
	})

	t.Run("unknown device", func(t *testing.T) {
		env := testutil.SetupEnvironment(t)

		var buf bytes.Buffer
		err := ShowTelemetry(env.Ctx, env.Conn, id, OutputFormatTable, &buf)
		assert.True(t, bus.IsNotFound(err))
	})
}
