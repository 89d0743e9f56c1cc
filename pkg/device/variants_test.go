package device

import (
	"errors"
	"math"
	"testing"

	"github.com/dyluth/secontrol/internal/testutil"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"", TypeGeneric},
		{"MyObjectBuilder_Thrust", TypeThruster},
		{"MyObjectBuilder_CargoContainer", TypeContainer},
		{"MyObjectBuilder_ReflectorLight", TypeLamp},
		{"MyObjectBuilder_MotorStator", "motorstator"},
		{"cargo_container", TypeContainer},
		{"Light", TypeLamp},
		{"text_panel", TypeTextPanel},
		{"Gyro", TypeGyro},
		{" battery ", TypeBattery},
	}

	for _, tt := range tests {
		if got := NormalizeType(tt.raw); got != tt.expected {
			t.Errorf("NormalizeType(%q) = %q, want %q", tt.raw, got, tt.expected)
		}
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected [3]float64
	}{
		{"fractions", []float64{1, 0.5, 0}, [3]float64{1, 0.5, 0}},
		{"bytes", []int{255, 0, 204}, [3]float64{1, 0, 0.8}},
		// Each component picks its own range, so 51 reads as a percentage.
		{"mixed ranges", []int{255, 0, 51}, [3]float64{1, 0, 0.51}},
		{"percent", []any{100.0, 50.0, 0.0}, [3]float64{1, 0.5, 0}},
		{"string", "255;0;0", [3]float64{1, 0, 0}},
		{"spaces", "0 0.5 1", [3]float64{0, 0.5, 1}},
		{"mapping", map[string]any{"r": 0.0, "g": 255.0, "b": -4.0}, [3]float64{0, 1, 0}},
		{"clamped", []float64{1000, 0, 0}, [3]float64{1, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseColor(tt.input)
			require.NoError(t, err)
			for i := range got {
				assert.InDelta(t, tt.expected[i], got[i], 1e-9, "component %d", i)
			}
		})
	}

	for _, bad := range []any{"1;2", []float64{1, 2, 3, 4}, map[string]any{"r": 1.0}, 42, "a;b;c", "NaN;0;0", "0;Inf;0", []float64{0, 0, math.Inf(-1)}} {
		_, err := ParseColor(bad)
		assert.True(t, errors.Is(err, bus.ErrValidation), "input %v", bad)
	}
}

func TestLamp_SetColor(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	commands := env.CaptureCommands("se.p1.commands.device.d1")
	lamp := NewLamp(openDevice(t, env, lampID))

	_, err := lamp.SetColor(env.Ctx, []int{255, 0, 0})
	require.NoError(t, err)

	cmd := env.WaitForCommand(commands)
	assert.Equal(t, "color", cmd.Cmd)
	assert.Equal(t, []any{1.0, 0.0, 0.0}, cmd.Extra["color"])

	rgb, ok := lamp.Color()
	require.True(t, ok)
	assert.Equal(t, [3]float64{1, 0, 0}, rgb)

	_, err = lamp.SetColor(env.Ctx, "red")
	assert.True(t, errors.Is(err, bus.ErrValidation))
	assert.Empty(t, commands, "invalid colours are never sent")
}

func TestLamp_Readers(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	env.SetJSON(lampKey, map[string]any{"intensity": 2.5, "radius": 10, "color": []float64{0.1, 0.2, 0.3}})
	lamp := NewLamp(openDevice(t, env, lampID))

	intensity, ok := lamp.Intensity()
	assert.True(t, ok)
	assert.Equal(t, 2.5, intensity)
	radius, ok := lamp.Radius()
	assert.True(t, ok)
	assert.Equal(t, 10.0, radius)
	rgb, ok := lamp.Color()
	assert.True(t, ok)
	assert.Equal(t, [3]float64{0.1, 0.2, 0.3}, rgb)
}

func TestGyro(t *testing.T) {
	gyroID := bus.Identity{OwnerID: "o1", GridID: "g1", DeviceType: "gyro", DeviceID: "7"}

	t.Run("override state", func(t *testing.T) {
		state, err := OverrideState(0.5, -1, 0)
		require.NoError(t, err)
		assert.Equal(t, "0.500000,-1.000000,0.000000", state)

		_, err = OverrideState(1.5, 0, 0)
		var verr *bus.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "pitch", verr.Field)
	})

	t.Run("commands", func(t *testing.T) {
		env := testutil.SetupEnvironment(t)
		commands := env.CaptureCommands("se.o1.commands.device.7")
		gyro := NewGyro(openDevice(t, env, gyroID))

		_, err := gyro.SetOverride(env.Ctx, 0.1, 0.2, -0.3)
		require.NoError(t, err)
		cmd := env.WaitForCommand(commands)
		assert.Equal(t, "override", cmd.Cmd)
		assert.Equal(t, "0.100000,0.200000,-0.300000", cmd.State)

		_, err = gyro.Disable(env.Ctx)
		require.NoError(t, err)
		cmd = env.WaitForCommand(commands)
		assert.Equal(t, "disable", cmd.Cmd)
		assert.Equal(t, "", cmd.State)

		_, err = gyro.ClearOverride(env.Ctx)
		require.NoError(t, err)
		assert.Equal(t, "clear_override", env.WaitForCommand(commands).Cmd)

		_, err = gyro.SetOverride(env.Ctx, 0, 0, -2)
		assert.True(t, errors.Is(err, bus.ErrValidation))
		assert.Empty(t, commands)
	})
}

func TestTransferState(t *testing.T) {
	state, err := TransferState("100", "200", []Item{
		{Subtype: "IronIngot", Type: "MyObjectBuilder_Ingot", Amount: 50},
		{Subtype: ""},
		{Subtype: "Ice"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fromId":100,"toId":200,"items":[{"subtype":"IronIngot","type":"MyObjectBuilder_Ingot","amount":50},{"subtype":"Ice"}]}`, state)

	_, err = TransferState("100", "200", []Item{{Type: "MyObjectBuilder_Ore"}})
	assert.True(t, errors.Is(err, ErrEmptyTransfer))

	_, err = TransferState("100", "cargo", []Item{{Subtype: "Ice"}})
	assert.True(t, errors.Is(err, bus.ErrValidation))

	_, err = TransferState("100", "200", []Item{{Subtype: "Ice", Amount: -1}})
	assert.True(t, errors.Is(err, bus.ErrValidation))
}

func TestContainer(t *testing.T) {
	cargoID := bus.Identity{OwnerID: "o1", GridID: "g1", DeviceType: "container", DeviceID: "100"}
	cargoKey := "se:o1:grid:g1:cargo_container:100:telemetry"

	env := testutil.SetupEnvironment(t)
	env.SetJSON(cargoKey, map[string]any{
		"currentVolume": 0.5,
		"maxVolume":     15.625,
		"fillRatio":     0.032,
		"items": []any{
			map[string]any{"type": "MyObjectBuilder_Ore", "subtype": "Iron", "amount": 120, "displayName": "Iron Ore"},
			map[string]any{"Type": "MyObjectBuilder_Ore", "name": "Ice", "amount": 40},
			"garbage",
		},
	})
	commands := env.CaptureCommands("se.o1.commands.device.100")
	c := NewContainer(openDevice(t, env, cargoID))

	items := c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, Item{Type: "MyObjectBuilder_Ore", Subtype: "Iron", Amount: 120, DisplayName: "Iron Ore"}, items[0])
	assert.Equal(t, "Ice", items[1].Subtype)
	assert.Len(t, c.FindBySubtype("Ice"), 1)
	assert.Len(t, c.FindByType("MyObjectBuilder_Ore"), 2)

	capacity := c.Capacity()
	assert.Equal(t, 15.625, capacity.MaxVolume)
	assert.Equal(t, 0.0, capacity.CurrentMass)

	_, err := c.MoveAll(env.Ctx, "200", "ice")
	require.NoError(t, err)
	cmd := env.WaitForCommand(commands)
	assert.Equal(t, "transfer_items", cmd.Cmd)
	assert.JSONEq(t, `{"fromId":100,"toId":200,"items":[{"subtype":"Iron"}]}`, cmd.State.(string))

	_, err = c.DrainTo(env.Ctx, "200")
	assert.True(t, errors.Is(err, ErrEmptyTransfer))
	assert.Empty(t, commands)
}

func TestConnector(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	commands := env.CaptureCommands("se.o1.commands.device.55")
	conn := NewConnector(openDevice(t, env, bus.Identity{OwnerID: "o1", GridID: "g1", DeviceType: "connector", DeviceID: "55"}))

	_, err := conn.Connect(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, "connect", env.WaitForCommand(commands).Cmd)

	locked := true
	_, err = conn.SetState(env.Ctx, &locked, nil)
	require.NoError(t, err)
	cmd := env.WaitForCommand(commands)
	assert.Equal(t, "connector_state", cmd.Cmd)
	assert.Equal(t, map[string]any{"locked": true}, cmd.State)

	_, err = conn.SetState(env.Ctx, nil, nil)
	assert.True(t, errors.Is(err, bus.ErrValidation))

	_, err = conn.SetThrowOut(env.Ctx, true)
	require.NoError(t, err)
	cmd = env.WaitForCommand(commands)
	assert.Equal(t, "set_throw_out", cmd.Cmd)
	assert.Equal(t, map[string]any{"throwOut": true}, cmd.State)
}

func TestProjector(t *testing.T) {
	projID := bus.Identity{OwnerID: "o1", GridID: "g1", DeviceType: "projector", DeviceID: "9"}
	projKey := "se:o1:grid:g1:projector:9:telemetry"

	env := testutil.SetupEnvironment(t)
	env.SetJSON(projKey, map[string]any{"remainingBlocks": 12, "buildableBlocks": 3, "projectedGridName": "Miner"})
	commands := env.CaptureCommands("se.o1.commands.device.9")
	p := NewProjector(openDevice(t, env, projID))

	remaining, ok := p.RemainingBlocks()
	assert.True(t, ok)
	assert.Equal(t, 12, remaining)
	name, _ := p.ProjectedGridName()
	assert.Equal(t, "Miner", name)

	t.Run("load prefab", func(t *testing.T) {
		_, err := p.LoadPrefab(env.Ctx, "SmallMiner", true)
		require.NoError(t, err)
		cmd := env.WaitForCommand(commands)
		assert.Equal(t, "load_prefab", cmd.Cmd)
		assert.Equal(t, "SmallMiner", cmd.Extra["prefab"])
		assert.Equal(t, true, cmd.Extra["keep"])

		_, err = p.LoadPrefab(env.Ctx, "  ", true)
		assert.True(t, errors.Is(err, bus.ErrValidation))
	})

	t.Run("load blueprint xml", func(t *testing.T) {
		_, err := p.LoadBlueprintXML(env.Ctx, "<Definitions/>", false)
		assert.True(t, errors.Is(err, bus.ErrValidation))

		_, err = p.LoadBlueprintXML(env.Ctx, `<Definitions><ShipBlueprints><MyObjectBuilder_ShipBlueprintDefinition/></ShipBlueprints></Definitions>`, false)
		require.NoError(t, err)
		assert.Equal(t, "load_blueprint_xml", env.WaitForCommand(commands).Cmd)
	})

	t.Run("offset and rotation", func(t *testing.T) {
		_, err := p.SetOffset(env.Ctx, Vector{X: 1, Y: -2, Z: 3})
		require.NoError(t, err)
		cmd := env.WaitForCommand(commands)
		assert.Equal(t, "set_offset", cmd.Cmd)
		assert.Equal(t, map[string]any{"x": 1.0, "y": -2.0, "z": 3.0}, cmd.State)

		_, err = p.SetScale(env.Ctx, 0)
		assert.True(t, errors.Is(err, bus.ErrValidation))
	})

	t.Run("blueprint export", func(t *testing.T) {
		assert.Equal(t, "se:o1:grid:g1:projector:9:blueprint", p.BlueprintKey())

		_, err := p.Blueprint(env.Ctx)
		assert.True(t, bus.IsNotFound(err))

		env.SetJSON(p.BlueprintKey(), map[string]any{"xml": "<Definitions/>"})
		xml, err := p.Blueprint(env.Ctx)
		require.NoError(t, err)
		assert.Equal(t, "<Definitions/>", xml)
	})
}

func TestTyped(t *testing.T) {
	env := testutil.SetupEnvironment(t)

	d, err := OpenTyped(env.Ctx, env.Conn, lampID)
	require.NoError(t, err)
	_, ok := d.(*Lamp)
	assert.True(t, ok)

	d, err = OpenTyped(env.Ctx, env.Conn, bus.Identity{OwnerID: "o1", GridID: "g1", DeviceType: "battery", DeviceID: "3"})
	require.NoError(t, err)
	_, ok = d.(*Device)
	assert.True(t, ok)
}
