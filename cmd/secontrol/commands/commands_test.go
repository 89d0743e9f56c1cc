package commands

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/dyluth/secontrol/internal/testutil"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerID = "76561198000000001"
	gridID  = "144115188075855919"
)

func seedGrid(env *testutil.Environment) {
	env.Redis.Set("se:"+ownerID+":grids", `{"grids":[{"id":144115188075855919,"name":"Base"},{"id":"2","name":"Rotor","mainGridId":144115188075855919}]}`)
	env.Redis.Set("se:"+ownerID+":grid:"+gridID+":gridinfo", `{"devices":[
		{"id":"1001","type":"MyObjectBuilder_ReflectorLight","name":"Hangar Spot"},
		{"id":"1002","type":"MyObjectBuilder_Gyro","name":"Gyro 1"}
	]}`)
	env.SetJSON("se:"+ownerID+":grid:"+gridID+":lamp:1001:telemetry", map[string]any{"enabled": true, "name": "Hangar Spot"})
}

func connArgs(env *testutil.Environment, args ...string) []string {
	return append(args, "--redis-url", env.URL, "--owner", ownerID)
}

func TestGridsCommand(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	seedGrid(env)

	out, _, err := execute(t, connArgs(env, "grids")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Base")
	assert.NotContains(t, out, "Rotor")
	assert.Contains(t, out, "1 grid found")

	out, _, err = execute(t, connArgs(env, "grids", "--all", "-o", "jsonl")...)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestGridsCommand_InvalidOutput(t *testing.T) {
	env := testutil.SetupEnvironment(t)

	_, _, err := execute(t, connArgs(env, "grids", "-o", "xml")...)
	require.Error(t, err)
	assert.Equal(t, "invalid output format", err.Error())
}

func TestDevicesCommand(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	seedGrid(env)

	out, _, err := execute(t, connArgs(env, "devices", "--grid", gridID, "--type", "lamp", "-o", "json")...)
	require.NoError(t, err)

	var devices []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "1001", devices[0]["id"])
	assert.Equal(t, "gridinfo+scan", devices[0]["source"])
}

func TestTelemetryCommand(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	seedGrid(env)

	out, _, err := execute(t, connArgs(env, "telemetry", "hangar spot", "--grid", gridID)...)
	require.NoError(t, err)
	assert.Contains(t, out, "se:"+ownerID+":grid:"+gridID+":lamp:1001:telemetry")
	assert.Contains(t, out, "enabled")

	_, _, err = execute(t, connArgs(env, "telemetry", "nothing", "--grid", gridID)...)
	require.Error(t, err)
	assert.Equal(t, "not found", err.Error())
}

func TestSendCommand(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	seedGrid(env)
	commands := env.CaptureCommands("se." + ownerID + ".commands.device.1001")

	out, _, err := execute(t, connArgs(env, "send", "Hangar Spot", "color",
		"--grid", gridID,
		"--state", "{\"mode\": \"fade\", // comment\n}",
		"--extra", `{"color": [1, 0.5, 0]}`,
	)...)
	require.NoError(t, err)
	assert.Contains(t, out, "sent color to 1001")

	cmd := env.WaitForCommand(commands)
	assert.Equal(t, "color", cmd.Cmd)
	assert.Equal(t, map[string]any{"mode": "fade"}, cmd.State)
	assert.Equal(t, []any{1.0, 0.5, 0.0}, cmd.Extra["color"])
	assert.Equal(t, bus.ID(ownerID), cmd.OwnerID)
}

func TestSendCommand_CanonicalKey(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	commands := env.CaptureCommands("se.p9.commands.device.2001")

	_, _, err := execute(t, connArgs(env, "send", "2001", "override", "--grid", gridID, "--type", "gyro", "--player", "p9", "--state", "0.1,0,0")...)
	require.NoError(t, err)

	cmd := env.WaitForCommand(commands)
	assert.Equal(t, "override", cmd.Cmd)
	assert.Equal(t, "0.1,0,0", cmd.State)
}

func TestSendCommand_InvalidExtra(t *testing.T) {
	env := testutil.SetupEnvironment(t)

	_, _, err := execute(t, connArgs(env, "send", "1001", "color", "--extra", "[1,2]")...)
	require.Error(t, err)
	assert.Equal(t, "invalid extra", err.Error())
}

func TestSendGridCommand(t *testing.T) {
	env := testutil.SetupEnvironment(t)

	_, _, err := execute(t, connArgs(env, "send-grid", "convert_to_station")...)
	require.Error(t, err)
	assert.Equal(t, "grid id missing", err.Error())

	commands := env.CaptureCommands(bus.GridCommandChannel(ownerID, gridID))
	out, _, err := execute(t, connArgs(env, "send-grid", "set_name", "--grid", gridID, "--state", "Miner Mk2", "--fields", `{"gridName": "Miner Mk2"}`)...)
	require.NoError(t, err)
	assert.Contains(t, out, "sent set_name to grid "+gridID)

	cmd := env.WaitForCommand(commands)
	assert.Equal(t, "set_name", cmd.Cmd)
	assert.Equal(t, "Miner Mk2", cmd.State)
	assert.Equal(t, "Miner Mk2", cmd.Extra["gridName"])
}

func TestPowerCommand(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	seedGrid(env)
	commands := env.CaptureCommands("se." + ownerID + ".commands.device.1001")

	_, _, err := execute(t, connArgs(env, "disable", "1001", "--grid", gridID)...)
	require.NoError(t, err)
	assert.Equal(t, "disable", env.WaitForCommand(commands).Cmd)

	_, _, err = execute(t, connArgs(env, "toggle", "1001", "--grid", gridID)...)
	require.NoError(t, err)
	assert.Equal(t, "toggle", env.WaitForCommand(commands).Cmd)
}

func TestSendCommand_NoSubscribers(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	seedGrid(env)

	_, errOut, err := execute(t, connArgs(env, "enable", "1001", "--grid", gridID)...)
	require.NoError(t, err)
	assert.Contains(t, errOut, "nobody is subscribed")
}

func TestWatchCommand_Arguments(t *testing.T) {
	env := testutil.SetupEnvironment(t)

	_, _, err := execute(t, connArgs(env, "watch")...)
	require.Error(t, err)
	assert.Equal(t, "device missing", err.Error())

	_, _, err = execute(t, connArgs(env, "watch", "1001", "--damage")...)
	require.Error(t, err)
	assert.Equal(t, "invalid arguments", err.Error())

	_, _, err = execute(t, connArgs(env, "watch", "1001", "-o", "table")...)
	require.Error(t, err)
	assert.Equal(t, "invalid output format", err.Error())
}

func TestWatchCommand_UntilAlreadySatisfied(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	seedGrid(env)

	out, _, err := execute(t, connArgs(env, "watch", "1001", "--grid", gridID, "--until", "enabled=true", "--for", "5s")...)
	require.NoError(t, err)
	assert.Contains(t, out, "enabled=true")
}

func TestWatchCommand_StreamEndsAfterFor(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	seedGrid(env)

	out, _, err := execute(t, connArgs(env, "watch", "1001", "--grid", gridID, "--for", "200ms", "-o", "json")...)
	require.NoError(t, err)

	var snap bus.Snapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &snap))
	assert.Equal(t, true, snap.Fields["enabled"])
}
