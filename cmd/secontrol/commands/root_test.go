package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/SENERGY-Platform/go-service-base/struct-logger/attributes"
	"github.com/dyluth/secontrol/internal/printer"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs a fresh command tree and returns what it printed.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	// Keep the environment of the machine running the tests out of the config
	for _, key := range []string{"REDIS_URL", "SE_OWNER_ID", "SE_PLAYER_ID", "SE_GRID_ID", "LOG_LEVEL", "LOG_HANDLER"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	prevColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() {
		color.NoColor = prevColor
		printer.SetOutput(os.Stdout, os.Stderr)
	})

	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

// TestRootCommand_ShowsHelpWhenNoSubcommand tests that the root command
// shows help instead of silently succeeding when invoked without a subcommand
func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	out, _, err := execute(t)

	assert.NoError(t, err)
	assert.Contains(t, out, "Usage:", "Help should be displayed")
	assert.Contains(t, out, "secontrol", "Help should show command name")
	for _, sub := range []string{"grids", "devices", "telemetry", "send", "send-grid", "watch", "enable", "disable", "toggle"} {
		assert.Contains(t, out, sub)
	}
}

// TestRootCommand_RejectsUnknownFlags tests that unknown flags
// passed to the root command cause an error instead of being silently ignored
func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	_, _, err := execute(t, "--unknown-flag", "value")

	assert.Error(t, err, "Unknown flag should cause an error")
	assert.Contains(t, err.Error(), "unknown flag", "Error should mention unknown flag")
}

// TestRootCommand_RejectsSubcommandFlags tests that flags of one
// subcommand are rejected by the root command
func TestRootCommand_RejectsSubcommandFlags(t *testing.T) {
	_, _, err := execute(t, "--until", "enabled=true")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestRootCommand_RequiresOwner(t *testing.T) {
	_, errOut, err := execute(t, "grids", "--redis-url", "redis://127.0.0.1:1/0")

	require.Error(t, err)
	assert.True(t, printer.IsReported(err))
	assert.Equal(t, "owner id missing", err.Error())
	assert.Contains(t, errOut, "SE_OWNER_ID")
}

func TestRootCommand_LogsBusSetupFailure(t *testing.T) {
	_, errOut, err := execute(t, "grids", "--owner", "1", "--redis-url", "ftp://nowhere", "--log-level", "debug")

	require.Error(t, err)
	assert.True(t, printer.IsReported(err))
	assert.Contains(t, errOut, "bus setup failed")
	assert.Contains(t, errOut, attributes.ErrorKey+"=")
}

func TestRootCommand_InvalidConfigFile(t *testing.T) {
	_, _, err := execute(t, "grids", "--config", "/does/not/exist.yaml")

	require.Error(t, err)
	assert.Equal(t, "invalid configuration", err.Error())
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected any
	}{
		{"empty", "", nil},
		{"blank", "   ", nil},
		{"plain string", "Miner Mk2", "Miner Mk2"},
		{"csv is not json", "0.1,0,0", "0.1,0,0"},
		{"bool", "true", true},
		{"number keeps precision", "144115188075855919", json.Number("144115188075855919")},
		{"quoted string", `"hello"`, "hello"},
		{"object with comments", "{\"enabled\": true, // on\n}", map[string]any{"enabled": true}},
		{"list with trailing comma", "[1, 2,]", []any{json.Number("1"), json.Number("2")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseValue(tt.raw))
		})
	}
}

func TestParseObject(t *testing.T) {
	m, err := parseObject("extra", `{"color": [1, 0, 0]}`)
	require.NoError(t, err)
	assert.Contains(t, m, "color")

	m, err = parseObject("extra", "")
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = parseObject("extra", "[1]")
	assert.Error(t, err)
}

func TestTargetState(t *testing.T) {
	tests := []struct {
		action    string
		previous  bool
		known     bool
		want      bool
		wantKnown bool
	}{
		{"enable", false, false, true, true},
		{"disable", true, true, false, true},
		{"toggle", true, true, false, true},
		{"toggle", false, true, true, true},
		{"toggle", false, false, true, false},
	}

	for _, tt := range tests {
		want, known := targetState(tt.action, tt.previous, tt.known)
		assert.Equal(t, tt.wantKnown, known, tt.action)
		if known {
			assert.Equal(t, tt.want, want, tt.action)
		}
	}
}
