package device

import (
	"errors"
	"testing"
	"time"

	"github.com/dyluth/secontrol/internal/testutil"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenGrid(t *testing.T) {
	env := testutil.SetupEnvironment(t)

	g, err := OpenGrid(env.Conn, "o1", "", "g1")
	require.NoError(t, err)
	assert.Equal(t, "se.o1.commands.grid.g1", g.CommandChannel())

	_, err = OpenGrid(env.Conn, "o1", "p1", "")
	assert.True(t, errors.Is(err, bus.ErrValidation))
}

func TestGrid_Commands(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	commands := env.CaptureCommands("se.p1.commands.grid.110")
	g, err := OpenGrid(env.Conn, "5", "p1", "110")
	require.NoError(t, err)

	t.Run("rename", func(t *testing.T) {
		_, err := g.Rename(env.Ctx, "  Miner Mk2 ")
		require.NoError(t, err)

		cmd := env.WaitForCommand(commands)
		assert.Equal(t, "set_name", cmd.Cmd)
		assert.Equal(t, "Miner Mk2", cmd.State)
		assert.Equal(t, "Miner Mk2", cmd.Extra["gridName"])
		assert.Equal(t, bus.TargetGrid, cmd.TargetType)
		assert.Equal(t, bus.ID("110"), cmd.GridID)
		assert.Equal(t, bus.ID("5"), cmd.OwnerID)

		_, err = g.Rename(env.Ctx, " ")
		assert.True(t, errors.Is(err, bus.ErrValidation))
	})

	t.Run("convert", func(t *testing.T) {
		_, err := g.ConvertToStation(env.Ctx)
		require.NoError(t, err)
		assert.Equal(t, "convert_to_station", env.WaitForCommand(commands).Cmd)
	})

	t.Run("set owner", func(t *testing.T) {
		_, err := g.SetOwner(env.Ctx, "42", "faction")
		require.NoError(t, err)

		cmd := env.WaitForCommand(commands)
		assert.Equal(t, "set_owner", cmd.Cmd)
		assert.Equal(t, bus.ID("42"), cmd.OwnerID)
		assert.Equal(t, "faction", cmd.Extra["shareMode"])

		_, err = g.SetOwner(env.Ctx, "nobody", "")
		assert.True(t, errors.Is(err, bus.ErrValidation))
	})
}

func TestParseDamageEvent(t *testing.T) {
	ev := ParseDamageEvent(map[string]any{
		"timestamp": "2026-01-02T03:04:05Z",
		"gridId":    "110",
		"gridName":  "Base",
		"damage":    map[string]any{"amount": 12.5, "type": "Bullet"},
		"attacker":  map[string]any{"entityId": "99"},
	})
	assert.Equal(t, "2026-01-02T03:04:05Z", ev.Timestamp)
	assert.Equal(t, "110", ev.GridID)
	assert.Equal(t, 12.5, ev.Amount)
	assert.Equal(t, "Bullet", ev.DamageType)
	assert.Equal(t, "99", ev.AttackerID)

	assert.Equal(t, "Unknown", ParseDamageEvent(map[string]any{}).DamageType)
}

func TestGrid_OnDamage(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	g, err := OpenGrid(env.Conn, "o1", "", "g1")
	require.NoError(t, err)

	events := make(chan DamageEvent, 1)
	require.NoError(t, g.OnDamage(env.Ctx, func(ev DamageEvent) { events <- ev }))

	env.Redis.Publish("se:o1:grid:g1:damage", `{"gridId":144115188075855919,"damage":{"amount":3}}`)

	select {
	case ev := <-events:
		assert.Equal(t, "144115188075855919", ev.GridID)
		assert.Equal(t, 3.0, ev.Amount)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for damage event")
	}

	require.NoError(t, g.Close())
	assert.Equal(t, 0, env.Conn.Registry().SubscriberCount(bus.ChannelTarget("se:o1:grid:g1:damage")))
}
