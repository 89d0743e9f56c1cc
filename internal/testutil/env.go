// Package testutil provides an in-process Redis environment shared by the
// package tests.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/stretchr/testify/require"
)

// Environment is a miniredis server plus a connected bus.Conn.
type Environment struct {
	T     *testing.T
	Redis *miniredis.Miniredis
	Conn  *bus.Conn
	URL   string
	Ctx   context.Context
}

// SetupEnvironment starts miniredis and connects a bus.Conn to it. mutate
// can adjust the bus config before the connection is made.
func SetupEnvironment(t *testing.T, mutate ...func(*bus.Config)) *Environment {
	t.Helper()

	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr() + "/0"

	cfg := bus.Config{
		URL:              url,
		Backoff:          bus.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		SubscribeTimeout: time.Second,
		PublishTimeout:   2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	conn, err := bus.New(cfg)
	require.NoError(t, err, "Failed to create connection")
	t.Cleanup(func() { conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx), "Failed to connect to miniredis")

	return &Environment{
		T:     t,
		Redis: mr,
		Conn:  conn,
		URL:   url,
		Ctx:   context.Background(),
	}
}

// SetJSON stores doc under key without notifying anyone.
func (env *Environment) SetJSON(key string, doc any) {
	env.T.Helper()
	data, err := json.Marshal(doc)
	require.NoError(env.T, err)
	require.NoError(env.T, env.Redis.Set(key, string(data)))
}

// WriteTelemetry stores doc under key and emits the keyspace event real
// Redis would send. miniredis has no keyspace notifications.
func (env *Environment) WriteTelemetry(key string, doc any) {
	env.T.Helper()
	env.SetJSON(key, doc)
	env.Redis.Publish(bus.KeyspaceChannel(0, key), "set")
}

// CaptureCommands subscribes to channel and returns a channel receiving
// every decoded command published on it.
func (env *Environment) CaptureCommands(channel string) <-chan *bus.CommandEnvelope {
	env.T.Helper()

	out := make(chan *bus.CommandEnvelope, 16)
	w, err := env.Conn.SubscribeChannel(env.Ctx, channel, func(_ bus.Target, snap bus.Snapshot) {
		data, err := json.Marshal(snap.Fields)
		if err != nil {
			return
		}
		cmd, err := bus.DecodeCommand(data)
		if err != nil {
			return
		}
		out <- cmd
	})
	require.NoError(env.T, err, "Failed to subscribe to %s", channel)
	env.T.Cleanup(func() { w.Close() })
	return out
}

// WaitForCommand returns the next command from ch or fails the test.
func (env *Environment) WaitForCommand(ch <-chan *bus.CommandEnvelope) *bus.CommandEnvelope {
	env.T.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(2 * time.Second):
		env.T.Fatal("Timeout waiting for command")
	}
	return nil
}
