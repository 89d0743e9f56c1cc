package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/secontrol/internal/testutil"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader is an in-memory device.TelemetryReader.
type fakeReader struct {
	mu        sync.Mutex
	current   bus.Snapshot
	listeners map[int]func(bus.Snapshot)
	next      int
}

func newFakeReader(current bus.Snapshot) *fakeReader {
	return &fakeReader{current: current, listeners: make(map[int]func(bus.Snapshot))}
}

func (f *fakeReader) Telemetry() bus.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeReader) OnUpdate(fn func(bus.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeReader) push(s bus.Snapshot) {
	f.mu.Lock()
	f.current = s
	fns := make([]func(bus.Snapshot), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeReader) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// lockedBuffer is a bytes.Buffer safe for one writer and one reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func snapshot(seq uint64, fields map[string]any) bus.Snapshot {
	return bus.Snapshot{Fields: fields, Seq: seq, Source: bus.SourceKeyspace, ReceivedAt: time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)}
}

func TestParseCondition(t *testing.T) {
	snap := snapshot(1, map[string]any{"enabled": true, "radius": json.Number("12.5"), "customName": "Spot"})

	tests := []struct {
		expr     string
		expected bool
	}{
		{"enabled=true", true},
		{"enabled=false", false},
		{"radius=12.5", true},
		{"customName=Spot", true},
		{" customName = Spot ", true},
		{"customName!=Spot", false},
		{"customName!=Other", true},
		{"missing!=x", true},
		{"radius", true},
		{"missing", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cond, err := ParseCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cond(snap))
		})
	}

	for _, bad := range []string{"", "=true", "!=x"} {
		_, err := ParseCondition(bad)
		assert.Error(t, err, bad)
	}

	neq, err := ParseCondition("missing!=x")
	require.NoError(t, err)
	assert.False(t, neq(bus.Snapshot{}), "unknown telemetry never satisfies !=")
}

func TestWaitFor(t *testing.T) {
	enabled, err := ParseCondition("enabled=true")
	require.NoError(t, err)

	t.Run("current telemetry already matches", func(t *testing.T) {
		src := newFakeReader(snapshot(1, map[string]any{"enabled": true}))

		got, err := WaitFor(context.Background(), src, enabled)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Seq)
		assert.Equal(t, 0, src.listenerCount())
	})

	t.Run("returns the first matching update", func(t *testing.T) {
		src := newFakeReader(snapshot(1, map[string]any{"enabled": false}))

		go func() {
			for src.listenerCount() == 0 {
				time.Sleep(time.Millisecond)
			}
			src.push(snapshot(2, map[string]any{"enabled": false}))
			src.push(snapshot(3, map[string]any{"enabled": true}))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, err := WaitFor(ctx, src, enabled)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.Seq)
	})

	t.Run("times out", func(t *testing.T) {
		src := newFakeReader(bus.Snapshot{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := WaitFor(ctx, src, enabled)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Contains(t, err.Error(), "timeout waiting for telemetry")
	})
}

func TestStream(t *testing.T) {
	t.Run("default format", func(t *testing.T) {
		src := newFakeReader(snapshot(1, map[string]any{"enabled": true, "customName": "Spot"}))
		var out lockedBuffer

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- Stream(ctx, src, OutputFormatDefault, &out) }()

		require.Eventually(t, func() bool { return src.listenerCount() == 1 }, time.Second, time.Millisecond)
		src.push(bus.Snapshot{Seq: 2, Cleared: true, Source: bus.SourceKeyspace, ReceivedAt: time.Date(2025, 1, 2, 15, 4, 6, 0, time.UTC)})
		require.Eventually(t, func() bool { return strings.Count(out.String(), "\n") == 2 }, time.Second, time.Millisecond)

		cancel()
		require.NoError(t, <-done)

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		assert.Equal(t, `[15:04:05] #1 keyspace: customName=Spot enabled=true`, lines[0])
		assert.Equal(t, `[15:04:06] #2 keyspace: telemetry cleared`, lines[1])
		assert.Equal(t, 0, src.listenerCount())
	})

	t.Run("json format skips unknown telemetry", func(t *testing.T) {
		src := newFakeReader(bus.Snapshot{})
		var out lockedBuffer

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- Stream(ctx, src, OutputFormatJSON, &out) }()

		require.Eventually(t, func() bool { return src.listenerCount() == 1 }, time.Second, time.Millisecond)
		src.push(snapshot(7, map[string]any{"enabled": false}))
		require.Eventually(t, func() bool { return strings.Contains(out.String(), "\n") }, time.Second, time.Millisecond)

		cancel()
		require.NoError(t, <-done)

		var got bus.Snapshot
		require.NoError(t, json.Unmarshal([]byte(out.String()), &got))
		assert.Equal(t, uint64(7), got.Seq)
		assert.Equal(t, false, got.Fields["enabled"])
	})
}

func TestWaitFor_Device(t *testing.T) {
	env := testutil.SetupEnvironment(t)
	key := "se:o1:grid:g1:lamp:d1:telemetry"
	env.SetJSON(key, map[string]any{"enabled": false})

	d, err := device.Open(env.Ctx, env.Conn, bus.Identity{OwnerID: "o1", GridID: "g1", DeviceType: "lamp", DeviceID: "d1"})
	require.NoError(t, err)
	defer d.Close()

	cond, err := ParseCondition("enabled=true")
	require.NoError(t, err)

	env.WriteTelemetry(key, map[string]any{"enabled": true})

	ctx, cancel := context.WithTimeout(env.Ctx, 2*time.Second)
	defer cancel()
	snap, err := WaitFor(ctx, d, cond)
	require.NoError(t, err)
	assert.Equal(t, bus.SourceKeyspace, snap.Source)
}
