package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dyluth/secontrol/pkg/bus"
)

// Command is a fully specified device command.
// Extra keys are written at the root of the envelope.
type Command struct {
	Cmd     string
	State   any
	Payload any
	Extra   map[string]any
}

type options struct {
	logger *slog.Logger
	seed   bool
}

// Option configures Open.
type Option func(*options)

// WithLogger overrides the logger inherited from the connection.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithoutSeed skips the initial read of the telemetry key.
func WithoutSeed() Option {
	return func(o *options) { o.seed = false }
}

// Device is a handle on one device. Telemetry is kept current by a watch on
// the telemetry key; commands go out on the device command channel.
//
// Command helpers that change a well known field (enabled, showInTerminal,
// customData, ...) overlay the expected value on the cached snapshot until
// the next real telemetry arrives.
type Device struct {
	conn     *bus.Conn
	identity bus.Identity
	key      string
	channel  string
	logger   *slog.Logger
	watch    *bus.Watch

	mu         sync.Mutex
	overlay    map[string]any
	overlaySeq uint64
	listeners  map[int]func(bus.Snapshot)
	nextID     int
	closed     bool
}

// Open resolves the telemetry key of id and starts watching it.
//
// The canonical key is preferred. When it is absent the owner's keyspace is
// scanned for the device ID; a single match is used, several matches fail
// with bus.ErrAmbiguous. If nothing matches and the type is known the
// canonical key is watched anyway, since the plugin creates it lazily.
func Open(ctx context.Context, conn *bus.Conn, id bus.Identity, opts ...Option) (*Device, error) {
	if conn == nil {
		return nil, bus.ErrNotConnected
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: conn.Logger(), seed: true}
	for _, opt := range opts {
		opt(&o)
	}

	key, err := resolveKey(ctx, conn, id)
	if err != nil {
		return nil, err
	}
	if parsed, ok := bus.ParseTelemetryKey(key); ok && id.DeviceType == "" {
		id.DeviceType = parsed.DeviceType
	}

	d := &Device{
		conn:      conn,
		identity:  id,
		key:       key,
		channel:   bus.CommandChannel(id),
		logger:    o.logger.With("device", id.DeviceID, "grid", id.GridID),
		listeners: make(map[int]func(bus.Snapshot)),
	}

	w, err := conn.WatchKey(ctx, key, d.onUpdate)
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", key, err)
	}
	d.watch = w

	if o.seed {
		d.seed(ctx)
	}

	d.logger.Debug("device opened", "key", key, "type", id.DeviceType)
	return d, nil
}

func resolveKey(ctx context.Context, conn *bus.Conn, id bus.Identity) (string, error) {
	key, err := conn.FindTelemetryKey(ctx, id)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, bus.ErrNotFound) && id.DeviceType != "":
		return bus.TelemetryKey(id), nil
	default:
		return "", err
	}
}

func (d *Device) seed(ctx context.Context) {
	data, err := d.conn.Get(ctx, d.key)
	if err != nil {
		if !bus.IsNotFound(err) {
			d.logger.Warn("initial telemetry read failed", "key", d.key, "error", err)
		}
		return
	}
	d.conn.Registry().Seed(d.watch.Target, bus.Update{Payload: data, Source: bus.SourceSeed})
}

func (d *Device) onUpdate(_ bus.Target, snap bus.Snapshot) {
	d.mu.Lock()
	if d.overlay != nil && snap.Seq > d.overlaySeq {
		d.overlay = nil
	}
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bus.Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.listeners[id])
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(snap.Clone())
	}
}

// Identity returns the resolved identity of the device.
func (d *Device) Identity() bus.Identity { return d.identity }

// Type returns the device type segment of the telemetry key.
func (d *Device) Type() string { return d.identity.DeviceType }

// Key returns the telemetry key the handle watches.
func (d *Device) Key() string { return d.key }

// CommandChannel returns the channel commands are published on.
func (d *Device) CommandChannel() string { return d.channel }

// Telemetry returns the cached telemetry. It never blocks. Until the first
// document arrives the zero Snapshot is returned, possibly carrying
// optimistic fields.
func (d *Device) Telemetry() bus.Snapshot {
	snap := d.watch.Current()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.overlay == nil || snap.Seq > d.overlaySeq {
		return snap
	}
	if snap.Fields == nil {
		snap.Fields = make(map[string]any, len(d.overlay))
	}
	for k, v := range d.overlay {
		snap.Fields[k] = v
	}
	snap.Optimistic = true
	return snap
}

// OnUpdate registers fn for every telemetry update and returns a function
// that removes it.
func (d *Device) OnUpdate(fn func(bus.Snapshot)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// SendCommand publishes a command to the device.
func (d *Device) SendCommand(ctx context.Context, cmd string, state, payload any) (bus.Ack, error) {
	return d.Send(ctx, Command{Cmd: cmd, State: state, Payload: payload})
}

// Send publishes a fully specified command to the device.
func (d *Device) Send(ctx context.Context, c Command) (bus.Ack, error) {
	if d.isClosed() {
		return bus.Ack{}, bus.ErrClosed
	}
	env := bus.NewDeviceCommand(d.identity, c.Cmd, c.State, c.Payload)
	env.Extra = c.Extra
	return d.conn.PublishEnvelope(ctx, d.channel, env)
}

// sendOptimistic sends c and, once the publish succeeded, overlays fields on
// the snapshot that was current when the command went out.
func (d *Device) sendOptimistic(ctx context.Context, c Command, fields map[string]any) (bus.Ack, error) {
	base := d.watch.Current().Seq
	ack, err := d.Send(ctx, c)
	if err != nil {
		return ack, err
	}

	d.mu.Lock()
	if d.overlay == nil || d.overlaySeq < base {
		d.overlay = make(map[string]any, len(fields))
		d.overlaySeq = base
	}
	for k, v := range fields {
		d.overlay[k] = v
	}
	d.mu.Unlock()

	d.conn.Registry().Expect(d.watch.Target)
	return ack, nil
}

// Enabled reports the enabled flag and whether it is known.
func (d *Device) Enabled() (bool, bool) {
	return d.Telemetry().Bool("enabled")
}

// Name returns the custom name, falling back to the display name.
func (d *Device) Name() string {
	snap := d.Telemetry()
	for _, field := range []string{"customName", "name", "displayName"} {
		if s, ok := snap.String(field); ok && s != "" {
			return s
		}
	}
	return ""
}

// Enable turns the block on.
func (d *Device) Enable(ctx context.Context) (bus.Ack, error) {
	return d.SetEnabled(ctx, true)
}

// Disable turns the block off.
func (d *Device) Disable(ctx context.Context) (bus.Ack, error) {
	return d.SetEnabled(ctx, false)
}

// SetEnabled sends enable or disable.
func (d *Device) SetEnabled(ctx context.Context, enabled bool) (bus.Ack, error) {
	cmd := "disable"
	if enabled {
		cmd = "enable"
	}
	return d.sendOptimistic(ctx, Command{Cmd: cmd}, map[string]any{"enabled": enabled})
}

// ToggleEnabled asks the block to flip its state. The local flag is only
// flipped when the current state is known.
func (d *Device) ToggleEnabled(ctx context.Context) (bus.Ack, error) {
	current, known := d.Enabled()
	if !known {
		return d.Send(ctx, Command{Cmd: "toggle"})
	}
	return d.sendOptimistic(ctx, Command{Cmd: "toggle"}, map[string]any{"enabled": !current})
}

// SetShowInTerminal controls whether the block is listed in the terminal.
func (d *Device) SetShowInTerminal(ctx context.Context, show bool) (bus.Ack, error) {
	return d.setFlag(ctx, "set_show_in_terminal", "showInTerminal", show)
}

// SetShowInToolbar controls whether the block can be put on the toolbar.
func (d *Device) SetShowInToolbar(ctx context.Context, show bool) (bus.Ack, error) {
	return d.setFlag(ctx, "set_show_in_toolbar", "showInToolbar", show)
}

// SetShowOnScreen controls whether the block is shown on the HUD.
func (d *Device) SetShowOnScreen(ctx context.Context, show bool) (bus.Ack, error) {
	return d.setFlag(ctx, "set_show_on_screen", "showOnScreen", show)
}

func (d *Device) setFlag(ctx context.Context, cmd, field string, value bool) (bus.Ack, error) {
	return d.sendOptimistic(ctx, Command{Cmd: cmd, State: map[string]any{field: value}}, map[string]any{field: value})
}

// SetCustomData replaces the block's custom data.
func (d *Device) SetCustomData(ctx context.Context, data string) (bus.Ack, error) {
	return d.sendOptimistic(ctx, Command{Cmd: "set_custom_data", State: map[string]any{"customData": data}}, map[string]any{"customData": data})
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops watching telemetry. Safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.listeners = make(map[int]func(bus.Snapshot))
	d.mu.Unlock()

	return d.watch.Close()
}
