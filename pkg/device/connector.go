package device

import (
	"context"

	"github.com/dyluth/secontrol/pkg/bus"
)

// Connector is a ship connector. It has an inventory like a container.
type Connector struct {
	*Container
}

// NewConnector wraps an open device handle.
func NewConnector(d *Device) *Connector { return &Connector{Container: NewContainer(d)} }

// Connect locks onto a connector in range.
func (c *Connector) Connect(ctx context.Context) (bus.Ack, error) {
	return c.SendCommand(ctx, "connect", nil, nil)
}

// Disconnect releases the other connector.
func (c *Connector) Disconnect(ctx context.Context) (bus.Ack, error) {
	return c.SendCommand(ctx, "disconnect", nil, nil)
}

// ToggleConnect connects or disconnects depending on the current state.
func (c *Connector) ToggleConnect(ctx context.Context) (bus.Ack, error) {
	return c.SendCommand(ctx, "toggle_connect", nil, nil)
}

// SetState updates the locked and enabled flags. Nil leaves a flag alone.
func (c *Connector) SetState(ctx context.Context, locked, enabled *bool) (bus.Ack, error) {
	state := map[string]any{}
	if locked != nil {
		state["locked"] = *locked
	}
	if enabled != nil {
		state["enabled"] = *enabled
	}
	if len(state) == 0 {
		return bus.Ack{}, invalid("state", "at least one of locked or enabled is required")
	}
	return c.sendOptimistic(ctx, Command{Cmd: "connector_state", State: state}, state)
}

// SetThrowOut controls whether the connector ejects items.
func (c *Connector) SetThrowOut(ctx context.Context, throwOut bool) (bus.Ack, error) {
	return c.setFlag(ctx, "set_throw_out", "throwOut", throwOut)
}

// SetCollectAll controls whether the connector pulls in everything nearby.
func (c *Connector) SetCollectAll(ctx context.Context, collectAll bool) (bus.Ack, error) {
	return c.setFlag(ctx, "set_collect_all", "collectAll", collectAll)
}

// NearbyConnectors returns the raw list of connectors the plugin reports in
// range, or nil.
func (c *Connector) NearbyConnectors() []any {
	v, ok := c.Telemetry().Value("nearbyConnectors")
	if !ok {
		return nil
	}
	list, _ := v.([]any)
	return list
}
