package device

import (
	"context"

	"github.com/dyluth/secontrol/pkg/bus"
)

// Commandable is anything that accepts device commands.
type Commandable interface {
	SendCommand(ctx context.Context, cmd string, state, payload any) (bus.Ack, error)
	Send(ctx context.Context, c Command) (bus.Ack, error)
}

// TelemetryReader exposes the cached telemetry of a device.
type TelemetryReader interface {
	Telemetry() bus.Snapshot
	OnUpdate(fn func(bus.Snapshot)) func()
}

// Enableable blocks can be switched on and off.
type Enableable interface {
	Enable(ctx context.Context) (bus.Ack, error)
	Disable(ctx context.Context) (bus.Ack, error)
	SetEnabled(ctx context.Context, enabled bool) (bus.Ack, error)
	ToggleEnabled(ctx context.Context) (bus.Ack, error)
	Enabled() (bool, bool)
}

// InventoryCapable blocks hold items.
type InventoryCapable interface {
	Items() []Item
	Capacity() Capacity
	MoveItems(ctx context.Context, destinationID string, items []Item) (bus.Ack, error)
}

var (
	_ Commandable      = (*Device)(nil)
	_ TelemetryReader  = (*Device)(nil)
	_ Enableable       = (*Device)(nil)
	_ InventoryCapable = (*Container)(nil)
	_ InventoryCapable = (*Connector)(nil)
)
