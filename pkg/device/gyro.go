package device

import (
	"context"
	"fmt"

	"github.com/dyluth/secontrol/pkg/bus"
)

// Gyro is a gyroscope block.
type Gyro struct {
	*Device
}

// NewGyro wraps an open device handle.
func NewGyro(d *Device) *Gyro { return &Gyro{Device: d} }

// OverrideState formats pitch, yaw and roll the way the plugin parses them.
func OverrideState(pitch, yaw, roll float64) (string, error) {
	for _, axis := range []struct {
		name  string
		value float64
	}{{"pitch", pitch}, {"yaw", yaw}, {"roll", roll}} {
		if err := ValidateAxis(axis.name, axis.value); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%.6f,%.6f,%.6f", pitch, yaw, roll), nil
}

// SetOverride takes manual control of the gyro. Each axis must be in -1..1.
func (g *Gyro) SetOverride(ctx context.Context, pitch, yaw, roll float64) (bus.Ack, error) {
	state, err := OverrideState(pitch, yaw, roll)
	if err != nil {
		return bus.Ack{}, err
	}
	return g.SendCommand(ctx, "override", state, nil)
}

// ClearOverride hands control back to the ship.
func (g *Gyro) ClearOverride(ctx context.Context) (bus.Ack, error) {
	return g.SendCommand(ctx, "clear_override", "", nil)
}

// SetEnabled sends enable or disable. The gyro plugin expects an empty state.
func (g *Gyro) SetEnabled(ctx context.Context, enabled bool) (bus.Ack, error) {
	cmd := "disable"
	if enabled {
		cmd = "enable"
	}
	return g.sendOptimistic(ctx, Command{Cmd: cmd, State: ""}, map[string]any{"enabled": enabled})
}

// Enable turns the gyro on.
func (g *Gyro) Enable(ctx context.Context) (bus.Ack, error) { return g.SetEnabled(ctx, true) }

// Disable turns the gyro off.
func (g *Gyro) Disable(ctx context.Context) (bus.Ack, error) { return g.SetEnabled(ctx, false) }
