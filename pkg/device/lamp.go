package device

import (
	"context"

	"github.com/dyluth/secontrol/pkg/bus"
)

// Lamp is an interior light, spotlight or any other lighting block.
type Lamp struct {
	*Device
}

// NewLamp wraps an open device handle.
func NewLamp(d *Device) *Lamp { return &Lamp{Device: d} }

// SetColor sets the light colour. See ParseColor for the accepted forms;
// every component is normalised onto 0..1 before sending.
func (l *Lamp) SetColor(ctx context.Context, color any) (bus.Ack, error) {
	rgb, err := ParseColor(color)
	if err != nil {
		return bus.Ack{}, err
	}
	components := []float64{rgb[0], rgb[1], rgb[2]}
	return l.sendOptimistic(ctx, Command{
		Cmd:   "color",
		Extra: map[string]any{"color": components},
	}, map[string]any{"color": []any{rgb[0], rgb[1], rgb[2]}})
}

// Color returns the reported colour.
func (l *Lamp) Color() ([3]float64, bool) {
	v, ok := l.Telemetry().Value("color")
	if !ok {
		return [3]float64{}, false
	}
	list, ok := v.([]any)
	if !ok || len(list) < 3 {
		return [3]float64{}, false
	}
	var out [3]float64
	for i := range out {
		f, err := toFloat(list[i])
		if err != nil {
			return [3]float64{}, false
		}
		out[i] = f
	}
	return out, true
}

// Intensity returns the reported light intensity.
func (l *Lamp) Intensity() (float64, bool) {
	return l.Telemetry().Float("intensity")
}

// Radius returns the reported light radius.
func (l *Lamp) Radius() (float64, bool) {
	return l.Telemetry().Float("radius")
}
