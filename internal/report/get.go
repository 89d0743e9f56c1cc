package report

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
)

// TelemetryView is the JSON form of one device's telemetry.
type TelemetryView struct {
	Identity bus.Identity `json:"identity"`
	Key      string       `json:"key"`
	Snapshot bus.Snapshot `json:"snapshot"`
}

// ShowTelemetry opens the device, reads its current telemetry and writes it.
// A device whose telemetry key holds nothing returns an error wrapping
// bus.ErrNotFound.
func ShowTelemetry(ctx context.Context, conn *bus.Conn, id bus.Identity, format OutputFormat, w io.Writer) error {
	d, err := device.Open(ctx, conn, id)
	if err != nil {
		return err
	}
	defer d.Close()

	snap := d.Telemetry()
	if !snap.Known() {
		return fmt.Errorf("no telemetry at %s: %w", d.Key(), bus.ErrNotFound)
	}

	view := TelemetryView{Identity: d.Identity(), Key: d.Key(), Snapshot: snap}
	switch format {
	case OutputFormatJSON:
		return FormatSingleJSON(w, view)
	case OutputFormatJSONL:
		return FormatJSONL(w, []TelemetryView{view})
	}

	fmt.Fprintf(w, "%s\n\n", d.Key())
	return FormatTelemetry(w, snap)
}
