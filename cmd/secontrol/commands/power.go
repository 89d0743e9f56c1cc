package commands

import (
	"fmt"

	"github.com/dyluth/secontrol/internal/printer"
	"github.com/dyluth/secontrol/internal/watch"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
	"github.com/spf13/cobra"
)

// newPowerCmd builds enable, disable and toggle. They share flags and only
// differ in the device method they call.
func newPowerCmd(o *rootOptions, action, short string) *cobra.Command {
	var (
		deviceType string
		wait       bool
		timeout    string
	)

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s DEVICE", action),
		Short: short,
		Long: fmt.Sprintf(`%s.

DEVICE is an entity id, a device name or an id prefix of at least 4
characters. With --wait the command blocks until the telemetry reports the
new state.

Example:
  secontrol %s "Hangar Spot" --wait`, short, action),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := o.connect(cmd)
			if err != nil {
				return err
			}
			defer bus.CloseDefault()

			ctx := cmd.Context()
			id, err := o.identity(ctx, conn, args[0], deviceType)
			if err != nil {
				return printer.FromError(err)
			}
			d, err := device.Open(ctx, conn, id)
			if err != nil {
				return printer.FromError(err)
			}
			defer d.Close()

			previous, known := d.Enabled()

			var ack bus.Ack
			switch action {
			case "enable":
				ack, err = d.Enable(ctx)
			case "disable":
				ack, err = d.Disable(ctx)
			default:
				ack, err = d.ToggleEnabled(ctx)
			}
			if err != nil {
				return printer.FromError(err)
			}
			reportAck(action, id.DeviceID, ack)

			if !wait {
				return nil
			}

			want, ok := targetState(action, previous, known)
			if !ok {
				printer.Warning("current state unknown, not waiting\n")
				return nil
			}
			expr := fmt.Sprintf("enabled=%t", want)
			cond, err := watch.ParseCondition(expr)
			if err != nil {
				return printer.FromError(err)
			}
			return waitForTelemetry(ctx, d, realTelemetry(cond), timeout, expr)
		},
	}

	cmd.Flags().StringVar(&deviceType, "type", "", "Device type key segment, skips discovery together with --grid")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until telemetry reports the new state")
	cmd.Flags().StringVar(&timeout, "timeout", "10s", "How long --wait waits (duration, seconds or RFC3339)")
	return cmd
}

// targetState is the enabled flag expected after action.
func targetState(action string, previous, known bool) (bool, bool) {
	switch action {
	case "enable":
		return true, true
	case "disable":
		return false, true
	default:
		return !previous, known
	}
}

// realTelemetry ignores snapshots carrying optimistic fields.
func realTelemetry(cond watch.Condition) watch.Condition {
	return func(s bus.Snapshot) bool {
		return !s.Optimistic && cond(s)
	}
}
