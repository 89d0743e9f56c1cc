package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/secontrol/internal/printer"
	"github.com/dyluth/secontrol/internal/timespec"
	"github.com/dyluth/secontrol/internal/watch"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	deviceType string
	state      string
	payload    string
	extra      string
	waitFor    string
	timeout    string
}

func newSendCmd(o *rootOptions) *cobra.Command {
	so := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send DEVICE COMMAND",
		Short: "Publish a command to a device",
		Long: `Publish one command envelope on the device command channel.

--state and --payload accept JSON (comments and trailing commas allowed);
anything that is not JSON is sent as a plain string. --extra takes a JSON
object whose keys are written at the root of the envelope.

With --wait the command blocks until the device telemetry satisfies the
condition ("field=value", "field!=value" or "field") or --timeout expires.

Examples:
  # Switch a light off and wait for the plugin to confirm
  secontrol send "Hangar Spot" disable --wait enabled=false

  # Lamp colour as root level field
  secontrol send 1441151880 color --extra '{"color": [1, 0.5, 0]}'

  # Gyro override as a plain string state
  secontrol send "Gyro 1" override --state 0.1,0,0`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, o, so, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&so.deviceType, "type", "", "Device type key segment, skips discovery together with --grid")
	cmd.Flags().StringVar(&so.state, "state", "", "Command state (JSONC or plain string)")
	cmd.Flags().StringVar(&so.payload, "payload", "", "Command payload (JSONC or plain string)")
	cmd.Flags().StringVar(&so.extra, "extra", "", "Extra root level fields (JSONC object)")
	cmd.Flags().StringVar(&so.waitFor, "wait", "", "Wait until telemetry matches this condition")
	cmd.Flags().StringVar(&so.timeout, "timeout", "10s", "How long --wait waits (duration, seconds or RFC3339)")
	return cmd
}

func runSend(cmd *cobra.Command, o *rootOptions, so *sendOptions, ref, command string) error {
	extra, err := parseObject("extra", so.extra)
	if err != nil {
		return printer.FromError(err)
	}

	var cond watch.Condition
	if so.waitFor != "" {
		if cond, err = watch.ParseCondition(so.waitFor); err != nil {
			return printer.Error("invalid --wait", err.Error(), []string{"Use field=value, field!=value or field"})
		}
	}

	conn, err := o.connect(cmd)
	if err != nil {
		return err
	}
	defer bus.CloseDefault()

	ctx := cmd.Context()
	id, err := o.identity(ctx, conn, ref, so.deviceType)
	if err != nil {
		return printer.FromError(err)
	}

	d, err := device.Open(ctx, conn, id)
	if err != nil {
		return printer.FromError(err)
	}
	defer d.Close()

	ack, err := d.Send(ctx, device.Command{
		Cmd:     command,
		State:   parseValue(so.state),
		Payload: parseValue(so.payload),
		Extra:   extra,
	})
	if err != nil {
		return printer.FromError(err)
	}
	reportAck(command, id.DeviceID, ack)

	if cond == nil {
		return nil
	}
	return waitForTelemetry(ctx, d, cond, so.timeout, so.waitFor)
}

func reportAck(command, target string, ack bus.Ack) {
	if ack.Receivers == 0 {
		printer.Warning("sent %s to %s but nobody is subscribed to %s\n", command, target, ack.Channel)
		return
	}
	printer.Success("sent %s to %s (%d %s, seq %d)\n", command, target, ack.Receivers, receivers(ack.Receivers), ack.Seq)
}

func receivers(n int64) string {
	if n == 1 {
		return "receiver"
	}
	return "receivers"
}

func waitForTelemetry(parent context.Context, d *device.Device, cond watch.Condition, timeout, expr string) error {
	ctx, cancel, err := timespec.WithTimeout(parent, timeout)
	if err != nil {
		return printer.Error("invalid --timeout", err.Error(), nil)
	}
	defer cancel()

	printer.Step("waiting for %s\n", expr)
	snap, err := watch.WaitFor(ctx, d, cond)
	if err != nil {
		return printer.ErrorWithContext(
			"condition not met",
			err.Error(),
			map[string]string{"Condition": expr, "Key": d.Key()},
			[]string{"Raise --timeout", "Check the device with 'secontrol telemetry'"},
		)
	}
	printer.Success("%s (seq %d)\n", expr, snap.Seq)
	return nil
}

func newSendGridCmd(o *rootOptions) *cobra.Command {
	var (
		state  string
		fields string
	)

	cmd := &cobra.Command{
		Use:   "send-grid COMMAND",
		Short: "Publish a command to a grid",
		Long: `Publish one command on the grid command channel of --grid.

Common commands are set_name, set_owner, convert_to_ship and
convert_to_station. --fields takes a JSON object whose keys are written at the
root of the envelope.

Examples:
  secontrol send-grid --grid 144115188075855919 set_name --state "Miner Mk2"
  secontrol send-grid --grid 144115188075855919 convert_to_station`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, err := parseObject("fields", fields)
			if err != nil {
				return printer.FromError(err)
			}
			if o.cfg.GridID == "" {
				return printer.Error("grid id missing", "send-grid needs a grid.", []string{"Pass --grid <id>", "Export SE_GRID_ID"})
			}

			conn, err := o.connect(cmd)
			if err != nil {
				return err
			}
			defer bus.CloseDefault()

			grid, err := device.OpenGrid(conn, o.cfg.OwnerID, o.cfg.PlayerID, o.cfg.GridID)
			if err != nil {
				return printer.FromError(err)
			}
			defer grid.Close()

			ack, err := grid.SendCommand(cmd.Context(), args[0], parseValue(state), extra)
			if err != nil {
				return printer.FromError(err)
			}
			reportAck(args[0], fmt.Sprintf("grid %s", grid.ID()), ack)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Command state (JSONC or plain string)")
	cmd.Flags().StringVar(&fields, "fields", "", "Extra root level fields (JSONC object)")
	return cmd
}
