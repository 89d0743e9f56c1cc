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

func newWatchCmd(o *rootOptions) *cobra.Command {
	var (
		output     string
		deviceType string
		until      string
		duration   string
		damage     bool
	)

	cmd := &cobra.Command{
		Use:   "watch [DEVICE]",
		Short: "Stream live telemetry of a device",
		Long: `Stream every telemetry update of a device until interrupted.

With --until the command exits as soon as the telemetry satisfies the
condition. --for limits how long the stream runs. With --damage and no DEVICE
the damage events of --grid are streamed instead.

Output Formats:
  default - One line per update with the fields in key order
  json    - One snapshot document per line

Examples:
  secontrol watch "Hangar Spot"
  secontrol watch 1441151880 --until enabled=true --for 1m
  secontrol watch --grid 144115188075855919 --damage`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var format watch.OutputFormat
			switch output {
			case "default":
				format = watch.OutputFormatDefault
			case "json":
				format = watch.OutputFormatJSON
			default:
				return printer.Error(
					"invalid output format",
					fmt.Sprintf("Unknown format: %s", output),
					[]string{"Valid formats: default, json"},
				)
			}

			var cond watch.Condition
			if until != "" {
				var err error
				if cond, err = watch.ParseCondition(until); err != nil {
					return printer.Error("invalid --until", err.Error(), []string{"Use field=value, field!=value or field"})
				}
			}

			switch {
			case damage && len(args) > 0:
				return printer.Error("invalid arguments", "--damage watches a grid, not a device.", nil)
			case !damage && len(args) == 0:
				return printer.Error("device missing", "watch needs a DEVICE unless --damage is given.", nil)
			}

			ctx, cancel, err := timespec.WithTimeout(cmd.Context(), duration)
			if err != nil {
				return printer.Error("invalid --for", err.Error(), nil)
			}
			defer cancel()

			conn, err := o.connect(cmd)
			if err != nil {
				return err
			}
			defer bus.CloseDefault()

			if damage {
				return watchDamage(ctx, cmd, o, conn)
			}

			id, err := o.identity(ctx, conn, args[0], deviceType)
			if err != nil {
				return printer.FromError(err)
			}
			d, err := device.Open(ctx, conn, id)
			if err != nil {
				return printer.FromError(err)
			}
			defer d.Close()

			if cond != nil {
				snap, err := watch.WaitFor(ctx, d, cond)
				if err != nil {
					return printer.Error("condition not met", err.Error(), nil)
				}
				fmt.Fprintln(cmd.OutOrStdout(), watch.FormatUpdate(snap))
				return nil
			}

			if err := watch.Stream(ctx, d, format, cmd.OutOrStdout()); err != nil {
				return printer.FromError(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default or json")
	cmd.Flags().StringVar(&deviceType, "type", "", "Device type key segment, skips discovery together with --grid")
	cmd.Flags().StringVar(&until, "until", "", "Stop once telemetry matches this condition")
	cmd.Flags().StringVar(&duration, "for", "", "Stop after this long (duration, seconds or RFC3339)")
	cmd.Flags().BoolVar(&damage, "damage", false, "Stream damage events of --grid")
	return cmd
}

func watchDamage(ctx context.Context, cmd *cobra.Command, o *rootOptions, conn *bus.Conn) error {
	if o.cfg.GridID == "" {
		return printer.Error("grid id missing", "--damage needs a grid.", []string{"Pass --grid <id>"})
	}

	grid, err := device.OpenGrid(conn, o.cfg.OwnerID, o.cfg.PlayerID, o.cfg.GridID)
	if err != nil {
		return printer.FromError(err)
	}
	defer grid.Close()

	out := cmd.OutOrStdout()
	events := make(chan device.DamageEvent, 64)
	if err := grid.OnDamage(ctx, func(ev device.DamageEvent) {
		select {
		case events <- ev:
		default:
		}
	}); err != nil {
		return printer.FromError(err)
	}

	printer.Step("watching damage on grid %s\n", grid.ID())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			fmt.Fprintln(out, formatDamage(ev))
		}
	}
}

func formatDamage(ev device.DamageEvent) string {
	attacker := ev.AttackerID
	if attacker == "" {
		attacker = "-"
	}
	name := ev.GridName
	if name == "" {
		name = ev.GridID
	}
	return fmt.Sprintf("[%s] %s took %.1f %s damage (attacker %s)", ev.Timestamp, name, ev.Amount, ev.DamageType, attacker)
}
