package commands

import (
	"github.com/dyluth/secontrol/internal/printer"
	"github.com/dyluth/secontrol/internal/report"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/spf13/cobra"
)

func newTelemetryCmd(o *rootOptions) *cobra.Command {
	var (
		output     string
		deviceType string
	)

	cmd := &cobra.Command{
		Use:   "telemetry DEVICE",
		Short: "Show the current telemetry of a device",
		Long: `Show the telemetry document of one device.

DEVICE is an entity id, a device name or an id prefix of at least 4
characters. With --type and --grid the canonical key is read directly.

Examples:
  secontrol telemetry "Hangar Spot"
  secontrol telemetry 1441151880 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := report.ParseOutputFormat(output)
			if err != nil {
				return printer.Error("invalid output format", err.Error(), nil)
			}

			conn, err := o.connect(cmd)
			if err != nil {
				return err
			}
			defer bus.CloseDefault()

			id, err := o.identity(cmd.Context(), conn, args[0], deviceType)
			if err != nil {
				return printer.FromError(err)
			}
			if err := report.ShowTelemetry(cmd.Context(), conn, id, format, cmd.OutOrStdout()); err != nil {
				return printer.FromError(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or jsonl")
	cmd.Flags().StringVar(&deviceType, "type", "", "Device type key segment, skips discovery together with --grid")
	return cmd
}
