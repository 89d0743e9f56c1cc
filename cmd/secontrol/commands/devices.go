package commands

import (
	"github.com/dyluth/secontrol/internal/printer"
	"github.com/dyluth/secontrol/internal/report"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
	"github.com/spf13/cobra"
)

func newDevicesCmd(o *rootOptions) *cobra.Command {
	var (
		output   string
		typeGlob string
		nameGlob string
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices of a grid",
		Long: `List devices from the grid's gridinfo document merged with the
telemetry keys found in Redis.

Without --grid every grid of the owner is listed, sub-grids included.

Filters:
  --type - Canonical device type (glob pattern: "lamp", "ship_*")
  --name - Device name, case-insensitive (glob pattern: "hangar*")

Examples:
  # All lamps on one grid
  secontrol devices --grid 144115188075855919 --type lamp

  # Everything the owner has, as JSON
  secontrol devices -o json`,
		Args: cobra.NoArgs,
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

			filters := &report.FilterCriteria{TypeGlob: typeGlob, NameGlob: nameGlob}
			dir := device.NewDirectory(conn)
			if err := report.ListDevices(cmd.Context(), dir, o.cfg.OwnerID, o.cfg.GridID, filters, format, cmd.OutOrStdout()); err != nil {
				return printer.FromError(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or jsonl")
	cmd.Flags().StringVar(&typeGlob, "type", "", "Filter by device type (glob pattern)")
	cmd.Flags().StringVar(&nameGlob, "name", "", "Filter by device name (glob pattern)")
	return cmd
}
