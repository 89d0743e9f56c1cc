package commands

import (
	"github.com/dyluth/secontrol/internal/printer"
	"github.com/dyluth/secontrol/internal/report"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
	"github.com/spf13/cobra"
)

func newGridsCmd(o *rootOptions) *cobra.Command {
	var (
		output string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "grids",
		Short: "List the grids of an owner",
		Long: `List the grids recorded in the owner's grid index.

Sub-grids (rotor heads, pistons, hinges) are hidden unless --all is given.

Output Formats:
  table - Human-readable table (default)
  json  - Indented JSON array
  jsonl - Line-delimited JSON, one grid per line

Examples:
  # List main grids
  secontrol grids --owner 76561198000000000

  # Include sub-grids and pipe to jq
  secontrol grids --all -o jsonl | jq -r .id`,
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

			dir := device.NewDirectory(conn)
			if err := report.ListGrids(cmd.Context(), dir, o.cfg.OwnerID, all, format, cmd.OutOrStdout()); err != nil {
				return printer.FromError(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or jsonl")
	cmd.Flags().BoolVar(&all, "all", false, "Include sub-grids")
	return cmd
}
