package report

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dyluth/secontrol/pkg/device"
)

// OutputFormat specifies how listings are written.
type OutputFormat string

const (
	// OutputFormatTable is a fixed width table for terminals
	OutputFormatTable OutputFormat = "table"

	// OutputFormatJSON is a single indented JSON array
	OutputFormatJSON OutputFormat = "json"

	// OutputFormatJSONL is one JSON document per line
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat maps a flag value to an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", "default", OutputFormatTable:
		return OutputFormatTable, nil
	case OutputFormatJSON, OutputFormatJSONL:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json or jsonl)", s)
}

// FilterCriteria narrows a device listing. All filters are ANDed together.
type FilterCriteria struct {
	TypeGlob string // Glob on the canonical type, empty = no filter
	NameGlob string // Case-insensitive glob on the name, empty = no filter
}

func (fc *FilterCriteria) matches(d device.DeviceInfo) bool {
	if fc == nil {
		return true
	}
	if fc.TypeGlob != "" {
		matched, err := filepath.Match(fc.TypeGlob, d.Type)
		if err != nil || !matched {
			return false
		}
	}
	if fc.NameGlob != "" {
		matched, err := filepath.Match(strings.ToLower(fc.NameGlob), strings.ToLower(d.Name))
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// ListGrids writes the grids of an owner.
func ListGrids(ctx context.Context, dir *device.Directory, ownerID string, includeSubgrids bool, format OutputFormat, w io.Writer) error {
	var opts []device.GridOption
	if includeSubgrids {
		opts = append(opts, device.IncludeSubgrids())
	}

	grids, err := dir.ListGrids(ctx, ownerID, opts...)
	if err != nil {
		return err
	}

	switch format {
	case OutputFormatJSON:
		if grids == nil {
			grids = []device.GridInfo{}
		}
		return FormatSingleJSON(w, grids)
	case OutputFormatJSONL:
		return FormatJSONL(w, grids)
	}

	if len(grids) == 0 {
		fmt.Fprintf(w, "No grids found for owner '%s'\n", ownerID)
		return nil
	}
	return FormatGrids(w, grids)
}

// ListDevices writes the devices of a grid, or of every grid when gridID is
// empty, after applying filters.
func ListDevices(ctx context.Context, dir *device.Directory, ownerID, gridID string, filters *FilterCriteria, format OutputFormat, w io.Writer) error {
	all, err := dir.ListDevices(ctx, ownerID, gridID)
	if err != nil {
		return err
	}

	devices := make([]device.DeviceInfo, 0, len(all))
	for _, d := range all {
		if filters.matches(d) {
			devices = append(devices, d)
		}
	}

	switch format {
	case OutputFormatJSON:
		return FormatSingleJSON(w, devices)
	case OutputFormatJSONL:
		return FormatJSONL(w, devices)
	}

	if len(devices) == 0 {
		if gridID == "" {
			fmt.Fprintf(w, "No devices found for owner '%s'\n", ownerID)
		} else {
			fmt.Fprintf(w, "No devices found on grid '%s'\n", gridID)
		}
		return nil
	}
	return FormatDevices(w, devices)
}
