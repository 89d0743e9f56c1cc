package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
)

const maxCell = 40

// FormatGrids writes grids as a fixed width table.
func FormatGrids(w io.Writer, grids []device.GridInfo) error {
	fmt.Fprintf(w, "%-20s  %-30s  %-8s  %-20s\n", "ID", "NAME", "SUBGRID", "MAIN GRID")
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 84))

	for _, g := range grids {
		main := g.MainGridID
		if !g.IsSubgrid {
			main = ""
		}
		fmt.Fprintf(w, "%-20s  %-30s  %-8s  %-20s\n",
			g.ID,
			formatCell(g.Name, 30),
			formatBool(g.IsSubgrid),
			formatCell(main, 20),
		)
	}

	fmt.Fprintf(w, "\n%d %s found\n", len(grids), plural(len(grids), "grid", "grids"))
	return nil
}

// FormatDevices writes devices as a fixed width table.
func FormatDevices(w io.Writer, devices []device.DeviceInfo) error {
	fmt.Fprintf(w, "%-20s  %-16s  %-30s  %-20s  %-13s\n", "ID", "TYPE", "NAME", "GRID", "SOURCE")
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 107))

	for _, d := range devices {
		fmt.Fprintf(w, "%-20s  %-16s  %-30s  %-20s  %-13s\n",
			d.ID,
			formatCell(d.Type, 16),
			formatCell(d.Name, 30),
			d.GridID,
			d.Source,
		)
	}

	fmt.Fprintf(w, "\n%d %s found\n", len(devices), plural(len(devices), "device", "devices"))
	return nil
}

// FormatTelemetry writes one snapshot as sorted field/value rows followed by
// a footer describing where the document came from.
func FormatTelemetry(w io.Writer, snap bus.Snapshot) error {
	if !snap.Known() {
		fmt.Fprintln(w, "No telemetry received")
		return nil
	}

	fields := make([]string, 0, len(snap.Fields))
	for k := range snap.Fields {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	width := len("FIELD")
	for _, f := range fields {
		if len(f) > width {
			width = len(f)
		}
	}

	fmt.Fprintf(w, "%-*s  %s\n", width, "FIELD", "VALUE")
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", width+2+maxCell))
	for _, f := range fields {
		fmt.Fprintf(w, "%-*s  %s\n", width, f, formatValue(snap.Fields[f]))
	}

	footer := fmt.Sprintf("\nseq %d via %s, %s", snap.Seq, snap.Source, formatAge(snap.ReceivedAt))
	if snap.Optimistic {
		footer += " (optimistic)"
	}
	fmt.Fprintln(w, footer)
	return nil
}

// FormatJSONL writes one compact JSON document per line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	encoder := json.NewEncoder(w)
	for i, item := range items {
		if err := encoder.Encode(item); err != nil {
			return fmt.Errorf("failed to encode item %d: %w", i, err)
		}
	}
	return nil
}

// FormatSingleJSON writes v as indented JSON.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w)
	return err
}

// formatValue renders a telemetry value on a single line. Scalars are
// printed as is, anything nested as compact JSON.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		return formatCell(t, maxCell)
	case bool:
		return fmt.Sprintf("%t", t)
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%g", t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return formatCell(string(data), maxCell)
}

// formatCell keeps the first non-empty line of s and truncates it to max.
func formatCell(s string, max int) string {
	var first string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			first = trimmed
			break
		}
	}
	if first == "" {
		return "-"
	}
	if len(first) > max {
		return first[:max-3] + "..."
	}
	return first
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// formatAge renders t relative to now.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
