package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
)

// OutputFormat specifies how streamed updates are written.
type OutputFormat string

const (
	// OutputFormatDefault prints one human readable line per update
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON prints one snapshot document per line
	OutputFormatJSON OutputFormat = "json"
)

// streamBuffer bounds the updates queued for a slow writer.
const streamBuffer = 64

// Condition reports whether a snapshot is the one being waited for.
type Condition func(bus.Snapshot) bool

// ParseCondition parses "field=value", "field!=value" or a bare "field",
// which only requires the field to be present. Values are compared in their
// JSON rendering so "enabled=true" and "radius=12.5" both work.
func ParseCondition(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty condition")
	}

	if field, value, ok := strings.Cut(expr, "!="); ok {
		field, value = strings.TrimSpace(field), strings.TrimSpace(value)
		if field == "" {
			return nil, fmt.Errorf("condition %q has no field", expr)
		}
		return func(s bus.Snapshot) bool {
			v, present := s.Value(field)
			return s.Known() && (!present || render(v) != value)
		}, nil
	}

	if field, value, ok := strings.Cut(expr, "="); ok {
		field, value = strings.TrimSpace(field), strings.TrimSpace(value)
		if field == "" {
			return nil, fmt.Errorf("condition %q has no field", expr)
		}
		return func(s bus.Snapshot) bool {
			v, present := s.Value(field)
			return present && render(v) == value
		}, nil
	}

	return func(s bus.Snapshot) bool {
		_, present := s.Value(expr)
		return present
	}, nil
}

// render prints strings bare and everything else as compact JSON.
func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// WaitFor blocks until the telemetry of src satisfies cond and returns that
// snapshot. The cached telemetry is checked first. It returns the context
// error once ctx ends.
func WaitFor(ctx context.Context, src device.TelemetryReader, cond Condition) (bus.Snapshot, error) {
	updates := make(chan bus.Snapshot, 1)
	stop := src.OnUpdate(func(s bus.Snapshot) {
		select {
		case updates <- s:
		default:
			// Drop the stale queued snapshot and keep the newest.
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- s:
			default:
			}
		}
	})
	defer stop()

	if current := src.Telemetry(); cond(current) {
		return current, nil
	}

	for {
		select {
		case <-ctx.Done():
			return bus.Snapshot{}, fmt.Errorf("timeout waiting for telemetry: %w", ctx.Err())
		case s := <-updates:
			if cond(s) {
				return s, nil
			}
		}
	}
}

// Stream writes every telemetry update of src to w until ctx ends. When the
// writer falls behind, updates beyond the buffer are dropped.
// Stream returns nil when ctx ends and the first write error otherwise.
func Stream(ctx context.Context, src device.TelemetryReader, format OutputFormat, w io.Writer) error {
	updates := make(chan bus.Snapshot, streamBuffer)
	stop := src.OnUpdate(func(s bus.Snapshot) {
		select {
		case updates <- s:
		default:
		}
	})
	defer stop()

	if current := src.Telemetry(); current.Known() {
		if err := writeUpdate(w, format, current); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-updates:
			if err := writeUpdate(w, format, s); err != nil {
				return err
			}
		}
	}
}

func writeUpdate(w io.Writer, format OutputFormat, s bus.Snapshot) error {
	if format == OutputFormatJSON {
		return json.NewEncoder(w).Encode(s)
	}
	_, err := fmt.Fprintln(w, FormatUpdate(s))
	return err
}

// FormatUpdate renders a snapshot on one line with its fields in key order.
func FormatUpdate(s bus.Snapshot) string {
	stamp := s.ReceivedAt.Format("15:04:05")
	if s.Cleared {
		return fmt.Sprintf("[%s] #%d %s: telemetry cleared", stamp, s.Seq, s.Source)
	}

	keys := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, render(s.Fields[k])))
	}
	return fmt.Sprintf("[%s] #%d %s: %s", stamp, s.Seq, s.Source, strings.Join(parts, " "))
}
