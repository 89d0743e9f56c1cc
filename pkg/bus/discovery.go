package bus

import (
	"context"
	"fmt"
)

// FindTelemetryKey resolves the telemetry key of a device.
//
// The canonical key is returned when it exists. Otherwise the grid is scanned
// with se:{owner}:grid:{grid}:*:{device}:telemetry:
//   - exactly one match: that key
//   - no match: ErrNotFound
//   - several matches: *AmbiguousError listing all of them
func (c *Conn) FindTelemetryKey(ctx context.Context, id Identity) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}

	if id.DeviceType != "" {
		canonical := TelemetryKey(id)
		exists, err := c.Exists(ctx, canonical)
		if err != nil {
			return "", fmt.Errorf("failed to check telemetry key: %w", err)
		}
		if exists {
			return canonical, nil
		}
	}

	pattern := TelemetryScanPattern(id.OwnerID, id.GridID, id.DeviceID)
	matches, err := c.Scan(ctx, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to scan for telemetry key: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("telemetry for device %s on grid %s: %w", id.DeviceID, id.GridID, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{Pattern: pattern, Matches: matches}
	}
}
