package bus

import (
	"fmt"
	"strings"
	"unicode"
)

// Redis key and channel helpers.
//
// Keys are colon separated and scoped by owner. Command channels are dot
// separated and scoped by player, which for most installations equals the owner.
//
// Key pattern: se:{owner}:grid:{grid}:{type}:{device}:telemetry
// Channel pattern: se.{player}.commands.{device|grid}.{id}

const (
	keyPrefix       = "se"
	telemetrySuffix = "telemetry"
	blueprintSuffix = "blueprint"
)

// keySegmentOverrides maps normalized device types onto the segment the plugin
// actually publishes under.
var keySegmentOverrides = map[string]string{
	"container": "cargo_container",
}

// KeySegment converts a device type into the form used inside telemetry keys.
// "MyObjectBuilder_BatteryBlock" becomes "battery_block", "container" becomes
// "cargo_container". Already normalized types pass through unchanged.
func KeySegment(deviceType string) string {
	if seg, ok := keySegmentOverrides[deviceType]; ok {
		return seg
	}
	t := strings.TrimPrefix(deviceType, "MyObjectBuilder_")

	var b strings.Builder
	for _, r := range t {
		if unicode.IsUpper(r) {
			b.WriteByte('_')
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimLeft(b.String(), "_")
}

// TelemetryKey returns the canonical telemetry key for a device.
// Pattern: se:{owner}:grid:{grid}:{type}:{device}:telemetry
func TelemetryKey(id Identity) string {
	return fmt.Sprintf("%s:%s:grid:%s:%s:%s:%s", keyPrefix, id.OwnerID, id.GridID, KeySegment(id.DeviceType), id.DeviceID, telemetrySuffix)
}

// TelemetryScanPattern returns the SCAN pattern used when the device type
// segment of the key is unknown or differs from the canonical form.
// Pattern: se:{owner}:grid:{grid}:*:{device}:telemetry
func TelemetryScanPattern(ownerID, gridID, deviceID string) string {
	return fmt.Sprintf("%s:%s:grid:%s:*:%s:%s", keyPrefix, ownerID, gridID, deviceID, telemetrySuffix)
}

// GridTelemetryScanPattern matches every device telemetry key of a grid.
// Pattern: se:{owner}:grid:{grid}:*:*:telemetry
func GridTelemetryScanPattern(ownerID, gridID string) string {
	return fmt.Sprintf("%s:%s:grid:%s:*:*:%s", keyPrefix, ownerID, gridID, telemetrySuffix)
}

// CommandChannel returns the channel the plugin reads device commands from.
// Pattern: se.{player}.commands.device.{device}
func CommandChannel(id Identity) string {
	return fmt.Sprintf("%s.%s.commands.device.%s", keyPrefix, id.Player(), id.DeviceID)
}

// GridCommandChannel returns the channel for grid level commands.
// Pattern: se.{player}.commands.grid.{grid}
func GridCommandChannel(playerID, gridID string) string {
	return fmt.Sprintf("%s.%s.commands.grid.%s", keyPrefix, playerID, gridID)
}

// GridsKey returns the key holding the owner's grid index.
// Pattern: se:{owner}:grids
func GridsKey(ownerID string) string {
	return fmt.Sprintf("%s:%s:grids", keyPrefix, ownerID)
}

// GridInfoKey returns the key holding grid metadata and the device list.
// Pattern: se:{owner}:grid:{grid}:gridinfo
func GridInfoKey(ownerID, gridID string) string {
	return fmt.Sprintf("%s:%s:grid:%s:gridinfo", keyPrefix, ownerID, gridID)
}

// DamageChannel returns the channel carrying block damage events for a grid.
// Pattern: se:{owner}:grid:{grid}:damage
func DamageChannel(ownerID, gridID string) string {
	return fmt.Sprintf("%s:%s:grid:%s:damage", keyPrefix, ownerID, gridID)
}

// BlueprintKey derives the blueprint export key from a telemetry key by
// replacing the final segment. Keys without a telemetry suffix get one appended.
func BlueprintKey(telemetryKey string) string {
	if base, ok := strings.CutSuffix(telemetryKey, ":"+telemetrySuffix); ok {
		return base + ":" + blueprintSuffix
	}
	return telemetryKey + ":" + blueprintSuffix
}

// KeyspaceChannel returns the keyspace notification channel for a key.
// Pattern: __keyspace@{db}__:{key}
func KeyspaceChannel(db int, key string) string {
	return fmt.Sprintf("__keyspace@%d__:%s", db, key)
}

// ParseTelemetryKey splits a telemetry key back into an identity.
// The returned DeviceType is the key segment, not the normalized type.
func ParseTelemetryKey(key string) (Identity, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 7 || parts[0] != keyPrefix || parts[2] != "grid" || parts[6] != telemetrySuffix {
		return Identity{}, false
	}
	id := Identity{
		OwnerID:    parts[1],
		GridID:     parts[3],
		DeviceType: parts[4],
		DeviceID:   parts[5],
	}
	if id.OwnerID == "" || id.GridID == "" || id.DeviceID == "" {
		return Identity{}, false
	}
	return id, true
}
