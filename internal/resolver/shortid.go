package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
)

// MinPrefixLength is the minimum length of an entity ID prefix.
// Entity IDs share long common prefixes, shorter input would rarely be unique.
const MinPrefixLength = 4

// Lister is the part of device.Directory the resolver needs.
type Lister interface {
	ListDevices(ctx context.Context, ownerID, gridID string) ([]device.DeviceInfo, error)
}

// ResolveDevice finds the device a user typed on the command line.
//
// The reference is tried in order against:
//  1. the full entity ID
//  2. the device name, case-insensitively
//  3. an entity ID prefix of at least MinPrefixLength characters
//
// The first rule with matches wins. More than one match there returns an
// AmbiguousError, none at all a NotFoundError.
func ResolveDevice(ctx context.Context, lister Lister, ownerID, gridID, ref string) (device.DeviceInfo, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return device.DeviceInfo{}, &bus.ValidationError{Field: "device", Reason: "required"}
	}

	devices, err := lister.ListDevices(ctx, ownerID, gridID)
	if err != nil {
		return device.DeviceInfo{}, fmt.Errorf("failed to list devices: %w", err)
	}

	rules := []func(device.DeviceInfo) bool{
		func(d device.DeviceInfo) bool { return d.ID == ref },
		func(d device.DeviceInfo) bool { return d.Name != "" && strings.EqualFold(d.Name, ref) },
	}
	if len(ref) >= MinPrefixLength {
		rules = append(rules, func(d device.DeviceInfo) bool { return strings.HasPrefix(d.ID, ref) })
	}

	for _, rule := range rules {
		var matches []device.DeviceInfo
		for _, d := range devices {
			if rule(d) {
				matches = append(matches, d)
			}
		}
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0], nil
		default:
			return device.DeviceInfo{}, &AmbiguousError{Ref: ref, Matches: matches}
		}
	}

	return device.DeviceInfo{}, &NotFoundError{Ref: ref, GridID: gridID}
}

// NotFoundError indicates no device matched the reference.
type NotFoundError struct {
	Ref    string
	GridID string
}

func (e *NotFoundError) Error() string {
	if e.GridID == "" {
		return fmt.Sprintf("no device matching '%s'", e.Ref)
	}
	return fmt.Sprintf("no device matching '%s' on grid %s", e.Ref, e.GridID)
}

// Is makes errors.Is(err, bus.ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == bus.ErrNotFound
}

// AmbiguousError indicates several devices matched the reference.
type AmbiguousError struct {
	Ref     string
	Matches []device.DeviceInfo
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous device '%s' matches %d devices", e.Ref, len(e.Matches))
}

// Is makes errors.Is(err, bus.ErrAmbiguous) true.
func (e *AmbiguousError) Is(target error) bool {
	return target == bus.ErrAmbiguous
}

// FormatAmbiguousError lists the matching devices, up to 10 of them.
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ambiguous device '%s' matches %d devices:\n", err.Ref, len(err.Matches))

	displayCount := min(len(err.Matches), 10)
	for _, d := range err.Matches[:displayCount] {
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(&b, "  %s  %s  %s (grid %s)\n", d.ID, d.Type, name, d.GridID)
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse the full entity ID or pass --grid to narrow the search.")
	return b.String()
}
