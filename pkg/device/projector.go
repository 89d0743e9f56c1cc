package device

import (
	"context"
	"fmt"

	"github.com/dyluth/secontrol/pkg/bus"
)

// Vector is an integer block offset or rotation.
type Vector struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// ProjectorFlags are the optional projector switches. Nil fields are not sent.
type ProjectorFlags struct {
	KeepProjection      *bool `json:"keepProjection,omitempty"`
	ShowOnlyBuildable   *bool `json:"showOnlyBuildable,omitempty"`
	InstantBuild        *bool `json:"instantBuild,omitempty"`
	AlignGrids          *bool `json:"alignGrids,omitempty"`
	ProjectionLocked    *bool `json:"projectionLocked,omitempty"`
	UseAdaptiveOffsets  *bool `json:"useAdaptiveOffsets,omitempty"`
	UseAdaptiveRotation *bool `json:"useAdaptiveRotation,omitempty"`
}

func (f ProjectorFlags) empty() bool {
	return f == ProjectorFlags{}
}

// Projector is a blueprint projector.
type Projector struct {
	*Device
}

// NewProjector wraps an open device handle.
func NewProjector(d *Device) *Projector { return &Projector{Device: d} }

// SetEnabled switches the projector with its dedicated set_state command.
func (p *Projector) SetEnabled(ctx context.Context, enabled bool) (bus.Ack, error) {
	return p.sendOptimistic(ctx, Command{Cmd: "set_state", State: map[string]any{"enabled": enabled}}, map[string]any{"enabled": enabled})
}

// Enable turns the projector on.
func (p *Projector) Enable(ctx context.Context) (bus.Ack, error) { return p.SetEnabled(ctx, true) }

// Disable turns the projector off.
func (p *Projector) Disable(ctx context.Context) (bus.Ack, error) { return p.SetEnabled(ctx, false) }

// SetFlags updates projector switches. At least one flag must be set.
func (p *Projector) SetFlags(ctx context.Context, flags ProjectorFlags) (bus.Ack, error) {
	if flags.empty() {
		return bus.Ack{}, invalid("flags", "at least one flag must be provided")
	}
	return p.SendCommand(ctx, "projector_state", flags, nil)
}

// SetScale sets the projection scale.
func (p *Projector) SetScale(ctx context.Context, scale float64) (bus.Ack, error) {
	if err := ValidateScale(scale); err != nil {
		return bus.Ack{}, err
	}
	return p.SendCommand(ctx, "set_scale", map[string]any{"scale": scale}, nil)
}

// SetOffset places the projection at an absolute block offset.
func (p *Projector) SetOffset(ctx context.Context, v Vector) (bus.Ack, error) {
	return p.SendCommand(ctx, "set_offset", v, nil)
}

// NudgeOffset moves the projection relative to its current offset.
func (p *Projector) NudgeOffset(ctx context.Context, v Vector) (bus.Ack, error) {
	return p.SendCommand(ctx, "nudge_offset", v, nil)
}

// SetRotation sets the projection rotation in quarter turns.
func (p *Projector) SetRotation(ctx context.Context, v Vector) (bus.Ack, error) {
	return p.SendCommand(ctx, "set_rotation", v, nil)
}

// NudgeRotation rotates the projection relative to its current rotation.
func (p *Projector) NudgeRotation(ctx context.Context, v Vector) (bus.Ack, error) {
	return p.SendCommand(ctx, "nudge_rotation", v, nil)
}

// ResetProjection restores the default offset and rotation.
func (p *Projector) ResetProjection(ctx context.Context) (bus.Ack, error) {
	return p.SendCommand(ctx, "reset_projection", nil, nil)
}

// ClearProjection removes the loaded blueprint.
func (p *Projector) ClearProjection(ctx context.Context) (bus.Ack, error) {
	return p.SendCommand(ctx, "clear_projection", nil, nil)
}

// LockProjection locks the projection in place.
func (p *Projector) LockProjection(ctx context.Context) (bus.Ack, error) {
	return p.SendCommand(ctx, "lock_projection", nil, nil)
}

// UnlockProjection releases a locked projection.
func (p *Projector) UnlockProjection(ctx context.Context) (bus.Ack, error) {
	return p.SendCommand(ctx, "unlock_projection", nil, nil)
}

// LoadPrefab projects a prefab by ID. keep retains the current projection
// settings.
func (p *Projector) LoadPrefab(ctx context.Context, prefab string, keep bool) (bus.Ack, error) {
	if err := ValidatePrefab(prefab); err != nil {
		return bus.Ack{}, err
	}
	return p.Send(ctx, Command{
		Cmd:   "load_prefab",
		Extra: map[string]any{"prefab": prefab, "keep": keep},
	})
}

// LoadBlueprintXML projects a ship blueprint document.
func (p *Projector) LoadBlueprintXML(ctx context.Context, xml string, keep bool) (bus.Ack, error) {
	if err := ValidateBlueprintXML(xml); err != nil {
		return bus.Ack{}, err
	}
	return p.Send(ctx, Command{
		Cmd:   "load_blueprint_xml",
		Extra: map[string]any{"xml": xml, "keep": keep},
	})
}

// RequestBlueprint asks the plugin to export the projector's grid. The
// result lands under BlueprintKey.
func (p *Projector) RequestBlueprint(ctx context.Context, includeConnected bool) (bus.Ack, error) {
	return p.SendCommand(ctx, "export_grid_blueprint", map[string]any{"includeConnected": includeConnected}, nil)
}

// BlueprintKey returns the key the exported blueprint is stored under.
func (p *Projector) BlueprintKey() string {
	return bus.BlueprintKey(p.key)
}

// Blueprint reads the XML of the last exported blueprint.
func (p *Projector) Blueprint(ctx context.Context) (string, error) {
	var snapshot struct {
		XML *string `json:"xml"`
	}
	if err := p.conn.GetJSON(ctx, p.BlueprintKey(), &snapshot); err != nil {
		return "", err
	}
	if snapshot.XML == nil {
		return "", fmt.Errorf("blueprint %s has no xml: %w", p.BlueprintKey(), bus.ErrNotFound)
	}
	return *snapshot.XML, nil
}

// RemainingBlocks returns the number of blocks still to be built.
func (p *Projector) RemainingBlocks() (int, bool) {
	return p.intField("remainingBlocks")
}

// BuildableBlocks returns the number of blocks that can be built now.
func (p *Projector) BuildableBlocks() (int, bool) {
	return p.intField("buildableBlocks")
}

// ProjectedGridName returns the name of the projected grid.
func (p *Projector) ProjectedGridName() (string, bool) {
	return p.Telemetry().String("projectedGridName")
}

func (p *Projector) intField(field string) (int, bool) {
	f, ok := p.Telemetry().Float(field)
	if !ok {
		return 0, false
	}
	return int(f), true
}
