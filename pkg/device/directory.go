package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/dyluth/secontrol/pkg/bus"
)

// Where a device listing entry came from.
const (
	SourceGridInfo = "gridinfo"
	SourceScan     = "scan"
	SourceBoth     = "gridinfo+scan"
)

// GridInfo describes one grid of an owner.
type GridInfo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	OwnerID    string         `json:"ownerId"`
	PlayerID   string         `json:"playerId,omitempty"`
	IsSubgrid  bool           `json:"isSubgrid"`
	MainGridID string         `json:"mainGridId,omitempty"`
	Raw        map[string]any `json:"-"`
}

// DeviceInfo describes one device found through gridinfo or the keyspace.
type DeviceInfo struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	RawType      string `json:"rawType,omitempty"`
	Name         string `json:"name,omitempty"`
	OwnerID      string `json:"ownerId"`
	GridID       string `json:"gridId"`
	TelemetryKey string `json:"telemetryKey,omitempty"`
	Source       string `json:"source"`
}

// Identity returns the identity used to open the device. The type is the
// telemetry key segment when a key is known.
func (i DeviceInfo) Identity() bus.Identity {
	id := bus.Identity{OwnerID: i.OwnerID, GridID: i.GridID, DeviceID: i.ID, DeviceType: i.Type}
	if parsed, ok := bus.ParseTelemetryKey(i.TelemetryKey); ok {
		id.DeviceType = parsed.DeviceType
	}
	return id
}

type gridOptions struct {
	includeSubgrids bool
}

// GridOption configures ListGrids.
type GridOption func(*gridOptions)

// IncludeSubgrids keeps sub-grids (rotor heads, pistons, ...) in the listing.
func IncludeSubgrids() GridOption {
	return func(o *gridOptions) { o.includeSubgrids = true }
}

// Directory enumerates grids and devices from the Redis keyspace.
type Directory struct {
	conn *bus.Conn
}

// NewDirectory creates a Directory on conn.
func NewDirectory(conn *bus.Conn) *Directory {
	return &Directory{conn: conn}
}

// ListGrids reads the owner's grid index. Sub-grids are excluded unless
// IncludeSubgrids is given. A missing index returns bus.ErrNotFound.
func (d *Directory) ListGrids(ctx context.Context, ownerID string, opts ...GridOption) ([]GridInfo, error) {
	if ownerID == "" {
		return nil, &bus.ValidationError{Field: "ownerId", Reason: "required"}
	}
	var o gridOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := d.conn.Get(ctx, bus.GridsKey(ownerID))
	if err != nil {
		return nil, err
	}
	descriptors, err := decodeGrids(data)
	if err != nil {
		return nil, fmt.Errorf("grids of owner %s: %w", ownerID, err)
	}

	grids := make([]GridInfo, 0, len(descriptors))
	for _, desc := range descriptors {
		g := parseGrid(ownerID, desc)
		if g.ID == "" || (g.IsSubgrid && !o.includeSubgrids) {
			continue
		}
		grids = append(grids, g)
	}
	return grids, nil
}

// ListDevices lists the devices of a grid, or of every grid of the owner
// when gridID is empty. The gridinfo device list is merged with a scan of
// telemetry keys. A grid with neither returns bus.ErrNotFound.
func (d *Directory) ListDevices(ctx context.Context, ownerID, gridID string) ([]DeviceInfo, error) {
	if ownerID == "" {
		return nil, &bus.ValidationError{Field: "ownerId", Reason: "required"}
	}
	if gridID != "" {
		return d.listGridDevices(ctx, ownerID, gridID)
	}

	grids, err := d.ListGrids(ctx, ownerID, IncludeSubgrids())
	if err != nil {
		return nil, err
	}
	var all []DeviceInfo
	for _, g := range grids {
		devices, err := d.listGridDevices(ctx, ownerID, g.ID)
		if errors.Is(err, bus.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		all = append(all, devices...)
	}
	return all, nil
}

func (d *Directory) listGridDevices(ctx context.Context, ownerID, gridID string) ([]DeviceInfo, error) {
	found := false
	byID := make(map[string]*DeviceInfo)

	data, err := d.conn.Get(ctx, bus.GridInfoKey(ownerID, gridID))
	switch {
	case err == nil:
		found = true
		var info map[string]any
		if err := decodeJSON(data, &info); err != nil {
			return nil, fmt.Errorf("failed to decode gridinfo of %s: %w", gridID, err)
		}
		for _, dev := range gridInfoDevices(ownerID, gridID, info) {
			dev := dev
			byID[dev.ID] = &dev
		}
	case !bus.IsNotFound(err):
		return nil, err
	}

	keys, err := d.conn.Scan(ctx, bus.GridTelemetryScanPattern(ownerID, gridID))
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		id, ok := bus.ParseTelemetryKey(key)
		if !ok {
			continue
		}
		found = true
		if dev, ok := byID[id.DeviceID]; ok {
			if dev.TelemetryKey == "" {
				dev.TelemetryKey = key
			}
			dev.Source = SourceBoth
			continue
		}
		byID[id.DeviceID] = &DeviceInfo{
			ID:           id.DeviceID,
			Type:         NormalizeType(id.DeviceType),
			RawType:      id.DeviceType,
			OwnerID:      ownerID,
			GridID:       gridID,
			TelemetryKey: key,
			Source:       SourceScan,
		}
	}

	if !found {
		return nil, fmt.Errorf("grid %s of owner %s: %w", gridID, ownerID, bus.ErrNotFound)
	}

	devices := make([]DeviceInfo, 0, len(byID))
	for _, dev := range byID {
		devices = append(devices, *dev)
	}
	sortDevices(devices)
	return devices, nil
}

func sortDevices(devices []DeviceInfo) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Type != devices[j].Type {
			return devices[i].Type < devices[j].Type
		}
		return devices[i].ID < devices[j].ID
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeGrids(data []byte) ([]map[string]any, error) {
	var doc any
	if err := decodeJSON(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode grid index: %w", err)
	}
	if m, ok := doc.(map[string]any); ok {
		doc = m["grids"]
	}
	list, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected grid index type %T", doc)
	}

	out := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func parseGrid(ownerID string, desc map[string]any) GridInfo {
	snap := bus.Snapshot{Fields: desc}
	g := GridInfo{
		ID:       firstID(desc, "id", "gridId", "grid_id", "GridId", "entityId", "entity_id"),
		Name:     firstString(snap, "name", "gridName", "displayName"),
		OwnerID:  ownerID,
		PlayerID: idString(desc["playerId"]),
		Raw:      desc,
	}
	g.MainGridID = firstID(desc, "mainGridId", "rootGridId", "topGridId", "parentGridId", "parentId")
	g.IsSubgrid = IsSubgrid(desc)
	return g
}

// IsSubgrid applies the plugin's sub-grid markers in order: explicit flags,
// the inverse of isMainGrid, then a main/root/parent grid ID that differs
// from the grid's own ID. Unmarked grids are main grids.
func IsSubgrid(desc map[string]any) bool {
	for _, k := range []string{"isSubgrid", "isSubGrid", "is_subgrid", "is_sub_grid"} {
		if b, ok := flag(desc[k]); ok {
			return b
		}
	}
	if b, ok := flag(desc["isMainGrid"]); ok {
		return !b
	}

	own := idString(desc["id"])
	if own == "" {
		return false
	}
	for _, k := range []string{"mainGridId", "rootGridId", "topGridId", "parentGridId", "parentId"} {
		if rel := idString(desc[k]); rel != "" && rel != own {
			return true
		}
	}
	return false
}

func gridInfoDevices(ownerID, gridID string, info map[string]any) []DeviceInfo {
	raw, ok := info["devices"]
	if !ok {
		if comp, isMap := info["comp"].(map[string]any); isMap {
			raw, ok = comp["devices"]
		}
	}
	if !ok {
		return nil
	}

	type entry struct {
		fallbackID   string
		fallbackType string
		fields       map[string]any
	}
	var entries []entry
	listed := func(list []any, fallbackType string) {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				entries = append(entries, entry{fallbackType: fallbackType, fields: m})
			}
		}
	}
	switch v := raw.(type) {
	case []any:
		listed(v, "")
	case map[string]any:
		// Keyed by device ID, or by block type with a list per type.
		for _, k := range sortedKeys(v) {
			switch item := v[k].(type) {
			case map[string]any:
				entries = append(entries, entry{fallbackID: k, fields: item})
			case []any:
				listed(item, k)
			}
		}
	}

	devices := make([]DeviceInfo, 0, len(entries))
	for _, e := range entries {
		snap := bus.Snapshot{Fields: e.fields}
		id := firstID(e.fields, "deviceId", "entityId", "id")
		if id == "" {
			id = e.fallbackID
		}
		if id == "" {
			continue
		}
		rawType := firstString(snap, "type", "deviceType", "blockType", "subtype")
		if rawType == "" {
			rawType = e.fallbackType
		}
		devices = append(devices, DeviceInfo{
			ID:           id,
			Type:         NormalizeType(rawType),
			RawType:      rawType,
			Name:         firstString(snap, "customName", "displayName", "name"),
			OwnerID:      ownerID,
			GridID:       gridID,
			TelemetryKey: firstString(snap, "telemetryKey", "key"),
			Source:       SourceGridInfo,
		})
	}
	return devices
}

// decodeJSON keeps numbers as json.Number so that 64-bit entity IDs survive.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func firstID(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := idString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// idString renders a JSON decoded id. Integral floats lose the exponent.
func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}

func flag(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case json.Number:
		f, err := t.Float64()
		return f != 0, err == nil
	}
	return false, false
}
