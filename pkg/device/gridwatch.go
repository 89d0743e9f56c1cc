package device

import (
	"context"
	"math"
	"sync"

	"github.com/dyluth/secontrol/pkg/bus"
)

// integrityTolerance is the relative difference below which two integrity
// readings are considered equal.
const integrityTolerance = 1e-3

// GridDevicesEvent lists the devices that appeared in or disappeared from a
// grid's gridinfo document.
type GridDevicesEvent struct {
	Added   []DeviceInfo `json:"added"`
	Removed []DeviceInfo `json:"removed"`
}

// BlockInfo is one block listed in gridinfo.
type BlockInfo struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Name    string         `json:"name,omitempty"`
	State   map[string]any `json:"state,omitempty"`
}

func (b BlockInfo) state() bus.Snapshot { return bus.Snapshot{Fields: b.State} }

// Integrity returns the block's current integrity.
func (b BlockInfo) Integrity() (float64, bool) { return b.state().Float("integrity") }

// MaxIntegrity returns the integrity of the undamaged block.
func (b BlockInfo) MaxIntegrity() (float64, bool) { return b.state().Float("maxIntegrity") }

// Damaged reports an explicit damaged flag or an integrity below the maximum.
func (b BlockInfo) Damaged() bool {
	if damaged, ok := b.state().Bool("damaged"); ok && damaged {
		return true
	}
	cur, ok := b.Integrity()
	limit, okLimit := b.MaxIntegrity()
	return ok && okLimit && cur < limit
}

// IntegrityChange is a block whose integrity or damage state differs between
// two gridinfo documents. Missing readings are nil.
type IntegrityChange struct {
	Block                BlockInfo `json:"block"`
	PreviousIntegrity    *float64  `json:"previousIntegrity,omitempty"`
	CurrentIntegrity     *float64  `json:"currentIntegrity,omitempty"`
	PreviousMaxIntegrity *float64  `json:"previousMaxIntegrity,omitempty"`
	CurrentMaxIntegrity  *float64  `json:"currentMaxIntegrity,omitempty"`
	WasDamaged           bool      `json:"wasDamaged"`
	IsDamaged            bool      `json:"isDamaged"`
}

type gridContents struct {
	devices map[string]DeviceInfo
	blocks  map[string]BlockInfo
}

func parseGridContents(ownerID, gridID string, info map[string]any) gridContents {
	c := gridContents{
		devices: make(map[string]DeviceInfo),
		blocks:  gridInfoBlocks(info),
	}
	for _, d := range gridInfoDevices(ownerID, gridID, info) {
		c.devices[d.ID] = d
	}
	return c
}

// gridInfoBlocks collects blocks from the root and comp sections, each a
// list or an object keyed by block ID. A later entry for the same ID wins.
func gridInfoBlocks(info map[string]any) map[string]BlockInfo {
	var raw []map[string]any
	collect := func(v any) {
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				if m, ok := item.(map[string]any); ok {
					raw = append(raw, m)
				}
			}
		case map[string]any:
			for _, k := range sortedKeys(t) {
				if m, ok := t[k].(map[string]any); ok {
					raw = append(raw, m)
				}
			}
		}
	}
	collect(info["blocks"])
	if comp, ok := info["comp"].(map[string]any); ok {
		collect(comp["blocks"])
	}

	blocks := make(map[string]BlockInfo, len(raw))
	for _, m := range raw {
		id := firstID(m, "id", "blockId", "entityId")
		if id == "" {
			continue
		}
		snap := bus.Snapshot{Fields: m}
		b := BlockInfo{
			ID:      id,
			Type:    firstString(snap, "type", "blockType", "definition", "SubtypeName", "subtype"),
			Subtype: firstString(snap, "subtype", "SubtypeName"),
			Name:    firstString(snap, "customName", "CustomName", "displayName", "DisplayName", "name", "Name"),
		}
		if b.Type == "" {
			b.Type = TypeGeneric
		}
		if state, ok := m["state"].(map[string]any); ok {
			b.State = state
		}
		blocks[id] = b
	}
	return blocks
}

func sortedBlocks(blocks map[string]BlockInfo) []BlockInfo {
	out := make([]BlockInfo, 0, len(blocks))
	for _, id := range sortedKeys(blocks) {
		out = append(out, blocks[id])
	}
	return out
}

func diffDevices(prev, next map[string]DeviceInfo) GridDevicesEvent {
	var ev GridDevicesEvent
	for id, d := range next {
		if _, ok := prev[id]; !ok {
			ev.Added = append(ev.Added, d)
		}
	}
	for id, d := range prev {
		if _, ok := next[id]; !ok {
			ev.Removed = append(ev.Removed, d)
		}
	}
	sortDevices(ev.Added)
	sortDevices(ev.Removed)
	return ev
}

// integrityChanges compares blocks present in both documents. New and
// removed blocks are not integrity changes.
func integrityChanges(prev, next map[string]BlockInfo) []IntegrityChange {
	var changes []IntegrityChange
	for _, id := range sortedKeys(next) {
		before, ok := prev[id]
		if !ok {
			continue
		}
		after := next[id]
		c := IntegrityChange{
			Block:                after,
			PreviousIntegrity:    reading(before.Integrity()),
			CurrentIntegrity:     reading(after.Integrity()),
			PreviousMaxIntegrity: reading(before.MaxIntegrity()),
			CurrentMaxIntegrity:  reading(after.MaxIntegrity()),
			WasDamaged:           before.Damaged(),
			IsDamaged:            after.Damaged(),
		}
		if approxEqual(c.PreviousIntegrity, c.CurrentIntegrity) &&
			approxEqual(c.PreviousMaxIntegrity, c.CurrentMaxIntegrity) &&
			c.WasDamaged == c.IsDamaged {
			continue
		}
		changes = append(changes, c)
	}
	return changes
}

func reading(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

func approxEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	scale := math.Max(math.Max(math.Abs(*a), math.Abs(*b)), 1)
	return math.Abs(*a-*b) <= integrityTolerance*scale
}

// OnDevices calls fn whenever devices are added to or removed from the
// grid's gridinfo document. The document present when OnDevices is called
// is the baseline and is not reported.
func (g *Grid) OnDevices(ctx context.Context, fn func(GridDevicesEvent)) error {
	return g.watchContents(ctx, func(prev, next gridContents) {
		ev := diffDevices(prev.devices, next.devices)
		if len(ev.Added) > 0 || len(ev.Removed) > 0 {
			fn(ev)
		}
	})
}

// OnIntegrity calls fn with the blocks whose integrity or damage state
// changed from one gridinfo document to the next.
func (g *Grid) OnIntegrity(ctx context.Context, fn func([]IntegrityChange)) error {
	return g.watchContents(ctx, func(prev, next gridContents) {
		if changes := integrityChanges(prev.blocks, next.blocks); len(changes) > 0 {
			fn(changes)
		}
	})
}

// Blocks returns the blocks listed in gridinfo, sorted by ID.
func (g *Grid) Blocks(ctx context.Context) ([]BlockInfo, error) {
	info, err := g.Info(ctx)
	if err != nil {
		return nil, err
	}
	return sortedBlocks(gridInfoBlocks(info)), nil
}

// DamagedBlocks returns the blocks that report damage.
func (g *Grid) DamagedBlocks(ctx context.Context) ([]BlockInfo, error) {
	blocks, err := g.Blocks(ctx)
	if err != nil {
		return nil, err
	}
	var damaged []BlockInfo
	for _, b := range blocks {
		if b.Damaged() {
			damaged = append(damaged, b)
		}
	}
	return damaged, nil
}

// watchContents watches gridinfo and hands fn the parsed previous and new
// contents. The watch is registered before the baseline is read; a document
// that arrives first is compared against empty contents.
func (g *Grid) watchContents(ctx context.Context, fn func(prev, next gridContents)) error {
	var (
		mu      sync.Mutex
		current gridContents
		seeded  bool
	)

	w, err := g.conn.WatchKey(ctx, bus.GridInfoKey(g.ownerID, g.gridID), func(_ bus.Target, snap bus.Snapshot) {
		if !snap.Known() {
			return
		}
		next := parseGridContents(g.ownerID, g.gridID, snap.Fields)
		mu.Lock()
		prev := current
		current, seeded = next, true
		mu.Unlock()
		fn(prev, next)
	})
	if err != nil {
		return err
	}

	info, err := g.Info(ctx)
	switch {
	case err == nil:
		mu.Lock()
		if !seeded {
			current, seeded = parseGridContents(g.ownerID, g.gridID, info), true
		}
		mu.Unlock()
	case !bus.IsNotFound(err):
		_ = w.Close()
		return err
	}

	g.track(w)
	return nil
}
