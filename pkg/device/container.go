package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dyluth/secontrol/pkg/bus"
)

// ErrEmptyTransfer is returned when a transfer has no item with a subtype.
var ErrEmptyTransfer = errors.New("device: nothing to transfer")

// Item is one inventory stack.
type Item struct {
	Type        string  `json:"type,omitempty"`
	Subtype     string  `json:"subtype"`
	Amount      float64 `json:"amount,omitempty"`
	DisplayName string  `json:"displayName,omitempty"`
}

// Capacity summarises the volume and mass of an inventory.
type Capacity struct {
	CurrentVolume float64 `json:"currentVolume"`
	MaxVolume     float64 `json:"maxVolume"`
	CurrentMass   float64 `json:"currentMass"`
	FillRatio     float64 `json:"fillRatio"`
}

// Container is a cargo container or any other block with an inventory.
type Container struct {
	*Device
}

// NewContainer wraps an open device handle.
func NewContainer(d *Device) *Container { return &Container{Device: d} }

// Items decodes the items of the cached telemetry.
func (c *Container) Items() []Item {
	return ItemsFrom(c.Telemetry())
}

// ItemsFrom decodes the "items" list of a telemetry snapshot.
func ItemsFrom(snap bus.Snapshot) []Item {
	raw, ok := snap.Value("items")
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	items := make([]Item, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		fields := bus.Snapshot{Fields: m}
		it := Item{
			Type:    firstString(fields, "type", "Type"),
			Subtype: firstString(fields, "subtype", "subType", "name"),
		}
		it.Amount, _ = fields.Float("amount")
		it.DisplayName, _ = fields.String("displayName")
		items = append(items, it)
	}
	return items
}

// Capacity reads the volume and mass fields of the cached telemetry.
// Missing fields read as zero.
func (c *Container) Capacity() Capacity {
	snap := c.Telemetry()
	var out Capacity
	out.CurrentVolume, _ = snap.Float("currentVolume")
	out.MaxVolume, _ = snap.Float("maxVolume")
	out.CurrentMass, _ = snap.Float("currentMass")
	out.FillRatio, _ = snap.Float("fillRatio")
	return out
}

// FindByType returns the cached items of the given type.
func (c *Container) FindByType(itemType string) []Item {
	return filterItems(c.Items(), func(it Item) bool { return it.Type == itemType })
}

// FindBySubtype returns the cached items of the given subtype.
func (c *Container) FindBySubtype(subtype string) []Item {
	return filterItems(c.Items(), func(it Item) bool { return it.Subtype == subtype })
}

// MoveItems transfers items to the block destinationID. Items without a
// subtype are skipped and a zero amount moves the whole stack. The plugin
// expects the transfer description as a JSON string in state.
func (c *Container) MoveItems(ctx context.Context, destinationID string, items []Item) (bus.Ack, error) {
	return c.transfer(ctx, "transfer_items", destinationID, items)
}

// MoveSubtype transfers one subtype. A zero amount moves the whole stack.
func (c *Container) MoveSubtype(ctx context.Context, destinationID, subtype string, amount float64) (bus.Ack, error) {
	return c.MoveItems(ctx, destinationID, []Item{{Subtype: subtype, Amount: amount}})
}

// MoveAll transfers every cached item except the blacklisted subtypes.
func (c *Container) MoveAll(ctx context.Context, destinationID string, blacklist ...string) (bus.Ack, error) {
	skip := make(map[string]struct{}, len(blacklist))
	for _, s := range blacklist {
		skip[strings.ToLower(s)] = struct{}{}
	}

	var batch []Item
	for _, it := range c.Items() {
		if _, ok := skip[strings.ToLower(it.Subtype)]; ok {
			continue
		}
		batch = append(batch, Item{Subtype: it.Subtype})
	}
	return c.MoveItems(ctx, destinationID, batch)
}

// DrainTo transfers whole stacks of the listed subtypes.
func (c *Container) DrainTo(ctx context.Context, destinationID string, subtypes ...string) (bus.Ack, error) {
	batch := make([]Item, 0, len(subtypes))
	for _, s := range subtypes {
		batch = append(batch, Item{Subtype: s})
	}
	return c.MoveItems(ctx, destinationID, batch)
}

func (c *Container) transfer(ctx context.Context, cmd, destinationID string, items []Item) (bus.Ack, error) {
	state, err := TransferState(c.identity.DeviceID, destinationID, items)
	if err != nil {
		return bus.Ack{}, err
	}
	return c.SendCommand(ctx, cmd, state, nil)
}

type transferItem struct {
	Subtype string   `json:"subtype"`
	Type    string   `json:"type,omitempty"`
	Amount  *float64 `json:"amount,omitempty"`
}

type transferState struct {
	FromID int64          `json:"fromId"`
	ToID   int64          `json:"toId"`
	Items  []transferItem `json:"items"`
}

// TransferState builds the JSON string carried in the state of a transfer
// command. It returns ErrEmptyTransfer when no item has a subtype.
func TransferState(fromID, toID string, items []Item) (string, error) {
	if err := ValidateEntityID("fromId", fromID); err != nil {
		return "", err
	}
	if err := ValidateEntityID("toId", toID); err != nil {
		return "", err
	}

	st := transferState{}
	st.FromID, _ = strconv.ParseInt(fromID, 10, 64)
	st.ToID, _ = strconv.ParseInt(toID, 10, 64)
	for _, it := range items {
		if strings.TrimSpace(it.Subtype) == "" {
			continue
		}
		if it.Amount < 0 {
			return "", invalid("amount", "must not be negative, got %v", it.Amount)
		}
		entry := transferItem{Subtype: it.Subtype, Type: it.Type}
		if it.Amount > 0 {
			amount := it.Amount
			entry.Amount = &amount
		}
		st.Items = append(st.Items, entry)
	}
	if len(st.Items) == 0 {
		return "", ErrEmptyTransfer
	}

	data, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("failed to encode transfer: %w", err)
	}
	return string(data), nil
}

func firstString(snap bus.Snapshot, fields ...string) string {
	for _, f := range fields {
		if s, ok := snap.String(f); ok && s != "" {
			return s
		}
	}
	return ""
}

func filterItems(items []Item, keep func(Item) bool) []Item {
	var out []Item
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}
