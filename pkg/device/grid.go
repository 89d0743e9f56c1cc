package device

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dyluth/secontrol/pkg/bus"
)

// Grid is a handle on grid level commands and events.
type Grid struct {
	conn     *bus.Conn
	ownerID  string
	playerID string
	gridID   string
	channel  string

	mu      sync.Mutex
	watches []*bus.Watch
}

// OpenGrid returns a handle for gridID. playerID may be empty, in which case
// ownerID is used for the command channel.
func OpenGrid(conn *bus.Conn, ownerID, playerID, gridID string) (*Grid, error) {
	if conn == nil {
		return nil, bus.ErrNotConnected
	}
	if ownerID == "" {
		return nil, &bus.ValidationError{Field: "ownerId", Reason: "required"}
	}
	if gridID == "" {
		return nil, &bus.ValidationError{Field: "gridId", Reason: "required"}
	}
	if playerID == "" {
		playerID = ownerID
	}
	return &Grid{
		conn:     conn,
		ownerID:  ownerID,
		playerID: playerID,
		gridID:   gridID,
		channel:  bus.GridCommandChannel(playerID, gridID),
	}, nil
}

// ID returns the grid ID.
func (g *Grid) ID() string { return g.gridID }

// CommandChannel returns the channel grid commands are published on.
func (g *Grid) CommandChannel() string { return g.channel }

// SendCommand publishes a grid command. Non-nil fields are written at the
// root of the message next to cmd and state.
func (g *Grid) SendCommand(ctx context.Context, cmd string, state any, fields map[string]any) (bus.Ack, error) {
	return g.send(ctx, bus.NewGridCommand(g.ownerID, g.playerID, g.gridID, cmd, state, nil), fields)
}

func (g *Grid) send(ctx context.Context, env *bus.CommandEnvelope, fields map[string]any) (bus.Ack, error) {
	if len(fields) > 0 {
		env.Extra = make(map[string]any, len(fields))
		for k, v := range fields {
			if v != nil {
				env.Extra[k] = v
			}
		}
	}
	return g.conn.PublishEnvelope(ctx, g.channel, env)
}

// Rename sets the grid's display name.
func (g *Grid) Rename(ctx context.Context, name string) (bus.Ack, error) {
	if err := ValidateGridName(name); err != nil {
		return bus.Ack{}, err
	}
	trimmed := strings.TrimSpace(name)
	return g.SendCommand(ctx, "set_name", trimmed, map[string]any{"name": trimmed, "gridName": trimmed})
}

// SetOwner hands the grid to another player. shareMode may be empty.
func (g *Grid) SetOwner(ctx context.Context, newOwnerID, shareMode string) (bus.Ack, error) {
	if err := ValidateEntityID("ownerId", newOwnerID); err != nil {
		return bus.Ack{}, err
	}
	env := bus.NewGridCommand(newOwnerID, g.playerID, g.gridID, "set_owner", nil, nil)
	var fields map[string]any
	if shareMode = strings.TrimSpace(shareMode); shareMode != "" {
		fields = map[string]any{"shareMode": shareMode}
	}
	return g.send(ctx, env, fields)
}

// ConvertToShip turns a station into a ship.
func (g *Grid) ConvertToShip(ctx context.Context) (bus.Ack, error) {
	return g.SendCommand(ctx, "convert_to_ship", nil, nil)
}

// ConvertToStation turns a ship into a station.
func (g *Grid) ConvertToStation(ctx context.Context) (bus.Ack, error) {
	return g.SendCommand(ctx, "convert_to_station", nil, nil)
}

// DamageEvent is one block damage notification.
type DamageEvent struct {
	Timestamp  string         `json:"timestamp"`
	GridID     string         `json:"gridId,omitempty"`
	GridName   string         `json:"gridName,omitempty"`
	OwnerID    string         `json:"ownerId,omitempty"`
	AttackerID string         `json:"attackerId,omitempty"`
	Amount     float64        `json:"amount"`
	DamageType string         `json:"damageType"`
	Raw        map[string]any `json:"raw"`
}

// ParseDamageEvent decodes a damage notification. Unknown shapes keep the
// raw document and report an "Unknown" damage type.
func ParseDamageEvent(fields map[string]any) DamageEvent {
	snap := bus.Snapshot{Fields: fields}
	ev := DamageEvent{
		Timestamp:  firstString(snap, "timestamp", "time"),
		GridID:     idString(fields["gridId"]),
		GridName:   firstString(snap, "gridName"),
		OwnerID:    idString(fields["ownerId"]),
		AttackerID: idString(fields["attackerId"]),
		DamageType: "Unknown",
		Raw:        fields,
	}

	if dmg, ok := fields["damage"].(map[string]any); ok {
		details := bus.Snapshot{Fields: dmg}
		ev.Amount, _ = details.Float("amount")
		if t := firstString(details, "type", "damageType"); t != "" {
			ev.DamageType = t
		}
	}
	if ev.AttackerID == "" {
		if attacker, ok := fields["attacker"].(map[string]any); ok {
			ev.AttackerID = idString(attacker["entityId"])
			if ev.AttackerID == "" {
				ev.AttackerID = idString(attacker["id"])
			}
		}
	}
	return ev
}

// OnDamage subscribes fn to the grid's damage channel. The subscription
// ends when the grid handle is closed.
func (g *Grid) OnDamage(ctx context.Context, fn func(DamageEvent)) error {
	w, err := g.conn.SubscribeChannel(ctx, bus.DamageChannel(g.ownerID, g.gridID), func(_ bus.Target, snap bus.Snapshot) {
		if snap.Fields == nil {
			return
		}
		fn(ParseDamageEvent(snap.Fields))
	})
	if err != nil {
		return err
	}
	g.track(w)
	return nil
}

func (g *Grid) track(w *bus.Watch) {
	g.mu.Lock()
	g.watches = append(g.watches, w)
	g.mu.Unlock()
}

// Info reads the grid's gridinfo document.
func (g *Grid) Info(ctx context.Context) (map[string]any, error) {
	data, err := g.conn.Get(ctx, bus.GridInfoKey(g.ownerID, g.gridID))
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := decodeJSON(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode gridinfo of %s: %w", g.gridID, err)
	}
	return info, nil
}

// Close ends every subscription made through the handle.
func (g *Grid) Close() error {
	g.mu.Lock()
	watches := g.watches
	g.watches = nil
	g.mu.Unlock()

	var firstErr error
	for _, w := range watches {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
