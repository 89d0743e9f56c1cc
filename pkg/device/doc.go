// Package device provides handles on Space Engineers blocks and grids.
//
// A Device watches the block's telemetry key through a shared bus.Conn and
// publishes commands on the block's command channel. Type specific wrappers
// (Lamp, Gyro, Container, Connector, Projector) add validated helpers on top
// of the generic handle. Validation happens before anything is sent and fails
// with a *bus.ValidationError.
//
// # Usage Example
//
//	conn, _ := bus.New(bus.Config{URL: "redis://localhost:6379/0"})
//	_ = conn.Connect(ctx)
//
//	d, err := device.Open(ctx, conn, bus.Identity{
//		OwnerID:    "144115188075855919",
//		GridID:     "110",
//		DeviceType: "lamp",
//		DeviceID:   "42",
//	})
//	if err != nil {
//		return err
//	}
//	defer d.Close()
//
//	lamp := device.NewLamp(d)
//	_, err = lamp.SetColor(ctx, "255;128;0")
//
// # Optimistic Updates
//
// Helpers that change a reported field (Enable, SetShowInTerminal,
// SetCustomData, ...) overlay the expected value on Telemetry as soon as the
// command is published. The overlay is dropped by the next telemetry
// document, whatever it says.
//
// # Discovery
//
// A Directory lists the grids of an owner from the grid index key and the
// devices of a grid from its gridinfo document merged with a scan of the
// telemetry keys. Directory.WatchGrids follows the index live, and Grid
// OnDevices and OnIntegrity report changes between gridinfo documents.
package device
