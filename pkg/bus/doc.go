// Package bus implements the Redis side of the Space Engineers device protocol:
// key and channel naming, the command envelope, a resilient Pub/Sub session and
// a reference-counted subscription registry with a per-target snapshot cache.
//
// # Overview
//
// The game plugin mirrors every functional block of a grid into Redis. Live
// state is written as a JSON document under a telemetry key and commands are
// read by the plugin from a per-player channel. This package knows how those
// names are built and how to keep a local copy of the telemetry fresh while the
// connection to Redis comes and goes.
//
// # Redis Schema
//
// Keys (read path):
//
//	se:{owner}:grids                                        grid index
//	se:{owner}:grid:{grid}:gridinfo                         grid metadata and device list
//	se:{owner}:grid:{grid}:{type}:{device}:telemetry        device telemetry
//	se:{owner}:grid:{grid}:{type}:{device}:blueprint        projector blueprint export
//
// Channels (write path):
//
//	se.{player}.commands.device.{device}                    device commands
//	se.{player}.commands.grid.{grid}                        grid commands
//	se:{owner}:grid:{grid}:damage                           damage events (read)
//
// Telemetry changes are observed through keyspace notifications
// (__keyspace@{db}__:{key}) and through direct publishes on a channel named after
// the key. Both paths feed the same registry entry, duplicates inside a short
// window are suppressed.
//
// # Usage Example
//
//	conn, err := bus.New(bus.Config{URL: "redis://localhost:6379/0"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := conn.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	id := bus.Identity{OwnerID: "144115188075855919", GridID: "g1", DeviceType: "lamp", DeviceID: "d1"}
//	w, err := conn.WatchKey(ctx, bus.TelemetryKey(id), func(t bus.Target, s bus.Snapshot) {
//		fmt.Println(s.Fields["enabled"])
//	})
//
// # Reconnection
//
// A Conn owns exactly one Pub/Sub session. Any transport error moves it to
// StateRecovering; the session is re-established with capped exponential
// backoff and every channel still held by the registry is re-subscribed before
// the state returns to StateConnected.
package bus
