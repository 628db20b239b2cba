// Package server is the WebSocket transport of the relay: it upgrades HTTP
// requests, runs a read and a write pump per connection, decodes inbound
// frames into relay operations and delivers relay events back to sockets.
//
// The Hub owns every connection on the process and is the relay.Emitter.
// Each frame is rate limited per connection, bounded in size, and optionally
// tied to the subject of a signed token presented on upgrade.
package server
