// Package server implements the presence and room message relay.
//
// The implementation is organized into specialized files: the hub owns the
// connection registry and local broadcast, clients run the per-connection
// state machine and pumps, and the presence store, broadcast bus, room
// router, and message relay each live in their own file. Presence state and
// the broadcast bus are shared across instances through Redis; rooms and
// message delivery stay instance-local.
package server
