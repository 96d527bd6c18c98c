// Package transport defines the minimal capability set the engine
// needs from a MIDI carrier (spec.md §4.2, §6) and ships a loopback
// implementation for tests. It plays the role the teacher's smpp.Conn
// plays for SMPP: a narrow interface the rest of the engine programs
// against, with an in-process, channel-backed pair standing in for a
// real connection in tests.
package transport

import "context"

// DestinationID and SourceID identify a transport-level endpoint (a
// MIDI output/input port, a network peer, …). The engine treats them as
// opaque strings; transports are free to use any stable value.
type DestinationID string
type SourceID string

// Received is one complete SysEx frame delivered by a transport.
type Received struct {
	Source SourceID
	Bytes  []byte
}

// Transport is the capability set spec.md §6 requires: send, broadcast,
// an inbound stream, and a snapshot of known destinations.
type Transport interface {
	Send(ctx context.Context, b []byte, dst DestinationID) error
	Broadcast(ctx context.Context, b []byte) error
	Receive() <-chan Received
	Destinations() []DestinationID
}
