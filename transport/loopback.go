package transport

import (
	"context"
	"sync"
)

// loopback connects two in-process endpoints back to back: what a is
// sent, b receives, and vice versa, with FIFO order preserved per
// direction (spec.md §4.2, §5). This is the teacher's newLocalListener
// TCP loopback (smpp.go) reimagined as a pure in-memory channel pair,
// since the core has no network transport of its own to exercise.
type loopback struct {
	self SourceID
	peer DestinationID

	out chan []byte // frames this endpoint sends, read by the peer's recv loop
	in  chan Received

	mu   sync.RWMutex
	dest []DestinationID
}

// CreatePair returns two Transports such that a.Send(x) delivers x on
// b.Receive(), and b.Send(x) delivers x on a.Receive(), each preserving
// FIFO order.
func CreatePair(aID, bID string) (Transport, Transport) {
	aOut := make(chan []byte, 64)
	bOut := make(chan []byte, 64)

	a := &loopback{self: SourceID(aID), peer: DestinationID(bID), out: aOut, in: make(chan Received, 64), dest: []DestinationID{DestinationID(bID)}}
	b := &loopback{self: SourceID(bID), peer: DestinationID(aID), out: bOut, in: make(chan Received, 64), dest: []DestinationID{DestinationID(aID)}}

	go pump(aOut, SourceID(aID), b.in)
	go pump(bOut, SourceID(bID), a.in)

	return a, b
}

func pump(src chan []byte, from SourceID, to chan Received) {
	for b := range src {
		to <- Received{Source: from, Bytes: b}
	}
}

func (l *loopback) Send(ctx context.Context, b []byte, dst DestinationID) error {
	select {
	case l.out <- append([]byte(nil), b...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *loopback) Broadcast(ctx context.Context, b []byte) error {
	return l.Send(ctx, b, l.peer)
}

func (l *loopback) Receive() <-chan Received {
	return l.in
}

func (l *loopback) Destinations() []DestinationID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DestinationID, len(l.dest))
	copy(out, l.dest)
	return out
}
