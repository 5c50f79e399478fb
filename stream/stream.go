// Package stream models the host-facing byte stream of a CMSIS-DAP probe.
// Bytes travel one at a time with packet boundary markers; backpressure is
// carried by the channel handshake itself. Packetize and Collect bridge
// between whole packets and the per-byte form.
package stream

import (
	"context"
	"errors"
)

// ErrClosed reports that the peer closed its side of the stream.
var ErrClosed = errors.New("stream: closed")

// Datum is one byte on the wire. First marks the opening byte of a packet,
// Last the final one. A single byte packet carries both.
type Datum struct {
	Payload byte
	First   bool
	Last    bool
}

// Packetize sends pkt to out one datum at a time with First/Last markers.
// Zero length packets are ignored.
func Packetize(ctx context.Context, out chan<- Datum, pkt []byte) error {
	for i, b := range pkt {
		d := Datum{
			Payload: b,
			First:   i == 0,
			Last:    i == len(pkt)-1,
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Collect reads data from in until a Last marker and returns the packet.
// Bytes preceding a First marker are discarded so a collector joining
// mid-stream resynchronizes on the next packet boundary.
func Collect(ctx context.Context, in <-chan Datum) ([]byte, error) {
	var pkt []byte
	for {
		select {
		case d, ok := <-in:
			if !ok {
				return nil, ErrClosed
			}
			if d.First {
				pkt = pkt[:0]
			} else if len(pkt) == 0 {
				continue // not synchronized to a packet yet
			}
			pkt = append(pkt, d.Payload)
			if d.Last {
				return pkt, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
