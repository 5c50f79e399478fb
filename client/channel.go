package client

import (
	"context"

	"opendap/stream"
)

// ChannelTransport exchanges packets over a pair of in-process byte stream
// channels, typically wired straight to an engine. It is the transport used
// by tests and by tools running the simulator in-process.
type ChannelTransport struct {
	out chan<- stream.Datum
	in  <-chan stream.Datum
}

// NewChannelTransport wraps the command and response channels of an engine.
func NewChannelTransport(out chan<- stream.Datum, in <-chan stream.Datum) *ChannelTransport {
	return &ChannelTransport{out: out, in: in}
}

// Exchange implements Transport.
func (t *ChannelTransport) Exchange(cmd []byte) ([]byte, error) {
	ctx := context.Background()
	if err := stream.Packetize(ctx, t.out, cmd); err != nil {
		return nil, err
	}
	return stream.Collect(ctx, t.in)
}

// Close implements Transport. Closing the command channel stops the engine.
func (t *ChannelTransport) Close() error {
	close(t.out)
	return nil
}
