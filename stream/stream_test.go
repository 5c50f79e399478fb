package stream

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPacketizeMarkers(t *testing.T) {
	ch := make(chan Datum, 8)
	if err := Packetize(context.Background(), ch, []byte{0x05, 0x00, 0x01}); err != nil {
		t.Fatal(err)
	}
	close(ch)

	var got []Datum
	for d := range ch {
		got = append(got, d)
	}
	want := []Datum{
		{Payload: 0x05, First: true},
		{Payload: 0x00},
		{Payload: 0x01, Last: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("datum stream mismatch (-want +got):\n%s", diff)
	}
}

func TestPacketizeSingleByte(t *testing.T) {
	ch := make(chan Datum, 1)
	if err := Packetize(context.Background(), ch, []byte{0x03}); err != nil {
		t.Fatal(err)
	}
	d := <-ch
	if !d.First || !d.Last {
		t.Errorf("single byte packet must carry both markers, got %+v", d)
	}
}

func TestCollectRoundTrip(t *testing.T) {
	ch := make(chan Datum, 16)
	pkt := []byte{0x06, 0x00, 0x02, 0x00, 0x02}
	if err := Packetize(context.Background(), ch, pkt); err != nil {
		t.Fatal(err)
	}
	got, err := Collect(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(pkt, got); diff != "" {
		t.Errorf("packet mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectResyncsOnFirst(t *testing.T) {
	ch := make(chan Datum, 16)
	// Tail of a packet we never saw the start of.
	ch <- Datum{Payload: 0xAA}
	ch <- Datum{Payload: 0xBB, Last: true}
	if err := Packetize(context.Background(), ch, []byte{0x02, 0x01}); err != nil {
		t.Fatal(err)
	}
	got, err := Collect(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x02, 0x01}, got); diff != "" {
		t.Errorf("collect did not resync (-want +got):\n%s", diff)
	}
}

func TestCollectClosed(t *testing.T) {
	ch := make(chan Datum)
	close(ch)
	if _, err := Collect(context.Background(), ch); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
