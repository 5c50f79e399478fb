package client

import (
	"fmt"

	"github.com/google/gousb"

	"opendap/dap"
)

// USBTransport exchanges packets over the bulk endpoint pair of a CMSIS-DAP
// v2 probe interface.
type USBTransport struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	release func()
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
}

// OpenUSB opens the first probe matching vid:pid and claims its default
// interface, using the bulk endpoints epOut (host to probe) and epIn.
func OpenUSB(vid, pid uint16, epOut, epIn int) (*USBTransport, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open device %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device %04x:%04x not found", vid, pid)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("auto detach: %w", err)
	}

	intf, release, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("claim interface: %w", err)
	}
	t := &USBTransport{ctx: ctx, dev: dev, release: release}
	if t.out, err = intf.OutEndpoint(epOut); err != nil {
		t.Close()
		return nil, fmt.Errorf("out endpoint %d: %w", epOut, err)
	}
	if t.in, err = intf.InEndpoint(epIn); err != nil {
		t.Close()
		return nil, fmt.Errorf("in endpoint %d: %w", epIn, err)
	}
	return t, nil
}

// Exchange implements Transport.
func (t *USBTransport) Exchange(cmd []byte) ([]byte, error) {
	if _, err := t.out.Write(cmd); err != nil {
		return nil, fmt.Errorf("bulk write: %w", err)
	}
	buf := make([]byte, dap.V2MaxPacketSize)
	n, err := t.in.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("bulk read: %w", err)
	}
	return buf[:n], nil
}

// Close implements Transport.
func (t *USBTransport) Close() error {
	if t.release != nil {
		t.release()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}
