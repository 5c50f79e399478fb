package engine

import (
	"context"

	"opendap/dap"
	"opendap/dbgif"
)

// Pin words driven during bit sequences. The high byte is the drive mask,
// the low byte the pin values; the sequence loops toggle the clock and
// data bits within these.
const (
	swjPinsBase  = 0x1310 // drive SWCLK+SWDIO
	jtagPinsBase = 0x1710 // drive TCK+TMS+TDI
)

// cmdSWJSequence clocks out a raw bit string on SWDIO/TMS, LSB first
// within each data byte. A count byte of zero means 256 bits.
func (e *Engine) cmdSWJSequence(ctx context.Context) error {
	n := int(e.rx[1])
	if n == 0 {
		n = 256
	}

	pins := uint16(swjPinsBase)
	var data byte
	var res dbgif.Result
	for i := 0; i < n; i++ {
		if i%8 == 0 {
			var err error
			if data, err = e.readBody(ctx); err != nil {
				return err
			}
		}
		bit := uint16(data>>(uint(i)%8)) & 1

		// Data setup with the clock low, then the rising edge.
		pins = pins&^0x0003 | bit<<1
		var err error
		if res, err = e.exec(ctx, dbgif.Request{Op: dbgif.OpPinsWrite, Pins: pins}); err != nil {
			return err
		}
		pins |= 0x0001
		if res, err = e.exec(ctx, dbgif.Request{Op: dbgif.OpPinsWrite, Pins: pins}); err != nil {
			return err
		}
	}

	if res.Err {
		e.tx[1] = dap.StatusError
	} else {
		e.tx[1] = dap.StatusOK
	}
	e.txLen = 2
	return e.respond(ctx)
}

// cmdJTAGSequence runs a list of TCK/TMS/TDI sequences, optionally
// capturing TDO. Captured bytes stream out as they fill; the response
// body stays one byte behind the capture so the final byte can carry the
// V2 end marker.
func (e *Engine) cmdJTAGSequence(ctx context.Context) error {
	nseq := int(e.rx[1])

	if err := e.emit(ctx, e.tx[0], false); err != nil {
		return err
	}
	// Status byte: this engine cannot fail part way, the pin operation
	// has no fault path.
	pending := byte(dap.StatusOK)

	pins := uint16(jtagPinsBase)
	for s := 0; s < nseq; s++ {
		info, err := e.readBody(ctx)
		if err != nil {
			return err
		}
		cycles := int(info & 0x3F)
		if cycles == 0 {
			cycles = 64
		}
		capture := info&0x80 != 0
		tms := uint16(info>>6) & 1

		var tdi byte
		var build byte
		nbits := 0
		for c := 0; c < cycles; c++ {
			if c%8 == 0 {
				if tdi, err = e.readBody(ctx); err != nil {
					return err
				}
			}
			bit := uint16(tdi>>(uint(c)%8)) & 1

			pins = pins&^0x0007 | bit<<2 | tms<<1
			if _, err = e.exec(ctx, dbgif.Request{Op: dbgif.OpPinsWrite, Pins: pins}); err != nil {
				return err
			}
			pins |= 0x0001
			res, err := e.exec(ctx, dbgif.Request{Op: dbgif.OpPinsWrite, Pins: pins})
			if err != nil {
				return err
			}

			if capture {
				tdo := byte(res.Pins>>dap.PinTDO) & 1
				build |= tdo << uint(nbits)
				nbits++
				if nbits == 8 {
					if err := e.emit(ctx, pending, false); err != nil {
						return err
					}
					pending = build
					build = 0
					nbits = 0
				}
			}
		}
		if nbits > 0 {
			if err := e.emit(ctx, pending, false); err != nil {
				return err
			}
			pending = build
		}
	}

	if err := e.emit(ctx, pending, true); err != nil {
		return err
	}
	return e.padV1(ctx)
}
