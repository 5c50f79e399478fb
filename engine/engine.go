// Package engine implements the CMSIS-DAP command/response core. It decodes
// host packets from a byte stream, drives the debug transactor through its
// request/completion contract and streams back framed responses.
//
// Commands are processed strictly one at a time, start to finish. The engine
// suspends only while waiting for host input, host output or a transactor
// completion; backpressure towards the host is the channel handshake itself.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"opendap/common"
	"opendap/dap"
	"opendap/dbgif"
	"opendap/stream"
)

// errShortPacket reports an end-of-packet marker observed before the
// declared command length was satisfied.
var errShortPacket = errors.New("engine: packet shorter than declared length")

// Config carries the fixed per-connection settings of an Engine.
type Config struct {
	// Version selects the packet framing variant. Defaults to V1.
	Version dap.Version

	// Logger receives dispatch traces. Defaults to the no-op logger; all
	// protocol error signaling happens on the response stream regardless.
	Logger common.Logger
}

// Engine is the command dispatcher and its sub-engines. Create with New,
// then call Run.
type Engine struct {
	in  <-chan stream.Datum
	out chan<- stream.Datum
	drv dbgif.Driver

	v2  bool
	log common.Logger

	// Incoming packet context, reset at every packet start.
	rx       [7]byte
	rxLen    int
	rxed     int
	lastSeen bool // end-of-packet marker consumed

	// Response context.
	tx    [14]byte
	txLen int
	txed  int // bytes emitted so far, including engine-streamed bodies

	// Target status flags driven by DAP_HostStatus / DAP_Disconnect.
	connected bool
	running   bool

	// Transfer configuration, persistent across commands.
	matchMask  uint32
	waitRetry  uint16
	matchRetry uint16

	ram scratch
}

// New creates an engine reading host bytes from in, writing responses to
// out and executing operations on drv.
func New(cfg Config, in <-chan stream.Datum, out chan<- stream.Datum, drv dbgif.Driver) *Engine {
	if cfg.Version == 0 {
		cfg.Version = dap.V1
	}
	if cfg.Logger == nil {
		cfg.Logger = common.NewNoOpLogger()
	}
	return &Engine{
		in:  in,
		out: out,
		drv: drv,
		v2:  cfg.Version == dap.V2,
		log: cfg.Logger,
	}
}

// Connected reports the state of the host connect indicator.
func (e *Engine) Connected() bool { return e.connected }

// Running reports the state of the host running indicator.
func (e *Engine) Running() bool { return e.running }

// Run processes commands until ctx is cancelled or the input stream closes.
// A closed input stream returns nil.
func (e *Engine) Run(ctx context.Context) error {
	for {
		d, err := e.recv(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return err
		}
		if !d.First {
			continue // stray mid-packet byte while idle, discard
		}
		if err := e.packet(ctx, d); err != nil {
			if errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// packet collects one command packet starting at d and dispatches it.
func (e *Engine) packet(ctx context.Context, d stream.Datum) error {
	cmd := dap.Command(d.Payload)
	e.lastSeen = d.Last

	e.rx = [7]byte{}
	e.rx[0] = d.Payload
	e.rxed = 1

	// Default response: echo the command id with a zero status.
	e.tx = [14]byte{}
	e.tx[0] = d.Payload
	e.txLen = 2
	e.txed = 0

	n, ok := paramLen(cmd)
	if !ok {
		e.log.Logf(common.SeverityDebug, "unsupported command 0x%02x", uint8(cmd))
		return e.respondInvalid(ctx)
	}
	e.rxLen = n

	for e.rxed < e.rxLen {
		if e.lastSeen {
			// Foreshortened packet: fewer bytes than the command declares.
			return e.respondInvalid(ctx)
		}
		b, err := e.recv(ctx)
		if err != nil {
			return err
		}
		e.lastSeen = b.Last
		e.rx[e.rxed] = b.Payload
		e.rxed++
	}

	e.log.Debug(cmd.String())
	err := e.dispatch(ctx, cmd)
	if errors.Is(err, errShortPacket) {
		return e.respondInvalid(ctx)
	}
	return err
}

// paramLen returns the fixed byte count collected before dispatch for a
// command id, including the id itself. Variable-bodied commands declare
// their header here and read the remainder themselves.
func paramLen(c dap.Command) (int, bool) {
	switch c {
	case dap.CmdDisconnect, dap.CmdResetTarget, dap.CmdSWOStatus, dap.CmdTransferAbort:
		return 1, true
	case dap.CmdInfo, dap.CmdConnect, dap.CmdSWDConfigure, dap.CmdSWOTransport,
		dap.CmdSWJSequence, dap.CmdSWOMode, dap.CmdSWOControl,
		dap.CmdSWOExtendedStatus, dap.CmdJTAGIDCODE, dap.CmdJTAGSequence:
		return 2, true
	case dap.CmdHostStatus, dap.CmdSWOData, dap.CmdDelay, dap.CmdJTAGConfigure,
		dap.CmdTransfer:
		return 3, true
	case dap.CmdSWOBaudrate, dap.CmdSWJClock, dap.CmdTransferBlock:
		return 5, true
	case dap.CmdWriteABORT, dap.CmdTransferConfigure:
		return 6, true
	case dap.CmdSWJPins:
		return 7, true
	}
	// Recognized forms answered invalid (SWD_Sequence, Execute/QueueCommands)
	// land here together with unknown ids.
	return 0, false
}

func (e *Engine) dispatch(ctx context.Context, cmd dap.Command) error {
	switch cmd {
	case dap.CmdInfo:
		return e.cmdInfo(ctx)
	case dap.CmdHostStatus:
		return e.cmdHostStatus(ctx)
	case dap.CmdConnect:
		return e.cmdConnect(ctx)
	case dap.CmdDisconnect:
		return e.cmdDisconnect(ctx)
	case dap.CmdWriteABORT:
		return e.cmdWriteABORT(ctx)
	case dap.CmdDelay:
		return e.cmdDelay(ctx)
	case dap.CmdResetTarget:
		return e.cmdResetTarget(ctx)
	case dap.CmdSWJPins:
		return e.cmdSWJPins(ctx)
	case dap.CmdSWJClock:
		return e.cmdSWJClock(ctx)
	case dap.CmdSWJSequence:
		return e.cmdSWJSequence(ctx)
	case dap.CmdSWDConfigure:
		return e.cmdSWDConfigure(ctx)
	case dap.CmdJTAGSequence:
		return e.cmdJTAGSequence(ctx)
	case dap.CmdJTAGConfigure:
		return e.cmdJTAGConfigure(ctx)
	case dap.CmdJTAGIDCODE:
		return e.cmdJTAGIDCODE(ctx)
	case dap.CmdTransferConfigure:
		return e.cmdTransferConfigure(ctx)
	case dap.CmdTransfer:
		return e.cmdTransfer(ctx)
	case dap.CmdTransferBlock:
		return e.cmdTransferBlock(ctx)
	case dap.CmdSWOTransport, dap.CmdSWOMode, dap.CmdSWOBaudrate,
		dap.CmdSWOControl, dap.CmdSWOStatus, dap.CmdSWOData,
		dap.CmdSWOExtendedStatus:
		return e.respondNotImplemented(ctx)
	default:
		// TransferAbort is collected but has no handler: recognized,
		// answered invalid.
		return e.respondInvalid(ctx)
	}
}

// recv takes the next datum from the host stream.
func (e *Engine) recv(ctx context.Context) (stream.Datum, error) {
	select {
	case d, ok := <-e.in:
		if !ok {
			return stream.Datum{}, stream.ErrClosed
		}
		return d, nil
	case <-ctx.Done():
		return stream.Datum{}, ctx.Err()
	}
}

// readBody takes one byte of a variable command body.
func (e *Engine) readBody(ctx context.Context) (byte, error) {
	if e.lastSeen {
		return 0, errShortPacket
	}
	d, err := e.recv(ctx)
	if err != nil {
		return 0, err
	}
	e.lastSeen = d.Last
	return d.Payload, nil
}

// readWord takes a little-endian 32 bit word of a variable command body.
func (e *Engine) readWord(ctx context.Context) (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := e.readBody(ctx)
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * uint(i))
	}
	return v, nil
}

// emit sends one response byte. Under V2 the final byte carries the end
// marker; under V1 the marker lands on byte 64, reached by padding.
func (e *Engine) emit(ctx context.Context, b byte, final bool) error {
	last := final
	if !e.v2 {
		last = e.txed == dap.V1MaxPacketSize-1
	}
	select {
	case e.out <- stream.Datum{Payload: b, First: e.txed == 0, Last: last}:
		e.txed++
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// respond emits the inline response buffer and completes the packet.
func (e *Engine) respond(ctx context.Context) error {
	for i := 0; i < e.txLen; i++ {
		if err := e.emit(ctx, e.tx[i], i == e.txLen-1); err != nil {
			return err
		}
	}
	return e.padV1(ctx)
}

// padV1 zero-fills the response to the fixed V1 packet size.
func (e *Engine) padV1(ctx context.Context) error {
	if e.v2 {
		return nil
	}
	for e.txed < dap.V1MaxPacketSize {
		if err := e.emit(ctx, 0, false); err != nil {
			return err
		}
	}
	return nil
}

// respondInvalid answers a malformed or unrecognized packet. Nothing but
// the invalid marker is echoed and no other state changes.
func (e *Engine) respondInvalid(ctx context.Context) error {
	e.tx[0] = byte(dap.CmdInvalid)
	e.txLen = 1
	return e.respond(ctx)
}

func (e *Engine) respondNotImplemented(ctx context.Context) error {
	e.tx[1] = dap.StatusError
	e.txLen = 2
	return e.respond(ctx)
}

// exec submits one transactor operation and waits for its completion edge.
func (e *Engine) exec(ctx context.Context, req dbgif.Request) (dbgif.Result, error) {
	select {
	case res := <-e.drv.Submit(req):
		return res, nil
	case <-ctx.Done():
		return dbgif.Result{}, ctx.Err()
	}
}

// execStatus runs one operation and builds the common two byte
// id/status response from its fault flag.
func (e *Engine) execStatus(ctx context.Context, req dbgif.Request) error {
	res, err := e.exec(ctx, req)
	if err != nil {
		return err
	}
	if res.Err {
		e.tx[1] = dap.StatusError
	} else {
		e.tx[1] = dap.StatusOK
	}
	e.txLen = 2
	return e.respond(ctx)
}

// ---------------------------------------------------------------------------
// Simple command handlers

func (e *Engine) cmdInfo(ctx context.Context) error {
	switch dap.InfoID(e.rx[1]) {
	case dap.InfoVendorID, dap.InfoProductID, dap.InfoSerialNumber,
		dap.InfoTargetDeviceVendor, dap.InfoTargetDeviceName,
		dap.InfoTargetBoardVendor, dap.InfoTargetBoardName:
		// Not configured in this firmware: empty string.
		e.tx[1] = 0
		e.txLen = 2
	case dap.InfoProtocolVersion:
		e.putInfoString(dap.ProtocolVersionString)
	case dap.InfoFirmwareVersion:
		e.putInfoString(dap.FirmwareVersionString)
	case dap.InfoCapabilities:
		e.tx[1] = 1
		e.tx[2] = dap.Capabilities
		e.txLen = 3
	case dap.InfoTestDomainTimer:
		e.tx[1] = 8
		binary.LittleEndian.PutUint32(e.tx[2:6], dap.TestDomainTimerFreq)
		e.txLen = 6
	case dap.InfoSWOTraceBufferSize:
		e.tx[1] = 4
		binary.LittleEndian.PutUint32(e.tx[2:6], 0)
		e.txLen = 6
	case dap.InfoMaxPacketCount:
		e.tx[1] = 1
		e.tx[2] = dap.MaxPacketCount
		e.txLen = 3
	case dap.InfoMaxPacketSize:
		e.tx[1] = 2
		if e.v2 {
			binary.LittleEndian.PutUint16(e.tx[2:4], dap.V2MaxPacketSize)
		} else {
			binary.LittleEndian.PutUint16(e.tx[2:4], dap.V1MaxPacketSize)
		}
		e.txLen = 4
	default:
		return e.respondInvalid(ctx)
	}
	return e.respond(ctx)
}

// putInfoString stores a length-prefixed, NUL terminated info string.
func (e *Engine) putInfoString(s string) {
	e.tx[1] = byte(len(s) + 1)
	copy(e.tx[2:], s)
	e.tx[2+len(s)] = 0
	e.txLen = 3 + len(s)
}

func (e *Engine) cmdHostStatus(ctx context.Context) error {
	switch e.rx[1] {
	case dap.HostStatusConnect:
		e.connected = e.rx[2] == 1
	case dap.HostStatusRunning:
		e.running = e.rx[2] == 1
	default:
		return e.respondInvalid(ctx)
	}
	return e.respond(ctx)
}

func (e *Engine) cmdConnect(ctx context.Context) error {
	port := e.rx[1]
	if port == dap.PortDefault {
		port = dap.ConnectDefault
	}
	var op dbgif.Op
	switch port {
	case dap.PortSWD:
		op = dbgif.OpSetSWD
	case dap.PortJTAG:
		op = dbgif.OpSetJTAG
	default:
		return e.respondInvalid(ctx)
	}
	if _, err := e.exec(ctx, dbgif.Request{Op: op}); err != nil {
		return err
	}
	e.tx[1] = port
	e.txLen = 2
	return e.respond(ctx)
}

func (e *Engine) cmdDisconnect(ctx context.Context) error {
	e.running = false
	e.connected = false
	return e.respond(ctx)
}

func (e *Engine) cmdWriteABORT(ctx context.Context) error {
	// rx[1] is the device index; single-device probe, ignored.
	return e.execStatus(ctx, dbgif.Request{
		Op:   dbgif.OpTransact,
		Data: binary.LittleEndian.Uint32(e.rx[2:6]),
	})
}

func (e *Engine) cmdDelay(ctx context.Context) error {
	// The wait operand assembles high byte first.
	us := uint32(e.rx[1])<<8 | uint32(e.rx[2])
	return e.execStatus(ctx, dbgif.Request{Op: dbgif.OpWait, Data: us})
}

func (e *Engine) cmdResetTarget(ctx context.Context) error {
	res, err := e.exec(ctx, dbgif.Request{Op: dbgif.OpReset})
	if err != nil {
		return err
	}
	if res.Err {
		e.tx[1] = dap.StatusError
	} else {
		e.tx[1] = dap.StatusOK
	}
	e.tx[2] = 1 // reset sequence implemented
	e.txLen = 3
	return e.respond(ctx)
}

func (e *Engine) cmdSWJPins(ctx context.Context) error {
	res, err := e.exec(ctx, dbgif.Request{
		Op:   dbgif.OpPinsWrite,
		Pins: binary.LittleEndian.Uint16(e.rx[1:3]),
		Data: binary.LittleEndian.Uint32(e.rx[3:7]), // wait budget in us
	})
	if err != nil {
		return err
	}
	e.tx[1] = byte(res.Pins)
	e.txLen = 2
	return e.respond(ctx)
}

func (e *Engine) cmdSWJClock(ctx context.Context) error {
	return e.execStatus(ctx, dbgif.Request{
		Op:   dbgif.OpSetClock,
		Data: binary.LittleEndian.Uint32(e.rx[1:5]),
	})
}

func (e *Engine) cmdSWDConfigure(ctx context.Context) error {
	return e.execStatus(ctx, dbgif.Request{
		Op:   dbgif.OpSetSWDConfig,
		Data: uint32(e.rx[1]),
	})
}

func (e *Engine) cmdJTAGConfigure(ctx context.Context) error {
	// Up to six devices with IR lengths 1..32, packed as five bit
	// length-minus-one fields. The fields sit at bit 3 of each parameter
	// byte; bytes beyond the received header read as zero.
	var word uint32
	for i := 0; i < 6; i++ {
		f := (uint32(e.rx[i+1]>>3) - 1) & 0x1F
		word |= f << (5 * uint(i))
	}
	return e.execStatus(ctx, dbgif.Request{Op: dbgif.OpSetJTAGConfig, Data: word})
}

func (e *Engine) cmdJTAGIDCODE(ctx context.Context) error {
	res, err := e.exec(ctx, dbgif.Request{
		Op:   dbgif.OpJTAGGetID,
		Data: uint32(e.rx[1]),
	})
	if err != nil {
		return err
	}
	e.tx[1] = dap.StatusOK
	binary.LittleEndian.PutUint32(e.tx[2:6], res.Data)
	e.txLen = 6
	return e.respond(ctx)
}

func (e *Engine) cmdTransferConfigure(ctx context.Context) error {
	e.waitRetry = binary.LittleEndian.Uint16(e.rx[2:4])
	e.matchRetry = binary.LittleEndian.Uint16(e.rx[4:6])
	// Idle cycles are applied by the layer below.
	return e.execStatus(ctx, dbgif.Request{
		Op:   dbgif.OpSetTransferConfig,
		Data: uint32(e.rx[1]),
	})
}

func statusString(status byte) string {
	return fmt.Sprintf("ack=%v err=%t", dbgif.Ack(status&dap.StatusAckMask),
		status&dap.StatusProtocolError != 0)
}
