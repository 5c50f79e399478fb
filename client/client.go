// Package client is the host side of the CMSIS-DAP protocol. It speaks to a
// probe through a Transport, which may be a USB bulk endpoint pair, a TCP
// connection to a remote probe server, or an in-process engine loopback.
package client

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"

	"opendap/common"
	"opendap/dap"
)

// Transport carries one command packet to the probe and returns the
// response packet. Implementations frame the packets for their medium.
type Transport interface {
	Exchange(cmd []byte) ([]byte, error)
	Close() error
}

// ErrInvalidCommand reports the probe's generic rejection marker.
var ErrInvalidCommand = errors.New("client: probe rejected the command")

// waitRetries bounds the command level retry loop on WAIT responses,
// on top of the probe's own per-transfer retry budget.
const waitRetries = 5

// TransferOp selects the operation of one TransferRequest.
type TransferOp int

const (
	OpRead TransferOp = iota
	OpWrite
	OpReadMatch // read until (value & match mask) == Data
	OpWriteMask // set the probe's match mask register
)

// TransferRequest describes one entry of a Transfer batch.
type TransferRequest struct {
	AP   bool
	Reg  uint8 // register address, bits 2..3
	Op   TransferOp
	Data uint32 // write data or match value
}

// TransferStatus is the probe's transfer status byte.
type TransferStatus uint8

func (s TransferStatus) Ok() bool   { return s&dap.StatusAckMask == 0b001 }
func (s TransferStatus) Wait() bool { return s&dap.StatusAckMask == 0b010 }

func (s TransferStatus) String() string {
	switch {
	case s&dap.StatusMismatch != 0:
		return "MISMATCH"
	case s&dap.StatusProtocolError != 0:
		return "PROTERR"
	case s.Ok():
		return "OK"
	case s.Wait():
		return "WAIT"
	default:
		return fmt.Sprintf("FAULT(0x%02x)", uint8(s))
	}
}

// Probe is a connected CMSIS-DAP probe.
type Probe struct {
	t   Transport
	log common.Logger

	maxPacketSize int
	caps          bitmap.Bitmap
}

// New opens a probe over t, querying its packet size and capabilities.
func New(t Transport, log common.Logger) (*Probe, error) {
	if log == nil {
		log = common.NewNoOpLogger()
	}
	p := &Probe{
		t:   t,
		log: log,
		// Conservative until the probe reports its real limit.
		maxPacketSize: dap.V1MaxPacketSize,
	}

	resp, err := p.info(dap.InfoMaxPacketSize)
	if err != nil {
		return nil, fmt.Errorf("query max packet size: %w", err)
	}
	if len(resp) < 3 || resp[0] != 2 {
		return nil, fmt.Errorf("malformed packet size report % x", resp)
	}
	p.maxPacketSize = int(binary.LittleEndian.Uint16(resp[1:3]))

	resp, err = p.info(dap.InfoCapabilities)
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	if len(resp) < 2 || resp[0] < 1 {
		return nil, fmt.Errorf("malformed capability report % x", resp)
	}
	p.caps = bitmap.Bitmap(resp[1:])

	p.log.Logf(common.SeverityDebug, "probe opened: packet size %d, caps % x",
		p.maxPacketSize, []byte(p.caps))
	return p, nil
}

// Close releases the transport.
func (p *Probe) Close() error { return p.t.Close() }

// MaxPacketSize returns the probe's command packet size limit.
func (p *Probe) MaxPacketSize() int { return p.maxPacketSize }

// SupportsSWD reports the SWD capability flag.
func (p *Probe) SupportsSWD() bool { return p.caps.Get(dap.CapSWD) }

// SupportsJTAG reports the JTAG capability flag.
func (p *Probe) SupportsJTAG() bool { return p.caps.Get(dap.CapJTAG) }

// exec exchanges one command and validates the echoed command id.
func (p *Probe) exec(cmd []byte) ([]byte, error) {
	if len(cmd) > p.maxPacketSize {
		return nil, fmt.Errorf("packet too long (max %d, got %d)", p.maxPacketSize, len(cmd))
	}
	resp, err := p.t.Exchange(cmd)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response to command 0x%02x", cmd[0])
	}
	if resp[0] == byte(dap.CmdInvalid) {
		return nil, fmt.Errorf("command 0x%02x: %w", cmd[0], ErrInvalidCommand)
	}
	if resp[0] != cmd[0] {
		return nil, fmt.Errorf("response to wrong command (want 0x%02x, got 0x%02x)",
			cmd[0], resp[0])
	}
	return resp[1:], nil
}

// execCheckStatus exchanges a command whose response is a single status byte.
func (p *Probe) execCheckStatus(cmd []byte) error {
	resp, err := p.exec(cmd)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != dap.StatusOK {
		return fmt.Errorf("command 0x%02x returned error status", cmd[0])
	}
	return nil
}

func (p *Probe) info(id dap.InfoID) ([]byte, error) {
	return p.exec([]byte{byte(dap.CmdInfo), byte(id)})
}

// infoString reads a length-prefixed info string, trimming the NUL.
func (p *Probe) infoString(id dap.InfoID) (string, error) {
	resp, err := p.info(id)
	if err != nil {
		return "", err
	}
	if len(resp) < 1 || len(resp) < 1+int(resp[0]) {
		return "", fmt.Errorf("malformed info string % x", resp)
	}
	return string(bytes.TrimRight(resp[1:1+int(resp[0])], "\x00")), nil
}

func (p *Probe) VendorID() (string, error)     { return p.infoString(dap.InfoVendorID) }
func (p *Probe) ProductID() (string, error)    { return p.infoString(dap.InfoProductID) }
func (p *Probe) SerialNumber() (string, error) { return p.infoString(dap.InfoSerialNumber) }

func (p *Probe) ProtocolVersion() (string, error) {
	return p.infoString(dap.InfoProtocolVersion)
}

func (p *Probe) FirmwareVersion() (string, error) {
	return p.infoString(dap.InfoFirmwareVersion)
}

// MaxPacketCount returns how many commands the probe queues at once.
func (p *Probe) MaxPacketCount() (int, error) {
	resp, err := p.info(dap.InfoMaxPacketCount)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 || resp[0] != 1 {
		return 0, fmt.Errorf("malformed packet count report % x", resp)
	}
	return int(resp[1]), nil
}

// SetHostStatus drives the probe's connect or running indicator.
func (p *Probe) SetHostStatus(statusType uint8, on bool) error {
	v := byte(0)
	if on {
		v = 1
	}
	_, err := p.exec([]byte{byte(dap.CmdHostStatus), statusType, v})
	return err
}

// Connect selects the probe's debug port and returns the port chosen.
func (p *Probe) Connect(port uint8) (uint8, error) {
	p.log.Logf(common.SeverityDebug, "connect port %d", port)
	resp, err := p.exec([]byte{byte(dap.CmdConnect), port})
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 || resp[0] == 0 {
		return 0, fmt.Errorf("connect failed")
	}
	return resp[0], nil
}

func (p *Probe) Disconnect() error {
	return p.execCheckStatus([]byte{byte(dap.CmdDisconnect)})
}

// WriteABORT writes the target's DP ABORT register.
func (p *Probe) WriteABORT(value uint32) error {
	cmd := []byte{byte(dap.CmdWriteABORT), 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(cmd[2:6], value)
	return p.execCheckStatus(cmd)
}

// Delay pauses the probe. The maximum delay is 65535 microseconds.
func (p *Probe) Delay(d time.Duration) error {
	us := d.Microseconds()
	if us > 0xFFFF {
		return fmt.Errorf("delay too large (%dus)", us)
	}
	// The wait operand goes out high byte first.
	return p.execCheckStatus([]byte{byte(dap.CmdDelay), byte(us >> 8), byte(us)})
}

func (p *Probe) ResetTarget() error {
	resp, err := p.exec([]byte{byte(dap.CmdResetTarget)})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[0] != dap.StatusOK {
		return fmt.Errorf("reset failed")
	}
	return nil
}

// SWJPins drives the raw probe pins given in mask to the values in pins,
// waiting up to waitMicros for them to settle, and returns the pin readback.
func (p *Probe) SWJPins(pins, mask uint8, waitMicros uint32) (uint8, error) {
	cmd := []byte{byte(dap.CmdSWJPins), pins, mask, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(cmd[3:7], waitMicros)
	resp, err := p.exec(cmd)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, fmt.Errorf("malformed pin response")
	}
	return resp[0], nil
}

func (p *Probe) SWJClock(hz uint32) error {
	cmd := []byte{byte(dap.CmdSWJClock), 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(cmd[1:5], hz)
	return p.execCheckStatus(cmd)
}

// SWJSequence clocks out numBits of data on SWDIO/TMS.
func (p *Probe) SWJSequence(numBits int, data []byte) error {
	if numBits < 1 || numBits > 256 {
		return fmt.Errorf("bit count must be 1..256 (got %d)", numBits)
	}
	if len(data) < (numBits+7)/8 {
		return fmt.Errorf("sequence data too short (%d bytes for %d bits)",
			len(data), numBits)
	}
	cmd := []byte{byte(dap.CmdSWJSequence), byte(numBits)} // 256 wraps to 0
	cmd = append(cmd, data[:(numBits+7)/8]...)
	return p.execCheckStatus(cmd)
}

func (p *Probe) SWDConfigure(config uint8) error {
	return p.execCheckStatus([]byte{byte(dap.CmdSWDConfigure), config})
}

// JTAGSequence describes one entry of a JTAG sequence batch.
type JTAGSequence struct {
	Cycles  int // 1..64 clock cycles
	TMS     bool
	Capture bool // capture TDO
	TDI     []byte
}

// JTAGSequences runs a batch of JTAG bit sequences and returns the captured
// TDO bytes, in capture order.
func (p *Probe) JTAGSequences(seqs []JTAGSequence) ([]byte, error) {
	cmd := []byte{byte(dap.CmdJTAGSequence), byte(len(seqs))}
	captureBytes := 0
	for i, s := range seqs {
		if s.Cycles < 1 || s.Cycles > 64 {
			return nil, fmt.Errorf("sequence %d: cycle count must be 1..64", i)
		}
		nb := (s.Cycles + 7) / 8
		if len(s.TDI) < nb {
			return nil, fmt.Errorf("sequence %d: TDI data too short", i)
		}
		info := byte(s.Cycles & 0x3F) // 64 wraps to 0
		if s.TMS {
			info |= 0x40
		}
		if s.Capture {
			info |= 0x80
			captureBytes += nb
		}
		cmd = append(cmd, info)
		cmd = append(cmd, s.TDI[:nb]...)
	}

	resp, err := p.exec(cmd)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1+captureBytes || resp[0] != dap.StatusOK {
		return nil, fmt.Errorf("sequence failed (% x)", resp)
	}
	return resp[1 : 1+captureBytes], nil
}

// JTAGConfigure declares the IR lengths of the devices on the scan chain.
func (p *Probe) JTAGConfigure(irLengths []uint8) error {
	cmd := []byte{byte(dap.CmdJTAGConfigure), byte(len(irLengths))}
	cmd = append(cmd, irLengths...)
	return p.execCheckStatus(cmd)
}

// JTAGIDCODE reads the identification code of the device at index.
func (p *Probe) JTAGIDCODE(index uint8) (uint32, error) {
	resp, err := p.exec([]byte{byte(dap.CmdJTAGIDCODE), index})
	if err != nil {
		return 0, err
	}
	if len(resp) < 5 || resp[0] != dap.StatusOK {
		return 0, fmt.Errorf("idcode read failed")
	}
	return binary.LittleEndian.Uint32(resp[1:5]), nil
}

// TransferConfigure sets the probe's idle cycle, WAIT retry and match
// retry budgets.
func (p *Probe) TransferConfigure(idleCycles uint8, waitRetry, matchRetry uint16) error {
	cmd := []byte{byte(dap.CmdTransferConfigure), idleCycles, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(cmd[2:4], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:6], matchRetry)
	return p.execCheckStatus(cmd)
}

func requestByte(req TransferRequest) (b byte, hasData bool) {
	b = req.Reg & dap.ReqAddrMask
	if req.AP {
		b |= dap.ReqAPnDP
	}
	switch req.Op {
	case OpRead:
		b |= dap.ReqRnW
		return b, false
	case OpReadMatch:
		b |= dap.ReqRnW | dap.ReqMatchValue
	case OpWriteMask:
		b |= dap.ReqMatchMask
	case OpWrite:
	}
	return b, true
}

func (p *Probe) doTransfer(reqs []TransferRequest) (TransferStatus, []uint32, error) {
	cmd := []byte{byte(dap.CmdTransfer), 0, byte(len(reqs))}
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return 0, nil, fmt.Errorf("request %d: invalid register 0x%x", i, req.Reg)
		}
		b, hasData := requestByte(req)
		cmd = append(cmd, b)
		if hasData {
			cmd = binary.LittleEndian.AppendUint32(cmd, req.Data)
		}
	}

	resp, err := p.exec(cmd)
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 2 {
		return 0, nil, fmt.Errorf("transfer response too short")
	}
	done, st := resp[0], TransferStatus(resp[1])
	if !st.Ok() {
		return st, nil, fmt.Errorf("transfer failed (%d/%d done, %s)", done, len(reqs), st)
	}
	if int(done) != len(reqs) {
		return st, nil, fmt.Errorf("transfer incomplete (%d/%d done)", done, len(reqs))
	}

	var data []uint32
	body := resp[2:]
	for _, req := range reqs {
		if req.Op != OpRead {
			continue
		}
		if len(body) < 4 {
			return st, nil, fmt.Errorf("transfer response too short")
		}
		data = append(data, binary.LittleEndian.Uint32(body[:4]))
		body = body[4:]
	}
	return st, data, nil
}

// Transfer runs a batch of register operations, retrying the whole batch
// on WAIT. Read results come back in request order.
func (p *Probe) Transfer(reqs []TransferRequest) (TransferStatus, []uint32, error) {
	for i := 0; i < waitRetries; i++ {
		st, data, err := p.doTransfer(reqs)
		if err != nil && st.Wait() {
			p.log.Logf(common.SeverityDebug, "transfer wait, retry %d", i+1)
			continue
		}
		return st, data, err
	}
	return 0, nil, fmt.Errorf("transfer stuck on WAIT after %d retries", waitRetries)
}

// TransferBlockMaxWords returns the largest word count of a single
// TransferBlock against this probe's packet size.
func (p *Probe) TransferBlockMaxWords() int {
	const headerLen = 5 // id, index, count, request
	return (p.maxPacketSize - headerLen) / 4
}

// TransferBlockRead reads count words from a single register.
func (p *Probe) TransferBlockRead(ap bool, reg uint8, count int) ([]uint32, error) {
	if reg&3 != 0 {
		return nil, fmt.Errorf("invalid register 0x%x", reg)
	}
	if count > p.TransferBlockMaxWords() {
		return nil, fmt.Errorf("block too large (max %d words, got %d)",
			p.TransferBlockMaxWords(), count)
	}
	cmd := []byte{byte(dap.CmdTransferBlock), 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(cmd[2:4], uint16(count))
	b := reg&dap.ReqAddrMask | dap.ReqRnW
	if ap {
		b |= dap.ReqAPnDP
	}
	cmd[4] = b

	resp, err := p.exec(cmd)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, fmt.Errorf("block response too short")
	}
	done, st := binary.LittleEndian.Uint16(resp[0:2]), TransferStatus(resp[2])
	if !st.Ok() || int(done) != count {
		return nil, fmt.Errorf("block read failed (%d/%d done, %s)", done, count, st)
	}
	if len(resp) < 3+4*count {
		return nil, fmt.Errorf("block response too short")
	}
	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(resp[3+4*i:])
	}
	return words, nil
}

// TransferBlockWrite writes words to a single register.
func (p *Probe) TransferBlockWrite(ap bool, reg uint8, words []uint32) error {
	if reg&3 != 0 {
		return fmt.Errorf("invalid register 0x%x", reg)
	}
	if len(words) > p.TransferBlockMaxWords() {
		return fmt.Errorf("block too large (max %d words, got %d)",
			p.TransferBlockMaxWords(), len(words))
	}
	cmd := []byte{byte(dap.CmdTransferBlock), 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(cmd[2:4], uint16(len(words)))
	b := reg & dap.ReqAddrMask
	if ap {
		b |= dap.ReqAPnDP
	}
	cmd[4] = b
	for _, w := range words {
		cmd = binary.LittleEndian.AppendUint32(cmd, w)
	}

	resp, err := p.exec(cmd)
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return fmt.Errorf("block response too short")
	}
	done, st := binary.LittleEndian.Uint16(resp[0:2]), TransferStatus(resp[2])
	if !st.Ok() || int(done) != len(words) {
		return fmt.Errorf("block write failed (%d/%d done, %s)", done, len(words), st)
	}
	return nil
}
