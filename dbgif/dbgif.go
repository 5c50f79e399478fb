// Package dbgif defines the contract between the CMSIS-DAP command engine
// and the SWD/JTAG electrical transactor beneath it. The engine fills a
// Request and submits it; completion is delivered exactly once on the
// returned channel. The channel is the completion edge of the underlying
// go/done handshake, so fast completions cannot be missed by polling.
package dbgif

// Op is a transactor operation code.
type Op uint8

const (
	OpReset Op = iota
	OpPinsWrite
	OpTransact
	OpSetSWD
	OpSetJTAG
	OpSetSWJ
	OpSetJTAGConfig
	OpSetClock
	OpSetSWDConfig
	OpWait
	OpClearError
	OpSetResetTimer
	OpSetTransferConfig
	OpJTAGGetID
	OpJTAGReset
)

func (o Op) String() string {
	switch o {
	case OpReset:
		return "RESET"
	case OpPinsWrite:
		return "PINS_WRITE"
	case OpTransact:
		return "TRANSACT"
	case OpSetSWD:
		return "SET_SWD"
	case OpSetJTAG:
		return "SET_JTAG"
	case OpSetSWJ:
		return "SET_SWJ"
	case OpSetJTAGConfig:
		return "SET_JTAG_CFG"
	case OpSetClock:
		return "SET_CLK"
	case OpSetSWDConfig:
		return "SET_SWD_CFG"
	case OpWait:
		return "WAIT"
	case OpClearError:
		return "CLR_ERR"
	case OpSetResetTimer:
		return "SET_RST_TMR"
	case OpSetTransferConfig:
		return "SET_TFR_CFG"
	case OpJTAGGetID:
		return "JTAG_GET_ID"
	case OpJTAGReset:
		return "JTAG_RESET"
	default:
		return "UNKNOWN"
	}
}

// Ack is the three bit bus acknowledge code of a transaction.
type Ack uint8

const (
	AckOK    Ack = 0b001
	AckWait  Ack = 0b010
	AckFault Ack = 0b100
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// Request carries the operand registers of one transactor operation.
type Request struct {
	Op    Op
	APnDP bool   // AP register when true, DP otherwise (OpTransact)
	RnW   bool   // read when true (OpTransact)
	Addr  uint8  // register address A[3:2] (OpTransact)
	Data  uint32 // write data or operation operand
	Pins  uint16 // raw pin values (low byte) and drive mask (high byte)
}

// Result carries the result registers of a completed operation.
type Result struct {
	Data       uint32 // read data
	Ack        Ack
	Err        bool   // sticky protocol/parity fault
	Again      bool   // the identical request must be reissued
	Posted     bool   // a read is pipelined one transaction behind
	IgnoreData bool   // Data is undefined (writes)
	Pins       uint16 // raw pin readback
}

// Driver executes transactor operations. Submit starts one operation and
// returns a channel delivering exactly one Result when it completes. At most
// one operation may be outstanding: callers must receive the completion
// before submitting again.
type Driver interface {
	Submit(Request) <-chan Result
}
