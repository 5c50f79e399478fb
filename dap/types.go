// Package dap defines the CMSIS-DAP wire protocol constants shared by the
// command engine and the host client: command identifiers, info identifiers,
// transfer request/response bit fields and framing limits.
package dap

// Command is a CMSIS-DAP command identifier, the first byte of every packet.
type Command uint8

const (
	CmdInfo              Command = 0x00
	CmdHostStatus        Command = 0x01
	CmdConnect           Command = 0x02
	CmdDisconnect        Command = 0x03
	CmdTransferConfigure Command = 0x04
	CmdTransfer          Command = 0x05
	CmdTransferBlock     Command = 0x06
	CmdTransferAbort     Command = 0x07
	CmdWriteABORT        Command = 0x08
	CmdDelay             Command = 0x09
	CmdResetTarget       Command = 0x0A
	CmdSWJPins           Command = 0x10
	CmdSWJClock          Command = 0x11
	CmdSWJSequence       Command = 0x12
	CmdSWDConfigure      Command = 0x13
	CmdJTAGSequence      Command = 0x14
	CmdJTAGConfigure     Command = 0x15
	CmdJTAGIDCODE        Command = 0x16
	CmdSWOTransport      Command = 0x17
	CmdSWOMode           Command = 0x18
	CmdSWOBaudrate       Command = 0x19
	CmdSWOControl        Command = 0x1A
	CmdSWOStatus         Command = 0x1B
	CmdSWOData           Command = 0x1C
	CmdSWDSequence       Command = 0x1D
	CmdSWOExtendedStatus Command = 0x1E
	CmdQueueCommands     Command = 0x7E
	CmdExecuteCommands   Command = 0x7F

	// CmdInvalid is the response marker for unrecognized or malformed packets.
	CmdInvalid Command = 0xFF
)

func (c Command) String() string {
	switch c {
	case CmdInfo:
		return "DAP_Info"
	case CmdHostStatus:
		return "DAP_HostStatus"
	case CmdConnect:
		return "DAP_Connect"
	case CmdDisconnect:
		return "DAP_Disconnect"
	case CmdTransferConfigure:
		return "DAP_TransferConfigure"
	case CmdTransfer:
		return "DAP_Transfer"
	case CmdTransferBlock:
		return "DAP_TransferBlock"
	case CmdTransferAbort:
		return "DAP_TransferAbort"
	case CmdWriteABORT:
		return "DAP_WriteABORT"
	case CmdDelay:
		return "DAP_Delay"
	case CmdResetTarget:
		return "DAP_ResetTarget"
	case CmdSWJPins:
		return "DAP_SWJ_Pins"
	case CmdSWJClock:
		return "DAP_SWJ_Clock"
	case CmdSWJSequence:
		return "DAP_SWJ_Sequence"
	case CmdSWDConfigure:
		return "DAP_SWD_Configure"
	case CmdJTAGSequence:
		return "DAP_JTAG_Sequence"
	case CmdJTAGConfigure:
		return "DAP_JTAG_Configure"
	case CmdJTAGIDCODE:
		return "DAP_JTAG_IDCODE"
	case CmdSWOTransport:
		return "DAP_SWO_Transport"
	case CmdSWOMode:
		return "DAP_SWO_Mode"
	case CmdSWOBaudrate:
		return "DAP_SWO_Baudrate"
	case CmdSWOControl:
		return "DAP_SWO_Control"
	case CmdSWOStatus:
		return "DAP_SWO_Status"
	case CmdSWOData:
		return "DAP_SWO_Data"
	case CmdSWDSequence:
		return "DAP_SWD_Sequence"
	case CmdSWOExtendedStatus:
		return "DAP_SWO_ExtendedStatus"
	case CmdQueueCommands:
		return "DAP_QueueCommands"
	case CmdExecuteCommands:
		return "DAP_ExecuteCommands"
	case CmdInvalid:
		return "DAP_Invalid"
	default:
		return "UNKNOWN"
	}
}

// InfoID selects the item reported by DAP_Info.
type InfoID uint8

const (
	InfoVendorID           InfoID = 0x01
	InfoProductID          InfoID = 0x02
	InfoSerialNumber       InfoID = 0x03
	InfoProtocolVersion    InfoID = 0x04 // CMSIS-DAP protocol version string
	InfoTargetDeviceVendor InfoID = 0x05
	InfoTargetDeviceName   InfoID = 0x06
	InfoTargetBoardVendor  InfoID = 0x07
	InfoTargetBoardName    InfoID = 0x08
	InfoFirmwareVersion    InfoID = 0x09 // product firmware version string
	InfoCapabilities       InfoID = 0xF0
	InfoTestDomainTimer    InfoID = 0xF1
	InfoSWOTraceBufferSize InfoID = 0xFD
	InfoMaxPacketCount     InfoID = 0xFE
	InfoMaxPacketSize      InfoID = 0xFF
)

// Capability bit positions reported by InfoCapabilities.
const (
	CapSWD  = 0
	CapJTAG = 1
)

// Fixed configuration reported by DAP_Info.
const (
	Capabilities          = 0x03 // SWD and JTAG
	ProtocolVersionString = "2.1.0"
	FirmwareVersionString = "1.00"
	TestDomainTimerFreq   = 0x3B9ACA00 // 1us resolution timer
	MaxPacketCount        = 1
)

// Version is the packet framing variant, fixed for the life of a connection.
type Version int

const (
	// V1 frames every response as a fixed 64 byte packet, zero padded.
	V1 Version = iota + 1
	// V2 frames responses as variable length packets with an end marker.
	V2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "V1"
	case V2:
		return "V2"
	default:
		return "UNKNOWN"
	}
}

// MaxPacketSize returns the packet size limit for the framing variant.
func (v Version) MaxPacketSize() int {
	if v == V2 {
		return V2MaxPacketSize
	}
	return V1MaxPacketSize
}

const (
	V1MaxPacketSize = 64
	V2MaxPacketSize = 511
)

// Connect port selectors.
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2

	// ConnectDefault is the port substituted for PortDefault.
	ConnectDefault = PortSWD
)

// Host status types set by DAP_HostStatus.
const (
	HostStatusConnect = 0
	HostStatusRunning = 1
)

// Transfer request byte bit fields (DAP_Transfer, DAP_TransferBlock).
const (
	ReqAPnDP      = 1 << 0 // AP register when set, DP otherwise
	ReqRnW        = 1 << 1 // read when set, write otherwise
	ReqAddrShift  = 2      // bits 2..3 carry register address A[3:2]
	ReqAddrMask   = 0x0C
	ReqMatchValue = 1 << 4 // read repeated until (data & mask) == value
	ReqMatchMask  = 1 << 5 // data word updates the match mask register
)

// RDBUFFRequest reads the DP RDBUFF register, flushing a posted transfer.
const RDBUFFRequest = 0x0E

// Transfer response status byte bit fields. The low three bits carry the
// bus ack code.
const (
	StatusAckMask       = 0x07
	StatusProtocolError = 1 << 3
	StatusMismatch      = 1 << 4 // match-read retry budget exhausted
)

// Simple command status bytes.
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// SWJ/JTAG raw pin bit positions (low byte of the pin word; the high byte
// selects which pins are driven).
const (
	PinSWCLK  = 0 // SWCLK/TCK
	PinSWDIO  = 1 // SWDIO/TMS
	PinTDI    = 2
	PinTDO    = 3
	PinNTRST  = 5
	PinNReset = 7
)
