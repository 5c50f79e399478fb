// Package printer formats CMSIS-DAP command and response packets for trace
// logs. One line per packet: direction, raw bytes, command name and a short
// decode of the interesting fields.
package printer

import (
	"encoding/binary"
	"fmt"
	"strings"

	"opendap/dap"
)

// FormatCommandLine formats a host-to-probe packet.
func FormatCommandLine(pkt []byte) string {
	if len(pkt) == 0 {
		return "> (empty)"
	}
	cmd := dap.Command(pkt[0])
	return fmt.Sprintf("> [%s] %s%s", formatHexBytes(pkt), cmd, commandDescription(pkt))
}

// FormatResponseLine formats a probe-to-host packet.
func FormatResponseLine(pkt []byte) string {
	if len(pkt) == 0 {
		return "< (empty)"
	}
	cmd := dap.Command(pkt[0])
	return fmt.Sprintf("< [%s] %s%s", formatHexBytes(pkt), cmd, responseDescription(pkt))
}

func formatHexBytes(data []byte) string {
	const max = 16
	n := len(data)
	trunc := ""
	if n > max {
		trunc = fmt.Sprintf(" +%d", n-max)
		n = max
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%02x", data[i])
	}
	return strings.Join(parts, " ") + trunc
}

func commandDescription(pkt []byte) string {
	switch dap.Command(pkt[0]) {
	case dap.CmdInfo:
		if len(pkt) > 1 {
			return fmt.Sprintf("; id=0x%02x", pkt[1])
		}
	case dap.CmdConnect:
		if len(pkt) > 1 {
			return fmt.Sprintf("; port=%d", pkt[1])
		}
	case dap.CmdTransfer:
		if len(pkt) > 2 {
			return fmt.Sprintf("; count=%d", pkt[2])
		}
	case dap.CmdTransferBlock:
		if len(pkt) > 4 {
			return fmt.Sprintf("; count=%d req=%s",
				binary.LittleEndian.Uint16(pkt[2:4]), transferRequest(pkt[4]))
		}
	case dap.CmdSWJClock:
		if len(pkt) > 4 {
			return fmt.Sprintf("; %dHz", binary.LittleEndian.Uint32(pkt[1:5]))
		}
	case dap.CmdSWJSequence:
		if len(pkt) > 1 {
			n := int(pkt[1])
			if n == 0 {
				n = 256
			}
			return fmt.Sprintf("; bits=%d", n)
		}
	case dap.CmdJTAGSequence:
		if len(pkt) > 1 {
			return fmt.Sprintf("; seqs=%d", pkt[1])
		}
	case dap.CmdWriteABORT:
		if len(pkt) > 5 {
			return fmt.Sprintf("; value=0x%08x", binary.LittleEndian.Uint32(pkt[2:6]))
		}
	}
	return ""
}

func responseDescription(pkt []byte) string {
	switch dap.Command(pkt[0]) {
	case dap.CmdInvalid:
		return ""
	case dap.CmdTransfer:
		if len(pkt) > 2 {
			return fmt.Sprintf("; done=%d status=%s", pkt[1], transferStatus(pkt[2]))
		}
	case dap.CmdTransferBlock:
		if len(pkt) > 3 {
			return fmt.Sprintf("; done=%d status=%s",
				binary.LittleEndian.Uint16(pkt[1:3]), transferStatus(pkt[3]))
		}
	default:
		if len(pkt) > 1 {
			return fmt.Sprintf("; status=0x%02x", pkt[1])
		}
	}
	return ""
}

// transferRequest decodes a transfer request byte.
func transferRequest(req byte) string {
	var b strings.Builder
	if req&dap.ReqAPnDP != 0 {
		b.WriteString("AP")
	} else {
		b.WriteString("DP")
	}
	fmt.Fprintf(&b, "[%d]", (req&dap.ReqAddrMask)>>dap.ReqAddrShift<<2)
	if req&dap.ReqRnW != 0 {
		b.WriteString(" R")
	} else {
		b.WriteString(" W")
	}
	if req&dap.ReqMatchValue != 0 {
		b.WriteString(" match")
	}
	if req&dap.ReqMatchMask != 0 {
		b.WriteString(" mask")
	}
	return b.String()
}

// transferStatus decodes a transfer response status byte.
func transferStatus(status byte) string {
	var parts []string
	switch status & dap.StatusAckMask {
	case 0b001:
		parts = append(parts, "OK")
	case 0b010:
		parts = append(parts, "WAIT")
	case 0b100:
		parts = append(parts, "FAULT")
	default:
		parts = append(parts, fmt.Sprintf("ACK=%d", status&dap.StatusAckMask))
	}
	if status&dap.StatusProtocolError != 0 {
		parts = append(parts, "PROTERR")
	}
	if status&dap.StatusMismatch != 0 {
		parts = append(parts, "MISMATCH")
	}
	return strings.Join(parts, "|")
}
