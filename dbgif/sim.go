package dbgif

import (
	"sync"

	"github.com/boljen/go-bitmap"
)

// simTraceBits is the capacity of the simulator's pin trace.
const simTraceBits = 1 << 14

// Sim is a software transactor implementing Driver against an in-memory
// register file. It is used by tests and by the demo server; it answers
// every operation immediately with AckOK unless scripted otherwise.
type Sim struct {
	mu sync.Mutex

	dp [4]uint32
	ap [4]uint32

	pins   uint16
	idcode uint32
	clock  uint32

	// EchoTDI loops the driven TDI value back on TDO, so JTAG sequence
	// captures return the data that was shifted out.
	EchoTDI bool

	// Posted makes every transaction report posted mode, forcing the
	// engine's trailing RDBUFF flush.
	Posted bool

	acks []Ack // popped one per OpTransact; empty means AckOK

	trace  bitmap.Bitmap // SWDIO/TMS value at each rising clock edge
	ntrace int
}

// NewSim returns a simulator with an all-zero register file.
func NewSim() *Sim {
	return &Sim{
		idcode: 0x4BA00477, // Cortex-M4 DAP
		trace:  bitmap.New(simTraceBits),
	}
}

// SetIDCode sets the value reported by OpJTAGGetID.
func (s *Sim) SetIDCode(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idcode = id
}

// ScriptAcks queues ack codes returned by subsequent transactions.
func (s *Sim) ScriptAcks(acks ...Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, acks...)
}

// Reg returns a DP or AP register value.
func (s *Sim) Reg(ap bool, addr uint8) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ap {
		return s.ap[addr&3]
	}
	return s.dp[addr&3]
}

// SetReg sets a DP or AP register value.
func (s *Sim) SetReg(ap bool, addr uint8, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ap {
		s.ap[addr&3] = v
	} else {
		s.dp[addr&3] = v
	}
}

// Pins returns the current raw pin state.
func (s *Sim) Pins() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins
}

// TraceBit reports the SWDIO/TMS value recorded at rising clock edge i and
// the number of edges recorded so far.
func (s *Sim) TraceBit(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace.Get(i)
}

// TraceLen returns the number of rising clock edges recorded.
func (s *Sim) TraceLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ntrace
}

// Submit implements Driver. Operations complete immediately.
func (s *Sim) Submit(req Request) <-chan Result {
	ch := make(chan Result, 1)
	s.mu.Lock()
	ch <- s.execute(req)
	s.mu.Unlock()
	return ch
}

func (s *Sim) execute(req Request) Result {
	res := Result{Ack: AckOK}
	switch req.Op {
	case OpTransact:
		if len(s.acks) > 0 {
			res.Ack = s.acks[0]
			s.acks = s.acks[1:]
		}
		res.Posted = s.Posted
		if res.Ack != AckOK {
			return res
		}
		if req.RnW {
			if req.APnDP {
				res.Data = s.ap[req.Addr&3]
			} else {
				res.Data = s.dp[req.Addr&3]
			}
		} else {
			res.IgnoreData = true
			if req.APnDP {
				s.ap[req.Addr&3] = req.Data
			} else {
				s.dp[req.Addr&3] = req.Data
			}
		}

	case OpPinsWrite:
		mask := req.Pins >> 8
		wasLow := s.pins&(1<<0) == 0
		s.pins = s.pins&^mask | req.Pins&0xFF&mask
		if s.EchoTDI {
			s.pins = s.pins&^(1<<3) | (s.pins>>2&1)<<3
		}
		if wasLow && s.pins&(1<<0) != 0 && s.ntrace < simTraceBits {
			// rising clock edge: record the data line
			s.trace.Set(s.ntrace, s.pins&(1<<1) != 0)
			s.ntrace++
		}
		res.Pins = s.pins

	case OpJTAGGetID:
		res.Data = s.idcode

	case OpSetClock:
		s.clock = req.Data
	}
	return res
}
