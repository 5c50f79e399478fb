package engine

import "opendap/dap"

// scratchWords is sized so a maximum response packet of read data always
// fits without spilling.
const scratchWords = dap.V2MaxPacketSize / 4

// scratch buffers words read during a transfer batch until the response
// header, which carries the completed count, is known.
type scratch struct {
	buf [scratchWords]uint32
	n   int
}

func (s *scratch) reset() { s.n = 0 }

func (s *scratch) len() int { return s.n }

// push appends w. Writes beyond capacity are dropped; the engine bounds
// its batch sizes so this does not happen in practice.
func (s *scratch) push(w uint32) {
	if s.n < len(s.buf) {
		s.buf[s.n] = w
		s.n++
	}
}

func (s *scratch) at(i int) uint32 { return s.buf[i] }
