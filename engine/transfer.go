package engine

import (
	"context"
	"encoding/binary"

	"opendap/common"
	"opendap/dap"
	"opendap/dbgif"
)

// xferOutcome classifies how a single transfer finished.
type xferOutcome int

const (
	xferOK xferOutcome = iota
	xferAbortWait
	xferAbortFault
	xferAbortMatch
)

// transferOne runs one transfer operation to completion, retrying WAIT
// acks and match reads within their configured budgets. The status byte
// of the response is maintained at tx[statusAt]. Read data, when the
// completion says it is to be kept, lands in the scratch store.
func (e *Engine) transferOne(ctx context.Context, req byte, data uint32, statusAt int) (posted bool, outcome xferOutcome, err error) {
	match := req&dap.ReqMatchValue != 0
	rnw := req&dap.ReqRnW != 0

	var waits, tries uint16
	for {
		res, execErr := e.exec(ctx, dbgif.Request{
			Op:    dbgif.OpTransact,
			APnDP: req&dap.ReqAPnDP != 0,
			RnW:   rnw,
			Addr:  (req & dap.ReqAddrMask) >> dap.ReqAddrShift,
			Data:  data,
		})
		if execErr != nil {
			return false, xferOK, execErr
		}
		posted = res.Posted

		status := byte(res.Ack) & dap.StatusAckMask
		if res.Err {
			status |= dap.StatusProtocolError
		}
		e.tx[statusAt] = status

		if res.Err {
			e.log.Logf(common.SeverityDebug, "transfer abort: %s", statusString(status))
			return posted, xferAbortFault, nil
		}
		switch res.Ack {
		case dbgif.AckWait:
			if waits >= e.waitRetry {
				return posted, xferAbortWait, nil
			}
			waits++
			continue
		case dbgif.AckOK:
		default:
			return posted, xferAbortFault, nil
		}

		if res.Again {
			// Completion asks for the same operation once more; the
			// returned word is kept regardless of direction.
			e.ram.push(res.Data)
			continue
		}
		if match {
			// The requested value is compared unmasked: bits outside
			// the mask can never match and exhaust the retry budget.
			if res.Data&e.matchMask == data {
				return posted, xferOK, nil
			}
			if tries >= e.matchRetry {
				e.tx[statusAt] |= dap.StatusMismatch
				return posted, xferAbortMatch, nil
			}
			tries++
			continue
		}
		if rnw && !res.IgnoreData {
			e.ram.push(res.Data)
		}
		return posted, xferOK, nil
	}
}

// flushPosted issues the trailing RDBUFF read that lands the final word of
// a posted read run.
func (e *Engine) flushPosted(ctx context.Context, statusAt int) (xferOutcome, error) {
	_, outcome, err := e.transferOne(ctx, dap.RDBUFFRequest, 0, statusAt)
	return outcome, err
}

// drainScratch emits the first hdrLen inline bytes followed by the scratch
// words, little endian, as one response packet.
func (e *Engine) drainScratch(ctx context.Context, hdrLen int) error {
	total := hdrLen + 4*e.ram.len()
	for i := 0; i < hdrLen; i++ {
		if err := e.emit(ctx, e.tx[i], total == hdrLen && i == hdrLen-1); err != nil {
			return err
		}
	}
	sent := hdrLen
	for i := 0; i < e.ram.len(); i++ {
		w := e.ram.at(i)
		for s := 0; s < 4; s++ {
			sent++
			if err := e.emit(ctx, byte(w>>(8*uint(s))), sent == total); err != nil {
				return err
			}
		}
	}
	return e.padV1(ctx)
}

// cmdTransfer handles DAP_Transfer: a run of individually described
// read/write/match operations against DP and AP registers.
func (e *Engine) cmdTransfer(ctx context.Context) error {
	// rx[1] is the device index, unused on a single-device probe.
	remaining := int(e.rx[2])
	e.ram.reset()
	e.tx[1] = 0 // completed count
	e.tx[2] = 0 // status of last operation

	if remaining == 0 {
		e.tx[2] = byte(dbgif.AckOK)
		e.txLen = 3
		return e.respond(ctx)
	}

	outcome := xferOK
	posted := false
	for remaining > 0 {
		req, err := e.readBody(ctx)
		if err != nil {
			return err
		}
		remaining--

		if req&dap.ReqMatchMask != 0 {
			// Match mask update is local to the engine: count it as
			// completed without touching the wire.
			mask, err := e.readWord(ctx)
			if err != nil {
				return err
			}
			e.matchMask = mask
			e.tx[1]++
			continue
		}

		var data uint32
		if req&dap.ReqRnW == 0 || req&dap.ReqMatchValue != 0 {
			if data, err = e.readWord(ctx); err != nil {
				return err
			}
		}

		posted, outcome, err = e.transferOne(ctx, req, data, 2)
		if err != nil {
			return err
		}
		if outcome != xferOK {
			break
		}
		e.tx[1]++
	}

	if posted && (outcome == xferOK || outcome == xferAbortFault) {
		if _, err := e.flushPosted(ctx, 2); err != nil {
			return err
		}
	}
	return e.drainScratch(ctx, 3)
}

// cmdTransferBlock handles DAP_TransferBlock: a word count and a single
// request byte, then data for writes; reads accumulate in scratch.
func (e *Engine) cmdTransferBlock(ctx context.Context) error {
	count := int(binary.LittleEndian.Uint16(e.rx[2:4]))
	req := e.rx[4] &^ (dap.ReqMatchValue | dap.ReqMatchMask)
	rnw := req&dap.ReqRnW != 0

	e.ram.reset()
	e.tx[1] = 0
	e.tx[2] = 0
	e.tx[3] = 0 // status of last operation

	if count == 0 {
		// The count field answers with its preload for an empty batch.
		e.tx[1] = 1
		e.txLen = 4
		return e.respond(ctx)
	}

	completed := 0
	outcome := xferOK
	posted := false
	for i := 0; i < count; i++ {
		var data uint32
		if !rnw {
			var err error
			if data, err = e.readWord(ctx); err != nil {
				return err
			}
		}
		var err error
		posted, outcome, err = e.transferOne(ctx, req, data, 3)
		if err != nil {
			return err
		}
		if outcome != xferOK {
			break
		}
		completed++
	}

	if posted && (outcome == xferOK || outcome == xferAbortFault) {
		if _, err := e.flushPosted(ctx, 3); err != nil {
			return err
		}
	}

	binary.LittleEndian.PutUint16(e.tx[1:3], uint16(completed))
	return e.drainScratch(ctx, 4)
}
