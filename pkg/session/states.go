package session

import (
	"context"
	"errors"
	"fmt"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/options"
)

func (s *Session) stateNeedInit(ctx context.Context) {
	// A request that already failed parsing goes straight to the
	// error reply
	if s.slot.Armed() {
		s.setState(StateErrorAndStop)
		return
	}
	if err := s.src.Open(ctx); err != nil {
		// The source reported into the slot; make sure something is
		// armed even if it did not
		s.setError(tftpfw.ErrCodeUndefined, err.Error())
		s.setState(StateErrorAndStop)
		return
	}
	// On a read the server answers a tsize probe with the real size
	if s.role == RoleServer && s.opts.Request == options.RequestRead && s.opts.WasSetTsize() {
		s.opts.SetTsize(int(s.src.Size()))
	}
	s.setState(StateRequest)
}

func (s *Session) stateRequest() {
	switch s.role {
	case RoleServer:
		if s.opts.WasSetAny() {
			s.setState(StateAckOptions)
			return
		}
		if s.opts.Request == options.RequestRead {
			s.setState(StateDataTx)
		} else {
			// ACK of block 0 opens a write with no negotiation
			s.setState(StateAckTx)
		}

	case RoleClient:
		op := tftpfw.OpRRQ
		if s.opts.Request == options.RequestWrite {
			op = tftpfw.OpWRQ
		}
		req := &tftpfw.Request{
			Opcode:   op,
			Filename: s.opts.Filename,
			Mode:     s.opts.Mode.String(),
			Options:  s.opts.OfferedPairs(),
		}
		if err := s.sendPacket(req); err != nil {
			s.setError(tftpfw.ErrCodeUndefined, err.Error())
			s.setState(StateErrorAndStop)
			return
		}
		if s.opts.WasSetAny() {
			s.waitState = StateAckOptions
			s.setState(StateAckOptions)
			return
		}
		if s.opts.Request == options.RequestRead {
			s.waitState = StateDataRx
			s.setState(StateDataRx)
		} else {
			s.awaitAck0 = true
			s.waitState = StateAckRx
			s.setState(StateAckRx)
		}
	}
}

func (s *Session) stateAckOptions(ctx context.Context) {
	switch s.role {
	case RoleServer:
		oack := &tftpfw.OptionAck{Options: s.opts.AcceptedPairs()}
		s.logger.Info("sending OACK", "options", len(oack.Options))
		if err := s.sendPacket(oack); err != nil {
			s.setError(tftpfw.ErrCodeUndefined, err.Error())
			s.setState(StateErrorAndStop)
			return
		}
		if s.opts.Request == options.RequestRead {
			// The peer confirms the OACK with ACK of block 0
			s.awaitAck0 = true
			s.waitState = StateAckRx
			s.setState(StateAckRx)
		} else {
			s.waitState = StateDataRx
			s.setState(StateDataRx)
		}

	case RoleClient:
		pkt, err := s.receive(ctx)
		if err != nil {
			s.handleReceiveError(err)
			return
		}
		switch p := pkt.(type) {
		case *tftpfw.OptionAck:
			if err := s.opts.ApplyOACK(p, s.logger); err != nil {
				s.logger.Error("option negotiation failed", "err", err)
				s.setError(tftpfw.ErrCodeOptionNegotiation, err.Error())
				s.setState(StateErrorAndStop)
				return
			}
			s.retries = 0
			if s.opts.Request == options.RequestRead {
				// ACK block 0 confirms the OACK
				s.waitState = StateDataRx
				s.setState(StateAckTx)
			} else {
				s.setState(StateDataTx)
			}
		case *tftpfw.Data:
			// Server ignored the offered options : classic transfer
			s.logger.Info("server ignored options, reverting to defaults")
			s.opts.RevertToDefaults()
			s.retries = 0
			s.pending = p
			s.waitState = StateDataRx
			s.setState(StateDataRx)
		case *tftpfw.Ack:
			s.logger.Info("server ignored options, reverting to defaults")
			s.opts.RevertToDefaults()
			s.retries = 0
			if p.Block == 0 && s.opts.Request == options.RequestWrite {
				s.setState(StateDataTx)
				return
			}
			s.logger.Warn("unexpected ACK while awaiting OACK", "block", p.Block)
			s.setState(StateAckOptions)
		case *tftpfw.Error:
			s.peerError(p)
		default:
			s.logger.Warn("ignoring unexpected packet", "opcode", pkt.Op())
			s.setState(StateAckOptions)
		}
	}
}

// stateDataTx transmits one window of DATA packets, or re-sends the
// recorded burst after a timeout
func (s *Session) stateDataTx() {
	if s.resend {
		s.resend = false
		if err := s.sendRaw(s.lastTx); err != nil {
			s.setError(tftpfw.ErrCodeUndefined, err.Error())
			s.setState(StateErrorAndStop)
			return
		}
		s.setState(StateAckRx)
		return
	}

	blksize := s.opts.Blksize()
	window := s.opts.Windowsize()
	s.lastTx = s.lastTx[:0]
	s.inFlight = 0
	payload := 0

	for i := 0; i < window; i++ {
		blk := s.acked + 1 + uint64(i)
		buf := make([]byte, blksize)
		off := int64(blk-1) * int64(blksize)
		n, err := s.src.ReadAt(buf, off)
		if err != nil {
			s.setError(tftpfw.ErrCodeUndefined, fmt.Sprintf("Failed to prepare data: %v", err))
			s.setState(StateErrorAndStop)
			return
		}
		data := &tftpfw.Data{Block: uint16(blk), Payload: buf[:n]}
		b, err := data.MarshalBinary()
		if err != nil {
			s.setError(tftpfw.ErrCodeUndefined, err.Error())
			s.setState(StateErrorAndStop)
			return
		}
		s.lastTx = append(s.lastTx, b)
		s.inFlight++
		payload += n
		if n < blksize {
			s.lastBlock = blk
			s.logger.Debug("built final block", "block", blk, "size", n)
			break
		}
	}

	if err := s.sendRaw(s.lastTx); err != nil {
		s.setError(tftpfw.ErrCodeUndefined, err.Error())
		s.setState(StateErrorAndStop)
		return
	}
	s.metr.AddTx(payload)
	s.setState(StateAckRx)
}

// stateAckRx waits for the peer to acknowledge the outstanding window
func (s *Session) stateAckRx(ctx context.Context) {
	s.waitState = StateAckRx
	pkt, err := s.receive(ctx)
	if err != nil {
		s.handleReceiveError(err)
		return
	}

	switch p := pkt.(type) {
	case *tftpfw.Ack:
		if s.awaitAck0 {
			if full := reconstructBlock(0, p.Block); full == 0 {
				s.logger.Debug("options acknowledged")
				s.awaitAck0 = false
				s.retries = 0
				s.setState(StateDataTx)
				return
			}
			s.logger.Warn("expected ACK of block 0", "block", p.Block)
			s.setState(StateAckRx)
			return
		}

		full := reconstructBlock(s.acked, p.Block)
		switch {
		case full > s.acked && full <= s.acked+uint64(s.inFlight):
			s.logger.Debug("window acknowledged", "block", full)
			s.acked = full
			s.retries = 0
			if s.lastBlock != 0 && s.acked == s.lastBlock {
				s.logger.Info("transfer complete", "blocks", s.lastBlock)
				s.setState(StateFinish)
				return
			}
			s.setState(StateDataTx)
		case full == s.acked:
			// Duplicate of an already processed ACK
			s.logger.Warn("ignoring duplicate ACK", "block", p.Block)
			s.setState(StateAckRx)
		default:
			s.logger.Error("ACK out of window", "block", p.Block, "acked", s.acked)
			s.setError(tftpfw.ErrCodeUndefined, "Block number out of window")
			s.setState(StateErrorAndStop)
		}

	case *tftpfw.Error:
		s.peerError(p)

	default:
		s.logger.Warn("ignoring unexpected packet", "opcode", pkt.Op())
		s.setState(StateAckRx)
	}
}

// stateDataRx waits for the next DATA packet of the inbound window
func (s *Session) stateDataRx(ctx context.Context) {
	s.waitState = StateDataRx

	var pkt tftpfw.Packet
	if s.pending != nil {
		pkt = s.pending
		s.pending = nil
	} else {
		var err error
		pkt, err = s.receive(ctx)
		if err != nil {
			s.handleReceiveError(err)
			return
		}
	}

	switch p := pkt.(type) {
	case *tftpfw.Data:
		blksize := s.opts.Blksize()
		window := uint64(s.opts.Windowsize())
		full := reconstructBlock(s.recvd+1, p.Block)

		switch {
		case full == s.recvd+1:
			off := int64(full-1) * int64(blksize)
			if _, err := s.src.WriteAt(p.Payload, off); err != nil {
				s.setError(tftpfw.ErrCodeUndefined, fmt.Sprintf("Failed to store data: %v", err))
				s.setState(StateErrorAndStop)
				return
			}
			s.metr.AddRx(len(p.Payload))
			s.recvd = full
			s.retries = 0
			if len(p.Payload) < blksize {
				s.lastBlock = full
				s.logger.Debug("received final block", "block", full, "size", len(p.Payload))
				s.setState(StateAckTx)
				return
			}
			if s.recvd-s.lastAcked >= window {
				s.setState(StateAckTx)
				return
			}
			s.setState(StateDataRx)

		case full <= s.recvd && s.recvd-full < window:
			// Retransmitted block from a window whose ACK was lost :
			// answer with the current cumulative ACK
			s.logger.Warn("duplicate block, re-acknowledging", "block", p.Block)
			s.setState(StateAckTx)

		case full > s.recvd+1 && full <= s.recvd+window:
			// A hole in the window; drop and let the sender time out
			s.logger.Warn("out of order block dropped", "block", p.Block, "expected", s.recvd+1)
			s.setState(StateDataRx)

		default:
			s.logger.Error("DATA out of window", "block", p.Block, "recvd", s.recvd)
			s.setError(tftpfw.ErrCodeUndefined, "Block number out of window")
			s.setState(StateErrorAndStop)
		}

	case *tftpfw.Error:
		s.peerError(p)

	default:
		s.logger.Warn("ignoring unexpected packet", "opcode", pkt.Op())
		s.setState(StateDataRx)
	}
}

// stateAckTx sends the cumulative ACK for the highest contiguous
// block received (block 0 before any data)
func (s *Session) stateAckTx() {
	if s.resend {
		s.resend = false
		if err := s.sendRaw(s.lastTx); err != nil {
			s.setError(tftpfw.ErrCodeUndefined, err.Error())
			s.setState(StateErrorAndStop)
			return
		}
		s.setState(s.waitState)
		return
	}

	ack := &tftpfw.Ack{Block: uint16(s.recvd)}
	if err := s.sendPacket(ack); err != nil {
		s.setError(tftpfw.ErrCodeUndefined, err.Error())
		s.setState(StateErrorAndStop)
		return
	}
	s.lastAcked = s.recvd

	if s.lastBlock != 0 && s.recvd == s.lastBlock {
		s.logger.Info("transfer complete", "blocks", s.lastBlock)
		s.setState(StateFinish)
		return
	}
	s.setState(StateDataRx)
}

// stateRetransmit re-sends the last burst unless the cap is exceeded
func (s *Session) stateRetransmit() {
	s.retries++
	if s.retries > s.retransmitCap {
		s.logger.Error("retransmit count exceeded", "cap", s.retransmitCap)
		s.setError(tftpfw.ErrCodeUndefined, "Retransmit count exceeded")
		s.setState(StateErrorAndStop)
		return
	}
	s.logger.Warn("timeout, retransmitting", "try", s.retries, "cap", s.retransmitCap)
	s.metr.Retransmit()
	s.resend = true
	if s.waitState == StateAckRx {
		s.setState(StateDataTx)
	} else {
		s.setState(StateAckTx)
	}
}

// stateErrorAndStop puts the sticky error on the wire, best effort,
// and finishes
func (s *Session) stateErrorAndStop() {
	e := s.slot.Get()
	if e == nil {
		e = &tftpfw.Error{Code: tftpfw.ErrCodeUndefined, Msg: "Undefined error"}
	}
	s.logger.Error("terminating with error", "code", uint16(e.Code), "msg", e.Msg)
	if b, err := e.MarshalBinary(); err == nil {
		s.sendRaw([][]byte{b})
	}
	s.failed = true
	s.setState(StateFinish)
}

// handleReceiveError routes the three receive outcomes : cooperative
// stop, timeout (retransmission) and transport failure
func (s *Session) handleReceiveError(err error) {
	switch {
	case errors.Is(err, errStopped):
		s.state = StateFinish
	case errors.Is(err, errTimeout):
		s.setState(StateRetransmit)
	default:
		if !s.slot.Armed() {
			s.setError(tftpfw.ErrCodeUndefined, err.Error())
		}
		s.setState(StateErrorAndStop)
	}
}

// peerError handles an ERROR packet from the peer : the session fails
// without sending anything back
func (s *Session) peerError(e *tftpfw.Error) {
	s.logger.Error("peer reported error", "code", uint16(e.Code), "msg", e.Msg)
	s.failed = true
	s.peerErr = e
	s.state = StateFinish
}
