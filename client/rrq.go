package client

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/options"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/transport"
)

// HandleDatagram processes one datagram received on the unicast or the
// multicast channel. Datagrams that do not belong to the transfer are
// dropped silently. The returned error is the reason the session ended.
func (s *Session) HandleDatagram(d transport.Datagram) error {
	if s.Done() {
		return s.err
	}
	if s.state == Idle {
		return fmt.Errorf("session not started: %w", core.ErrInvalidParameter)
	}
	if d.Err != nil {
		return s.fail(d.Err)
	}
	if d.From == nil || !d.From.IP.Equal(s.server.IP) {
		return nil
	}
	// the server answers from the port of the transfer, the first reply
	// tells us which one it is
	if d.From.Port != s.dataPort {
		if s.dataPort != 0 {
			return nil
		}
		s.dataPort = d.From.Port
	}
	if len(d.Data) < messages.OpcodeLen {
		return nil
	}

	op := binary.BigEndian.Uint16(d.Data[0:2])
	if op == messages.DATA_t &&
		(len(d.Data) > messages.DataHeaderLen+int(s.blkSize) || len(d.Data) < messages.DataHeaderLen) {
		return nil
	}

	msg, err := messages.Parse(d.Data)
	if err != nil {
		if op == messages.OACK_t {
			s.sendError(messages.IllegalOperation, "Mal-formated OACK packet")
			return s.fail(fmt.Errorf("error while parsing OACK: %w", err))
		}
		return nil
	}

	// DATA is checked after it has been deduplicated
	if s.cfg.CheckPacket != nil && (op == messages.OACK_t || op == messages.ERROR_t) {
		if err := s.cfg.CheckPacket(msg); err != nil {
			if op != messages.ERROR_t {
				s.sendError(messages.RequestDenied, "User aborted the transfer")
			}
			return s.fail(fmt.Errorf("packet rejected: %v: %w", err, core.ErrAborted))
		}
	}

	switch m := msg.(type) {
	case *messages.Data:
		return s.handleData(m)
	case *messages.OACK:
		return s.handleOack(m)
	case *messages.Error:
		return s.fail(&core.TftpError{Code: m.Code, Message: m.Message})
	}
	return nil
}

func (s *Session) handleData(m *messages.Data) error {
	expected, ok := s.blocks.NextExpectedBlock()
	if !ok {
		return nil
	}
	// as master the server waits for our ACK, so anything but the expected
	// block means our last packet got lost
	if s.master && m.Block != expected {
		if err := s.retransmit(); err != nil {
			return s.fail(err)
		}
		return nil
	}
	if s.state != Receiving {
		s.state = Receiving
	}

	last := len(m.Payload) < int(s.blkSize)
	if last {
		s.lastBlock = m.Block
		s.blocks.SetLastBlockNumber(m.Block)
	}
	index, err := s.blocks.RemoveBlock(m.Block)
	if errors.Is(err, core.ErrNotFound) {
		// saved already
		return nil
	}
	if err != nil {
		return s.fail(err)
	}

	if s.cfg.CheckPacket != nil {
		if err := s.cfg.CheckPacket(m); err != nil {
			s.sendError(messages.IllegalOperation, "User aborted download")
			return s.fail(fmt.Errorf("packet rejected: %v: %w", err, core.ErrAborted))
		}
	}

	if err := s.save(index, m.Payload, last); err != nil {
		s.sendError(messages.DiskFull, "Buffer too small")
		return s.fail(err)
	}

	next, more := s.blocks.NextExpectedBlock()
	if s.master || !more {
		ack := next - 1
		if !more {
			// a passive client may finish on any block, tell the server
			// it has everything up to the last one
			ack = s.lastBlock
		}
		if err := s.sendAck(ack); err != nil {
			return s.fail(err)
		}
		if !more {
			s.complete()
		}
		return nil
	}

	// passive: keep waiting as long as the master keeps the data coming
	s.retry = 0
	s.timerReset = true
	return nil
}

// save writes the block with absolute index into the destination.
func (s *Session) save(index uint64, payload []byte, last bool) error {
	start := (index - 1) * uint64(s.blkSize)
	end := start + uint64(len(payload))

	switch {
	case s.buffer != nil:
		if end <= uint64(len(s.buffer)) {
			copy(s.buffer[start:end], payload)
		} else if last {
			return &core.BufferTooSmallError{Required: end}
		} else {
			return fmt.Errorf("block %d does not fit into %d bytes: %w", index, len(s.buffer), core.ErrDiskFull)
		}
	case s.sink != nil:
		if _, err := s.sink.WriteAt(payload, int64(start)); err != nil {
			return fmt.Errorf("error while writing block %d: %v: %w", index, err, core.ErrDiskFull)
		}
	}

	if last {
		s.size = end
	}
	return nil
}

func (s *Session) handleOack(m *messages.OACK) error {
	expected, ok := s.blocks.NextExpectedBlock()
	if !ok {
		return nil
	}
	// a master that already receives data keeps its settings
	if s.master && expected != 1 {
		return nil
	}

	reply, err := options.Parse(m.Options, false)
	if err != nil || !options.Validate(reply, s.request) {
		s.sendError(messages.IllegalOperation, "Mal-formated OACK packet")
		if err == nil {
			err = fmt.Errorf("options not requested or changed")
		}
		return s.fail(fmt.Errorf("invalid OACK: %v: %w", err, core.ErrProtocol))
	}
	s.reply = reply

	if reply.Has(options.McastExist) {
		// the role may change with every OACK, the channel and the
		// transfer parameters only with the first one
		s.master = reply.Master
		if s.mcast == nil {
			if reply.McastIP == nil || reply.McastIP.IsUnspecified() || reply.McastPort == 0 {
				s.sendError(messages.IllegalOperation, "Illegal multicast setting")
				return s.fail(fmt.Errorf("OACK without multicast channel: %w", core.ErrProtocol))
			}
			ch, err := s.cfg.OpenMulticast(reply.McastIP, reply.McastPort)
			if err != nil {
				s.sendError(messages.AccessViolation, "Failed to create socket to receive multicast packet")
				return s.fail(fmt.Errorf("error opening multicast channel: %v: %w", err, core.ErrDevice))
			}
			s.mcast = ch
			s.request.McastIP = reply.McastIP
			s.request.McastPort = reply.McastPort
			s.adopt(reply)
			s.log.Printf("listening on multicast group %v:%d", reply.McastIP, reply.McastPort)
		}
	} else {
		s.master = true
		s.adopt(reply)
	}

	if s.master || s.state == Receiving {
		s.state = Receiving
	} else {
		s.state = AwaitingOack
	}
	// ACK 0 for a new download, otherwise ask for the next missing block
	if err := s.sendAck(expected - 1); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) adopt(reply *options.Set) {
	if reply.Has(options.BlkSizeExist) {
		s.blkSize = reply.BlkSize
	}
	if reply.Has(options.TimeoutExist) {
		s.timeout = reply.Timeout
	}
}
