package client

import (
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/blockrange"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/options"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/transport"
)

type State int

const (
	Idle State = iota
	RequestSent
	// multicast client told to stay passive before any data arrived
	AwaitingOack
	Receiving
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestSent:
		return "request sent"
	case AwaitingOack:
		return "awaiting oack"
	case Receiving:
		return "receiving"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is a single RRQ download. It is not safe for concurrent use: all
// datagrams and timer ticks have to be handed to it from one goroutine,
// which is what Run does.
type Session struct {
	ID uuid.UUID

	cfg      Config
	filename string
	// listening address of the server; the data port is learned from the
	// first reply
	server   *net.UDPAddr
	dataPort int

	unicast transport.Channel
	mcast   transport.Channel

	// options of the RRQ. The multicast address and port are filled in
	// once the server assigns a channel.
	request *options.Set
	reply   *options.Set

	blkSize   uint16
	timeout   uint8
	master    bool
	lastBlock uint16

	blocks *blockrange.Tracker
	buffer []byte
	sink   io.WriterAt
	size   uint64

	lastPacket    []byte
	lastIsRequest bool
	retry         int
	timerReset    bool

	state State
	err   error
	log   *log.Logger
}

// NewSession prepares the download of filename from server over unicast.
// Received data is copied into buf; see SetSink for downloads of unknown
// size.
func NewSession(unicast transport.Channel, server *net.UDPAddr, filename string, buf []byte, cfg *Config) (*Session, error) {
	if unicast == nil || server == nil || filename == "" {
		return nil, fmt.Errorf("missing channel, server or file name: %w", core.ErrInvalidParameter)
	}
	if cfg == nil {
		c := DefaultConfig
		cfg = &c
	}

	s := &Session{
		ID:       uuid.New(),
		cfg:      *cfg,
		filename: filename,
		server:   server,
		unicast:  unicast,
		request:  new(options.Set),
		blkSize:  messages.DefaultBlockSize,
		timeout:  cfg.Timeout,
		master:   true,
		buffer:   buf,
		state:    Idle,
	}
	if s.cfg.Mode == "" {
		s.cfg.Mode = messages.DefaultMode
	}
	if s.timeout == 0 {
		s.timeout = DefaultConfig.Timeout
	}
	if s.cfg.Retries == 0 {
		s.cfg.Retries = DefaultConfig.Retries
	}
	if s.cfg.OpenMulticast == nil {
		s.cfg.OpenMulticast = openMulticast
	}

	if cfg.BlockSize != 0 {
		if cfg.BlockSize < messages.MinBlockSize || cfg.BlockSize > messages.MaxBlockSize {
			return nil, fmt.Errorf("block size %d out of range: %w", cfg.BlockSize, core.ErrInvalidParameter)
		}
		s.request.Exist |= options.BlkSizeExist
		s.request.BlkSize = cfg.BlockSize
	}
	if cfg.NegotiateTimeout {
		s.request.Exist |= options.TimeoutExist
		s.request.Timeout = s.timeout
	}
	if cfg.TransferSize {
		s.request.Exist |= options.TsizeExist
	}
	if cfg.Multicast {
		s.request.Exist |= options.McastExist
	}

	out := io.Writer(log.Writer())
	if cfg.Logger != nil {
		out = cfg.Logger.Writer()
	}
	s.log = log.New(out, fmt.Sprintf("session %s: ", s.ID.String()[:8]), log.LstdFlags)
	return s, nil
}

// SetSink sends the received data to w instead of a fixed buffer.
func (s *Session) SetSink(w io.WriterAt) {
	s.buffer = nil
	s.sink = w
}

func (s *Session) State() State { return s.state }

// Err is the reason the session failed.
func (s *Session) Err() error { return s.err }

func (s *Session) Done() bool {
	return s.state == Completed || s.state == Failed
}

// Size is the file size once the last block has been received.
func (s *Session) Size() uint64 { return s.size }

// Reply returns the options the server acknowledged, nil without OACK.
func (s *Session) Reply() *options.Set { return s.reply }

func (s *Session) Master() bool { return s.master }

func (s *Session) BlockSize() uint16 { return s.blkSize }

// Tracker exposes the missing blocks.
func (s *Session) Tracker() *blockrange.Tracker { return s.blocks }

// Multicast returns the secondary channel, nil until the server assigned one.
func (s *Session) Multicast() transport.Channel { return s.mcast }

func (s *Session) TimeoutDuration() time.Duration {
	return time.Duration(s.timeout) * time.Second
}

// TimerReset reports, and clears, whether the retransmission timer has to
// be restarted because a packet was sent or a passive client got data.
func (s *Session) TimerReset() bool {
	r := s.timerReset
	s.timerReset = false
	return r
}

// Start sends the RRQ.
func (s *Session) Start() error {
	if s.state != Idle {
		return fmt.Errorf("session already started: %w", core.ErrInvalidParameter)
	}
	blocks, err := blockrange.New(1, 0xffff)
	if err != nil {
		return s.fail(fmt.Errorf("error creating block tracker: %v: %w", err, core.ErrOutOfResources))
	}
	s.blocks = blocks

	rrq := messages.GetRRQ(s.filename, s.cfg.Mode, s.request.Wire())
	s.state = RequestSent
	s.log.Printf("requesting %q from %v", s.filename, s.server)
	if err := s.send(rrq.Encode(), true); err != nil {
		return s.fail(err)
	}
	return nil
}

// destination of a packet: requests go to the listening port, everything
// else to the port of the transfer
func (s *Session) destination(request bool) *net.UDPAddr {
	if request || s.dataPort == 0 {
		return s.server
	}
	return &net.UDPAddr{IP: s.server.IP, Port: s.dataPort, Zone: s.server.Zone}
}

func (s *Session) send(b []byte, request bool) error {
	s.lastPacket = b
	s.lastIsRequest = request
	s.retry = 0
	s.timerReset = true
	return s.unicast.Send(b, s.destination(request))
}

func (s *Session) sendAck(block uint16) error {
	return s.send(messages.GetACK(block).Encode(), false)
}

// retransmit sends the last packet again without touching the retry
// counter.
func (s *Session) retransmit() error {
	if s.lastPacket == nil {
		return nil
	}
	s.timerReset = true
	return s.unicast.Send(s.lastPacket, s.destination(s.lastIsRequest))
}

// sendError notifies the peer; failing to do so does not matter since the
// session ends anyway.
func (s *Session) sendError(code uint16, msg string) {
	b := messages.GetERROR(code, msg).Encode()
	if err := s.unicast.Send(b, s.destination(false)); err != nil {
		s.log.Printf("error while sending error packet: %v", err)
	}
}

func (s *Session) fail(err error) error {
	if s.Done() {
		return s.err
	}
	s.state = Failed
	s.err = err
	s.log.Printf("transfer failed: %v", err)
	s.closeMulticast()
	return err
}

func (s *Session) complete() {
	s.state = Completed
	s.log.Printf("received %q, %d bytes", s.filename, s.size)
	s.closeMulticast()
}

func (s *Session) closeMulticast() {
	if s.mcast != nil {
		s.mcast.Close()
	}
}

// HandleTimeout is called by the timer that drives the session when no
// packet arrived for TimeoutDuration.
func (s *Session) HandleTimeout() error {
	if s.Done() {
		return s.err
	}
	if s.cfg.TimeoutCallback != nil {
		if err := s.cfg.TimeoutCallback(); err != nil {
			s.sendError(messages.RequestDenied, "User aborted the transfer")
			return s.fail(fmt.Errorf("timeout callback: %v: %w", err, core.ErrAborted))
		}
	}
	if s.retry >= s.cfg.Retries {
		return s.fail(fmt.Errorf("no answer after %d retransmissions: %w", s.retry, core.ErrTimeout))
	}
	s.retry++
	if err := s.retransmit(); err != nil {
		return s.fail(err)
	}
	return nil
}
