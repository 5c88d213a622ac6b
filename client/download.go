package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/options"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/transport"
)

// Run drives a started session until it completes, fails or ctx is done.
// It is the only consumer of the session's channels, so datagrams and
// timeouts are handled one at a time.
func (s *Session) Run(ctx context.Context) (uint64, error) {
	if s.state == Idle {
		if err := s.Start(); err != nil {
			return 0, err
		}
	}
	defer s.closeMulticast()

	timer := time.NewTimer(s.TimeoutDuration())
	defer timer.Stop()

	for !s.Done() {
		var mcast <-chan transport.Datagram
		if s.mcast != nil {
			mcast = s.mcast.Receive()
		}

		select {
		case <-ctx.Done():
			s.sendError(messages.RequestDenied, "User aborted the transfer")
			s.fail(fmt.Errorf("transfer cancelled: %w: %w", ctx.Err(), core.ErrAborted))
			continue

		case d, ok := <-s.unicast.Receive():
			if !ok {
				s.fail(fmt.Errorf("unicast channel closed: %w", core.ErrDevice))
				continue
			}
			s.HandleDatagram(d)

		case d, ok := <-mcast:
			if !ok {
				s.fail(fmt.Errorf("multicast channel closed: %w", core.ErrDevice))
				continue
			}
			s.HandleDatagram(d)

		case <-timer.C:
			s.timerReset = true
			s.HandleTimeout()
		}

		if s.TimerReset() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.TimeoutDuration())
		}
	}

	if s.state == Failed {
		return 0, s.err
	}
	return s.size, nil
}

// resolve turns host and port into the server address.
func resolve(host string, port int) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("error resolving addr: %v: %w", err, core.ErrInvalidParameter)
	}
	return addr, nil
}

func dial(host string, port int, cfg *Config) (*transport.UDPChannel, *net.UDPAddr, error) {
	server, err := resolve(host, port)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		cfg = &DefaultConfig
	}
	ch, err := transport.Listen(nil, 0, cfg.MarkovP, cfg.MarkovQ)
	if err != nil {
		return nil, nil, err
	}
	return ch, server, nil
}

// Download fetches filename from host:port into buf and returns the file
// size. If buf is too small the error is a *core.BufferTooSmallError when
// the size is known.
func Download(ctx context.Context, host string, port int, filename string, buf []byte, cfg *Config) (uint64, error) {
	ch, server, err := dial(host, port, cfg)
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	s, err := NewSession(ch, server, filename, buf, cfg)
	if err != nil {
		return 0, err
	}
	return s.Run(ctx)
}

// RequestFile fetches filename from host:port and writes it to w.
func RequestFile(ctx context.Context, host string, port int, filename string, w io.WriterAt, cfg *Config) (uint64, error) {
	ch, server, err := dial(host, port, cfg)
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	s, err := NewSession(ch, server, filename, nil, cfg)
	if err != nil {
		return 0, err
	}
	s.SetSink(w)
	return s.Run(ctx)
}

var errInfoReceived = errors.New("options received")

// GetInfo asks the server for the options of filename without downloading
// it. The transfer is aborted as soon as the OACK arrived. tsize is always
// requested.
func GetInfo(ctx context.Context, host string, port int, filename string, cfg *Config) (*options.Set, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	} else {
		c = DefaultConfig
	}
	c.TransferSize = true
	check := c.CheckPacket
	var oack *messages.OACK
	c.CheckPacket = func(msg messages.Message) error {
		if check != nil {
			if err := check(msg); err != nil {
				return err
			}
		}
		if m, ok := msg.(*messages.OACK); ok {
			oack = m
			return errInfoReceived
		}
		return nil
	}

	ch, server, err := dial(host, port, &c)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	s, err := NewSession(ch, server, filename, nil, &c)
	if err != nil {
		return nil, err
	}
	_, err = s.Run(ctx)
	if oack != nil {
		return options.Parse(oack.Options, false)
	}
	if err == nil {
		// the server ignored the options and sent the file right away
		return &options.Set{Exist: options.TsizeExist, Tsize: s.Size()}, nil
	}
	return nil, err
}
