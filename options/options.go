// Package options implements the TFTP option extension (blksize, timeout,
// tsize and multicast) and the check of a server's OACK against what was
// requested.
package options

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/messages"
)

// option names
const (
	BlkSize   = "blksize"
	Timeout   = "timeout"
	Tsize     = "tsize"
	Multicast = "multicast"
)

// bits of Set.Exist
const (
	BlkSizeExist uint8 = 1 << iota
	TimeoutExist
	TsizeExist
	McastExist
)

const (
	MinTimeout = 1
	MaxTimeout = 255
)

// Set holds the value of every option present in a request or an OACK.
type Set struct {
	Exist uint8

	BlkSize uint16
	Timeout uint8
	Tsize   uint64

	// multicast channel; a nil McastIP or zero McastPort means the server
	// left the field empty
	McastIP   net.IP
	McastPort uint16
	Master    bool
}

func (s *Set) Has(bit uint8) bool {
	return s.Exist&bit != 0
}

// Parse interprets the option pairs of a request (request == true) or of an
// OACK. Unknown options are an error in a request and ignored in an OACK.
func Parse(opts []messages.Option, request bool) (*Set, error) {
	s := new(Set)
	for _, o := range opts {
		switch strings.ToLower(o.Name) {
		case BlkSize:
			v, err := strconv.ParseUint(o.Value, 10, 32)
			if err != nil || v < messages.MinBlockSize || v > messages.MaxBlockSize {
				return nil, fmt.Errorf("invalid blksize %q: %w", o.Value, core.ErrInvalidParameter)
			}
			s.BlkSize = uint16(v)
			s.Exist |= BlkSizeExist

		case Timeout:
			v, err := strconv.ParseUint(o.Value, 10, 32)
			if err != nil || v < MinTimeout || v > MaxTimeout {
				return nil, fmt.Errorf("invalid timeout %q: %w", o.Value, core.ErrInvalidParameter)
			}
			s.Timeout = uint8(v)
			s.Exist |= TimeoutExist

		case Tsize:
			v, err := strconv.ParseUint(o.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid tsize %q: %w", o.Value, core.ErrInvalidParameter)
			}
			s.Tsize = v
			s.Exist |= TsizeExist

		case Multicast:
			// the client asks with an empty value
			if !(request && o.Value == "") {
				if err := s.parseMulticast(o.Value); err != nil {
					return nil, err
				}
			}
			s.Exist |= McastExist

		default:
			if request {
				return nil, fmt.Errorf("unsupported option %q: %w", o.Name, core.ErrInvalidParameter)
			}
		}
	}
	return s, nil
}

// parseMulticast reads "addr,port,master". The server may leave out the
// address and port, as in ",,1".
func (s *Set) parseMulticast(value string) error {
	fields := strings.Split(value, ",")
	if len(fields) != 3 {
		return fmt.Errorf("invalid multicast option %q: %w", value, core.ErrInvalidParameter)
	}

	if fields[0] != "" {
		ip := net.ParseIP(fields[0]).To4()
		if ip == nil {
			return fmt.Errorf("invalid multicast address %q: %w", fields[0], core.ErrInvalidParameter)
		}
		s.McastIP = ip
	}

	if fields[1] != "" {
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid multicast port %q: %w", fields[1], core.ErrInvalidParameter)
		}
		s.McastPort = uint16(port)
	}

	switch fields[2] {
	case "1":
		s.Master = true
	case "0", "":
		s.Master = false
	default:
		return fmt.Errorf("invalid multicast master flag %q: %w", fields[2], core.ErrInvalidParameter)
	}
	return nil
}

// Wire returns the pairs to append to a request.
func (s *Set) Wire() []messages.Option {
	var out []messages.Option
	if s.Has(BlkSizeExist) {
		out = append(out, messages.Option{Name: BlkSize, Value: strconv.Itoa(int(s.BlkSize))})
	}
	if s.Has(TimeoutExist) {
		out = append(out, messages.Option{Name: Timeout, Value: strconv.Itoa(int(s.Timeout))})
	}
	if s.Has(TsizeExist) {
		out = append(out, messages.Option{Name: Tsize, Value: strconv.FormatUint(s.Tsize, 10)})
	}
	if s.Has(McastExist) {
		out = append(out, messages.Option{Name: Multicast, Value: ""})
	}
	return out
}

// ReplyWire returns the pairs of an OACK carrying the options of s.
func (s *Set) ReplyWire() []messages.Option {
	out := s.Wire()
	if s.Has(McastExist) {
		ip := ""
		if !isZero(s.McastIP) {
			ip = s.McastIP.String()
		}
		port := ""
		if s.McastPort != 0 {
			port = strconv.Itoa(int(s.McastPort))
		}
		master := "0"
		if s.Master {
			master = "1"
		}
		out[len(out)-1].Value = ip + "," + port + "," + master
	}
	return out
}

func isZero(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

// Validate checks the options of an OACK against the request. The
// multicast fields of request hold the channel the client is already
// listening on, if any.
func Validate(reply, request *Set) bool {
	// the server must not invent options
	if reply.Exist&^request.Exist != 0 {
		return false
	}
	// it may only shrink the block size
	if reply.Has(BlkSizeExist) && reply.BlkSize > request.BlkSize {
		return false
	}
	// and has to echo the timeout
	if reply.Has(TimeoutExist) && reply.Timeout != request.Timeout {
		return false
	}
	// ",,master" may change the role, but once a channel is in use the
	// server cannot move the client to another one
	if reply.Has(McastExist) && !isZero(request.McastIP) {
		if !isZero(reply.McastIP) && !reply.McastIP.Equal(request.McastIP) {
			return false
		}
		if reply.McastPort != 0 && reply.McastPort != request.McastPort {
			return false
		}
	}
	return true
}
