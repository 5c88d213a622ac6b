// Package transport is the datagram boundary of the download engine. A
// Channel delivers every received datagram on a stream that a single
// consumer drains; nothing calls back into the session concurrently.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/markov"
)

// large enough for any UDP payload
const maxDatagram = 65536

// Datagram is a received packet, or the receive error that ended the stream.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
	Err  error
}

type Channel interface {
	Send(b []byte, to *net.UDPAddr) error
	// Receive returns the stream of received datagrams. It is closed
	// after an error datagram or after Close.
	Receive() <-chan Datagram
	LocalAddr() net.Addr
	Close() error
}

// UDPChannel implements Channel on top of a packet connection.
type UDPChannel struct {
	conn net.PacketConn
	recv chan Datagram

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// set when the socket joined a multicast group
	group *ipv4.PacketConn
	iface *net.Interface
	gaddr *net.UDPAddr
}

// NewChannel starts reading from conn. The channel owns conn from now on.
func NewChannel(conn net.PacketConn) *UDPChannel {
	c := &UDPChannel{
		conn: conn,
		recv: make(chan Datagram),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Listen opens a unicast channel on ip:port. p and q configure the markov
// loss model for sent packets.
func Listen(ip net.IP, port int, p float64, q float64) (*UDPChannel, error) {
	conn, err := markov.CreateSocket(ip, port, p, q)
	if err != nil {
		return nil, fmt.Errorf("error while creating the socket: %v: %w", err, core.ErrDevice)
	}
	return NewChannel(conn), nil
}

// ListenMulticast opens a channel that receives the datagrams sent to
// group:port. The group is joined on every multicast capable interface
// that is up.
func ListenMulticast(group net.IP, port uint16) (*UDPChannel, error) {
	if group.To4() == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("%v is not an IPv4 multicast group: %w", group, core.ErrInvalidParameter)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("error creating ListenUDP: %v: %w", err, core.ErrDevice)
	}

	pc := ipv4.NewPacketConn(conn)
	gaddr := &net.UDPAddr{IP: group}
	iface, err := joinGroup(pc, gaddr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error joining %v: %v: %w", group, err, core.ErrDevice)
	}

	c := NewChannel(conn)
	c.group = pc
	c.iface = iface
	c.gaddr = gaddr
	return c, nil
}

func joinGroup(pc *ipv4.PacketConn, gaddr *net.UDPAddr) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(iface, gaddr); err == nil {
			return iface, nil
		}
	}
	// let the kernel pick
	if err := pc.JoinGroup(nil, gaddr); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *UDPChannel) readLoop() {
	defer close(c.recv)
	buffer := make([]byte, maxDatagram)
	for {
		n, addr, err := c.conn.ReadFrom(buffer)
		var d Datagram
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.Err = fmt.Errorf("error receiving message: %v: %w", err, core.ErrDevice)
		} else {
			d.Data = make([]byte, n)
			copy(d.Data, buffer[:n])
			d.From, _ = addr.(*net.UDPAddr)
		}

		select {
		case c.recv <- d:
		case <-c.done:
			return
		}
		if d.Err != nil {
			return
		}
	}
}

func (c *UDPChannel) Receive() <-chan Datagram {
	return c.recv
}

func (c *UDPChannel) Send(b []byte, to *net.UDPAddr) error {
	_, err := c.conn.WriteTo(b, to)
	if err != nil {
		return fmt.Errorf("error sending message: %v: %w", err, core.ErrDevice)
	}
	return nil
}

func (c *UDPChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *UDPChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.group != nil {
			c.group.LeaveGroup(c.iface, c.gaddr)
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
