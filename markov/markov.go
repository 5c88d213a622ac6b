// Package markov simulates packet loss on the sending side of a socket with
// a two state (Gilbert-Elliott) Markov chain: P is the probability to drop a
// packet after one was sent, Q the probability to drop again after a drop.
package markov

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

type MarkovConn struct {
	net.PacketConn
	P float64
	Q float64

	mu          sync.Mutex
	rand        *rand.Rand
	lastDropped bool
}

// Wrap returns conn with the loss model in front of WriteTo.
func Wrap(conn net.PacketConn, p float64, q float64) (*MarkovConn, error) {
	if p > 1 || p < 0 || q > 1 || q < 0 {
		return nil, fmt.Errorf("p and/or q values for the markov chain are invalid")
	}
	return &MarkovConn{
		PacketConn: conn,
		P:          p,
		Q:          q,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// CreateSocket listens on ip:port (port 0 picks a free one) and wraps the
// socket.
func CreateSocket(ip net.IP, port int, p float64, q float64) (*MarkovConn, error) {
	laddr := net.UDPAddr{
		Port: port,
		IP:   ip,
	}
	conn, err := net.ListenUDP("udp4", &laddr)
	if err != nil {
		return nil, fmt.Errorf("error creating ListenUDP: %w", err)
	}
	mc, err := Wrap(conn, p, q)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return mc, nil
}

// Seed makes the drop sequence reproducible.
func (mc *MarkovConn) Seed(seed int64) {
	mc.mu.Lock()
	mc.rand = rand.New(rand.NewSource(seed))
	mc.mu.Unlock()
}

func (mc *MarkovConn) drop() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	prob := mc.P
	if mc.lastDropped {
		prob = mc.Q
	}
	mc.lastDropped = mc.rand.Float64() < prob
	return mc.lastDropped
}

// WriteTo pretends dropped packets were sent.
func (mc *MarkovConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	if mc.drop() {
		return len(p), nil
	}
	return mc.PacketConn.WriteTo(p, addr)
}
