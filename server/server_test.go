package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/transport"
)

var loopback = net.IPv4(127, 0, 0, 1)

func startServer(t *testing.T, files map[string][]byte) *Server {
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o644))
	}
	s, err := Init(loopback, 0, dir, 1024, 0, 0)
	if err != nil {
		t.Fatalf(`Error creating server: %v`, err)
	}
	s.Timeout = 200 * time.Millisecond

	stop := make(chan bool)
	done := make(chan struct{})
	go func() {
		s.Listen(stop)
		close(done)
	}()
	t.Cleanup(func() {
		s.StopListening(stop)
		<-done
		s.Conn.Close()
	})
	return s
}

func receive(t *testing.T, c transport.Channel) (messages.Message, *net.UDPAddr) {
	select {
	case d := <-c.Receive():
		require.NoError(t, d.Err)
		msg, err := messages.Parse(d.Data)
		require.NoError(t, err)
		return msg, d.From
	case <-time.After(3 * time.Second):
		t.Fatalf("no answer from server")
	}
	return nil, nil
}

func newClient(t *testing.T) transport.Channel {
	c, err := transport.Listen(loopback, 0, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInitInvalid(t *testing.T) {
	_, err := Init(loopback, 0, "/does/not/exist", 512, 0, 0)
	assert.Error(t, err)
	_, err = Init(loopback, 0, t.TempDir(), 4, 0, 0)
	assert.Error(t, err)
}

func TestGetPath(t *testing.T) {
	s := &Server{RootDir: "/srv/tftp"}

	p, err := s.GetPath("/boot/grub.efi")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/srv/tftp/boot/grub.efi"), p)

	_, err = s.GetPath("../etc/passwd")
	assert.Error(t, err)
	_, err = s.GetPath("boot/../../etc/passwd")
	assert.Error(t, err)
}

func TestServeWithoutOptions(t *testing.T) {
	content := bytes.Repeat([]byte{7}, 600)
	s := startServer(t, map[string][]byte{"file": content})
	c := newClient(t)

	require.NoError(t, c.Send(messages.GetRRQ("file", "", nil).Encode(), s.Addr()))

	msg, from := receive(t, c)
	d := msg.(*messages.Data)
	assert.Equal(t, uint16(1), d.Block)
	assert.Len(t, d.Payload, 512)
	assert.NotEqual(t, s.Addr().Port, from.Port, "transfer runs on its own port")

	require.NoError(t, c.Send(messages.GetACK(1).Encode(), from))
	msg, _ = receive(t, c)
	d = msg.(*messages.Data)
	assert.Equal(t, uint16(2), d.Block)
	assert.Len(t, d.Payload, 88)
	require.NoError(t, c.Send(messages.GetACK(2).Encode(), from))
}

func TestServeWithOptions(t *testing.T) {
	content := bytes.Repeat([]byte{1}, 3000)
	s := startServer(t, map[string][]byte{"file": content})
	c := newClient(t)

	rrq := messages.GetRRQ("file", "octet", []messages.Option{
		{Name: "blksize", Value: "2048"},
		{Name: "tsize", Value: "0"},
		{Name: "multicast", Value: ""},
	})
	require.NoError(t, c.Send(rrq.Encode(), s.Addr()))

	msg, from := receive(t, c)
	oack := msg.(*messages.OACK)
	// capped to the server maximum, multicast is left out
	assert.Equal(t, []messages.Option{
		{Name: "blksize", Value: "1024"},
		{Name: "tsize", Value: "3000"},
	}, oack.Options)

	require.NoError(t, c.Send(messages.GetACK(0).Encode(), from))
	msg, _ = receive(t, c)
	assert.Len(t, msg.(*messages.Data).Payload, 1024)
}

func TestRetransmitsWithoutAck(t *testing.T) {
	s := startServer(t, map[string][]byte{"file": []byte("short")})
	c := newClient(t)

	require.NoError(t, c.Send(messages.GetRRQ("file", "", nil).Encode(), s.Addr()))
	first, _ := receive(t, c)
	again, _ := receive(t, c)
	assert.Equal(t, first, again)
}

func TestFileNotFound(t *testing.T) {
	s := startServer(t, nil)
	c := newClient(t)

	require.NoError(t, c.Send(messages.GetRRQ("missing", "", nil).Encode(), s.Addr()))
	msg, _ := receive(t, c)
	assert.Equal(t, messages.FileNotFound, msg.(*messages.Error).Code)
}

func TestAccessViolation(t *testing.T) {
	s := startServer(t, nil)
	c := newClient(t)

	require.NoError(t, c.Send(messages.GetRRQ("../../etc/passwd", "", nil).Encode(), s.Addr()))
	msg, _ := receive(t, c)
	assert.Equal(t, messages.AccessViolation, msg.(*messages.Error).Code)
}

func TestWriteRequestRefused(t *testing.T) {
	s := startServer(t, nil)
	c := newClient(t)

	wrq := &messages.Request{Op: messages.WRQ_t, Filename: "f", Mode: "octet"}
	require.NoError(t, c.Send(wrq.Encode(), s.Addr()))
	msg, _ := receive(t, c)
	assert.Equal(t, messages.IllegalOperation, msg.(*messages.Error).Code)
}
