package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/options"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/server"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/transport"
)

func startServer(t *testing.T, name string, content []byte) int {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o644))

	s, err := server.Init(net.IPv4(127, 0, 0, 1), 0, dir, 8192, 0, 0)
	require.NoError(t, err)
	s.Timeout = 500 * time.Millisecond

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
	return s.Addr().Port
}

func randomFile(t *testing.T, size int) []byte {
	b := make([]byte, size)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestDownloadFromServer(t *testing.T) {
	content := randomFile(t, 5000)
	port := startServer(t, "image.bin", content)

	buf := make([]byte, 8000)
	n, err := Download(context.Background(), "127.0.0.1", port, "image.bin", buf, quietConfig())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), n)
	assert.Equal(t, content, buf[:n])
}

func TestDownloadNegotiated(t *testing.T) {
	content := randomFile(t, 3*1428)
	port := startServer(t, "image.bin", content)

	cfg := quietConfig()
	cfg.BlockSize = 1428
	cfg.TransferSize = true
	cfg.NegotiateTimeout = true
	cfg.Timeout = 1
	buf := make([]byte, len(content))
	n, err := Download(context.Background(), "127.0.0.1", port, "image.bin", buf, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), n)
	assert.Equal(t, content, buf)
}

func TestDownloadBufferTooSmall(t *testing.T) {
	content := randomFile(t, 150)
	port := startServer(t, "small", content)

	_, err := Download(context.Background(), "127.0.0.1", port, "small", make([]byte, 100), quietConfig())
	var small *core.BufferTooSmallError
	require.True(t, errors.As(err, &small))
	assert.Equal(t, uint64(150), small.Required)
}

func TestRequestFileToDisk(t *testing.T) {
	content := randomFile(t, 70000)
	port := startServer(t, "big", content)

	out, err := os.Create(filepath.Join(t.TempDir(), "big"))
	require.NoError(t, err)
	defer out.Close()

	cfg := quietConfig()
	cfg.BlockSize = 4096
	n, err := RequestFile(context.Background(), "127.0.0.1", port, "big", out, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), n)

	written, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, written))
}

func TestDownloadMissingFile(t *testing.T) {
	port := startServer(t, "present", []byte("x"))

	_, err := Download(context.Background(), "127.0.0.1", port, "absent", nil, quietConfig())
	var tftpErr *core.TftpError
	require.True(t, errors.As(err, &tftpErr))
	assert.Equal(t, uint16(1), tftpErr.Code)
}

func TestGetInfo(t *testing.T) {
	content := randomFile(t, 12345)
	port := startServer(t, "image.bin", content)

	info, err := GetInfo(context.Background(), "127.0.0.1", port, "image.bin", quietConfig())
	require.NoError(t, err)
	assert.True(t, info.Has(options.TsizeExist))
	assert.Equal(t, uint64(len(content)), info.Tsize)
}

func TestRunTimesOut(t *testing.T) {
	// nobody answers on this socket
	silent, err := transport.Listen(net.IPv4(127, 0, 0, 1), 0, 0, 0)
	require.NoError(t, err)
	defer silent.Close()

	cfg := quietConfig()
	cfg.Timeout = 1
	cfg.Retries = 1
	start := time.Now()
	_, err = Download(context.Background(), "127.0.0.1", silent.LocalAddr().(*net.UDPAddr).Port, "f", nil, cfg)
	assert.True(t, errors.Is(err, core.ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestRunCancelled(t *testing.T) {
	ch := newFakeChannel()
	s, err := NewSession(ch, listenAddr, "f", nil, quietConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx)
	assert.True(t, errors.Is(err, core.ErrAborted))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunFromQueuedDatagrams(t *testing.T) {
	ch := newFakeChannel()
	s, err := NewSession(ch, listenAddr, "f", make([]byte, 1024), quietConfig())
	require.NoError(t, err)

	ch.recv <- data(1, make([]byte, 512))
	ch.recv <- data(2, []byte("tail"))
	n, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(516), n)
	assert.Len(t, ch.sent, 3)
}
