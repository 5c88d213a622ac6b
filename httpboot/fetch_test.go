package httpboot

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
)

var image = bytes.Repeat([]byte("bootloader"), 2000)

func newServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/chunked", func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		for i := 0; i < len(image); i += 1000 {
			w.Write(image[i : i+1000])
			f.Flush()
		}
	})
	mux.HandleFunc("/sized", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(image)))
		w.Write(image)
	})
	mux.HandleFunc("/zero", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestFetchChunked(t *testing.T) {
	s := newServer(t)

	var out bytes.Buffer
	n, err := Fetch(context.Background(), s.URL+"/chunked", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(image)), n)
	assert.Equal(t, image, out.Bytes())
}

func TestFetchContentLength(t *testing.T) {
	s := newServer(t)

	var out bytes.Buffer
	n, err := Fetch(context.Background(), s.URL+"/sized", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(image)), n)
	assert.Equal(t, image, out.Bytes())
}

func TestFetchNoContent(t *testing.T) {
	s := newServer(t)

	var out bytes.Buffer
	n, err := Fetch(context.Background(), s.URL+"/empty", &out)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, out.Len())
}

func TestFetchZeroContentLength(t *testing.T) {
	s := newServer(t)

	var out bytes.Buffer
	n, err := Fetch(context.Background(), s.URL+"/zero", &out)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, out.Len())
}

func TestFetchNotFound(t *testing.T) {
	s := newServer(t)

	_, err := Fetch(context.Background(), s.URL+"/missing", &bytes.Buffer{})
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestFetchUntilClose(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 1024)
		c.Read(buf)
		c.Write([]byte("HTTP/1.0 200 OK\r\nContent-Type: application/octet-stream\r\n\r\nno length here"))
		c.Close()
	}()

	var out bytes.Buffer
	n, err := Fetch(context.Background(), "http://"+l.Addr().String()+"/", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(14), n)
	assert.Equal(t, "no length here", out.String())
}

func TestFetchInvalidURL(t *testing.T) {
	_, err := Fetch(context.Background(), "ftp://example.com/x", &bytes.Buffer{})
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))
	_, err = Fetch(context.Background(), "http://", &bytes.Buffer{})
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))
}

func TestFetchCancelled(t *testing.T) {
	s := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Fetch(ctx, s.URL+"/sized", &bytes.Buffer{})
	assert.Error(t, err)
}
