// Package httpboot downloads a boot image over plain HTTP. The response
// body is decoded with httpbody so chunked and identity bodies arrive the
// same way at the writer.
package httpboot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/httpbody"
)

const readSize = 4096

// Fetch requests rawURL and writes the decoded body to w. It returns the
// entity length.
func Fetch(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("invalid url %q: %v: %w", rawURL, err, core.ErrInvalidParameter)
	}
	if u.Scheme != "http" || u.Host == "" {
		return 0, fmt.Errorf("unsupported url %q: %w", rawURL, core.ErrInvalidParameter)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return 0, fmt.Errorf("error connecting to %s: %v: %w", host, err, core.ErrDevice)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	n, err := fetch(conn, u, w)
	if ctx.Err() != nil {
		return n, fmt.Errorf("fetch cancelled: %w: %w", ctx.Err(), core.ErrAborted)
	}
	return n, err
}

func fetch(conn net.Conn, u *url.URL, w io.Writer) (int64, error) {
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: mtftp\r\nAccept: */*\r\nConnection: close\r\n\r\n",
		u.RequestURI(), u.Host)
	if _, err := io.WriteString(conn, req); err != nil {
		return 0, fmt.Errorf("error sending request: %v: %w", err, core.ErrDevice)
	}

	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	status, err := readStatus(tp)
	if err != nil {
		return 0, err
	}
	mime, err := tp.ReadMIMEHeader()
	if err != nil {
		return 0, fmt.Errorf("error reading headers: %v: %w", err, core.ErrProtocol)
	}
	headers := http.Header(mime)
	if status < 200 || status > 299 {
		return 0, fmt.Errorf("server answered %d %s: %w", status, http.StatusText(status), core.ErrNotFound)
	}

	var werr error
	p, err := httpbody.New(http.MethodGet, status, headers, func(ev httpbody.Event, data []byte) error {
		if ev != httpbody.OnData {
			return nil
		}
		if _, werr = w.Write(data); werr != nil {
			return werr
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	buf := make([]byte, readSize)
	for !p.IsComplete() {
		n, rerr := br.Read(buf)
		if n > 0 {
			if err := p.Feed(buf[:n]); err != nil {
				if werr != nil {
					return 0, fmt.Errorf("error writing body: %w", werr)
				}
				return 0, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			if err := p.EndOfStream(); err != nil {
				return 0, err
			}
			break
		}
		if rerr != nil {
			return 0, fmt.Errorf("error reading body: %v: %w", rerr, core.ErrDevice)
		}
	}

	length, err := p.EntityLength()
	if err != nil {
		return 0, err
	}
	log.Printf("fetched %s, %d bytes", u.Redacted(), length)
	return int64(length), nil
}

// readStatus parses "HTTP/1.1 200 OK" into the status code.
func readStatus(tp *textproto.Reader) (int, error) {
	line, err := tp.ReadLine()
	if err != nil {
		return 0, fmt.Errorf("error reading status line: %v: %w", err, core.ErrProtocol)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return 0, fmt.Errorf("malformed status line %q: %w", line, core.ErrProtocol)
	}
	code, _, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 {
		return 0, fmt.Errorf("malformed status line %q: %w", line, core.ErrProtocol)
	}
	return status, nil
}
