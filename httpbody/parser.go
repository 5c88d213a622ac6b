// Package httpbody parses the body of an HTTP/1.1 message as it arrives,
// in any fragmentation, and hands the entity data to a callback. It knows
// the identity and the chunked transfer-coding.
package httpbody

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
)

type Event int

const (
	// OnData carries a piece of the entity body
	OnData Event = iota
	// OnComplete is sent once, after the last byte of the body
	OnComplete
)

// Callback receives the decoded body. data is only valid during the call.
// Returning an error aborts parsing.
type Callback func(event Event, data []byte) error

type State int

const (
	BodyStart State = iota
	Identity
	ChunkSizeStart
	ChunkSize
	ChunkExtension
	ChunkSizeEndCR
	ChunkDataStart
	ChunkDataEnd
	ChunkDataEndCR
	LastCRLF
	LastCRLFEnd
	Trailer
	Complete
	// unrecoverable parse error
	Max
)

// MaxChunkSize bounds the chunk-size field. Larger sizes are a protocol
// error rather than a silent wrap around.
const MaxChunkSize = 1<<48 - 1

type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed body at byte %d: %s", e.Offset, e.Reason)
}

func (e *SyntaxError) Is(target error) bool { return target == core.ErrProtocol }

type Parser struct {
	ignoreBody bool
	isChunked  bool

	contentLength      uint64
	contentLengthValid bool
	parsed             uint64

	chunkSize   uint64
	chunkDigits int
	chunkParsed uint64

	// bytes consumed over all Feed calls, for error messages
	offset int

	state    State
	callback Callback
}

// NoMessageBody reports whether a response to method with statusCode
// never has a body.
func NoMessageBody(method string, statusCode int) bool {
	if strings.EqualFold(method, http.MethodHead) {
		return true
	}
	return (statusCode >= 100 && statusCode < 200) ||
		statusCode == http.StatusNoContent ||
		statusCode == http.StatusNotModified
}

// IsChunked reports whether the message uses a transfer-coding other than
// identity.
func IsChunked(headers http.Header) bool {
	te := headers.Get("Transfer-Encoding")
	return te != "" && !strings.EqualFold(strings.TrimSpace(te), "identity")
}

// New returns a parser for the body of a message with the given headers,
// received in response to method. cb may be nil.
func New(method string, statusCode int, headers http.Header, cb Callback) (*Parser, error) {
	p := &Parser{
		ignoreBody: NoMessageBody(method, statusCode),
		isChunked:  IsChunked(headers),
		callback:   cb,
		state:      BodyStart,
	}

	if cl := headers.Get("Content-Length"); cl != "" && !p.isChunked {
		n, err := strconv.ParseUint(strings.TrimSpace(cl), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length %q: %w", cl, core.ErrProtocol)
		}
		p.contentLength = n
		p.contentLengthValid = true
	}

	if p.ignoreBody {
		p.contentLength = 0
		p.contentLengthValid = true
		p.state = Complete
	}
	if p.contentLengthValid && p.contentLength == 0 {
		// nothing will be fed for an empty body
		p.state = Complete
	}
	return p, nil
}

func (p *Parser) State() State { return p.state }

func (p *Parser) IsComplete() bool {
	return p.state == Complete
}

// EntityLength is the length of the decoded body. It is known up front with
// a Content-Length header and only after the last chunk otherwise.
func (p *Parser) EntityLength() (uint64, error) {
	if !p.contentLengthValid {
		return 0, core.ErrNotReady
	}
	return p.contentLength, nil
}

func (p *Parser) emit(ev Event, data []byte) error {
	if p.callback == nil {
		return nil
	}
	if err := p.callback(ev, data); err != nil {
		p.state = Max
		return fmt.Errorf("body callback: %w: %w", err, core.ErrAborted)
	}
	return nil
}

func (p *Parser) finish() error {
	p.state = Complete
	return p.emit(OnComplete, nil)
}

func (p *Parser) syntaxError(i int, reason string) error {
	p.state = Max
	return &SyntaxError{Offset: p.offset + i, Reason: reason}
}

func hexDigit(c byte) (uint64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0'), true
	case c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return uint64(c-'A') + 10, true
	}
	return 0, false
}

// Feed parses the next piece of the body. Bytes after the end of the body
// are ignored.
func (p *Parser) Feed(body []byte) error {
	if len(body) == 0 {
		return core.ErrInvalidParameter
	}
	if p.state == Max {
		return core.ErrAborted
	}
	if p.state == Complete {
		return nil
	}
	defer func() { p.offset += len(body) }()

	if p.state == BodyStart {
		p.parsed = 0
		if p.isChunked {
			p.state = ChunkSizeStart
		} else {
			p.state = Identity
		}
	}

	for i := 0; i < len(body); {
		c := body[i]
		switch p.state {
		case Identity:
			n := uint64(len(body) - i)
			if p.contentLengthValid && n > p.contentLength-p.parsed {
				n = p.contentLength - p.parsed
			}
			if n > 0 {
				if err := p.emit(OnData, body[i:i+int(n)]); err != nil {
					return err
				}
			}
			i += int(n)
			p.parsed += n
			if p.contentLengthValid && p.parsed == p.contentLength {
				return p.finish()
			}

		case ChunkSizeStart:
			p.chunkSize = 0
			p.chunkDigits = 0
			p.state = ChunkSize

		case ChunkSize:
			d, ok := hexDigit(c)
			if !ok {
				if p.chunkDigits == 0 {
					return p.syntaxError(i, "missing chunk size")
				}
				switch c {
				case ';':
					p.state = ChunkExtension
				case '\r':
					p.state = ChunkSizeEndCR
				default:
					return p.syntaxError(i, fmt.Sprintf("unexpected %q in chunk size", c))
				}
				i++
				continue
			}
			if p.chunkSize > (MaxChunkSize-d)/16 {
				return p.syntaxError(i, "chunk size too large")
			}
			p.chunkSize = p.chunkSize*16 + d
			p.chunkDigits++
			i++

		case ChunkExtension:
			// extensions are skipped
			if c == '\r' {
				p.state = ChunkSizeEndCR
			}
			i++

		case ChunkSizeEndCR:
			if c != '\n' {
				return p.syntaxError(i, "expected LF after chunk size")
			}
			i++
			if p.chunkSize == 0 {
				// last chunk, only trailers and the final CRLF follow
				p.contentLengthValid = true
				p.state = LastCRLF
				continue
			}
			p.chunkParsed = 0
			p.state = ChunkDataStart

		case ChunkDataStart:
			n := p.chunkSize - p.chunkParsed
			if rest := uint64(len(body) - i); rest < n {
				n = rest
			}
			if err := p.emit(OnData, body[i:i+int(n)]); err != nil {
				return err
			}
			i += int(n)
			p.chunkParsed += n
			p.contentLength += n
			if p.chunkParsed == p.chunkSize {
				p.state = ChunkDataEnd
			}

		case ChunkDataEnd:
			if c != '\r' {
				return p.syntaxError(i, "expected CR after chunk data")
			}
			i++
			p.state = ChunkDataEndCR

		case ChunkDataEndCR:
			if c != '\n' {
				return p.syntaxError(i, "expected LF after chunk data")
			}
			i++
			p.state = ChunkSizeStart

		case LastCRLF:
			if c == '\r' {
				i++
				p.state = LastCRLFEnd
			} else {
				p.state = Trailer
			}

		case LastCRLFEnd:
			if c != '\n' {
				return p.syntaxError(i, "expected LF at end of body")
			}
			i++
			return p.finish()

		case Trailer:
			// trailer fields are not supported, the line is dropped
			if c == '\r' {
				p.state = ChunkSizeEndCR
			}
			i++

		default:
			return nil
		}
	}
	return nil
}

// EndOfStream tells the parser that the connection was closed. This ends
// an identity body without Content-Length; for every other body it means
// the message was cut short.
func (p *Parser) EndOfStream() error {
	switch p.state {
	case Complete:
		return nil
	case Max:
		return core.ErrAborted
	case BodyStart, Identity:
		if !p.isChunked && p.contentLengthValid && p.parsed == p.contentLength {
			return p.finish()
		}
		if !p.isChunked && !p.contentLengthValid {
			p.contentLength = p.parsed
			p.contentLengthValid = true
			return p.finish()
		}
	}
	return fmt.Errorf("body truncated after %d bytes: %w", p.offset, core.ErrProtocol)
}
