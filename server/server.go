package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/options"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/transport"
)

type Server struct {
	// read out from some config:
	MaxBlockSize uint16
	Timeout      time.Duration
	Retries      int
	Conn         transport.Channel
	RootDir      string
	MarkovP      float64
	MarkovQ      float64

	ip net.IP
}

// The values should be sanity checked before putting into this function
// valid ip and port, markov p and q between 0 and 1, root_dir exists
func Init(ip net.IP, port int, root_dir string, max_block_size uint16, markovP float64, markovQ float64) (*Server, error) {
	// check if root dir exists
	if info, err := os.Stat(root_dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("root_dir does not exist: %v", root_dir)
	}
	if max_block_size < messages.MinBlockSize || max_block_size > messages.MaxBlockSize {
		return nil, fmt.Errorf("max block size must be between %d and %d", messages.MinBlockSize, messages.MaxBlockSize)
	}
	conn, err := transport.Listen(ip, port, markovP, markovQ)
	if err != nil {
		return nil, fmt.Errorf("error while creating the socket: %w", err)
	}

	s := new(Server)
	s.MaxBlockSize = max_block_size
	s.Timeout = 3 * time.Second
	s.Retries = 5
	s.Conn = conn
	s.RootDir = root_dir
	s.MarkovP = markovP
	s.MarkovQ = markovQ
	s.ip = ip
	return s, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() *net.UDPAddr {
	addr, _ := s.Conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// the only purpose of the channel is to tell the function
// when to stop listening
func (s *Server) Listen(close chan bool) error {
	for {
		select {
		case <-close:
			return nil
		case d, ok := <-s.Conn.Receive():
			if !ok {
				return fmt.Errorf("listening socket closed")
			}
			if d.Err != nil {
				return fmt.Errorf("error while receiving form UDP socket: %w", d.Err)
			}
			msgr, err := messages.Parse(d.Data)
			if err != nil {
				log.Printf("Invalid request from %v, dropped: %v", d.From, err)
				continue
			}

			switch msg := msgr.(type) {
			case *messages.Request:
				if msg.Op != messages.RRQ_t {
					s.sendError(s.Conn, d.From, messages.IllegalOperation, "only read requests are served")
					continue
				}
				go s.handleRRQ(msg, d.From)
			default:
				// stray packet of a finished transfer
				s.sendError(s.Conn, d.From, messages.UnknownTransferID, "unknown transfer id")
			}
		}
	}
}

func (s *Server) StopListening(cl chan bool) {
	cl <- false
}

// GetPath maps a requested file name into the root directory. Names that
// leave the root directory are refused.
func (s *Server) GetPath(name string) (string, error) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("path %q outside of the root directory", name)
	}
	return filepath.Join(s.RootDir, clean), nil
}

func (s *Server) sendError(ch transport.Channel, addr *net.UDPAddr, code uint16, msg string) {
	if err := ch.Send(messages.GetERROR(code, msg).Encode(), addr); err != nil {
		log.Printf("error while sending: %v\n", err)
	}
}

// transfer is one RRQ being served from its own socket
type transfer struct {
	id      uuid.UUID
	ch      transport.Channel
	client  *net.UDPAddr
	timeout time.Duration
	retries int
}

func (s *Server) handleRRQ(req *messages.Request, addr *net.UDPAddr) {
	// every transfer gets its own port, which is its transfer id
	ch, err := transport.Listen(s.ip, 0, s.MarkovP, s.MarkovQ)
	if err != nil {
		log.Printf("error while creating transfer socket: %v\n", err)
		return
	}
	defer ch.Close()

	t := &transfer{id: uuid.New(), ch: ch, client: addr, timeout: s.Timeout, retries: s.Retries}
	log.Printf("transfer %s: %v requests %q", t.id, addr, req.Filename)

	if !strings.EqualFold(req.Mode, messages.DefaultMode) {
		s.sendError(ch, addr, messages.IllegalOperation, "only octet mode is supported")
		return
	}
	path, err := s.GetPath(req.Filename)
	if err != nil {
		s.sendError(ch, addr, messages.AccessViolation, "access violation")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.sendError(ch, addr, messages.FileNotFound, "file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.sendError(ch, addr, messages.FileNotFound, "file not found")
		return
	}

	// multicast is not offered, so the option is not acknowledged
	var requested []messages.Option
	for _, o := range req.Options {
		if !strings.EqualFold(o.Name, options.Multicast) {
			requested = append(requested, o)
		}
	}
	opts, err := options.Parse(requested, false)
	if err != nil {
		s.sendError(ch, addr, messages.IllegalOperation, "invalid option")
		return
	}

	blkSize := uint16(messages.DefaultBlockSize)
	reply := new(options.Set)
	if opts.Has(options.BlkSizeExist) {
		blkSize = opts.BlkSize
		if blkSize > s.MaxBlockSize {
			blkSize = s.MaxBlockSize
		}
		reply.Exist |= options.BlkSizeExist
		reply.BlkSize = blkSize
	}
	if opts.Has(options.TimeoutExist) {
		reply.Exist |= options.TimeoutExist
		reply.Timeout = opts.Timeout
		t.timeout = time.Duration(opts.Timeout) * time.Second
	}
	if opts.Has(options.TsizeExist) {
		reply.Exist |= options.TsizeExist
		reply.Tsize = uint64(info.Size())
	}

	if reply.Exist != 0 {
		oack := messages.GetOACK(reply.ReplyWire()).Encode()
		if err := t.sendAndWait(oack, 0); err != nil {
			log.Printf("transfer %s: %v", t.id, err)
			return
		}
	}

	if err := t.sendFile(f, blkSize); err != nil {
		log.Printf("transfer %s: %v", t.id, err)
		return
	}
	log.Printf("transfer %s: sent %q, %d bytes", t.id, req.Filename, info.Size())
}

// sendFile sends the blocks lock-step, the block number wraps after 65535.
func (t *transfer) sendFile(f io.ReaderAt, blkSize uint16) error {
	buf := make([]byte, blkSize)
	for index := uint64(1); ; index++ {
		n, err := f.ReadAt(buf, int64(index-1)*int64(blkSize))
		if err != nil && !errors.Is(err, io.EOF) {
			t.sendError(messages.NotDefined, "read error")
			return fmt.Errorf("error while reading from the file: %w", err)
		}
		block := uint16(index)
		pkt := messages.GetDATA(block, buf[:n]).Encode()
		if err := t.sendAndWait(pkt, block); err != nil {
			return err
		}
		if n < int(blkSize) {
			return nil
		}
	}
}

func (t *transfer) sendError(code uint16, msg string) {
	if err := t.ch.Send(messages.GetERROR(code, msg).Encode(), t.client); err != nil {
		log.Printf("error while sending: %v\n", err)
	}
}

// sendAndWait sends pkt and retransmits it until the client acknowledges
// block.
func (t *transfer) sendAndWait(pkt []byte, block uint16) error {
	if err := t.ch.Send(pkt, t.client); err != nil {
		return err
	}
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	retries := 0
	for {
		select {
		case <-timer.C:
			if retries >= t.retries {
				return fmt.Errorf("no ACK for block %d after %d retransmissions", block, retries)
			}
			retries++
			if err := t.ch.Send(pkt, t.client); err != nil {
				return err
			}
			timer.Reset(t.timeout)

		case d, ok := <-t.ch.Receive():
			if !ok {
				return fmt.Errorf("transfer socket closed")
			}
			if d.Err != nil {
				return d.Err
			}
			if !d.From.IP.Equal(t.client.IP) || d.From.Port != t.client.Port {
				t.ch.Send(messages.GetERROR(messages.UnknownTransferID, "unknown transfer id").Encode(), d.From)
				continue
			}
			msg, err := messages.Parse(d.Data)
			if err != nil {
				continue
			}
			switch m := msg.(type) {
			case *messages.Ack:
				// older ACKs are duplicates, answering them would double
				// the traffic
				if m.Block == block {
					return nil
				}
			case *messages.Error:
				return fmt.Errorf("client sent error %d: %q", m.Code, m.Message)
			}
		}
	}
}
