package client

import (
	"log"
	"net"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/transport"
)

type Config struct {
	// BlockSize is asked for with the blksize option when non-zero.
	// Without it the transfer uses 512 byte blocks.
	BlockSize uint16
	// Timeout in seconds between retransmissions. It is sent as the
	// timeout option when NegotiateTimeout is set.
	Timeout          uint8
	NegotiateTimeout bool
	// Retries is the number of retransmissions before giving up. Zero
	// takes the default, a negative value gives up on the first timeout.
	Retries int
	Mode    string
	// Multicast asks the server for a multicast download.
	Multicast bool
	// TransferSize asks the server for the file size.
	TransferSize bool

	// Loss simulation for sent packets, see package markov.
	MarkovP float64
	MarkovQ float64

	// CheckPacket sees every DATA, OACK and ERROR packet before it is
	// processed. Returning an error aborts the transfer.
	CheckPacket func(msg messages.Message) error
	// TimeoutCallback is called whenever the retransmission timer
	// expires. Returning an error aborts the transfer.
	TimeoutCallback func() error
	// OpenMulticast creates the channel for the multicast group the
	// server assigns. It defaults to transport.ListenMulticast.
	OpenMulticast func(group net.IP, port uint16) (transport.Channel, error)

	Logger *log.Logger
}

var DefaultConfig = Config{
	Timeout: 3,
	Retries: 5,
	Mode:    messages.DefaultMode,
}

func openMulticast(group net.IP, port uint16) (transport.Channel, error) {
	return transport.ListenMulticast(group, port)
}
