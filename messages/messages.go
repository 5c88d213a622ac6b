package messages

// opcodes, big endian on the wire
const (
	RRQ_t   uint16 = 1
	WRQ_t   uint16 = 2
	DATA_t  uint16 = 3
	ACK_t   uint16 = 4
	ERROR_t uint16 = 5
	OACK_t  uint16 = 6
	DIR_t   uint16 = 7
	DATA8_t uint16 = 8
	ACK8_t  uint16 = 9
)

// error codes carried by ERROR packets
const (
	NotDefined        uint16 = 0
	FileNotFound      uint16 = 1
	AccessViolation   uint16 = 2
	DiskFull          uint16 = 3
	IllegalOperation  uint16 = 4
	UnknownTransferID uint16 = 5
	FileExists        uint16 = 6
	NoSuchUser        uint16 = 7
	RequestDenied     uint16 = 8
)

const (
	OpcodeLen      = 2
	DataHeaderLen  = 4
	Data8HeaderLen = 10
	AckLen         = 4
	Ack8Len        = 10
	ErrorHeaderLen = 4

	DefaultBlockSize = 512
	// largest block that still fits into a single IPv4 UDP datagram
	MaxBlockSize = 65464
	MinBlockSize = 8

	DefaultMode = "octet"
)

// Message is a decoded TFTP packet. Payload slices of decoded messages point
// into the buffer they were parsed from and live only as long as it does.
type Message interface {
	Opcode() uint16
	Encode() []byte
}

// Option is a single name/value pair as it appears on the wire.
type Option struct {
	Name  string
	Value string
}

// Request is a RRQ, WRQ or DIR packet.
type Request struct {
	Op       uint16
	Filename string
	Mode     string
	Options  []Option
}

func GetRRQ(filename string, mode string, options []Option) *Request {
	if mode == "" {
		mode = DefaultMode
	}
	return &Request{Op: RRQ_t, Filename: filename, Mode: mode, Options: options}
}

func (m *Request) Opcode() uint16 { return m.Op }

type Data struct {
	Block   uint16
	Payload []byte
}

func GetDATA(block uint16, payload []byte) *Data {
	return &Data{Block: block, Payload: payload}
}

func (m *Data) Opcode() uint16 { return DATA_t }

// Data8 is the DATA variant with a 64 bit block number.
type Data8 struct {
	Block   uint64
	Payload []byte
}

func (m *Data8) Opcode() uint16 { return DATA8_t }

type Ack struct {
	Block uint16
}

func GetACK(block uint16) *Ack {
	return &Ack{Block: block}
}

func (m *Ack) Opcode() uint16 { return ACK_t }

type Ack8 struct {
	Block uint64
}

func (m *Ack8) Opcode() uint16 { return ACK8_t }

type Error struct {
	Code    uint16
	Message string
}

func GetERROR(code uint16, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (m *Error) Opcode() uint16 { return ERROR_t }

type OACK struct {
	Options []Option
}

func GetOACK(options []Option) *OACK {
	return &OACK{Options: options}
}

func (m *OACK) Opcode() uint16 { return OACK_t }
