package messages

import (
	"bytes"
	"encoding/binary"
)

// splitStrings cuts b into its NUL terminated strings. The last byte of b
// has to be a NUL.
func splitStrings(op uint16, b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if b[len(b)-1] != 0 {
		return nil, &MalformedPacketError{Opcode: op, Reason: "string not NUL terminated"}
	}
	parts := bytes.Split(b[:len(b)-1], []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out, nil
}

func pairs(op uint16, s []string) ([]Option, error) {
	if len(s)%2 != 0 {
		return nil, &MalformedPacketError{Opcode: op, Reason: "option without value"}
	}
	options := make([]Option, 0, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		if s[i] == "" {
			return nil, &MalformedPacketError{Opcode: op, Reason: "empty option name"}
		}
		options = append(options, Option{Name: s[i], Value: s[i+1]})
	}
	return options, nil
}

// ParseOptions decodes the name/value pairs of an OACK body, that is
// everything after the opcode.
func ParseOptions(body []byte) ([]Option, error) {
	s, err := splitStrings(OACK_t, body)
	if err != nil {
		return nil, err
	}
	return pairs(OACK_t, s)
}

// Parse decodes a single datagram.
func Parse(d []byte) (Message, error) {
	if len(d) < OpcodeLen {
		return nil, &WrongPacketLengthError{Length: len(d)}
	}
	op := binary.BigEndian.Uint16(d[0:2])
	body := d[OpcodeLen:]

	switch op {
	case RRQ_t, WRQ_t, DIR_t:
		s, err := splitStrings(op, body)
		if err != nil {
			return nil, err
		}
		if len(s) < 2 {
			return nil, &MalformedPacketError{Opcode: op, Reason: "missing file name or mode"}
		}
		options, err := pairs(op, s[2:])
		if err != nil {
			return nil, err
		}
		return &Request{Op: op, Filename: s[0], Mode: s[1], Options: options}, nil

	case DATA_t:
		if len(d) < DataHeaderLen {
			return nil, &WrongPacketLengthError{Opcode: op, Length: len(d)}
		}
		return &Data{Block: binary.BigEndian.Uint16(d[2:4]), Payload: d[DataHeaderLen:]}, nil

	case DATA8_t:
		if len(d) < Data8HeaderLen {
			return nil, &WrongPacketLengthError{Opcode: op, Length: len(d)}
		}
		return &Data8{Block: binary.BigEndian.Uint64(d[2:10]), Payload: d[Data8HeaderLen:]}, nil

	case ACK_t:
		if len(d) != AckLen {
			return nil, &WrongPacketLengthError{Opcode: op, Length: len(d)}
		}
		return &Ack{Block: binary.BigEndian.Uint16(d[2:4])}, nil

	case ACK8_t:
		if len(d) != Ack8Len {
			return nil, &WrongPacketLengthError{Opcode: op, Length: len(d)}
		}
		return &Ack8{Block: binary.BigEndian.Uint64(d[2:10])}, nil

	case ERROR_t:
		if len(d) < ErrorHeaderLen {
			return nil, &WrongPacketLengthError{Opcode: op, Length: len(d)}
		}
		msg := d[ErrorHeaderLen:]
		// some servers forget the terminating NUL
		if i := bytes.IndexByte(msg, 0); i >= 0 {
			msg = msg[:i]
		}
		return &Error{Code: binary.BigEndian.Uint16(d[2:4]), Message: string(msg)}, nil

	case OACK_t:
		options, err := ParseOptions(body)
		if err != nil {
			return nil, err
		}
		return &OACK{Options: options}, nil
	}
	return nil, &UnsupportedTypeError{Opcode: op}
}
