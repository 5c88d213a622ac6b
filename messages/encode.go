package messages

import (
	"bytes"
	"encoding/binary"
)

func putOpcode(buf *bytes.Buffer, op uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], op)
	buf.Write(b[:])
}

// writeString appends s and its terminating NUL
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func writeOptions(buf *bytes.Buffer, options []Option) {
	for _, o := range options {
		writeString(buf, o.Name)
		writeString(buf, o.Value)
	}
}

func (m *Request) Encode() []byte {
	buf := new(bytes.Buffer)
	putOpcode(buf, m.Op)
	writeString(buf, m.Filename)
	writeString(buf, m.Mode)
	writeOptions(buf, m.Options)
	return buf.Bytes()
}

func (m *Data) Encode() []byte {
	b := make([]byte, DataHeaderLen+len(m.Payload))
	binary.BigEndian.PutUint16(b[0:2], DATA_t)
	binary.BigEndian.PutUint16(b[2:4], m.Block)
	copy(b[DataHeaderLen:], m.Payload)
	return b
}

func (m *Data8) Encode() []byte {
	b := make([]byte, Data8HeaderLen+len(m.Payload))
	binary.BigEndian.PutUint16(b[0:2], DATA8_t)
	binary.BigEndian.PutUint64(b[2:10], m.Block)
	copy(b[Data8HeaderLen:], m.Payload)
	return b
}

func (m *Ack) Encode() []byte {
	b := make([]byte, AckLen)
	binary.BigEndian.PutUint16(b[0:2], ACK_t)
	binary.BigEndian.PutUint16(b[2:4], m.Block)
	return b
}

func (m *Ack8) Encode() []byte {
	b := make([]byte, Ack8Len)
	binary.BigEndian.PutUint16(b[0:2], ACK8_t)
	binary.BigEndian.PutUint64(b[2:10], m.Block)
	return b
}

func (m *Error) Encode() []byte {
	buf := new(bytes.Buffer)
	putOpcode(buf, ERROR_t)
	var code [2]byte
	binary.BigEndian.PutUint16(code[:], m.Code)
	buf.Write(code[:])
	writeString(buf, m.Message)
	return buf.Bytes()
}

func (m *OACK) Encode() []byte {
	buf := new(bytes.Buffer)
	putOpcode(buf, OACK_t)
	writeOptions(buf, m.Options)
	return buf.Bytes()
}
