package messages

import (
	"fmt"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/mtftp/core"
)

type WrongPacketLengthError struct {
	Opcode uint16
	Length int
}

func (e *WrongPacketLengthError) Error() string {
	return fmt.Sprintf("wrong length %d for packet type %d", e.Length, e.Opcode)
}

func (e *WrongPacketLengthError) Is(target error) bool { return target == core.ErrProtocol }

type UnsupportedTypeError struct {
	Opcode uint16
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported packet type: %d", e.Opcode)
}

func (e *UnsupportedTypeError) Is(target error) bool { return target == core.ErrProtocol }

type MalformedPacketError struct {
	Opcode uint16
	Reason string
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("malformed packet type %d: %s", e.Opcode, e.Reason)
}

func (e *MalformedPacketError) Is(target error) bool { return target == core.ErrProtocol }
