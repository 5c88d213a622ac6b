package core

import (
	"errors"
	"fmt"
)

// Status kinds shared by the tracker, the session state machine and the
// body parser. Every error returned by those packages matches exactly one of
// these through errors.Is.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrOutOfResources   = errors.New("out of resources")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrProtocol         = errors.New("protocol error")
	ErrTftp             = errors.New("tftp error")
	ErrDevice           = errors.New("device error")
	ErrAborted          = errors.New("aborted")
	ErrNotReady         = errors.New("not ready")
	ErrNotFound         = errors.New("not found")
	ErrDiskFull         = errors.New("disk full")
	ErrTimeout          = errors.New("timeout")
)

// BufferTooSmallError reports the exact number of bytes the caller has to
// provide to receive the whole file.
type BufferTooSmallError struct {
	Required uint64
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("buffer too small: %d bytes required", e.Required)
}

func (e *BufferTooSmallError) Is(target error) bool {
	return target == ErrBufferTooSmall
}

// TftpError is the ERROR packet sent by the peer.
type TftpError struct {
	Code    uint16
	Message string
}

func (e *TftpError) Error() string {
	return fmt.Sprintf("peer sent error %d: %q", e.Code, e.Message)
}

// A peer error terminates the transfer as a protocol failure, so it matches
// both kinds.
func (e *TftpError) Is(target error) bool {
	return target == ErrTftp || target == ErrProtocol
}
