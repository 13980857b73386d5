// error_kind.go defines the kinds of error notifications delivered to the client.

package types

import (
	"fmt"
)

type ErrorKind int

const (
	ErrorKindUndefined = ErrorKind(iota)
	ErrorKindDevice
	ErrorKindRequest
	ErrorKindResult
	ErrorKindBuffer
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindUndefined:
		return "undefined"
	case ErrorKindDevice:
		return "device"
	case ErrorKindRequest:
		return "request"
	case ErrorKindResult:
		return "result"
	case ErrorKindBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("unknown_error_kind_%d", int(k))
	}
}

type BufferStatus int

const (
	BufferStatusOK = BufferStatus(iota)
	BufferStatusError
)

func (s BufferStatus) String() string {
	switch s {
	case BufferStatusOK:
		return "ok"
	case BufferStatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown_buffer_status_%d", int(s))
	}
}
