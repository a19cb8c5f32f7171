package espboot

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies session failures.
type ErrorKind int

// Session error kinds.
const (
	TransportOpenFailed ErrorKind = iota + 1
	BannerTimeout
	SyncFailed
	UnexpectedResponse
	DeviceReportedError
	QueryTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case TransportOpenFailed:
		return "transport open failed"
	case BannerTimeout:
		return "banner timeout"
	case SyncFailed:
		return "sync failed"
	case UnexpectedResponse:
		return "unexpected response"
	case DeviceReportedError:
		return "device reported error"
	case QueryTimeout:
		return "query timeout"
	default:
		return "unknown error"
	}
}

// Error is returned by Session operations.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.Err }

func newError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ROM bootloader failure codes carried in response status bytes.
const (
	romInvalidMessage = 0x05
	romFailedToAct    = 0x06
	romInvalidCRC     = 0x07
	romFlashWriteErr  = 0x08
	romFlashReadErr   = 0x09
	romFlashReadLen   = 0x0A
	romDeflateError   = 0x0B
)

// ROMErrorString returns a description of a ROM bootloader failure code.
func ROMErrorString(code byte) string {
	switch code {
	case romInvalidMessage:
		return "invalid message"
	case romFailedToAct:
		return "failed to act"
	case romInvalidCRC:
		return "invalid CRC"
	case romFlashWriteErr:
		return "flash write error"
	case romFlashReadErr:
		return "flash read error"
	case romFlashReadLen:
		return "flash read length error"
	case romDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}
