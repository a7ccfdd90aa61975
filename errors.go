package modbus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	mb "github.com/goburrow/modbus"
)

// AccessError is returned by value access handlers to reject an access.
// Code is the modbus exception code sent back to the remote; Msg is
// logged locally by the slave.
type AccessError struct {
	Code uint8
	Msg  string
}

func (ae *AccessError) Error() (s string) {
	if ae.Msg != "" {
		s = fmt.Sprintf("access rejected (exception %d): %s", ae.Code, ae.Msg)
	} else {
		s = fmt.Sprintf("access rejected (exception %d)", ae.Code)
	}

	return
}

// NewAccessError returns an AccessError carrying exception code and message.
func NewAccessError(code uint8, format string, args ...interface{}) (ae *AccessError) {
	ae = &AccessError{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}

	return
}

// IsCommErr returns true if err is a transient communication error
// (timeout, connection reset, malformed or truncated frame) for which
// retrying the request makes sense.
func IsCommErr(err error) (isComm bool) {
	var netErr net.Error

	if err == nil {
		return
	}

	switch {
	case errors.Is(err, ErrRequestTimedOut),
		errors.Is(err, ErrBadCRC),
		errors.Is(err, ErrShortFrame),
		errors.Is(err, ErrProtocolError),
		errors.Is(err, ErrBadUnitId),
		errors.Is(err, ErrBadTransactionId),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		isComm = true
	case errors.As(err, &netErr) && netErr.Timeout():
		isComm = true
	}

	return
}

// IsException returns true if err is a modbus exception response carrying
// exceptionCode.
func IsException(err error, exceptionCode uint8) (is bool) {
	var code uint8
	var ok bool

	code, ok = exceptionCodeOf(err)
	is = ok && code == exceptionCode

	return
}

// Extracts the modbus exception code carried by err, if any.
func exceptionCodeOf(err error) (code uint8, ok bool) {
	var mbErr *mb.ModbusError
	var accessErr *AccessError

	switch {
	case errors.As(err, &mbErr):
		code, ok = mbErr.ExceptionCode, true
	case errors.As(err, &accessErr):
		code, ok = accessErr.Code, true
	}

	return
}
