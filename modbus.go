package modbus

import (
	"errors"
	"fmt"

	mb "github.com/goburrow/modbus"
)

type pdu struct {
	unitId       uint8
	functionCode uint8
	payload      []byte
}

type Error string

// Error implements the error interface.
func (me Error) Error() (s string) {
	s = string(me)
	return
}

const (
	// coils
	fcReadCoils          uint8 = mb.FuncCodeReadCoils
	fcWriteSingleCoil    uint8 = mb.FuncCodeWriteSingleCoil
	fcWriteMultipleCoils uint8 = mb.FuncCodeWriteMultipleCoils

	// discrete inputs
	fcReadDiscreteInputs uint8 = mb.FuncCodeReadDiscreteInputs

	// 16-bit input/holding registers
	fcReadHoldingRegisters   uint8 = mb.FuncCodeReadHoldingRegisters
	fcReadInputRegisters     uint8 = mb.FuncCodeReadInputRegisters
	fcWriteSingleRegister    uint8 = mb.FuncCodeWriteSingleRegister
	fcWriteMultipleRegisters uint8 = mb.FuncCodeWriteMultipleRegisters

	// slave identification
	fcReportSlaveId uint8 = 0x11

	// file access
	fcReadFileRecord  uint8 = 0x14
	fcWriteFileRecord uint8 = 0x15

	// exception codes
	exIllegalFunction         uint8 = mb.ExceptionCodeIllegalFunction
	exIllegalDataAddress      uint8 = mb.ExceptionCodeIllegalDataAddress
	exIllegalDataValue        uint8 = mb.ExceptionCodeIllegalDataValue
	exServerDeviceFailure     uint8 = mb.ExceptionCodeServerDeviceFailure
	exAcknowledge             uint8 = mb.ExceptionCodeAcknowledge
	exServerDeviceBusy        uint8 = mb.ExceptionCodeServerDeviceBusy
	exMemoryParityError       uint8 = mb.ExceptionCodeMemoryParityError
	exGWPathUnavailable       uint8 = mb.ExceptionCodeGatewayPathUnavailable
	exGWTargetFailedToRespond uint8 = mb.ExceptionCodeGatewayTargetDeviceFailedToRespond

	// PDU limits
	maxPDULength    int   = 253
	fileRefType     byte  = 0x06
	broadcastUnitId uint8 = 0x00
	tcpAnyUnitId    uint8 = 0xff

	// errors
	ErrInvalidConnParams       Error = "invalid connection parameters"
	ErrNotConnected            Error = "not connected"
	ErrRequestTimedOut         Error = "request timed out"
	ErrIllegalFunction         Error = "illegal function"
	ErrIllegalDataAddress      Error = "illegal data address"
	ErrIllegalDataValue        Error = "illegal data value"
	ErrServerDeviceFailure     Error = "server device failure"
	ErrAcknowledge             Error = "request acknowledged"
	ErrServerDeviceBusy        Error = "server device busy"
	ErrMemoryParityError       Error = "memory parity error"
	ErrGWPathUnavailable       Error = "gateway path unavailable"
	ErrGWTargetFailedToRespond Error = "gateway target device failed to respond"
	ErrBadCRC                  Error = "bad crc"
	ErrShortFrame              Error = "short frame"
	ErrProtocolError           Error = "protocol error"
	ErrBadUnitId               Error = "bad unit id"
	ErrBadTransactionId        Error = "bad transaction id"
	ErrUnknownProtocolId       Error = "unknown protocol identifier"
	ErrUnexpectedParameters    Error = "unexpected parameters"
	ErrInvalidSlaveAddr        Error = "invalid slave address"
	ErrHeaderMismatch          Error = "P44 header mismatch"
	ErrCRCMismatch             Error = "file CRC or size mismatch"
	ErrPDUSizeExceeded         Error = "PDU size exceeded"
	ErrFileTooLarge            Error = "file too large"
	ErrReadOnly                Error = "file is read-only"
)

// mapExceptionCodeToError turns a modbus exception code received for
// function code fc into an error. Known codes are returned as
// *mb.ModbusError so that callers can inspect both function and exception code.
func mapExceptionCodeToError(fc uint8, exceptionCode uint8) (err error) {
	switch exceptionCode {
	case exIllegalFunction, exIllegalDataAddress, exIllegalDataValue,
		exServerDeviceFailure, exAcknowledge, exServerDeviceBusy,
		exMemoryParityError, exGWPathUnavailable, exGWTargetFailedToRespond:
		err = &mb.ModbusError{FunctionCode: fc, ExceptionCode: exceptionCode}
	default:
		err = fmt.Errorf("unknown exception code (%v)", exceptionCode)
	}

	return
}

// mapErrorToExceptionCode turns an error into a modbus exception code.
func mapErrorToExceptionCode(err error) (exceptionCode uint8) {
	var code uint8
	var ok bool

	if code, ok = exceptionCodeOf(err); ok {
		exceptionCode = code
		return
	}

	switch {
	case errors.Is(err, ErrIllegalFunction), errors.Is(err, ErrReadOnly):
		exceptionCode = exIllegalFunction
	case errors.Is(err, ErrIllegalDataAddress):
		exceptionCode = exIllegalDataAddress
	case errors.Is(err, ErrIllegalDataValue), errors.Is(err, ErrHeaderMismatch),
		errors.Is(err, ErrPDUSizeExceeded), errors.Is(err, ErrFileTooLarge):
		exceptionCode = exIllegalDataValue
	case errors.Is(err, ErrServerDeviceFailure):
		exceptionCode = exServerDeviceFailure
	case errors.Is(err, ErrAcknowledge):
		exceptionCode = exAcknowledge
	case errors.Is(err, ErrMemoryParityError):
		exceptionCode = exMemoryParityError
	case errors.Is(err, ErrServerDeviceBusy):
		exceptionCode = exServerDeviceBusy
	case errors.Is(err, ErrGWPathUnavailable):
		exceptionCode = exGWPathUnavailable
	case errors.Is(err, ErrGWTargetFailedToRespond):
		exceptionCode = exGWTargetFailedToRespond
	default:
		exceptionCode = exServerDeviceFailure
	}

	return
}
