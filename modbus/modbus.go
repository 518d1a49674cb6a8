// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the wire-level vocabulary shared by every
// transport: protocol data units, function codes, quantity limits and
// exception responses.
package modbus

import "fmt"

// ProtocolDataUnit is the transport-independent part of a Modbus message.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Function Codes
const (
	FuncCodeReadCoils            = 0x01
	FuncCodeReadDiscreteInputs   = 0x02
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10
	FuncCodeMaskWriteRegister      = 0x16

	FuncCodeReadWriteMultipleRegisters = 0x17
	FuncCodeReadFIFOQueue              = 0x18
	FuncCodeReadDeviceIdentification   = 0x2B
)

// Quantity limits per the Modbus application protocol.
const (
	MaxRegisterQuantity      = 125  // FC 3/4
	MaxWriteRegisterQuantity = 123  // FC 16
	MaxBitQuantity           = 2000 // FC 1/2
)

// Exception Codes
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
	ExceptionDeviceFailure      = 0x04
	ExceptionAcknowledge        = 0x05
	ExceptionDeviceBusy         = 0x06
	ExceptionMemoryParityError  = 0x08
	ExceptionGatewayUnavailable = 0x0A
	ExceptionGatewayNoResponse  = 0x0B
)

// ExceptionError is a Modbus exception response reported by the slave.
type ExceptionError struct {
	FunctionCode  byte // original function code, high bit cleared
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'",
		e.ExceptionCode, ExceptionName(e.ExceptionCode), e.FunctionCode)
}

// ExceptionName returns the specification name of an exception code.
func ExceptionName(code byte) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionDeviceFailure:
		return "slave device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionDeviceBusy:
		return "slave device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayNoResponse:
		return "gateway target device failed to respond"
	default:
		return "unknown exception"
	}
}

// AsException inspects a response PDU and, if the function code has the
// high bit set, returns the decoded exception. Returns nil for normal
// responses.
func AsException(pdu ProtocolDataUnit) *ExceptionError {
	if pdu.FunctionCode&0x80 == 0 {
		return nil
	}
	e := &ExceptionError{FunctionCode: pdu.FunctionCode &^ 0x80}
	if len(pdu.Data) > 0 {
		e.ExceptionCode = pdu.Data[0]
	}
	return e
}
