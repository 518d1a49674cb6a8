// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// NewReadRequest builds a read request PDU for FC 1, 2, 3 or 4.
func NewReadRequest(functionCode byte, address, quantity uint16) (ProtocolDataUnit, error) {
	switch functionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		if quantity < 1 || quantity > MaxBitQuantity {
			return ProtocolDataUnit{}, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, MaxBitQuantity)
		}
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if quantity < 1 || quantity > MaxRegisterQuantity {
			return ProtocolDataUnit{}, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, MaxRegisterQuantity)
		}
	default:
		return ProtocolDataUnit{}, fmt.Errorf("modbus: function code '%v' is not a read function", functionCode)
	}

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], quantity)
	return ProtocolDataUnit{FunctionCode: functionCode, Data: data}, nil
}

// NewWriteSingleCoilRequest builds an FC 5 request. The on-value is
// encoded as 0xFF00 per the specification.
func NewWriteSingleCoilRequest(address uint16, on bool) ProtocolDataUnit {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	if on {
		binary.BigEndian.PutUint16(data[2:], 0xFF00)
	}
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: data}
}

// NewWriteSingleRegisterRequest builds an FC 6 request.
func NewWriteSingleRegisterRequest(address, value uint16) ProtocolDataUnit {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], value)
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleRegister, Data: data}
}

// NewWriteMultipleRegistersRequest builds an FC 16 request.
func NewWriteMultipleRegistersRequest(address uint16, values []uint16) (ProtocolDataUnit, error) {
	quantity := len(values)
	if quantity < 1 || quantity > MaxWriteRegisterQuantity {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, MaxWriteRegisterQuantity)
	}

	data := make([]byte, 5+2*quantity)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], uint16(quantity))
	data[4] = byte(2 * quantity)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteMultipleRegisters, Data: data}, nil
}

// ParseRegisters extracts the register words from an FC 3/4 response.
// The response must echo the request function code and carry a byte
// count matching the requested quantity.
func ParseRegisters(req, resp ProtocolDataUnit, quantity uint16) ([]uint16, error) {
	if exc := AsException(resp); exc != nil {
		return nil, exc
	}
	if resp.FunctionCode != req.FunctionCode {
		return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.FunctionCode, req.FunctionCode)
	}
	if len(resp.Data) < 1 {
		return nil, fmt.Errorf("modbus: response data is empty")
	}
	byteCount := int(resp.Data[0])
	if byteCount != 2*int(quantity) || len(resp.Data)-1 != byteCount {
		return nil, fmt.Errorf("modbus: response byte count '%v' does not match quantity '%v'", byteCount, quantity)
	}

	words := make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(resp.Data[1+2*i:])
	}
	return words, nil
}

// ParseBits extracts the coil/discrete-input states from an FC 1/2
// response.
func ParseBits(req, resp ProtocolDataUnit, quantity uint16) ([]bool, error) {
	if exc := AsException(resp); exc != nil {
		return nil, exc
	}
	if resp.FunctionCode != req.FunctionCode {
		return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.FunctionCode, req.FunctionCode)
	}
	if len(resp.Data) < 1 {
		return nil, fmt.Errorf("modbus: response data is empty")
	}
	byteCount := int(resp.Data[0])
	expected := (int(quantity) + 7) / 8
	if byteCount != expected || len(resp.Data)-1 != byteCount {
		return nil, fmt.Errorf("modbus: response byte count '%v' does not match quantity '%v'", byteCount, quantity)
	}

	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = resp.Data[1+i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}

// VerifyWriteEcho validates the response to an FC 5/6/16 request. The
// slave echoes address plus value (FC 5/6) or address plus quantity
// (FC 16).
func VerifyWriteEcho(req, resp ProtocolDataUnit) error {
	if exc := AsException(resp); exc != nil {
		return exc
	}
	if resp.FunctionCode != req.FunctionCode {
		return fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.FunctionCode, req.FunctionCode)
	}
	if len(resp.Data) < 4 {
		return fmt.Errorf("modbus: write response length '%v' does not meet minimum '%v'", len(resp.Data), 4)
	}

	reqAddr := binary.BigEndian.Uint16(req.Data[0:])
	respAddr := binary.BigEndian.Uint16(resp.Data[0:])
	if respAddr != reqAddr {
		return fmt.Errorf("modbus: response address '%v' does not match request '%v'", respAddr, reqAddr)
	}

	switch req.FunctionCode {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		reqVal := binary.BigEndian.Uint16(req.Data[2:])
		respVal := binary.BigEndian.Uint16(resp.Data[2:])
		if respVal != reqVal {
			return fmt.Errorf("modbus: response value '%v' does not match request '%v'", respVal, reqVal)
		}
	case FuncCodeWriteMultipleRegisters:
		reqQty := binary.BigEndian.Uint16(req.Data[2:])
		respQty := binary.BigEndian.Uint16(resp.Data[2:])
		if respQty != reqQty {
			return fmt.Errorf("modbus: response quantity '%v' does not match request '%v'", respQty, reqQty)
		}
	}
	return nil
}
