// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc computes the CRC-16 checksum used by Modbus RTU frames
// (polynomial 0xA001, initial value 0xFFFF). The low byte is
// transmitted first.
package crc

// CRC is a streaming CRC-16 calculator.
type CRC struct {
	value uint16
}

// Reset initializes the shift register. It returns the receiver so a
// fresh computation can be chained: crc.Reset().PushBytes(data).
func (c *CRC) Reset() *CRC {
	c.value = 0xFFFF
	return c
}

// PushByte folds a single byte into the checksum.
func (c *CRC) PushByte(b byte) *CRC {
	c.value ^= uint16(b)
	for i := 0; i < 8; i++ {
		if c.value&1 != 0 {
			c.value = (c.value >> 1) ^ 0xA001
		} else {
			c.value >>= 1
		}
	}
	return c
}

// PushBytes folds a byte slice into the checksum.
func (c *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		c.PushByte(b)
	}
	return c
}

// Value returns the current checksum.
func (c *CRC) Value() uint16 {
	return c.value
}
