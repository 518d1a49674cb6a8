// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateResponseLength(t *testing.T) {
	tests := []struct {
		name string
		adu  []byte
		want int
	}{
		{"ReadHolding_2Regs", []byte{0x01, 0x03, 0x00, 0x64, 0x00, 0x02}, 4 + 1 + 4},
		{"ReadCoils_10", []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x0A}, 4 + 1 + 2},
		{"WriteSingleRegister", []byte{0x01, 0x06, 0x00, 0x01, 0xAA, 0xBB}, 8},
		{"WriteMultipleRegisters", []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateResponseLength(tt.adu))
		})
	}
}

func TestReadResponse(t *testing.T) {
	// FC3 response: slave 1, byte count 4, two registers, CRC placeholder.
	frame := []byte{0x01, 0x03, 0x04, 0x42, 0x48, 0xF5, 0xC3, 0x99, 0x88}

	got, err := ReadResponse(0x01, 0x03, bytes.NewReader(frame), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestReadResponse_SkipsLineNoise(t *testing.T) {
	frame := []byte{0x01, 0x06, 0x00, 0x01, 0xAA, 0xBB, 0x11, 0x22}
	noisy := append([]byte{0xFF, 0x00, 0x7E}, frame...)

	got, err := ReadResponse(0x01, 0x06, bytes.NewReader(noisy), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestReadResponse_Exception(t *testing.T) {
	// FC3 exception: 0x83 + illegal data address + CRC placeholder.
	frame := []byte{0x01, 0x83, 0x02, 0x11, 0x22}

	got, err := ReadResponse(0x01, 0x03, bytes.NewReader(frame), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestReadResponse_InvalidLength(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00}

	_, err := ReadResponse(0x01, 0x03, bytes.NewReader(frame), time.Now().Add(time.Second))
	var invalid *InvalidLengthError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, byte(0), invalid.Length)
}
