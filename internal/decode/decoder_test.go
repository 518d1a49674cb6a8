// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package decode

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-devicegw/internal/device"
)

func float32Param(name, order string, index uint16) device.Parameter {
	return device.Parameter{
		Name:          name,
		DataType:      device.TypeFloat32,
		RegisterIndex: index,
		ByteOrder:     order,
	}
}

func value(t *testing.T, r Reading) float64 {
	t.Helper()
	require.Emptyf(t, r.Error, "reading %s carries error", r.Name)
	v, ok := r.Value.(float64)
	require.True(t, ok)
	return v
}

func TestDecodeFloat32ByteOrders(t *testing.T) {
	d := NewDecoder("Generic")
	rng := device.Range{StartAddress: 100, Count: 2, FC: 3}
	words := []uint16{0x4248, 0xF5C3} // 50.24 big-endian

	readings := d.DecodeRange(rng, words, []device.Parameter{
		float32Param("V", device.OrderABCD, 100),
	})
	require.Len(t, readings, 1)
	assert.InDelta(t, 50.24, value(t, readings[0]), 1e-4)

	// CDAB swaps the words; the exact bit pattern is 0xF5C34248.
	readings = d.DecodeRange(rng, words, []device.Parameter{
		float32Param("V", device.OrderCDAB, 100),
	})
	assert.InDelta(t, float64(math.Float32frombits(0xF5C34248)), value(t, readings[0]), math.Abs(float64(math.Float32frombits(0xF5C34248)))*1e-6)

	readings = d.DecodeRange(rng, words, []device.Parameter{
		float32Param("V", device.OrderBADC, 100),
	})
	assert.InDelta(t, float64(math.Float32frombits(0x4842C3F5)), value(t, readings[0]), 1e-2)

	readings = d.DecodeRange(rng, words, []device.Parameter{
		float32Param("V", device.OrderDCBA, 100),
	})
	assert.InDelta(t, float64(math.Float32frombits(0xC3F54842)), value(t, readings[0]), 1e-2)
}

func TestDecodeVendorDefault(t *testing.T) {
	assert.Equal(t, device.OrderCDAB, DefaultByteOrder("China Energy Analyzer X"))
	assert.Equal(t, device.OrderCDAB, DefaultByteOrder("Acme Energy Analyzer"))
	assert.Equal(t, device.OrderABCD, DefaultByteOrder("Schneider Electric"))
	assert.Equal(t, device.OrderBADC, DefaultByteOrder("SIEMENS"))
	assert.Equal(t, device.OrderABCD, DefaultByteOrder("NoName"))

	// A parameter without byteOrder picks up the vendor default.
	d := NewDecoder("China Energy Analyzer X")
	rng := device.Range{StartAddress: 100, Count: 2, FC: 3}
	words := []uint16{0xF5C3, 0x4248} // word-swapped 50.24

	readings := d.DecodeRange(rng, words, []device.Parameter{
		float32Param("V", "", 100),
	})
	assert.InDelta(t, 50.24, value(t, readings[0]), 1e-4)
}

func TestDecodeIntegers(t *testing.T) {
	d := NewDecoder("")
	rng := device.Range{StartAddress: 0, Count: 4, FC: 3}
	words := []uint16{0xFFFE, 0x8000, 0xFFFF, 0xFFFE}

	readings := d.DecodeRange(rng, words, []device.Parameter{
		{Name: "i16", DataType: device.TypeInt16, RegisterIndex: 0},
		{Name: "u16", DataType: device.TypeUint16, RegisterIndex: 1},
		{Name: "i32", DataType: device.TypeInt32, RegisterIndex: 2},
		{Name: "u16swap", DataType: device.TypeUint16, RegisterIndex: 1, ByteOrder: "BA"},
	})

	assert.Equal(t, float64(-2), value(t, readings[0]))
	assert.Equal(t, float64(0x8000), value(t, readings[1]))
	assert.Equal(t, float64(-2), value(t, readings[2]))
	assert.Equal(t, float64(0x0080), value(t, readings[3]))
}

func TestDecodeRelativeAndAbsoluteIndex(t *testing.T) {
	d := NewDecoder("")
	rng := device.Range{StartAddress: 200, Count: 3, FC: 3}
	words := []uint16{10, 20, 30}

	readings := d.DecodeRange(rng, words, []device.Parameter{
		{Name: "abs", DataType: device.TypeUint16, RegisterIndex: 201},
		{Name: "rel", DataType: device.TypeUint16, RegisterIndex: 2},
		{Name: "out", DataType: device.TypeUint16, RegisterIndex: 500},
	})

	assert.Equal(t, float64(20), value(t, readings[0]))
	assert.Equal(t, float64(30), value(t, readings[1]))
	assert.Nil(t, readings[2].Value)
	assert.Equal(t, ErrOutOfRange, readings[2].Error)
}

func TestDecodeInsufficientWords(t *testing.T) {
	d := NewDecoder("")
	rng := device.Range{StartAddress: 0, Count: 2, FC: 3}

	readings := d.DecodeRange(rng, []uint16{1, 2}, []device.Parameter{
		{Name: "f", DataType: device.TypeFloat32, RegisterIndex: 1},
	})
	assert.Equal(t, ErrInsufficientWords, readings[0].Error)
	assert.Nil(t, readings[0].Value)
}

func TestDecodeBit(t *testing.T) {
	d := NewDecoder("")
	rng := device.Range{StartAddress: 0, Count: 1, FC: 3}

	readings := d.DecodeRange(rng, []uint16{0b0000_0100}, []device.Parameter{
		{Name: "b2", DataType: device.TypeBit, RegisterIndex: 0, BitPosition: 2},
		{Name: "b0", DataType: device.TypeBit, RegisterIndex: 0, BitPosition: 0},
		{Name: "masked", DataType: device.TypeBit, RegisterIndex: 0, Bitmask: 0x0006},
	})

	assert.Equal(t, true, readings[0].Value)
	assert.Equal(t, false, readings[1].Value)
	assert.Equal(t, true, readings[2].Value)
}

func TestDecodeScalingAndRounding(t *testing.T) {
	d := NewDecoder("")
	rng := device.Range{StartAddress: 0, Count: 1, FC: 3}
	two := 2

	readings := d.DecodeRange(rng, []uint16{1250}, []device.Parameter{
		{Name: "scaled", DataType: device.TypeUint16, RegisterIndex: 0, ScalingFactor: 0.01},
		{Name: "eq", DataType: device.TypeUint16, RegisterIndex: 0, ScalingEquation: "x / 10 + 5"},
		{Name: "rounded", DataType: device.TypeUint16, RegisterIndex: 0, ScalingFactor: 0.001, DecimalPoint: &two},
	})

	assert.InDelta(t, 12.5, value(t, readings[0]), 1e-9)
	assert.InDelta(t, 130, value(t, readings[1]), 1e-9)
	// 1.25 rounds half-to-even at 2 digits: stays 1.25; but 1.2
	assert.InDelta(t, 1.25, value(t, readings[2]), 1e-9)
}

func TestDecodeRoundHalfToEven(t *testing.T) {
	d := NewDecoder("")
	rng := device.Range{StartAddress: 0, Count: 1, FC: 3}
	zero := 0

	readings := d.DecodeRange(rng, []uint16{25}, []device.Parameter{
		{Name: "a", DataType: device.TypeUint16, RegisterIndex: 0, ScalingFactor: 0.1, DecimalPoint: &zero},
	})
	// 2.5 rounds half-to-even to 2, not 3.
	assert.Equal(t, float64(2), value(t, readings[0]))
}

func TestDecodeEquationErrorKeepsValue(t *testing.T) {
	d := NewDecoder("")
	rng := device.Range{StartAddress: 0, Count: 1, FC: 3}

	readings := d.DecodeRange(rng, []uint16{100}, []device.Parameter{
		{Name: "divzero", DataType: device.TypeUint16, RegisterIndex: 0, ScalingEquation: "x / 0"},
		{Name: "badexpr", DataType: device.TypeUint16, RegisterIndex: 0, ScalingEquation: "x + y"},
	})

	assert.Equal(t, ErrEquation, readings[0].Error)
	assert.Equal(t, float64(100), readings[0].Value)
	assert.Equal(t, ErrEquation, readings[1].Error)
	assert.Equal(t, float64(100), readings[1].Value)
}

func TestDecodeClamp(t *testing.T) {
	d := NewDecoder("")
	rng := device.Range{StartAddress: 0, Count: 1, FC: 3}
	lo, hi := 0.0, 100.0

	readings := d.DecodeRange(rng, []uint16{5000}, []device.Parameter{
		{Name: "v", DataType: device.TypeUint16, RegisterIndex: 0, MinValue: &lo, MaxValue: &hi},
	})
	assert.Equal(t, float64(100), value(t, readings[0]))
}

func TestDecodeNonFiniteFloat(t *testing.T) {
	d := NewDecoder("")
	rng := device.Range{StartAddress: 0, Count: 2, FC: 3}

	// 0x7FC00000 is a quiet NaN.
	readings := d.DecodeRange(rng, []uint16{0x7FC0, 0x0000}, []device.Parameter{
		float32Param("nan", device.OrderABCD, 0),
	})
	assert.Equal(t, ErrNonFinite, readings[0].Error)
	assert.Nil(t, readings[0].Value)
}

func TestDecodeRoundTripFloat32(t *testing.T) {
	orders := []string{device.OrderABCD, device.OrderCDAB, device.OrderBADC, device.OrderDCBA}
	values := []float32{0, 1, -1, 50.24, 3.1415927, -1e-6, 6.02e23}

	d := NewDecoder("")
	for _, order := range orders {
		for _, want := range values {
			bits := math.Float32bits(want)
			a, b := byte(bits>>24), byte(bits>>16)
			c, dd := byte(bits>>8), byte(bits)

			var w0, w1 uint16
			switch order {
			case device.OrderABCD:
				w0, w1 = uint16(a)<<8|uint16(b), uint16(c)<<8|uint16(dd)
			case device.OrderCDAB:
				w0, w1 = uint16(c)<<8|uint16(dd), uint16(a)<<8|uint16(b)
			case device.OrderBADC:
				w0, w1 = uint16(b)<<8|uint16(a), uint16(dd)<<8|uint16(c)
			case device.OrderDCBA:
				w0, w1 = uint16(dd)<<8|uint16(c), uint16(b)<<8|uint16(a)
			}

			rng := device.Range{StartAddress: 0, Count: 2, FC: 3}
			readings := d.DecodeRange(rng, []uint16{w0, w1}, []device.Parameter{
				float32Param("v", order, 0),
			})
			assert.Equal(t, float64(want), value(t, readings[0]), "order %s value %v", order, want)
		}
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		x    float64
		want float64
	}{
		{"x", 5, 5},
		{"x * 2 + 1", 3, 7},
		{"(x + 1) * (x - 1)", 4, 15},
		{"-x", 2, -2},
		{"x ^ 2", 3, 9},
		{"2 ^ 3 ^ 2", 0, 512}, // right-associative
		{"exp(0) + cos(0)", 0, 2},
		{"log(exp(x))", 2.5, 2.5},
		{"sin(0)", 1, 0},
		{"1.5e2 + x", 1, 151},
	}
	for _, tc := range tests {
		got, err := Evaluate(tc.expr, tc.x)
		require.NoErrorf(t, err, "expr %q", tc.expr)
		assert.InDeltaf(t, tc.want, got, 1e-9, "expr %q", tc.expr)
	}

	for _, expr := range []string{"", "x +", "foo(x)", "x; 1", "x)(", "1 2", "y"} {
		_, err := Evaluate(expr, 1)
		assert.Errorf(t, err, "expr %q should fail", expr)
	}
}

func TestDecoderFailedRange(t *testing.T) {
	d := NewDecoder("")
	readings := d.Failed([]device.Parameter{
		{Name: "a", DataType: device.TypeUint16, RegisterIndex: 0},
		{Name: "b", DataType: device.TypeFloat32, RegisterIndex: 1},
	}, ErrRangeRead)

	require.Len(t, readings, 2)
	for _, r := range readings {
		assert.Nil(t, r.Value)
		assert.Equal(t, ErrRangeRead, r.Error)
	}
}
