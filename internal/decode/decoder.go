// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package decode converts raw Modbus register words into typed,
// scaled readings following the parser attached to each register
// range. A single parameter never aborts the range: every failure
// path yields a reading with a nil value and an error code.
package decode

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/ffutop/modbus-devicegw/internal/device"
)

// Error codes attached to readings.
const (
	ErrOutOfRange        = "OutOfRange"
	ErrInsufficientWords = "InsufficientWords"
	ErrNonFinite         = "NonFinite"
	ErrEquation          = "EquationError"
	ErrRangeRead         = "RangeReadError"
)

// Reading is one decoded parameter. Value is a float64, a bool for
// BIT parameters, or nil when Error is set. EquationError is the one
// case where both Value and Error are populated: the pre-equation
// value is kept.
type Reading struct {
	Name          string `json:"name"`
	RegisterIndex uint16 `json:"registerIndex"`
	Value         any    `json:"value"`
	Unit          string `json:"unit,omitempty"`
	DataType      string `json:"dataType"`
	Error         string `json:"error,omitempty"`
}

// Vendor default byte orders, matched against the device make.
var vendorOrders = []struct {
	pattern *regexp.Regexp
	order   string
}{
	{regexp.MustCompile(`(?i)china|energy analyzer`), device.OrderCDAB},
	{regexp.MustCompile(`(?i)schneider`), device.OrderABCD},
	{regexp.MustCompile(`(?i)siemens`), device.OrderBADC},
}

// DefaultByteOrder returns the byte order implied by the device make
// when a parameter does not set one.
func DefaultByteOrder(deviceMake string) string {
	for _, v := range vendorOrders {
		if v.pattern.MatchString(deviceMake) {
			return v.order
		}
	}
	return device.OrderABCD
}

// Decoder decodes register ranges for one device.
type Decoder struct {
	defaultOrder string
}

func NewDecoder(deviceMake string) *Decoder {
	return &Decoder{defaultOrder: DefaultByteOrder(deviceMake)}
}

// Failed returns one errored reading per parameter, used when the
// whole range exchange failed and no words exist to decode.
func (d *Decoder) Failed(params []device.Parameter, code string) []Reading {
	readings := make([]Reading, 0, len(params))
	for _, p := range params {
		readings = append(readings, Reading{
			Name:          p.Name,
			RegisterIndex: p.RegisterIndex,
			Unit:          p.Unit,
			DataType:      p.DataType,
			Error:         code,
		})
	}
	return readings
}

// DecodeRange decodes every parameter of one range against its word
// vector. words has rng.Count entries; for coil ranges the caller
// widens each bit to a 0/1 word first.
func (d *Decoder) DecodeRange(rng device.Range, words []uint16, params []device.Parameter) []Reading {
	readings := make([]Reading, 0, len(params))
	for _, p := range params {
		readings = append(readings, d.decodeParameter(rng, words, p))
	}
	return readings
}

func (d *Decoder) decodeParameter(rng device.Range, words []uint16, p device.Parameter) Reading {
	reading := Reading{
		Name:          p.Name,
		RegisterIndex: p.RegisterIndex,
		Unit:          p.Unit,
		DataType:      p.DataType,
	}

	count := uint16(len(words))

	// Absolute index when it falls inside the range's address window,
	// otherwise relative to the range start.
	var r uint16
	switch {
	case p.RegisterIndex >= rng.StartAddress && p.RegisterIndex < rng.StartAddress+count:
		r = p.RegisterIndex - rng.StartAddress
	case p.RegisterIndex < count:
		r = p.RegisterIndex
	default:
		reading.Error = ErrOutOfRange
		return reading
	}

	wordCount := uint16(p.Words())
	if r+wordCount > count {
		reading.Error = ErrInsufficientWords
		return reading
	}

	order := p.ByteOrder
	if order == "" {
		order = d.defaultOrder
	}

	if p.DataType == device.TypeBit {
		word := words[r]
		var on bool
		if p.Bitmask != 0 {
			on = word&p.Bitmask != 0
		} else {
			on = word>>(p.BitPosition&0x0F)&1 != 0
		}
		reading.Value = on
		return reading
	}

	value, err := interpret(p.DataType, order, words[r:r+wordCount])
	if err != "" {
		reading.Error = err
		return reading
	}

	if p.ScalingFactor != 0 && p.ScalingFactor != 1 {
		scaled := value * p.ScalingFactor
		if !math.IsInf(scaled, 0) && !math.IsNaN(scaled) {
			value = scaled
		}
	}

	if p.ScalingEquation != "" {
		out, err := Evaluate(p.ScalingEquation, value)
		switch {
		case err != nil, math.IsInf(out, 0), math.IsNaN(out):
			reading.Error = ErrEquation
		default:
			value = out
		}
	}

	if p.DecimalPoint != nil && *p.DecimalPoint >= 0 {
		pow := math.Pow10(*p.DecimalPoint)
		value = math.RoundToEven(value*pow) / pow
	}

	if p.MinValue != nil && value < *p.MinValue {
		value = *p.MinValue
	}
	if p.MaxValue != nil && value > *p.MaxValue {
		value = *p.MaxValue
	}

	reading.Value = value
	return reading
}

// interpret assembles the raw words per the byte order and converts
// them to a float64 of the declared data type. The returned string is
// an error code, empty on success.
func interpret(dataType, order string, words []uint16) (float64, string) {
	switch dataType {
	case device.TypeInt16, device.TypeUint16:
		word := words[0]
		if strings.HasPrefix(order, "BA") || order == device.OrderDCBA {
			word = word<<8 | word>>8
		}
		if dataType == device.TypeInt16 {
			return float64(int16(word)), ""
		}
		return float64(word), ""

	case device.TypeInt32, device.TypeUint32, device.TypeFloat32:
		buf := assemble4(order, words[0], words[1])
		raw := binary.BigEndian.Uint32(buf[:])
		switch dataType {
		case device.TypeInt32:
			return float64(int32(raw)), ""
		case device.TypeUint32:
			return float64(raw), ""
		default:
			f := math.Float32frombits(raw)
			if math.IsInf(float64(f), 0) || math.IsNaN(float64(f)) {
				return 0, ErrNonFinite
			}
			return float64(f), ""
		}

	default:
		return 0, fmt.Sprintf("UnknownType:%s", dataType)
	}
}

// assemble4 lays out two registers as four bytes. A/B are the high and
// low bytes of the first word, C/D of the second.
func assemble4(order string, w0, w1 uint16) [4]byte {
	a, b := byte(w0>>8), byte(w0)
	c, dd := byte(w1>>8), byte(w1)
	switch order {
	case device.OrderCDAB:
		return [4]byte{c, dd, a, b}
	case device.OrderBADC:
		return [4]byte{b, a, dd, c}
	case device.OrderDCBA:
		return [4]byte{dd, c, b, a}
	default: // ABCD
		return [4]byte{a, b, c, dd}
	}
}
