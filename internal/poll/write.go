// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poll

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/ffutop/modbus-devicegw/internal/decode"
	"github.com/ffutop/modbus-devicegw/internal/device"
	"github.com/ffutop/modbus-devicegw/modbus"
	"github.com/ffutop/modbus-devicegw/transport"
)

// WriteParam is one control request entry. RegisterIndex is a pointer
// so a missing field is distinguishable from address 0.
type WriteParam struct {
	Name          string  `json:"name"`
	RegisterIndex *uint16 `json:"registerIndex"`
	Value         any     `json:"value"`
	DataType      string  `json:"dataType"`
}

// WriteResult is the per-parameter outcome of a control request.
type WriteResult struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// writeUnit is one parameter lowered to registers or a coil.
type writeUnit struct {
	param   int // index into params/results
	address uint16
	words   []uint16 // nil for coils
	coil    bool
	on      bool
}

// Write performs the one-shot control path. All parameters are
// validated up front; execution is then best-effort per parameter.
// Contiguous register runs go out as one FC16, isolated registers as
// FC6, coils as FC5.
func (p *Poller) Write(ctx context.Context, params []WriteParam) ([]WriteResult, error) {
	if err := p.dev.Validate(); err != nil {
		return nil, err
	}
	if !p.dev.Enabled {
		return nil, ErrDeviceDisabled
	}
	if len(params) == 0 {
		return nil, &ErrInvalidParameter{Reason: "no parameters given"}
	}

	units := make([]writeUnit, 0, len(params))
	for i, wp := range params {
		unit, err := p.lowerParam(i, wp)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}

	lease, err := p.sessions.Acquire(ctx, p.dev)
	if err != nil {
		return nil, err
	}

	results := make([]WriteResult, len(params))
	for i, wp := range params {
		results[i] = WriteResult{Name: wp.Name}
	}

	var lastErr error
	for _, group := range groupUnits(units) {
		err := p.writeGroup(ctx, lease.Driver, group)
		for _, u := range group {
			if err != nil {
				results[u.param].Error = ErrorType(err)
			} else {
				results[u.param].Success = true
			}
		}
		if err != nil {
			lastErr = err
		}
	}

	lease.Release(lastErr)
	return results, nil
}

// lowerParam validates one parameter and converts its value into wire
// words. Every failure is an *ErrInvalidParameter.
func (p *Poller) lowerParam(index int, wp WriteParam) (writeUnit, error) {
	if wp.Name == "" {
		return writeUnit{}, &ErrInvalidParameter{Reason: "missing name"}
	}
	if wp.RegisterIndex == nil {
		return writeUnit{}, &ErrInvalidParameter{Name: wp.Name, Reason: "missing registerIndex"}
	}
	if wp.Value == nil {
		return writeUnit{}, &ErrInvalidParameter{Name: wp.Name, Reason: "missing value"}
	}

	unit := writeUnit{param: index, address: *wp.RegisterIndex}

	if wp.DataType == device.TypeBit {
		on, err := boolValue(wp.Value)
		if err != nil {
			return writeUnit{}, &ErrInvalidParameter{Name: wp.Name, Reason: err.Error()}
		}
		unit.coil = true
		unit.on = on
		return unit, nil
	}

	v, err := numericValue(wp.Value)
	if err != nil {
		return writeUnit{}, &ErrInvalidParameter{Name: wp.Name, Reason: err.Error()}
	}

	order := decode.DefaultByteOrder(p.dev.Make)
	switch wp.DataType {
	case device.TypeInt16:
		unit.words = []uint16{swapIf(order, uint16(int16(math.Round(v))))}
	case device.TypeUint16:
		unit.words = []uint16{swapIf(order, uint16(math.Round(v)))}
	case device.TypeInt32:
		unit.words = splitWords(order, uint32(int32(math.Round(v))))
	case device.TypeUint32:
		unit.words = splitWords(order, uint32(math.Round(v)))
	case device.TypeFloat32:
		unit.words = splitWords(order, math.Float32bits(float32(v)))
	default:
		return writeUnit{}, &ErrInvalidParameter{Name: wp.Name,
			Reason: fmt.Sprintf("unknown data type '%s'", wp.DataType)}
	}
	return unit, nil
}

// groupUnits sorts register units by address and merges contiguous
// runs. Coils are never grouped; each goes out as its own FC5.
func groupUnits(units []writeUnit) [][]writeUnit {
	var coils, regs []writeUnit
	for _, u := range units {
		if u.coil {
			coils = append(coils, u)
		} else {
			regs = append(regs, u)
		}
	}
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].address < regs[j].address })

	var groups [][]writeUnit
	for _, c := range coils {
		groups = append(groups, []writeUnit{c})
	}

	var run []writeUnit
	next := uint16(0)
	for _, u := range regs {
		if len(run) > 0 && u.address == next {
			run = append(run, u)
		} else {
			if len(run) > 0 {
				groups = append(groups, run)
			}
			run = []writeUnit{u}
		}
		next = u.address + uint16(len(u.words))
	}
	if len(run) > 0 {
		groups = append(groups, run)
	}
	return groups
}

// writeGroup issues the minimal write for one group: FC5 for a coil,
// FC6 for a single register, FC16 for a contiguous run.
func (p *Poller) writeGroup(ctx context.Context, driver transport.Driver, group []writeUnit) error {
	var req modbus.ProtocolDataUnit
	var err error

	first := group[0]
	switch {
	case first.coil:
		req = modbus.NewWriteSingleCoilRequest(first.address, first.on)
	default:
		var words []uint16
		for _, u := range group {
			words = append(words, u.words...)
		}
		if len(words) == 1 {
			req = modbus.NewWriteSingleRegisterRequest(first.address, words[0])
		} else {
			req, err = modbus.NewWriteMultipleRegistersRequest(first.address, words)
			if err != nil {
				return err
			}
		}
	}

	exchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	resp, err := driver.Exchange(exchCtx, p.dev.UnitID(), req)
	cancel()
	if err != nil {
		return err
	}
	return modbus.VerifyWriteEcho(req, resp)
}

func boolValue(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case int:
		return x != 0, nil
	default:
		return false, fmt.Errorf("value must be boolean or numeric, got %T", v)
	}
}

func numericValue(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("value must be numeric, got %T", v)
	}
}

// swapIf swaps the word's bytes for low-byte-first orders.
func swapIf(order string, w uint16) uint16 {
	if order == device.OrderBADC || order == device.OrderDCBA {
		return w<<8 | w>>8
	}
	return w
}

// splitWords lays a 32-bit value out as two registers so that reading
// them back under the same byte order reproduces the value.
func splitWords(order string, bits uint32) []uint16 {
	hi, lo := uint16(bits>>16), uint16(bits)
	switch order {
	case device.OrderCDAB:
		return []uint16{lo, hi}
	case device.OrderBADC:
		return []uint16{hi<<8 | hi>>8, lo<<8 | lo>>8}
	case device.OrderDCBA:
		return []uint16{lo<<8 | lo>>8, hi<<8 | hi>>8}
	default: // ABCD
		return []uint16{hi, lo}
	}
}
