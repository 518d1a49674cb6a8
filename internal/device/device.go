// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package device holds the device definition model the polling core
// consumes, the repository port it is loaded through, and the endpoint
// key normalization shared with the session manager.
package device

import (
	"fmt"
	"time"

	"github.com/ffutop/modbus-devicegw/modbus"
)

// Connection types.
const (
	ConnectionTCP = "tcp"
	ConnectionRTU = "rtu"
)

// Parity values for RTU connections.
const (
	ParityNone = "none"
	ParityEven = "even"
	ParityOdd  = "odd"
)

// Data types a parser parameter may carry.
const (
	TypeBit     = "BIT"
	TypeInt16   = "INT16"
	TypeUint16  = "UINT16"
	TypeInt32   = "INT32"
	TypeUint32  = "UINT32"
	TypeFloat32 = "FLOAT32"
)

// Byte orders for multi-word assembly. Single-register types use the
// first two letters (AB / BA).
const (
	OrderABCD = "ABCD"
	OrderCDAB = "CDAB"
	OrderBADC = "BADC"
	OrderDCBA = "DCBA"
)

// Polling interval bounds.
const (
	MinPollingInterval     = 1 * time.Second
	MaxPollingInterval     = 60 * time.Second
	DefaultPollingInterval = 30 * time.Second
)

// Definition describes one field device. It is immutable from the
// core's perspective: changes take effect on the next Start.
type Definition struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Make    string `json:"make"`
	Model   string `json:"model"`
	Enabled bool   `json:"enabled"`

	Connection Connection `json:"connection"`

	// PollingIntervalMs is clamped to [1s, 60s] at start; 0 means the
	// 30s default.
	PollingIntervalMs int `json:"pollingInterval"`

	Advanced Advanced `json:"advanced"`

	DataPoints []DataPoint `json:"dataPoints"`
}

// Connection is the tagged union of transport settings. Exactly one of
// TCP / RTU is set, selected by Type.
type Connection struct {
	Type string       `json:"type"`
	TCP  *TCPSettings `json:"tcp,omitempty"`
	RTU  *RTUSettings `json:"rtu,omitempty"`
}

type TCPSettings struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	UnitID byte   `json:"unitId"`
}

type RTUSettings struct {
	SerialPort string `json:"serialPort"`
	BaudRate   int    `json:"baudRate"`
	DataBits   int    `json:"dataBits"`
	StopBits   int    `json:"stopBits"`
	Parity     string `json:"parity"`
	UnitID     byte   `json:"unitId"`
}

type Advanced struct {
	ConnectionOptions ConnectionOptions `json:"connectionOptions"`
}

type ConnectionOptions struct {
	TimeoutMs           int  `json:"timeout"`
	Retries             int  `json:"retries"`
	RetryIntervalMs     int  `json:"retryInterval"`
	AutoReconnect       bool `json:"autoReconnect"`
	ReconnectIntervalMs int  `json:"reconnectInterval"`
}

// DataPoint couples one register range with the parser that turns its
// words into named readings.
type DataPoint struct {
	Range  Range  `json:"range"`
	Parser Parser `json:"parser"`
}

type Range struct {
	StartAddress uint16 `json:"startAddress"`
	Count        uint16 `json:"count"`
	FC           byte   `json:"fc"`
}

type Parser struct {
	Parameters []Parameter `json:"parameters"`
}

type Parameter struct {
	Name          string `json:"name"`
	DataType      string `json:"dataType"`
	RegisterIndex uint16 `json:"registerIndex"`
	// WordCount 0 means implied by DataType (1 for BIT/INT16/UINT16,
	// 2 for INT32/UINT32/FLOAT32).
	WordCount int `json:"wordCount,omitempty"`
	// ByteOrder empty means the vendor default for the device make.
	ByteOrder       string   `json:"byteOrder,omitempty"`
	ScalingFactor   float64  `json:"scalingFactor,omitempty"`
	ScalingEquation string   `json:"scalingEquation,omitempty"`
	DecimalPoint    *int     `json:"decimalPoint,omitempty"`
	Unit            string   `json:"unit,omitempty"`
	MinValue        *float64 `json:"minValue,omitempty"`
	MaxValue        *float64 `json:"maxValue,omitempty"`
	Bitmask         uint16   `json:"bitmask,omitempty"`
	BitPosition     uint16   `json:"bitPosition,omitempty"`
}

// Words returns the parameter's register footprint.
func (p Parameter) Words() int {
	if p.WordCount > 0 {
		return p.WordCount
	}
	switch p.DataType {
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	default:
		return 1
	}
}

// Interval returns the polling interval clamped to [1s, 60s].
func (d *Definition) Interval() time.Duration {
	iv := time.Duration(d.PollingIntervalMs) * time.Millisecond
	if iv == 0 {
		return DefaultPollingInterval
	}
	if iv < MinPollingInterval {
		return MinPollingInterval
	}
	if iv > MaxPollingInterval {
		return MaxPollingInterval
	}
	return iv
}

// Timeout returns the per-request timeout, falling back to def when
// the definition does not set one.
func (d *Definition) Timeout(def time.Duration) time.Duration {
	if ms := d.Advanced.ConnectionOptions.TimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// UnitID returns the Modbus unit/slave id of the connection.
func (d *Definition) UnitID() byte {
	switch d.Connection.Type {
	case ConnectionTCP:
		if d.Connection.TCP != nil {
			return d.Connection.TCP.UnitID
		}
	case ConnectionRTU:
		if d.Connection.RTU != nil {
			return d.Connection.RTU.UnitID
		}
	}
	return 0
}

// Endpoint returns the normalized session key of the connection:
//
//	tcp://ip:port#unit
//	rtu://serialPort|baud|bits|parity|stop#unit
func (d *Definition) Endpoint() string {
	switch d.Connection.Type {
	case ConnectionTCP:
		c := d.Connection.TCP
		return fmt.Sprintf("tcp://%s:%d#%d", c.IP, c.Port, c.UnitID)
	case ConnectionRTU:
		c := d.Connection.RTU
		return fmt.Sprintf("rtu://%s|%d|%d|%s|%d#%d",
			c.SerialPort, c.BaudRate, c.DataBits, c.Parity, c.StopBits, c.UnitID)
	default:
		return ""
	}
}

// Address returns the human-readable address used in error payloads.
func (d *Definition) Address() string {
	switch d.Connection.Type {
	case ConnectionTCP:
		return fmt.Sprintf("%s:%d", d.Connection.TCP.IP, d.Connection.TCP.Port)
	case ConnectionRTU:
		return d.Connection.RTU.SerialPort
	default:
		return ""
	}
}

// Validate checks structural invariants of the definition. A failure
// is an InvalidDefinitionError and fails Start.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &InvalidDefinitionError{Reason: "missing id"}
	}

	switch d.Connection.Type {
	case ConnectionTCP:
		c := d.Connection.TCP
		if c == nil || c.IP == "" || c.Port <= 0 || c.Port > 65535 {
			return &InvalidDefinitionError{Reason: "incomplete tcp connection settings"}
		}
	case ConnectionRTU:
		c := d.Connection.RTU
		if c == nil || c.SerialPort == "" || c.BaudRate <= 0 {
			return &InvalidDefinitionError{Reason: "incomplete rtu connection settings"}
		}
		switch c.DataBits {
		case 5, 6, 7, 8:
		default:
			return &InvalidDefinitionError{Reason: fmt.Sprintf("data bits '%d' must be 5..8", c.DataBits)}
		}
		switch c.StopBits {
		case 1, 2:
		default:
			return &InvalidDefinitionError{Reason: fmt.Sprintf("stop bits '%d' must be 1 or 2", c.StopBits)}
		}
		switch c.Parity {
		case ParityNone, ParityEven, ParityOdd:
		default:
			return &InvalidDefinitionError{Reason: fmt.Sprintf("parity '%s' must be none, even or odd", c.Parity)}
		}
	default:
		return &InvalidDefinitionError{Reason: fmt.Sprintf("unknown connection type '%s'", d.Connection.Type)}
	}

	for i, dp := range d.DataPoints {
		if err := dp.Range.validate(); err != nil {
			return &InvalidDefinitionError{Reason: fmt.Sprintf("data point %d: %v", i, err)}
		}
		for _, p := range dp.Parser.Parameters {
			if p.Name == "" {
				return &InvalidDefinitionError{Reason: fmt.Sprintf("data point %d: parameter without name", i)}
			}
			switch p.DataType {
			case TypeBit, TypeInt16, TypeUint16, TypeInt32, TypeUint32, TypeFloat32:
			default:
				return &InvalidDefinitionError{Reason: fmt.Sprintf("parameter '%s': unknown data type '%s'", p.Name, p.DataType)}
			}
			switch p.ByteOrder {
			case "", OrderABCD, OrderCDAB, OrderBADC, OrderDCBA, "AB", "BA":
			default:
				return &InvalidDefinitionError{Reason: fmt.Sprintf("parameter '%s': unknown byte order '%s'", p.Name, p.ByteOrder)}
			}
		}
	}
	return nil
}

func (r Range) validate() error {
	if r.Count == 0 {
		return fmt.Errorf("range count must be positive")
	}
	switch r.FC {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		if r.Count > modbus.MaxBitQuantity {
			return fmt.Errorf("range count '%d' exceeds coil limit '%d'", r.Count, modbus.MaxBitQuantity)
		}
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if r.Count > modbus.MaxRegisterQuantity {
			return fmt.Errorf("range count '%d' exceeds register limit '%d'", r.Count, modbus.MaxRegisterQuantity)
		}
	default:
		return fmt.Errorf("function code '%d' is not a read function", r.FC)
	}
	return nil
}
