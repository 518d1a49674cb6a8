// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements the Modbus RTU transport driver over a serial
// port opened through grid-x/serial.
package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/grid-x/serial"
	"go.uber.org/zap"

	"github.com/ffutop/modbus-devicegw/modbus"
	rtuframe "github.com/ffutop/modbus-devicegw/modbus/rtu"
	"github.com/ffutop/modbus-devicegw/transport"
)

const defaultTimeout = 5 * time.Second

// Driver implements transport.Driver over Modbus RTU.
type Driver struct {
	serialPort

	timeout time.Duration
	logger  *zap.Logger
}

// NewDriver allocates an RTU driver. cfg.Address is the serial device
// path; the endpoint is the normalized session key.
func NewDriver(endpoint string, cfg serial.Config, timeout time.Duration, logger *zap.Logger) *Driver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := &Driver{timeout: timeout, logger: logger}
	d.serialPort.Config = cfg
	d.serialPort.Config.Timeout = timeout
	d.serialPort.endpoint = endpoint
	return d
}

// Endpoint implements transport.Driver.
func (d *Driver) Endpoint() string {
	return d.serialPort.endpoint
}

// Exchange implements transport.Driver.
func (d *Driver) Exchange(ctx context.Context, slaveID byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	adu := &ApplicationDataUnit{SlaveID: slaveID, Pdu: req}
	raw, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, transport.NewError(transport.KindProtocol, d.serialPort.endpoint, err)
	}

	d.lastActivity = time.Now()

	d.logger.Debug("send to modbus rtu slave",
		zap.String("endpoint", d.serialPort.endpoint), zap.String("request", hex.EncodeToString(raw)))
	if _, err := d.port.Write(raw); err != nil {
		d.close()
		return modbus.ProtocolDataUnit{}, d.cancellationOr(ctx, err)
	}

	// Wait the frame turnaround before listening for the reply.
	bytesToRead := rtuframe.CalculateResponseLength(raw)
	select {
	case <-ctx.Done():
		return modbus.ProtocolDataUnit{}, transport.Classify(d.serialPort.endpoint, ctx.Err())
	case <-time.After(d.calculateDelay(len(raw) + bytesToRead)):
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	respBytes, err := rtuframe.ReadResponse(raw[0], raw[1], d.port, deadline)
	if err != nil {
		if err == rtuframe.ErrRequestTimedOut {
			return modbus.ProtocolDataUnit{}, transport.NewError(transport.KindTimeout, d.serialPort.endpoint, err)
		}
		var invalid *rtuframe.InvalidLengthError
		if errors.As(err, &invalid) {
			return modbus.ProtocolDataUnit{}, transport.NewError(transport.KindProtocol, d.serialPort.endpoint, err)
		}
		return modbus.ProtocolDataUnit{}, d.cancellationOr(ctx, err)
	}
	d.logger.Debug("recv from modbus rtu slave",
		zap.String("endpoint", d.serialPort.endpoint), zap.String("response", hex.EncodeToString(respBytes)))

	respAdu, err := Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, transport.NewError(transport.KindProtocol, d.serialPort.endpoint, err)
	}
	if err := adu.Verify(respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, transport.NewError(transport.KindProtocol, d.serialPort.endpoint, err)
	}

	return respAdu.Pdu, nil
}

func (d *Driver) cancellationOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return transport.Classify(d.serialPort.endpoint, ctx.Err())
	}
	return transport.Classify(d.serialPort.endpoint, err)
}

// calculateDelay calculates the needed delay to separate frames.
func (d *Driver) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int // microseconds

	if d.BaudRate <= 0 || d.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / d.BaudRate
		frameDelay = 35000000 / d.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}
