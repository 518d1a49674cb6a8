// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package session

import (
	"fmt"
	"time"

	"github.com/grid-x/serial"
	"go.uber.org/zap"

	"github.com/ffutop/modbus-devicegw/internal/device"
	"github.com/ffutop/modbus-devicegw/transport"
	transportrtu "github.com/ffutop/modbus-devicegw/transport/rtu"
	transporttcp "github.com/ffutop/modbus-devicegw/transport/tcp"
)

// NewDriverFactory builds the production factory creating TCP or RTU
// drivers from a device's connection settings.
func NewDriverFactory(logger *zap.Logger) DriverFactory {
	return func(dev *device.Definition, timeout time.Duration) (transport.Driver, error) {
		endpoint := dev.Endpoint()
		switch dev.Connection.Type {
		case device.ConnectionTCP:
			c := dev.Connection.TCP
			address := fmt.Sprintf("%s:%d", c.IP, c.Port)
			return transporttcp.NewDriver(endpoint, address, timeout, logger), nil

		case device.ConnectionRTU:
			c := dev.Connection.RTU
			cfg := serial.Config{
				Address:  c.SerialPort,
				BaudRate: c.BaudRate,
				DataBits: c.DataBits,
				StopBits: c.StopBits,
				Parity:   serialParity(c.Parity),
				Timeout:  timeout,
			}
			return transportrtu.NewDriver(endpoint, cfg, timeout, logger), nil

		default:
			return nil, &device.InvalidDefinitionError{
				Reason: fmt.Sprintf("unknown connection type '%s'", dev.Connection.Type),
			}
		}
	}
}

func serialParity(parity string) string {
	switch parity {
	case device.ParityEven:
		return "E"
	case device.ParityOdd:
		return "O"
	default:
		return "N"
	}
}
