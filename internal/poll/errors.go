// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poll

import (
	"errors"

	"github.com/ffutop/modbus-devicegw/modbus"
	"github.com/ffutop/modbus-devicegw/transport"
)

// ErrDeviceDisabled fails Start and one-shot reads on a device whose
// definition is disabled.
var ErrDeviceDisabled = errors.New("modbus: device is disabled")

// ErrTooManyPollers reports the active poller cap has been reached.
var ErrTooManyPollers = errors.New("modbus: maximum concurrent pollers reached")

// Error type codes surfaced to API clients.
const (
	ErrTypeConnectionRefused = "CONNECTION_REFUSED"
	ErrTypeConnectionTimeout = "CONNECTION_TIMEOUT"
	ErrTypePortNotFound      = "PORT_NOT_FOUND"
	ErrTypePermissionDenied  = "PERMISSION_DENIED"
	ErrTypePortBusy          = "PORT_BUSY"
	ErrTypeNoResponse        = "DEVICE_NO_RESPONSE"
	ErrTypeIllegalFunction   = "ILLEGAL_FUNCTION"
	ErrTypeIllegalAddress    = "ILLEGAL_ADDRESS"
	ErrTypeControl           = "CONTROL_ERROR"
	ErrTypeServer            = "SERVER_ERROR"
	ErrTypeUnknown           = "UNKNOWN_ERROR"
)

// ErrorType maps a transport or Modbus failure onto the closed set of
// API error codes. Classification goes through the typed error chain,
// never through message text.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}

	var exc *modbus.ExceptionError
	if errors.As(err, &exc) {
		switch exc.ExceptionCode {
		case modbus.ExceptionIllegalFunction:
			return ErrTypeIllegalFunction
		case modbus.ExceptionIllegalDataAddress:
			return ErrTypeIllegalAddress
		case modbus.ExceptionIllegalDataValue:
			return ErrTypeControl
		case modbus.ExceptionDeviceBusy:
			return ErrTypeNoResponse
		default:
			return ErrTypeNoResponse
		}
	}

	switch transport.KindOf(err) {
	case transport.KindConnRefused:
		return ErrTypeConnectionRefused
	case transport.KindTimeout:
		return ErrTypeConnectionTimeout
	case transport.KindPortMissing:
		return ErrTypePortNotFound
	case transport.KindPermissionDenied:
		return ErrTypePermissionDenied
	case transport.KindPortBusy:
		return ErrTypePortBusy
	case transport.KindClosedByPeer, transport.KindProtocol:
		return ErrTypeNoResponse
	case transport.KindCancelled:
		return ErrTypeUnknown
	case transport.KindIO:
		return ErrTypeUnknown
	default:
		return ErrTypeUnknown
	}
}

// ErrInvalidParameter reports a malformed control request parameter.
type ErrInvalidParameter struct {
	Name   string
	Reason string
}

func (e *ErrInvalidParameter) Error() string {
	if e.Name == "" {
		return "modbus: invalid write parameter: " + e.Reason
	}
	return "modbus: invalid write parameter '" + e.Name + "': " + e.Reason
}
