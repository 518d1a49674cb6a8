// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport defines the driver contract shared by the Modbus
// TCP and RTU implementations, together with the closed error
// classification callers use to decide between retry and abort.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ffutop/modbus-devicegw/modbus"
)

// Driver performs synchronous Modbus exchanges against one endpoint.
// Exactly one Exchange may be in flight per driver instance; the
// session manager serializes callers.
type Driver interface {
	// Exchange sends one request ADU and waits for its reply, honoring
	// ctx cancellation and the driver's request timeout.
	Exchange(ctx context.Context, slaveID byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
	// Endpoint returns the normalized connection key of the driver.
	Endpoint() string
	// Close releases the underlying socket or port. Idempotent.
	Close() error
}

// ErrorKind classifies a wire failure. The set is closed: callers
// switch on kinds, never on message text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnRefused
	KindTimeout
	KindPortBusy
	KindPortMissing
	KindPermissionDenied
	KindProtocol
	KindClosedByPeer
	KindCancelled
	KindIO
)

// String returns the kind identifier used in logs.
func (k ErrorKind) String() string {
	switch k {
	case KindConnRefused:
		return "ConnRefused"
	case KindTimeout:
		return "Timeout"
	case KindPortBusy:
		return "PortBusy"
	case KindPortMissing:
		return "PortMissing"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindProtocol:
		return "ProtocolError"
	case KindClosedByPeer:
		return "ClosedByPeer"
	case KindCancelled:
		return "Cancelled"
	case KindIO:
		return "IOError"
	default:
		return "Unknown"
	}
}

// Retryable reports whether a failed exchange of this kind may be
// retried within the same tick.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindProtocol
}

// Error wraps a wire failure with its classification and endpoint.
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s on %s", e.Kind, e.Endpoint)
	}
	return fmt.Sprintf("transport: %s on %s: %v", e.Kind, e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified transport error.
func NewError(kind ErrorKind, endpoint string, err error) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Err: err}
}

// KindOf extracts the classification from err. Modbus exception
// responses are not transport errors and report KindUnknown here;
// callers should check modbus.ExceptionError first.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
