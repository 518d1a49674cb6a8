// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-devicegw/transport"
)

// serialPort wraps the platform serial port with lazy opening. The
// caller owns the port exclusively; a second open of the same device
// fails at the OS level and is classified as PortBusy.
type serialPort struct {
	serial.Config

	endpoint string

	mu           sync.Mutex
	port         io.ReadWriteCloser
	lastActivity time.Time
}

func (s *serialPort) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect(ctx)
}

// connect opens the serial port if it is not open. Caller must hold
// the mutex.
func (s *serialPort) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transport.Classify(s.endpoint, err)
	}
	if s.port == nil {
		port, err := serial.Open(&s.Config)
		if err != nil {
			return transport.Classify(s.endpoint, err)
		}
		s.port = port
	}
	return nil
}

func (s *serialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close()
}

// close closes the serial port if it is open. Caller must hold the
// mutex.
func (s *serialPort) close() (err error) {
	if s.port != nil {
		err = s.port.Close()
		s.port = nil
	}
	return
}
