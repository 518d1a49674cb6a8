// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcp implements the Modbus TCP transport driver over a
// persistent connection.
package tcp

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ffutop/modbus-devicegw/modbus"
	"github.com/ffutop/modbus-devicegw/transport"
)

const defaultTimeout = 5 * time.Second

// Driver implements transport.Driver over Modbus TCP. The connection
// is dialed lazily on first Exchange and kept alive between requests;
// any wire failure drops it so the next Exchange reconnects.
type Driver struct {
	endpoint string
	address  string
	timeout  time.Duration
	logger   *zap.Logger

	transactionID uint32

	mu   sync.Mutex
	conn net.Conn
}

// NewDriver allocates a TCP driver for address ("host:port"). The
// endpoint is the normalized session key the driver reports in errors.
func NewDriver(endpoint, address string, timeout time.Duration, logger *zap.Logger) *Driver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Driver{
		endpoint: endpoint,
		address:  address,
		timeout:  timeout,
		logger:   logger,
	}
}

// Endpoint implements transport.Driver.
func (d *Driver) Endpoint() string {
	return d.endpoint
}

// Exchange implements transport.Driver. Callers are serialized by the
// session manager; the internal mutex only guards against misuse.
func (d *Driver) Exchange(ctx context.Context, slaveID byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	tid := uint16(atomic.AddUint32(&d.transactionID, 1))
	adu := &ApplicationDataUnit{
		TransactionID: tid,
		ProtocolID:    0,
		Length:        uint16(2 + len(req.Data)), // unit id + function code + data
		SlaveID:       slaveID,
		Pdu:           req,
	}

	raw, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, transport.NewError(transport.KindProtocol, d.endpoint, err)
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := d.conn.SetDeadline(deadline); err != nil {
		d.drop()
		return modbus.ProtocolDataUnit{}, transport.Classify(d.endpoint, err)
	}

	d.logger.Debug("send to modbus tcp slave",
		zap.String("endpoint", d.endpoint), zap.String("request", hex.EncodeToString(raw)))
	if _, err := d.conn.Write(raw); err != nil {
		d.drop()
		return modbus.ProtocolDataUnit{}, d.cancellationOr(ctx, err)
	}

	respBytes, err := d.read()
	if err != nil {
		d.drop()
		return modbus.ProtocolDataUnit{}, d.cancellationOr(ctx, err)
	}
	d.logger.Debug("recv from modbus tcp slave",
		zap.String("endpoint", d.endpoint), zap.String("response", hex.EncodeToString(respBytes)))

	respAdu, err := Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, transport.NewError(transport.KindProtocol, d.endpoint, err)
	}
	if err := adu.Verify(respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, transport.NewError(transport.KindProtocol, d.endpoint, err)
	}

	return respAdu.Pdu, nil
}

// connect dials the peer if no live connection exists. Caller must
// hold the mutex.
func (d *Driver) connect(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return transport.Classify(d.endpoint, err)
	}
	d.conn = conn
	return nil
}

// read consumes one complete MBAP frame off the connection.
func (d *Driver) read() ([]byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(d.conn, header); err != nil {
		return nil, err
	}

	length := int(header[4])<<8 | int(header[5])
	if length < 2 || length > tcpMaxSize-6 {
		return nil, transport.NewError(transport.KindProtocol, d.endpoint, &lengthFieldError{length})
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.conn, payload); err != nil {
		return nil, err
	}

	frame := make([]byte, 6+length)
	copy(frame, header)
	copy(frame[6:], payload)
	return frame, nil
}

// cancellationOr prefers ctx cancellation over the raw wire error, so
// a Stop during an exchange surfaces as Cancelled rather than an I/O
// failure caused by the closed deadline.
func (d *Driver) cancellationOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return transport.Classify(d.endpoint, ctx.Err())
	}
	return transport.Classify(d.endpoint, err)
}

// drop discards the live connection so the next Exchange reconnects.
func (d *Driver) drop() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

// Close implements transport.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop()
	return nil
}

type lengthFieldError struct {
	length int
}

func (e *lengthFieldError) Error() string {
	return "modbus: MBAP length field out of range: " + hex.EncodeToString([]byte{byte(e.length >> 8), byte(e.length)})
}
