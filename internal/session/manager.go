// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package session pools transport drivers by normalized endpoint key
// and hands them out under per-endpoint leases. RTU drivers sharing a
// serial port share one bus lock regardless of unit id, so concurrent
// polling of slaves on one bus is serialized.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ffutop/modbus-devicegw/internal/device"
	"github.com/ffutop/modbus-devicegw/transport"
)

const (
	defaultIdleTTL           = 2 * time.Minute
	defaultReconnectInterval = time.Second
	maxReconnectInterval     = 30 * time.Second
)

// DriverFactory builds a transport driver for a device definition.
// Split out so tests can substitute an in-memory transport.
type DriverFactory func(dev *device.Definition, timeout time.Duration) (transport.Driver, error)

type Options struct {
	IdleTTL        time.Duration
	DefaultTimeout time.Duration
	Factory        DriverFactory
	Logger         *zap.Logger
}

// Manager owns the endpoint map. It is the sole mutator: drivers are
// created, marked unhealthy and closed only while holding mu.
type Manager struct {
	opts Options

	mu       chan struct{} // capacity 1, lockable under a context
	sessions map[string]*session
	buses    map[string]chan struct{} // serialPort -> bus lock
	closed   bool
}

type session struct {
	endpoint string
	driver   transport.Driver
	bus      chan struct{} // capacity 1, held for the lease duration

	healthy   bool
	leased    int // lease holders plus acquirers waiting on the bus
	lastUsed  time.Time
	lastError error

	autoReconnect bool
	backoff       time.Duration
	baseBackoff   time.Duration
	nextRetry     time.Time
}

func NewManager(opts Options) *Manager {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultIdleTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Manager{
		opts:     opts,
		mu:       make(chan struct{}, 1),
		sessions: make(map[string]*session),
		buses:    make(map[string]chan struct{}),
	}
	return m
}

func (m *Manager) lock()   { m.mu <- struct{}{} }
func (m *Manager) unlock() { <-m.mu }

// Lease is a held driver. The endpoint's bus lock is held until
// Release; the driver must not be used afterwards.
type Lease struct {
	Driver transport.Driver

	m *Manager
	s *session
}

// Acquire returns a leased driver for the device's endpoint, creating
// one on first use. It blocks while another lease holds the bus. An
// unhealthy endpoint inside its back-off window fails fast with the
// last error.
func (m *Manager) Acquire(ctx context.Context, dev *device.Definition) (*Lease, error) {
	endpoint := dev.Endpoint()

	m.lock()
	if m.closed {
		m.unlock()
		return nil, transport.NewError(transport.KindCancelled, endpoint, context.Canceled)
	}
	s, ok := m.sessions[endpoint]
	if !ok {
		driver, err := m.opts.Factory(dev, dev.Timeout(m.opts.DefaultTimeout))
		if err != nil {
			m.unlock()
			return nil, err
		}
		opts := dev.Advanced.ConnectionOptions
		base := time.Duration(opts.ReconnectIntervalMs) * time.Millisecond
		if base <= 0 {
			base = defaultReconnectInterval
		}
		s = &session{
			endpoint:      endpoint,
			driver:        driver,
			bus:           m.busFor(dev),
			healthy:       true,
			autoReconnect: opts.AutoReconnect,
			baseBackoff:   base,
			backoff:       base,
		}
		m.sessions[endpoint] = s
		m.opts.Logger.Info("session opened", zap.String("endpoint", endpoint))
	}

	if !s.healthy {
		if !s.autoReconnect || time.Now().Before(s.nextRetry) {
			lastErr := s.lastError
			m.unlock()
			if lastErr == nil {
				lastErr = transport.NewError(transport.KindIO, endpoint, context.Canceled)
			}
			return nil, lastErr
		}
		// Back-off window elapsed; let the driver reconnect lazily.
		s.healthy = true
		m.opts.Logger.Info("session retrying after back-off",
			zap.String("endpoint", endpoint), zap.Duration("backoff", s.backoff))
	}
	// Count the waiter before letting go of the map lock so the reaper
	// cannot close the session out from under the bus wait.
	s.leased++
	bus := s.bus
	m.unlock()

	select {
	case bus <- struct{}{}:
	case <-ctx.Done():
		m.lock()
		s.leased--
		m.unlock()
		return nil, transport.Classify(endpoint, ctx.Err())
	}

	m.lock()
	// Close may have torn the pool down while we waited on the bus.
	if m.closed {
		s.leased--
		m.unlock()
		<-bus
		return nil, transport.NewError(transport.KindCancelled, endpoint, context.Canceled)
	}
	s.lastUsed = time.Now()
	m.unlock()

	return &Lease{Driver: s.driver, m: m, s: s}, nil
}

// Release returns the driver. A transport failure that is not worth
// retrying next tick marks the endpoint unhealthy and arms the
// exponential back-off.
func (l *Lease) Release(outcome error) {
	m := l.m
	s := l.s

	m.lock()
	s.leased--
	s.lastUsed = time.Now()

	kind := transport.KindOf(outcome)
	switch {
	case outcome == nil, kind == transport.KindUnknown,
		kind == transport.KindProtocol, kind == transport.KindCancelled:
		s.healthy = true
		s.backoff = s.baseBackoff
		s.lastError = nil
	default:
		s.healthy = false
		s.lastError = outcome
		s.nextRetry = time.Now().Add(s.backoff)
		s.backoff *= 2
		if s.backoff > maxReconnectInterval {
			s.backoff = maxReconnectInterval
		}
		m.opts.Logger.Warn("session marked unhealthy",
			zap.String("endpoint", s.endpoint),
			zap.String("kind", kind.String()),
			zap.Time("next_retry", s.nextRetry))
	}
	m.unlock()

	<-s.bus
}

// busFor returns the bus lock shared by every endpoint on the same
// serial port; TCP endpoints each get their own.
func (m *Manager) busFor(dev *device.Definition) chan struct{} {
	key := dev.Endpoint()
	if dev.Connection.Type == device.ConnectionRTU {
		key = dev.Connection.RTU.SerialPort
	}
	bus, ok := m.buses[key]
	if !ok {
		bus = make(chan struct{}, 1)
		m.buses[key] = bus
	}
	return bus
}

// Reap closes drivers idle longer than idleTTL and idle unhealthy
// drivers. Sessions with a lease held or an acquirer waiting on the
// bus are never touched.
func (m *Manager) Reap() {
	now := time.Now()

	m.lock()
	defer m.unlock()
	for endpoint, s := range m.sessions {
		if s.leased > 0 {
			continue
		}
		idle := now.Sub(s.lastUsed)
		if idle < m.opts.IdleTTL && s.healthy {
			continue
		}
		if err := s.driver.Close(); err != nil {
			m.opts.Logger.Warn("session close", zap.String("endpoint", endpoint), zap.Error(err))
		}
		delete(m.sessions, endpoint)
		m.dropBusLocked(s.bus)
		m.opts.Logger.Info("session reaped",
			zap.String("endpoint", endpoint),
			zap.Duration("idle", idle),
			zap.Bool("healthy", s.healthy))
	}
}

// dropBusLocked removes a bus lock once no remaining session
// references it. Caller holds mu.
func (m *Manager) dropBusLocked(bus chan struct{}) {
	for _, s := range m.sessions {
		if s.bus == bus {
			return
		}
	}
	for key, b := range m.buses {
		if b == bus {
			delete(m.buses, key)
			return
		}
	}
}

// Run reaps periodically until the context ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Close closes every driver and rejects further Acquires.
func (m *Manager) Close() {
	m.lock()
	defer m.unlock()
	m.closed = true
	for endpoint, s := range m.sessions {
		if err := s.driver.Close(); err != nil {
			m.opts.Logger.Warn("session close", zap.String("endpoint", endpoint), zap.Error(err))
		}
		delete(m.sessions, endpoint)
	}
	m.buses = make(map[string]chan struct{})
}
