// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package poll runs the per-device polling loops and owns the
// published snapshots. One goroutine per active poller; ticks against
// the same serial bus are serialized by the session manager.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ffutop/modbus-devicegw/internal/decode"
	"github.com/ffutop/modbus-devicegw/internal/device"
	"github.com/ffutop/modbus-devicegw/internal/session"
	"github.com/ffutop/modbus-devicegw/modbus"
	"github.com/ffutop/modbus-devicegw/transport"
)

const stopGracePeriod = 500 * time.Millisecond

// Poller drives the tick loop for one device. Lifecycle:
// Stopped -> Starting -> Active <-> Error -> Stopped.
type Poller struct {
	dev      *device.Definition
	sessions *session.Manager
	decoder  *decode.Decoder
	logger   *zap.Logger

	timeout time.Duration
	retries int

	snapshot atomic.Pointer[Snapshot]
	publish  func(*Snapshot) // registry fan-out hook, may be nil

	mu          sync.Mutex
	state       State
	interval    time.Duration
	lastError   error
	lastUpdated time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewPoller(dev *device.Definition, sessions *session.Manager, defaultTimeout time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		dev:      dev,
		sessions: sessions,
		decoder:  decode.NewDecoder(dev.Make),
		logger:   logger.With(zap.String("device", dev.ID)),
		timeout:  dev.Timeout(defaultTimeout),
		retries:  dev.Advanced.ConnectionOptions.Retries,
		state:    StateStopped,
		interval: dev.Interval(),
	}
}

// Start validates the device, runs one synchronous tick and begins
// the loop. interval <= 0 keeps the definition's interval. Returns
// whether the poller is Active.
func (p *Poller) Start(ctx context.Context, interval time.Duration) (bool, error) {
	if err := p.dev.Validate(); err != nil {
		return false, err
	}
	if !p.dev.Enabled {
		return false, ErrDeviceDisabled
	}

	// The definition's own interval is clamped in device.Interval();
	// an explicit interval from the caller is taken as given.
	p.mu.Lock()
	if p.state == StateActive || p.state == StateStarting {
		if interval > 0 {
			p.interval = interval
		}
		p.mu.Unlock()
		return true, nil
	}
	if interval > 0 {
		p.interval = interval
	}
	p.state = StateStarting
	iv := p.interval
	p.mu.Unlock()

	// First tick runs synchronously so Start reports a real outcome.
	if err := p.tick(ctx); err != nil {
		p.mu.Lock()
		p.state = StateError
		p.lastError = err
		p.mu.Unlock()
		return false, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.state = StateActive
	p.lastError = nil
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.run(loopCtx, iv, done)
	p.logger.Info("polling started", zap.Duration("interval", iv))
	return true, nil
}

// run fires ticks until cancelled. The ticker channel buffers a
// single instant, so a tick slower than the interval backlogs at most
// one follow-up and further instants are dropped.
func (p *Poller) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Pick up interval changes from a repeated Start.
		p.mu.Lock()
		if p.interval != interval {
			interval = p.interval
			ticker.Reset(interval)
		}
		p.mu.Unlock()

		err := p.tick(ctx)
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		if p.state == StateStopped {
			p.mu.Unlock()
			return
		}
		if err != nil {
			p.state = StateError
			p.lastError = err
		} else {
			p.state = StateActive
			p.lastError = nil
		}
		p.mu.Unlock()

		if err != nil {
			p.logger.Warn("polling tick failed", zap.Error(err))
		}
	}
}

// Stop cancels the loop and waits for the in-flight tick up to
// timeout + 500ms. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.state = StateStopped
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(p.timeout + stopGracePeriod):
		p.logger.Warn("polling loop did not stop in time")
	}
	p.logger.Info("polling stopped")
}

// Status reports the externally visible poller state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		DeviceID:    p.dev.ID,
		IsPolling:   p.state == StateActive || p.state == StateStarting,
		State:       p.state.String(),
		Interval:    p.interval,
		IntervalMs:  p.interval.Milliseconds(),
		LastUpdated: p.lastUpdated,
	}
	if p.lastError != nil {
		st.LastError = p.lastError.Error()
	}
	return st
}

// Snapshot returns the last published snapshot, nil when none exists.
func (p *Poller) Snapshot() *Snapshot {
	return p.snapshot.Load()
}

// seed carries a previous poller's snapshot over a restart so cached
// data survives definition reloads.
func (p *Poller) seed(s *Snapshot) {
	p.snapshot.Store(s)
}

// Active reports whether the loop is running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateActive || p.state == StateStarting
}

// ReadOnce performs a single tick outside the loop, for on-demand
// reads while the poller is stopped. The published snapshot is marked
// stale when the poller is not Active.
func (p *Poller) ReadOnce(ctx context.Context) (*Snapshot, error) {
	if err := p.dev.Validate(); err != nil {
		return nil, err
	}
	if !p.dev.Enabled {
		return nil, ErrDeviceDisabled
	}
	if err := p.tick(ctx); err != nil {
		return nil, err
	}
	snap := p.snapshot.Load()
	if snap != nil && !p.Active() {
		snap = snap.markStale()
		p.snapshot.Store(snap)
	}
	return snap, nil
}

// tick reads every configured range, decodes and publishes. A range
// failure aborts that range only; the tick fails when no range
// succeeded.
func (p *Poller) tick(ctx context.Context) error {
	lease, err := p.sessions.Acquire(ctx, p.dev)
	if err != nil {
		p.markStale()
		return err
	}

	var (
		values    []decode.Reading
		succeeded int
		rangeErr  error
	)

	for _, dp := range p.dev.DataPoints {
		if ctx.Err() != nil {
			lease.Release(transport.NewError(transport.KindCancelled, p.dev.Endpoint(), ctx.Err()))
			return transport.Classify(p.dev.Endpoint(), ctx.Err())
		}

		words, err := p.readRange(ctx, lease.Driver, dp.Range)
		if err != nil {
			rangeErr = err
			values = append(values, p.decoder.Failed(dp.Parser.Parameters,
				fmt.Sprintf("%s: %s", decode.ErrRangeRead, ErrorType(err)))...)
			continue
		}
		values = append(values, p.decoder.DecodeRange(dp.Range, words, dp.Parser.Parameters)...)
		succeeded++
	}

	// Session health tracks the connection, not the device map: a tick
	// where any range answered releases healthy even when another
	// range failed.
	if succeeded > 0 {
		lease.Release(nil)
	} else {
		lease.Release(rangeErr)
	}

	if succeeded == 0 && len(p.dev.DataPoints) > 0 {
		p.markStale()
		return rangeErr
	}

	snap := &Snapshot{
		DeviceID:   p.dev.ID,
		DeviceName: p.dev.Name,
		Timestamp:  time.Now(),
		Values:     values,
		HasData:    len(values) > 0,
	}
	p.snapshot.Store(snap)
	if p.publish != nil {
		p.publish(snap)
	}

	p.mu.Lock()
	p.lastUpdated = snap.Timestamp
	p.mu.Unlock()
	return nil
}

// readRange exchanges one read request, retrying retryable failures
// (timeouts and malformed responses alike) up to the configured retry
// budget, and returns the register words. Exception responses are the
// device speaking and are never retried.
func (p *Poller) readRange(ctx context.Context, driver transport.Driver, rng device.Range) ([]uint16, error) {
	req, err := modbus.NewReadRequest(rng.FC, rng.StartAddress, rng.Count)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		exchCtx, cancel := context.WithTimeout(ctx, p.timeout)
		resp, err := driver.Exchange(exchCtx, p.dev.UnitID(), req)
		cancel()
		if err == nil {
			words, perr := p.parseWords(rng, req, resp)
			if perr == nil {
				return words, nil
			}
			err = perr
		}
		lastErr = err
		if !transport.KindOf(err).Retryable() || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// parseWords extracts the register words from one response, widening
// coil and discrete input bits to 0/1 words. A malformed frame (bad
// byte count, wrong function code echo) classifies as a protocol
// failure so the retry budget applies; exception responses pass
// through untouched.
func (p *Poller) parseWords(rng device.Range, req, resp modbus.ProtocolDataUnit) ([]uint16, error) {
	var words []uint16
	var err error
	switch rng.FC {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		var bits []bool
		bits, err = modbus.ParseBits(req, resp, rng.Count)
		if err == nil {
			words = make([]uint16, len(bits))
			for i, b := range bits {
				if b {
					words[i] = 1
				}
			}
		}
	default:
		words, err = modbus.ParseRegisters(req, resp, rng.Count)
	}
	if err != nil {
		var exc *modbus.ExceptionError
		if errors.As(err, &exc) {
			return nil, err
		}
		return nil, transport.NewError(transport.KindProtocol, p.dev.Endpoint(), err)
	}
	return words, nil
}

// TestConnection performs a one-shot probe: read one register from
// the first configured range, or address 0 FC3 when none exists.
func (p *Poller) TestConnection(ctx context.Context) error {
	if err := p.dev.Validate(); err != nil {
		return err
	}

	rng := device.Range{StartAddress: 0, Count: 1, FC: modbus.FuncCodeReadHoldingRegisters}
	if len(p.dev.DataPoints) > 0 {
		first := p.dev.DataPoints[0].Range
		rng = device.Range{StartAddress: first.StartAddress, Count: 1, FC: first.FC}
	}

	lease, err := p.sessions.Acquire(ctx, p.dev)
	if err != nil {
		return err
	}
	_, err = p.readRange(ctx, lease.Driver, rng)
	lease.Release(err)
	return err
}

// markStale republishes the cached snapshot flagged stale, keeping
// the last good values visible.
func (p *Poller) markStale() {
	if snap := p.snapshot.Load(); snap != nil && !snap.Stale {
		p.snapshot.Store(snap.markStale())
	}
}

