// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ffutop/modbus-devicegw/internal/device"
	"github.com/ffutop/modbus-devicegw/modbus"
	"github.com/ffutop/modbus-devicegw/transport"
)

// mapRepo is an in-memory device repository.
type mapRepo map[string]*device.Definition

func (r mapRepo) LoadDevice(_ context.Context, id string) (*device.Definition, error) {
	d, ok := r[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	return d, nil
}

func newTestRegistry(t *testing.T, repo mapRepo, script func(dev *device.Definition) *scriptDriver) *Registry {
	t.Helper()
	sessions := scriptedSessions(t, script)
	t.Cleanup(sessions.Close)
	return NewRegistry(repo, sessions, RegistryOptions{
		MaxConcurrent:  64,
		StartDebounce:  3 * time.Second,
		StopDebounce:   5 * time.Second,
		DefaultTimeout: time.Second,
	}, zap.NewNop())
}

func TestRegistry_StartStopLifecycle(t *testing.T) {
	repo := mapRepo{"d1": pollDevice("d1")}
	r := newTestRegistry(t, repo, constantSlave([]uint16{1}))

	active, err := r.Start(context.Background(), "d1", time.Second)
	require.NoError(t, err)
	assert.True(t, active)

	st, err := r.Status(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, st.IsPolling)
	assert.Equal(t, int64(1000), st.IntervalMs)

	require.NoError(t, r.Stop(context.Background(), "d1"))
	st, err = r.Status(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, st.IsPolling)

	// Idempotent: stopping again is a no-op.
	require.NoError(t, r.Stop(context.Background(), "d1"))
}

func TestRegistry_StartUnknownDevice(t *testing.T) {
	r := newTestRegistry(t, mapRepo{}, constantSlave([]uint16{1}))

	_, err := r.Start(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, device.ErrNotFound)

	_, err = r.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestRegistry_Isolation(t *testing.T) {
	repo := mapRepo{"a": pollDevice("a"), "b": pollDevice("b")}
	r := newTestRegistry(t, repo, constantSlave([]uint16{1}))

	_, err := r.Start(context.Background(), "a", time.Second)
	require.NoError(t, err)
	_, err = r.Start(context.Background(), "b", time.Second)
	require.NoError(t, err)

	before, err := r.Status(context.Background(), "b")
	require.NoError(t, err)

	require.NoError(t, r.Stop(context.Background(), "a"))

	after, err := r.Status(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, before.IsPolling, after.IsPolling)
	assert.True(t, after.IsPolling)

	require.NoError(t, r.Stop(context.Background(), "b"))
}

func TestRegistry_StartDebouncesFailures(t *testing.T) {
	var calls atomic.Int32
	repo := mapRepo{"d1": pollDevice("d1")}
	r := newTestRegistry(t, repo, func(dev *device.Definition) *scriptDriver {
		return &scriptDriver{
			exchange: func(_ context.Context, _ byte, _ modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
				calls.Add(1)
				return modbus.ProtocolDataUnit{}, transport.NewError(transport.KindConnRefused, dev.Endpoint(), nil)
			},
		}
	})

	_, err := r.Start(context.Background(), "d1", time.Second)
	require.Error(t, err)
	first := calls.Load()

	// Repeated start inside the window returns the same failure
	// without another synchronous tick.
	_, err = r.Start(context.Background(), "d1", time.Second)
	require.Error(t, err)
	assert.Equal(t, first, calls.Load())
}

// slowRepo delays every load, widening the window between a start's
// definition read and its poller swap.
type slowRepo struct {
	repo  mapRepo
	delay time.Duration
}

func (r slowRepo) LoadDevice(ctx context.Context, id string) (*device.Definition, error) {
	time.Sleep(r.delay)
	return r.repo.LoadDevice(ctx, id)
}

func TestRegistry_ConcurrentStartsLeaveOnePoller(t *testing.T) {
	var exchanges atomic.Int32
	sessions := scriptedSessions(t, func(*device.Definition) *scriptDriver {
		return &scriptDriver{
			exchange: func(_ context.Context, _ byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
				exchanges.Add(1)
				return registersResponse(req, []uint16{1}), nil
			},
		}
	})
	t.Cleanup(sessions.Close)
	r := NewRegistry(slowRepo{repo: mapRepo{"d1": pollDevice("d1")}, delay: 150 * time.Millisecond},
		sessions, RegistryOptions{DefaultTimeout: time.Second}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(context.Background(), "d1", 50*time.Millisecond)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, r.Stop(context.Background(), "d1"))
	st, err := r.Status(context.Background(), "d1")
	require.NoError(t, err)
	require.False(t, st.IsPolling)

	// Any poller the stop could not reach would keep exchanging here.
	time.Sleep(100 * time.Millisecond)
	settled := exchanges.Load()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, settled, exchanges.Load(),
		"no poller may keep exchanging after a stop")
}

func TestRegistry_StartOnRunningPollerKeepsIt(t *testing.T) {
	repo := mapRepo{"d1": pollDevice("d1")}
	r := newTestRegistry(t, repo, constantSlave([]uint16{1}))

	_, err := r.Start(context.Background(), "d1", time.Second)
	require.NoError(t, err)
	snap1, err := r.Snapshot(context.Background(), "d1", false)
	require.NoError(t, err)

	active, err := r.Start(context.Background(), "d1", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, active)

	st, err := r.Status(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), st.IntervalMs)

	// The cached snapshot survives; the poller was not recreated.
	snap2, err := r.Snapshot(context.Background(), "d1", false)
	require.NoError(t, err)
	assert.False(t, snap2.Timestamp.Before(snap1.Timestamp))

	require.NoError(t, r.Stop(context.Background(), "d1"))
}

func TestRegistry_MaxConcurrentPollers(t *testing.T) {
	repo := mapRepo{"a": pollDevice("a"), "b": pollDevice("b")}
	sessions := scriptedSessions(t, constantSlave([]uint16{1}))
	t.Cleanup(sessions.Close)
	r := NewRegistry(repo, sessions, RegistryOptions{
		MaxConcurrent:  1,
		DefaultTimeout: time.Second,
	}, zap.NewNop())

	_, err := r.Start(context.Background(), "a", time.Second)
	require.NoError(t, err)

	_, err = r.Start(context.Background(), "b", time.Second)
	assert.ErrorIs(t, err, ErrTooManyPollers)

	require.NoError(t, r.Stop(context.Background(), "a"))
	_, err = r.Start(context.Background(), "b", time.Second)
	require.NoError(t, err)
	require.NoError(t, r.Stop(context.Background(), "b"))
}

func TestRegistry_SnapshotForceRefresh(t *testing.T) {
	var reads atomic.Int32
	repo := mapRepo{"d1": pollDevice("d1")}
	r := newTestRegistry(t, repo, func(*device.Definition) *scriptDriver {
		return &scriptDriver{
			exchange: func(_ context.Context, _ byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
				reads.Add(1)
				return registersResponse(req, []uint16{uint16(reads.Load())}), nil
			},
		}
	})

	// No poller running: first Snapshot triggers a one-shot read,
	// marked stale.
	snap, err := r.Snapshot(context.Background(), "d1", false)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.Stale)
	assert.Equal(t, float64(1), snap.Values[0].Value)

	// Cached snapshot is reused without forceRefresh.
	snap, err = r.Snapshot(context.Background(), "d1", false)
	require.NoError(t, err)
	assert.Equal(t, float64(1), snap.Values[0].Value)
	assert.Equal(t, int32(1), reads.Load())

	// forceRefresh reads again.
	snap, err = r.Snapshot(context.Background(), "d1", true)
	require.NoError(t, err)
	assert.Equal(t, float64(2), snap.Values[0].Value)
}

func TestRegistry_SubscribeCoalesces(t *testing.T) {
	repo := mapRepo{"d1": pollDevice("d1")}
	r := newTestRegistry(t, repo, constantSlave([]uint16{1}))

	ch, cancel, err := r.Subscribe(context.Background(), "d1")
	require.NoError(t, err)
	defer cancel()

	_, err = r.Start(context.Background(), "d1", 100*time.Millisecond)
	require.NoError(t, err)

	// Consume slowly; the buffered channel keeps only the latest.
	time.Sleep(450 * time.Millisecond)

	var last *Snapshot
	var received int
	for {
		select {
		case snap := <-ch:
			if snap == nil {
				t.Fatal("stream ended early")
			}
			if last != nil {
				assert.False(t, snap.Timestamp.Before(last.Timestamp))
			}
			last = snap
			received++
			continue
		default:
		}
		break
	}
	require.NotNil(t, last)
	assert.LessOrEqual(t, received, 2, "slow consumer sees only the latest")

	// Stop ends the stream.
	require.NoError(t, r.Stop(context.Background(), "d1"))
	_, open := <-ch
	assert.False(t, open)
}

func TestRegistry_SerialExclusivity(t *testing.T) {
	var inFlight atomic.Int32
	var overlaps atomic.Int32
	var exchanges atomic.Int32

	rtuDef := func(id string, unit byte) *device.Definition {
		return &device.Definition{
			ID:      id,
			Name:    id,
			Enabled: true,
			Connection: device.Connection{
				Type: device.ConnectionRTU,
				RTU: &device.RTUSettings{
					SerialPort: "/dev/ttyX", BaudRate: 9600,
					DataBits: 8, Parity: device.ParityNone, StopBits: 1, UnitID: unit,
				},
			},
			DataPoints: []device.DataPoint{{
				Range: device.Range{StartAddress: 0, Count: 1, FC: modbus.FuncCodeReadHoldingRegisters},
				Parser: device.Parser{Parameters: []device.Parameter{
					{Name: "v", DataType: device.TypeUint16, RegisterIndex: 0},
				}},
			}},
		}
	}
	repo := mapRepo{"r1": rtuDef("r1", 1), "r2": rtuDef("r2", 2)}

	r := newTestRegistry(t, repo, func(*device.Definition) *scriptDriver {
		return &scriptDriver{
			exchange: func(_ context.Context, _ byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
				if inFlight.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(20 * time.Millisecond) // simulated bus round trip
				inFlight.Add(-1)
				exchanges.Add(1)
				return registersResponse(req, []uint16{1}), nil
			},
		}
	})

	_, err := r.Start(context.Background(), "r1", 100*time.Millisecond)
	require.NoError(t, err)
	_, err = r.Start(context.Background(), "r2", 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(time.Second)
	require.NoError(t, r.Stop(context.Background(), "r1"))
	require.NoError(t, r.Stop(context.Background(), "r2"))

	assert.Zero(t, overlaps.Load(), "exchanges on one serial bus must never overlap")
	assert.Greater(t, exchanges.Load(), int32(4))
}

func TestRegistry_WriteAndTestConnectionWithoutPolling(t *testing.T) {
	repo := mapRepo{"d1": pollDevice("d1")}
	r := newTestRegistry(t, repo, func(*device.Definition) *scriptDriver {
		return &scriptDriver{
			exchange: func(_ context.Context, _ byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
				if req.FunctionCode == modbus.FuncCodeWriteSingleRegister {
					return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: req.Data[:4]}, nil
				}
				return registersResponse(req, []uint16{1}), nil
			},
		}
	})

	require.NoError(t, r.TestConnection(context.Background(), "d1"))

	idx := func(i uint16) *uint16 { return &i }
	results, err := r.Write(context.Background(), "d1", []WriteParam{
		{Name: "sp", RegisterIndex: idx(7), Value: 42.0, DataType: device.TypeUint16},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestRegistry_Shutdown(t *testing.T) {
	repo := mapRepo{"a": pollDevice("a"), "b": pollDevice("b")}
	r := newTestRegistry(t, repo, constantSlave([]uint16{1}))

	_, err := r.Start(context.Background(), "a", time.Second)
	require.NoError(t, err)
	_, err = r.Start(context.Background(), "b", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	failed := r.Shutdown(ctx)
	assert.Empty(t, failed)

	// Sessions are closed; further acquires fail.
	_, err = r.Start(context.Background(), "a", time.Second)
	require.Error(t, err)
}

func TestRegistry_List(t *testing.T) {
	repo := mapRepo{"a": pollDevice("a"), "b": pollDevice("b")}
	r := newTestRegistry(t, repo, constantSlave([]uint16{1}))

	assert.Empty(t, r.List())

	_, err := r.Start(context.Background(), "a", time.Second)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].DeviceID)
	assert.True(t, list[0].IsPolling)

	require.NoError(t, r.Stop(context.Background(), "a"))
}
