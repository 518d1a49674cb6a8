// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpDefinition() *Definition {
	return &Definition{
		ID:      "6637b0c2f1a4b82d9c001a01",
		Name:    "Meter A",
		Enabled: true,
		Connection: Connection{
			Type: ConnectionTCP,
			TCP:  &TCPSettings{IP: "192.168.1.10", Port: 502, UnitID: 1},
		},
	}
}

func TestDefinition_Endpoint(t *testing.T) {
	d := tcpDefinition()
	assert.Equal(t, "tcp://192.168.1.10:502#1", d.Endpoint())

	d = &Definition{
		ID: "x",
		Connection: Connection{
			Type: ConnectionRTU,
			RTU: &RTUSettings{
				SerialPort: "/dev/ttyUSB0", BaudRate: 9600,
				DataBits: 8, Parity: ParityNone, StopBits: 1, UnitID: 3,
			},
		},
	}
	assert.Equal(t, "rtu:///dev/ttyUSB0|9600|8|none|1#3", d.Endpoint())
}

func TestDefinition_IntervalClamp(t *testing.T) {
	d := tcpDefinition()

	assert.Equal(t, 30*time.Second, d.Interval())

	d.PollingIntervalMs = 200
	assert.Equal(t, time.Second, d.Interval())

	d.PollingIntervalMs = 5000
	assert.Equal(t, 5*time.Second, d.Interval())

	d.PollingIntervalMs = 600000
	assert.Equal(t, 60*time.Second, d.Interval())
}

func TestDefinition_Validate(t *testing.T) {
	d := tcpDefinition()
	require.NoError(t, d.Validate())

	d.Connection.TCP.Port = 0
	assert.Error(t, d.Validate())

	d = tcpDefinition()
	d.Connection.Type = "serial"
	assert.Error(t, d.Validate())

	d = tcpDefinition()
	d.DataPoints = []DataPoint{{
		Range: Range{StartAddress: 0, Count: 200, FC: 3},
	}}
	assert.Error(t, d.Validate())

	d.DataPoints[0].Range.Count = 10
	d.DataPoints[0].Parser.Parameters = []Parameter{{Name: "v", DataType: "FLOAT64"}}
	assert.Error(t, d.Validate())

	d.DataPoints[0].Parser.Parameters[0].DataType = TypeFloat32
	assert.NoError(t, d.Validate())
}

func TestParameter_Words(t *testing.T) {
	assert.Equal(t, 1, Parameter{DataType: TypeUint16}.Words())
	assert.Equal(t, 2, Parameter{DataType: TypeFloat32}.Words())
	assert.Equal(t, 4, Parameter{DataType: TypeFloat32, WordCount: 4}.Words())
}

func TestFileRepository(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{
			"id": "6637b0c2f1a4b82d9c001a01",
			"name": "Meter A",
			"enabled": true,
			"connection": {"type": "tcp", "tcp": {"ip": "10.0.0.5", "port": 502, "unitId": 1}}
		}
	]`), 0o644))

	repo, err := NewFileRepository(path)
	require.NoError(t, err)

	d, err := repo.LoadDevice(context.Background(), "6637b0c2f1a4b82d9c001a01")
	require.NoError(t, err)
	assert.Equal(t, "Meter A", d.Name)
	assert.Equal(t, "tcp://10.0.0.5:502#1", d.Endpoint())

	_, err = repo.LoadDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileRepository_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileRepository(path)
	var backend *BackendError
	require.ErrorAs(t, err, &backend)
}
