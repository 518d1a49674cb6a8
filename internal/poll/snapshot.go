// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poll

import (
	"time"

	"github.com/ffutop/modbus-devicegw/internal/decode"
)

// Snapshot is the immutable result of one polling tick. Publishers
// replace the whole object; readers never see a partial update.
type Snapshot struct {
	DeviceID   string           `json:"deviceId"`
	DeviceName string           `json:"deviceName"`
	Timestamp  time.Time        `json:"timestamp"`
	Values     []decode.Reading `json:"readings"`
	Stale      bool             `json:"stale"`
	HasData    bool             `json:"hasData"`
}

// markStale copies the snapshot with the stale flag set.
func (s *Snapshot) markStale() *Snapshot {
	c := *s
	c.Stale = true
	return &c
}

// State is the poller lifecycle.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "stopped"
	}
}

// Status is the externally visible poller state.
type Status struct {
	DeviceID    string        `json:"deviceId"`
	IsPolling   bool          `json:"isPolling"`
	State       string        `json:"state"`
	Interval    time.Duration `json:"-"`
	IntervalMs  int64         `json:"intervalMs"`
	LastUpdated time.Time     `json:"lastUpdated,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
}
