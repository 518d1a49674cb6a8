// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that no device with the requested id exists.
var ErrNotFound = errors.New("modbus: device not found")

// InvalidDefinitionError reports a structurally broken definition.
type InvalidDefinitionError struct {
	Reason string
}

func (e *InvalidDefinitionError) Error() string {
	return fmt.Sprintf("modbus: invalid device definition: %s", e.Reason)
}

// BackendError wraps a repository backend fault (unreadable file,
// unreachable store). Distinct from ErrNotFound so callers can map it
// to a server fault instead of a 404.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("modbus: device repository backend: %v", e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
