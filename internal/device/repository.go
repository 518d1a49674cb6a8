// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import "context"

// Repository loads device definitions by id. Implementations return
// ErrNotFound for unknown ids and *BackendError for backend faults.
type Repository interface {
	LoadDevice(ctx context.Context, id string) (*Definition, error)
}
