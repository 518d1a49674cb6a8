// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"encoding/json"
	"os"
	"sync"
)

// FileRepository serves definitions from a JSON file holding an array
// of devices. The file is read once at construction; Reload picks up
// edits without restarting the gateway.
type FileRepository struct {
	path string

	mu      sync.RWMutex
	devices map[string]*Definition
}

func NewFileRepository(path string) (*FileRepository, error) {
	r := &FileRepository{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the backing file and swaps the in-memory index.
func (r *FileRepository) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return &BackendError{Err: err}
	}

	var defs []*Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return &BackendError{Err: err}
	}

	devices := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		devices[d.ID] = d
	}

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()
	return nil
}

// LoadDevice implements Repository.
func (r *FileRepository) LoadDevice(_ context.Context, id string) (*Definition, error) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}
