// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ffutop/modbus-devicegw/internal/device"
	"github.com/ffutop/modbus-devicegw/internal/session"
)

// RegistryOptions tunes the polling registry.
type RegistryOptions struct {
	MaxConcurrent  int
	StartDebounce  time.Duration
	StopDebounce   time.Duration
	DefaultTimeout time.Duration
}

// Registry owns one poller per device. Operations on different
// devices never serialize on each other: the registry lock only
// guards the poller map, not the ticks.
type Registry struct {
	repo     device.Repository
	sessions *session.Manager
	logger   *zap.Logger
	opts     RegistryOptions

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	// startMu serializes Start, Stop and Shutdown for this device.
	// Without it two concurrent starts could each build a poller and
	// the loser's loop would keep running with no reference left to
	// stop it.
	startMu sync.Mutex

	poller       *Poller
	lastStart    time.Time
	lastStartErr error
	lastStop     time.Time

	subMu sync.Mutex
	subs  map[chan *Snapshot]struct{}
}

func NewRegistry(repo device.Repository, sessions *session.Manager, opts RegistryOptions, logger *zap.Logger) *Registry {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 64
	}
	if opts.StartDebounce <= 0 {
		opts.StartDebounce = 3 * time.Second
	}
	if opts.StopDebounce <= 0 {
		opts.StopDebounce = 5 * time.Second
	}
	return &Registry{
		repo:     repo,
		sessions: sessions,
		logger:   logger,
		opts:     opts,
		entries:  make(map[string]*entry),
	}
}

// entryFor returns the device's entry, creating the poller from a
// fresh definition read when absent. Definition changes take effect
// on the next start of a stopped poller.
func (r *Registry) entryFor(ctx context.Context, id string, create bool) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if ok || !create {
		if !ok {
			return nil, device.ErrNotFound
		}
		return e, nil
	}

	dev, err := r.repo.LoadDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e, nil
	}
	e = &entry{
		poller: NewPoller(dev, r.sessions, r.opts.DefaultTimeout, r.logger),
		subs:   make(map[chan *Snapshot]struct{}),
	}
	e.poller.publish = e.fanout
	r.entries[id] = e
	return e, nil
}

// Start begins polling a device. Repeated starts inside the debounce
// window succeed without disturbing the running poller, only updating
// the stored interval. A start on a stopped poller re-reads the
// definition, so device changes take effect here. interval <= 0 keeps
// the device's configured interval.
func (r *Registry) Start(ctx context.Context, id string, interval time.Duration) (bool, error) {
	e, err := r.entryFor(ctx, id, true)
	if err != nil {
		return false, err
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.poller.Active() {
		r.mu.Lock()
		e.lastStart = time.Now()
		r.mu.Unlock()
		// Running poller: Start only refreshes the interval.
		return e.poller.Start(ctx, interval)
	}

	r.mu.Lock()
	if r.activeLocked() >= r.opts.MaxConcurrent {
		r.mu.Unlock()
		return false, ErrTooManyPollers
	}
	// A start that just failed is not retried inside the debounce
	// window; callers hammering Start get the same answer back.
	if e.lastStartErr != nil && time.Since(e.lastStart) < r.opts.StartDebounce {
		lastErr := e.lastStartErr
		r.mu.Unlock()
		return false, lastErr
	}
	e.lastStart = time.Now()
	r.mu.Unlock()

	dev, err := r.repo.LoadDevice(ctx, id)
	if err != nil {
		return false, err
	}

	fresh := NewPoller(dev, r.sessions, r.opts.DefaultTimeout, r.logger)
	fresh.publish = e.fanout
	if old := e.poller.Snapshot(); old != nil {
		fresh.seed(old.markStale())
	}

	r.mu.Lock()
	e.poller = fresh
	r.mu.Unlock()

	active, err := fresh.Start(ctx, interval)

	r.mu.Lock()
	e.lastStartErr = err
	r.mu.Unlock()
	return active, err
}

// Stop halts polling. Idempotent; repeated stops inside the debounce
// window return immediately.
func (r *Registry) Stop(ctx context.Context, id string) error {
	e, err := r.entryFor(ctx, id, false)
	if err != nil {
		if err == device.ErrNotFound {
			return nil // never started
		}
		return err
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	r.mu.Lock()
	if !e.poller.Active() && time.Since(e.lastStop) < r.opts.StopDebounce {
		r.mu.Unlock()
		return nil
	}
	e.lastStop = time.Now()
	r.mu.Unlock()

	e.poller.Stop()
	e.closeSubs()
	return nil
}

// Status reports the poller state for one device.
func (r *Registry) Status(ctx context.Context, id string) (Status, error) {
	e, err := r.entryFor(ctx, id, false)
	if err != nil {
		// Unknown to the registry: confirm the device exists, then
		// report a stopped status.
		if _, repoErr := r.repo.LoadDevice(ctx, id); repoErr != nil {
			return Status{}, repoErr
		}
		return Status{DeviceID: id, State: StateStopped.String()}, nil
	}
	return e.poller.Status(), nil
}

// Snapshot returns the cached snapshot. forceRefresh, or the absence
// of any cached data, triggers a one-shot read even when the poller
// is stopped.
func (r *Registry) Snapshot(ctx context.Context, id string, forceRefresh bool) (*Snapshot, error) {
	e, err := r.entryFor(ctx, id, true)
	if err != nil {
		return nil, err
	}

	snap := e.poller.Snapshot()
	if !forceRefresh && snap != nil {
		return snap, nil
	}
	return e.poller.ReadOnce(ctx)
}

// TestConnection probes the device's endpoint; the poller need not be
// running.
func (r *Registry) TestConnection(ctx context.Context, id string) error {
	e, err := r.entryFor(ctx, id, true)
	if err != nil {
		return err
	}
	return e.poller.TestConnection(ctx)
}

// Write delegates to the poller's one-shot control path.
func (r *Registry) Write(ctx context.Context, id string, params []WriteParam) ([]WriteResult, error) {
	e, err := r.entryFor(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return e.poller.Write(ctx, params)
}

// Device returns the definition bound to the device's poller, loading
// it if needed.
func (r *Registry) Device(ctx context.Context, id string) (*device.Definition, error) {
	e, err := r.entryFor(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return e.poller.dev, nil
}

// List returns the status of every known poller.
func (r *Registry) List() []Status {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	statuses := make([]Status, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, e.poller.Status())
	}
	return statuses
}

// Subscribe returns a stream of snapshots for one device. The channel
// buffers a single snapshot and coalesces: slow consumers only ever
// see the latest. The stream ends on Stop or Shutdown; cancel detaches
// early.
func (r *Registry) Subscribe(ctx context.Context, id string) (<-chan *Snapshot, func(), error) {
	e, err := r.entryFor(ctx, id, true)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *Snapshot, 1)
	e.subMu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan *Snapshot]struct{})
	}
	e.subs[ch] = struct{}{}
	// Seed with the latest snapshot so late subscribers catch up.
	if snap := e.poller.Snapshot(); snap != nil {
		ch <- snap
	}
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.subMu.Unlock()
	}
	return ch, cancel, nil
}

// fanout delivers a snapshot to every subscriber, dropping the stale
// buffered one when the consumer lags. Publishing never blocks.
func (e *entry) fanout(snap *Snapshot) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (e *entry) closeSubs() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		delete(e.subs, ch)
		close(ch)
	}
}

// activeLocked counts running pollers. Caller holds r.mu.
func (r *Registry) activeLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.poller.Active() {
			n++
		}
	}
	return n
}

// Shutdown stops every poller concurrently, waiting up to the context
// deadline, then closes all sessions. Returns the ids of pollers that
// failed to stop in time.
func (r *Registry) Shutdown(ctx context.Context) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	entries := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	stopped := make([]chan struct{}, len(entries))
	for i, e := range entries {
		wg.Add(1)
		done := make(chan struct{})
		stopped[i] = done
		go func(e *entry, done chan struct{}) {
			defer wg.Done()
			e.startMu.Lock()
			e.poller.Stop()
			e.startMu.Unlock()
			e.closeSubs()
			close(done)
		}(e, done)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	var failed []string
	select {
	case <-finished:
	case <-ctx.Done():
		for i, done := range stopped {
			select {
			case <-done:
			default:
				failed = append(failed, ids[i])
			}
		}
	}

	r.sessions.Close()
	r.logger.Info("polling registry shut down",
		zap.Int("pollers", len(entries)), zap.Strings("failed", failed))
	return failed
}
