// Package registry owns the set of live runs. Each run occupies a key,
// either a caller-chosen slot or its own run id, and at most one live run
// holds a key at a time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/deixis/cellrun/internal/report"
	"github.com/deixis/cellrun/internal/runner"
)

// ErrNotFound is returned for a run id that is not registered.
var ErrNotFound = errors.New("run not found")

const (
	DefaultRetention     = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second

	// retireWait bounds how long a retired run is watched for its outcome
	// before it is recorded as unfinished.
	retireWait = 30 * time.Second
)

// Meta describes a run for listings and history.
type Meta struct {
	Slot        string
	Kind        string
	Description string
}

// Entry is a registered run.
type Entry struct {
	Runner *runner.Runner
	Meta   Meta
	key    string
}

// Key is the registry key the run occupies.
func (e *Entry) Key() string { return e.key }

// Summary snapshots the entry's current state.
func (e *Entry) Summary() *report.Summary {
	r := e.Runner
	stats := r.Stats()
	s := &report.Summary{
		ID:          r.ID().String(),
		Slot:        e.Meta.Slot,
		Kind:        e.Meta.Kind,
		Description: e.Meta.Description,
		StartedAt:   r.StartedAt(),
		Items:       stats.Items,
		Bytes:       stats.Bytes,
		Truncated:   stats.Truncated,
	}
	if ok, known := r.Successful(); known {
		s.Done = true
		s.Success = ok
	}
	if o := r.Outcome(); o != nil {
		s.Reason = o.Reason
		s.EndedAt = o.At
	}
	return s
}

// Options configure a Registry. Zero values mean defaults.
type Options struct {
	Runner        runner.Options
	History       report.Store // optional
	Retention     time.Duration
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// Registry tracks live runs. The zero value is not usable; call New.
type Registry struct {
	opts Options
	log  zerolog.Logger

	mu    sync.RWMutex
	slots map[string]runner.RunID
	runs  map[runner.RunID]*Entry

	retiring sync.WaitGroup
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	log := opts.Logger.With().Str("component", "registry").Logger()
	opts.Runner.Logger = opts.Logger
	return &Registry{
		opts:  opts,
		log:   log,
		slots: make(map[string]runner.RunID),
		runs:  make(map[runner.RunID]*Entry),
	}
}

// Register starts task and records it under meta.Slot, or under its run id
// when no slot is given. A run already holding the slot is killed and
// retired before Register returns. Start errors are returned unchanged.
func (g *Registry) Register(meta Meta, task runner.Runnable) (*runner.Runner, error) {
	r, err := runner.New(task, g.opts.Runner)
	if err != nil {
		return nil, err
	}

	key := meta.Slot
	if key == "" {
		key = r.ID().String()
	}
	e := &Entry{Runner: r, Meta: meta, key: key}

	g.mu.Lock()
	var prev *Entry
	if id, ok := g.slots[key]; ok {
		prev = g.runs[id]
		delete(g.runs, id)
	}
	g.slots[key] = r.ID()
	g.runs[r.ID()] = e
	g.mu.Unlock()

	g.log.Debug().
		Stringer("run_id", r.ID()).
		Str("key", key).
		Str("kind", meta.Kind).
		Msg("run registered")

	if prev != nil {
		g.log.Info().
			Stringer("run_id", prev.Runner.ID()).
			Stringer("replaced_by", r.ID()).
			Str("key", key).
			Msg("slot reused, killing previous run")
		g.retire(prev)
	}
	return r, nil
}

// Lookup returns the entry for id.
func (g *Registry) Lookup(id runner.RunID) (*Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// LookupSlot returns the run currently holding slot.
func (g *Registry) LookupSlot(slot string) (*Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.slots[slot]
	if !ok {
		return nil, fmt.Errorf("%w: slot %q", ErrNotFound, slot)
	}
	return g.runs[id], nil
}

// Kill asks the run to stop and reports whether it was registered. The run
// stays registered so its final output can still be polled.
func (g *Registry) Kill(id runner.RunID) bool {
	e, err := g.Lookup(id)
	if err != nil {
		return false
	}
	e.Runner.Kill()
	return true
}

// Remove kills and forgets the run.
func (g *Registry) Remove(id runner.RunID) bool {
	g.mu.Lock()
	e, ok := g.runs[id]
	if ok {
		g.forget(e)
	}
	g.mu.Unlock()
	if ok {
		g.retire(e)
	}
	return ok
}

// RemoveSlot kills and forgets the run holding slot.
func (g *Registry) RemoveSlot(slot string) bool {
	g.mu.Lock()
	var e *Entry
	if id, ok := g.slots[slot]; ok {
		e = g.runs[id]
		g.forget(e)
	}
	g.mu.Unlock()
	if e == nil {
		return false
	}
	g.retire(e)
	return true
}

// List returns all registered runs, oldest first.
func (g *Registry) List() []*Entry {
	g.mu.RLock()
	out := make([]*Entry, 0, len(g.runs))
	for _, e := range g.runs {
		out = append(out, e)
	}
	g.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Entry) int {
		return a.Runner.StartedAt().Compare(b.Runner.StartedAt())
	})
	return out
}

// Len returns the number of registered runs.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}

// Reap forgets runs that finished more than the retention period before
// now and returns how many were dropped.
func (g *Registry) Reap(now time.Time) int {
	cutoff := now.Add(-g.opts.Retention)
	var expired []*Entry

	g.mu.Lock()
	for _, e := range g.runs {
		o := e.Runner.Outcome()
		if o != nil && o.At.Before(cutoff) {
			g.forget(e)
			expired = append(expired, e)
		}
	}
	g.mu.Unlock()

	for _, e := range expired {
		e.Runner.Close()
		g.record(e)
	}
	if len(expired) > 0 {
		g.log.Debug().Int("count", len(expired)).Msg("reaped finished runs")
	}
	return len(expired)
}

// Run reaps expired runs every sweep interval until ctx is done.
func (g *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			g.Reap(now)
		}
	}
}

// Shutdown kills every run and waits until they have all finished or ctx
// is done.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	entries := make([]*Entry, 0, len(g.runs))
	for _, e := range g.runs {
		entries = append(entries, e)
	}
	clear(g.runs)
	clear(g.slots)
	g.mu.Unlock()

	g.log.Info().Int("runs", len(entries)).Msg("shutting down")

	var eg errgroup.Group
	for _, e := range entries {
		eg.Go(func() error {
			e.Runner.Close()
			err := waitFinished(ctx, e.Runner)
			g.record(e)
			return err
		})
	}
	eg.Go(func() error {
		done := make(chan struct{})
		go func() {
			g.retiring.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return eg.Wait()
}

// forget removes e from both indexes. g.mu must be held.
func (g *Registry) forget(e *Entry) {
	id := e.Runner.ID()
	delete(g.runs, id)
	if g.slots[e.key] == id {
		delete(g.slots, e.key)
	}
}

// retire closes a run that left the registry and records its summary once
// it has finished.
func (g *Registry) retire(e *Entry) {
	e.Runner.Close()
	g.retiring.Add(1)
	go func() {
		defer g.retiring.Done()
		ctx, cancel := context.WithTimeout(context.Background(), retireWait)
		defer cancel()
		if err := waitFinished(ctx, e.Runner); err != nil {
			g.log.Warn().
				Stringer("run_id", e.Runner.ID()).
				Msg("retired run did not finish in time")
		}
		g.record(e)
	}()
}

func (g *Registry) record(e *Entry) {
	if g.opts.History == nil {
		return
	}
	if err := g.opts.History.Save(e.Summary()); err != nil {
		g.log.Warn().Err(err).Stringer("run_id", e.Runner.ID()).Msg("saving run summary")
	}
}

func waitFinished(ctx context.Context, r *runner.Runner) error {
	if r.Done() {
		return nil
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.Done() {
				return nil
			}
		}
	}
}
