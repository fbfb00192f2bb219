// Package engine is the run engine's front door: it validates task specs,
// registers runs, and serves polls and kills by run id. It is consumed by
// both the MCP server and the CLI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deixis/cellrun/internal/config"
	"github.com/deixis/cellrun/internal/registry"
	"github.com/deixis/cellrun/internal/report"
	"github.com/deixis/cellrun/internal/runner"
	"github.com/deixis/cellrun/internal/sheet"
	"github.com/deixis/cellrun/internal/task"
)

// ErrNotFound is returned for run ids that are neither live nor in history.
var ErrNotFound = registry.ErrNotFound

// Request asks for one run.
type Request struct {
	Slot string // optional; a live run in the same slot is killed
	Spec task.Spec
}

// Engine holds shared dependencies for all run operations.
type Engine struct {
	Config *config.Config

	mu       sync.RWMutex // guards factory.Workspace
	factory  *task.Factory
	registry *registry.Registry
	history  *report.LRUStore
	spill    io.Closer
	sheet    *sheet.Sheet
	log      zerolog.Logger
}

// New wires an engine from configuration.
func New(cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	shell, err := task.ResolveShell(cfg.Shell.Program, cfg.Shell.Args)
	if err != nil {
		return nil, err
	}

	var (
		back  report.Store
		spill io.Closer
	)
	if cfg.History.Spill {
		disk := report.NewDiskStore()
		back, spill = disk, disk
	}
	history := report.NewLRUStore(cfg.HistorySize(), back)

	reg := registry.New(registry.Options{
		Runner: runner.Options{
			Buffer:    cfg.OutputBuffer(),
			ChunkSize: cfg.ChunkSize(),
			MaxBytes:  cfg.Output.MaxBytes,
		},
		History:       history,
		Retention:     cfg.Retention(),
		SweepInterval: cfg.SweepInterval(),
		Logger:        log,
	})

	e := &Engine{
		Config: cfg,
		factory: &task.Factory{
			Shell:         shell,
			KillGrace:     cfg.KillGrace(),
			Workspace:     cfg.Shell.Workspace,
			Scripts:       task.NewScriptPool(cfg.Script.Workers, cfg.Script.CallStackSize),
			ScriptTimeout: cfg.Script.Timeout,
		},
		registry: reg,
		history:  history,
		spill:    spill,
		sheet:    sheet.New(),
		log:      log.With().Str("component", "engine").Logger(),
	}
	e.log.Debug().
		Str("shell", shell.Program).
		Int("script_workers", e.factory.Scripts.Workers()).
		Msg("engine ready")
	return e, nil
}

// Workspace returns the directory shell tasks are bound to, if any.
func (e *Engine) Workspace() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.factory.Workspace
}

// SetWorkspace binds shell working directories to dir. Relative working
// directories resolve against it.
func (e *Engine) SetWorkspace(dir string) {
	e.mu.Lock()
	e.factory.Workspace = dir
	e.mu.Unlock()
	e.log.Info().Str("workspace", dir).Msg("workspace set")
}

// Run runs background maintenance until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.registry.Run(ctx)
}

// Close kills every live run and waits for them until ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	err := e.registry.Shutdown(ctx)
	if e.spill != nil {
		err = errors.Join(err, e.spill.Close())
	}
	return err
}

// Submit validates req, starts the task and returns its run id.
// Configuration and spawn errors are returned; nothing is registered then.
func (e *Engine) Submit(ctx context.Context, req Request) (runner.RunID, error) {
	if err := ctx.Err(); err != nil {
		return runner.RunID{}, err
	}
	e.mu.RLock()
	t, err := e.factory.New(req.Spec)
	e.mu.RUnlock()
	if err != nil {
		return runner.RunID{}, err
	}
	meta := registry.Meta{
		Slot:        req.Slot,
		Kind:        string(req.Spec.Kind),
		Description: req.Spec.Describe(),
	}
	r, err := e.registry.Register(meta, t)
	if err != nil {
		e.log.Warn().Err(err).Str("kind", meta.Kind).Msg("run failed to start")
		return runner.RunID{}, err
	}
	e.log.Info().
		Stringer("run_id", r.ID()).
		Str("kind", meta.Kind).
		Str("slot", req.Slot).
		Msg("run submitted")
	return r.ID(), nil
}

// Poll returns the next batch of output for id, waiting up to timeout.
// A zero timeout uses the configured default; larger values are capped.
// Runs that already left the registry report a final empty batch from
// history.
func (e *Engine) Poll(ctx context.Context, id runner.RunID, timeout time.Duration) (runner.Batch, error) {
	entry, err := e.registry.Lookup(id)
	if err != nil {
		sum, herr := e.history.Load(id.String())
		if herr != nil {
			return runner.Batch{}, err
		}
		return finalBatch(sum), nil
	}
	return entry.Runner.Poll(ctx, e.pollTimeout(timeout)), nil
}

func (e *Engine) pollTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return e.Config.PollTimeout()
	case d > e.Config.MaxPollTimeout():
		return e.Config.MaxPollTimeout()
	default:
		return d
	}
}

func finalBatch(s *report.Summary) runner.Batch {
	b := runner.Batch{End: true, Reason: s.Reason, Truncated: s.Truncated, Items: []runner.Output{}}
	if s.Done {
		ok := s.Success
		b.Success = &ok
	}
	return b
}

// Kill asks the run to stop. It reports whether the run was live; killing
// a finished run changes nothing.
func (e *Engine) Kill(id runner.RunID) bool {
	ok := e.registry.Kill(id)
	e.log.Debug().Stringer("run_id", id).Bool("live", ok).Msg("kill requested")
	return ok
}

// Remove kills the run and drops it from the registry.
func (e *Engine) Remove(id runner.RunID) bool {
	return e.registry.Remove(id)
}

// Status returns a summary of a live or historical run.
func (e *Engine) Status(id runner.RunID) (*report.Summary, error) {
	if entry, err := e.registry.Lookup(id); err == nil {
		return entry.Summary(), nil
	}
	sum, err := e.history.Load(id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sum, nil
}

// Runs summarises every registered run, oldest first.
func (e *Engine) Runs() []*report.Summary {
	entries := e.registry.List()
	out := make([]*report.Summary, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Summary())
	}
	return out
}

// History returns up to n summaries of runs that left the registry,
// latest first.
func (e *Engine) History(n int) []*report.Summary {
	return e.history.Recent(n)
}
