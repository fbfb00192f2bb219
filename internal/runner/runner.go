// Package runner drives a single Runnable: it starts the task, multiplexes
// its output sources into one bounded channel, and serves incremental polls
// and kill requests against it.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MaxBatch is the most items a single Poll returns.
const MaxBatch = 25

const (
	DefaultBuffer    = 128
	DefaultChunkSize = 4096
)

// Options tune a Runner. Zero values mean defaults.
type Options struct {
	Buffer    int   // output channel capacity
	ChunkSize int   // bytes per forwarder read
	MaxBytes  int64 // per-run output cap, 0 = unlimited
	Logger    zerolog.Logger
}

// Runner owns one started task and its output channel.
type Runner struct {
	id      RunID
	task    Runnable
	rc      *Context
	out     chan Output
	started time.Time
	log     zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	pollMu  sync.Mutex
	drained bool
}

// New starts task and returns the Runner that owns it. A Start error is
// returned unchanged and nothing is left running.
func New(task Runnable, opts Options) (*Runner, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	id := NewRunID()
	log := opts.Logger.With().Stringer("run_id", id).Logger()
	out := make(chan Output, opts.Buffer)
	stop := make(chan struct{})

	r := &Runner{
		id:   id,
		task: task,
		out:  out,
		stop: stop,
		log:  log,
	}
	r.rc = &Context{
		id:     id,
		log:    log,
		out:    out,
		stop:   stop,
		done:   task.Done,
		killed: make(chan struct{}),
		chunk:  opts.ChunkSize,
		limit:  opts.MaxBytes,
	}

	r.started = time.Now()
	if err := task.Start(r.rc); err != nil {
		close(stop)
		return nil, err
	}
	log.Debug().Msg("run started")

	go r.closeWhenFinished()
	return r, nil
}

// ID returns the run id.
func (r *Runner) ID() RunID { return r.id }

// Task returns the task being run.
func (r *Runner) Task() Runnable { return r.task }

// StartedAt is when the task was started.
func (r *Runner) StartedAt() time.Time { return r.started }

// Done reports whether the task has finished.
func (r *Runner) Done() bool { return r.task.Done() }

// Successful reports the task's outcome; known is false while pending.
func (r *Runner) Successful() (success, known bool) { return r.task.Successful() }

// Outcome returns the terminal outcome when the task exposes one.
func (r *Runner) Outcome() *Outcome {
	if o, ok := r.task.(interface{ Outcome() *Outcome }); ok {
		return o.Outcome()
	}
	return nil
}

// Stats returns delivery counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Items:     r.rc.items.Load(),
		Bytes:     r.rc.bytes.Load(),
		Truncated: r.rc.truncated.Load(),
	}
}

// Poll waits up to timeout for output. If nothing arrives it returns an
// empty batch with the current status. Otherwise it returns up to MaxBatch
// items already queued. Polls are serialized.
func (r *Runner) Poll(ctx context.Context, timeout time.Duration) Batch {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	items := []Output{}
	if !r.drained {
		if o, ok := r.first(ctx, timeout); ok {
			items = append(items, o)
			items = r.drain(items)
		}
	}
	return r.batch(items)
}

func (r *Runner) first(ctx context.Context, timeout time.Duration) (Output, bool) {
	if timeout <= 0 {
		select {
		case o, ok := <-r.out:
			return r.received(o, ok)
		default:
			return Output{}, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o, ok := <-r.out:
		return r.received(o, ok)
	case <-timer.C:
	case <-ctx.Done():
	}
	return Output{}, false
}

func (r *Runner) received(o Output, ok bool) (Output, bool) {
	if !ok {
		r.drained = true
	}
	return o, ok
}

func (r *Runner) drain(items []Output) []Output {
	for len(items) < MaxBatch {
		select {
		case o, ok := <-r.out:
			if !ok {
				r.drained = true
				return items
			}
			items = append(items, o)
		default:
			return items
		}
	}
	return items
}

func (r *Runner) batch(items []Output) Batch {
	b := Batch{
		Items:     items,
		Truncated: r.rc.truncated.Load(),
	}
	if ok, known := r.task.Successful(); known {
		b.Success = &ok
		if o := r.Outcome(); o != nil {
			b.Reason = o.Reason
		}
	}
	b.End = r.drained && r.task.Done()
	return b
}

// Kill asks the task to stop. Safe at any time, including after completion.
func (r *Runner) Kill() {
	r.task.Kill()
}

// Close kills the task and releases forwarders blocked on a full channel.
// Nothing may poll a closed Runner.
func (r *Runner) Close() {
	r.Kill()
	r.stopOnce.Do(func() { close(r.stop) })
}

// closeWhenFinished closes the output channel once every forwarder returned
// and the task has an outcome, so a drained channel means End.
func (r *Runner) closeWhenFinished() {
	if err := r.rc.forwarders.Wait(); err != nil {
		r.log.Warn().Err(err).Msg("forwarder failed")
	}
	r.waitDone()
	close(r.out)
	r.log.Debug().Msg("output closed")
}

func (r *Runner) waitDone() {
	if f, ok := r.task.(interface{ Finished() <-chan struct{} }); ok {
		select {
		case <-f.Finished():
		case <-r.stop:
		}
		return
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !r.task.Done() {
		select {
		case <-ticker.C:
		case <-r.stop:
			return
		}
	}
}
