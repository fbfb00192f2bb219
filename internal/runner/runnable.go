package runner

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// RunID identifies one run. It is a random (v4) UUID.
type RunID uuid.UUID

// NewRunID returns a fresh random RunID.
func NewRunID() RunID {
	return RunID(uuid.New())
}

// ParseRunID parses the canonical string form of a RunID.
func ParseRunID(s string) (RunID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RunID{}, fmt.Errorf("invalid run id %q: %w", s, err)
	}
	return RunID(u), nil
}

func (id RunID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id RunID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RunID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

// Runnable is a unit of work the engine can start, observe and cancel.
//
// Start begins execution and must return without waiting for the work to
// finish. Byte sources must be registered with Context.Forward before Start
// returns. An error from Start means nothing was started.
//
// Done is monotonic. Successful reports known=false until Done is true.
// Kill is idempotent and a no-op once the run is done.
type Runnable interface {
	Start(rc *Context) error
	Done() bool
	Successful() (success, known bool)
	Kill()
}

// Base implements the bookkeeping half of Runnable: completion status and
// kill delivery. Implementations embed it, call Attach at the top of Start,
// and report completion once through Succeed or Fail.
type Base struct {
	status Status

	mu     sync.Mutex
	rc     *Context
	killed bool

	finishOnce sync.Once
	finished   chan struct{}
}

// Attach binds the run context. A Kill that arrived earlier is delivered now.
func (b *Base) Attach(rc *Context) {
	b.mu.Lock()
	b.rc = rc
	killed := b.killed
	b.mu.Unlock()
	if killed {
		rc.kill()
	}
}

// Kill fires the attached context's cancellation signal.
func (b *Base) Kill() {
	if b.status.Done() {
		return
	}
	b.mu.Lock()
	b.killed = true
	rc := b.rc
	b.mu.Unlock()
	if rc != nil {
		rc.kill()
	}
}

// KillRequested reports whether Kill was called before completion.
func (b *Base) KillRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.killed
}

// Done implements Runnable.
func (b *Base) Done() bool { return b.status.Done() }

// Successful implements Runnable.
func (b *Base) Successful() (success, known bool) { return b.status.Successful() }

// Outcome returns the terminal outcome, or nil while pending.
func (b *Base) Outcome() *Outcome { return b.status.Outcome() }

// Finished returns a channel closed once the run has an outcome.
func (b *Base) Finished() <-chan struct{} {
	return b.finishedChan()
}

// Succeed records success.
func (b *Base) Succeed() error {
	return b.finish(b.status.Succeed())
}

// Fail records failure with a human-readable reason.
func (b *Base) Fail(reason string) error {
	return b.finish(b.status.Fail(reason))
}

func (b *Base) finishedChan() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished == nil {
		b.finished = make(chan struct{})
	}
	return b.finished
}

func (b *Base) finish(err error) error {
	if err != nil {
		b.mu.Lock()
		rc := b.rc
		b.mu.Unlock()
		if rc != nil {
			rc.log.Error().Err(err).Msg("invariant violation: run reported completion twice")
		}
		return err
	}
	ch := b.finishedChan()
	b.finishOnce.Do(func() { close(ch) })
	return nil
}
