package runner

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrStatusAlreadySet is returned when a run reports completion twice.
// It always indicates a bug in a Runnable implementation.
var ErrStatusAlreadySet = errors.New("run status already set")

// Outcome is the terminal state of a run.
type Outcome struct {
	Success bool
	Reason  string // empty on success
	At      time.Time
}

// Status is a single-assignment completion flag: Pending until exactly one
// of Succeed or Fail is called. The zero value is Pending and ready to use.
type Status struct {
	outcome atomic.Pointer[Outcome]
}

// Done reports whether the status left Pending. Once true it stays true.
func (s *Status) Done() bool {
	return s.outcome.Load() != nil
}

// Successful returns the outcome's success flag. known is false while pending.
func (s *Status) Successful() (success, known bool) {
	o := s.outcome.Load()
	if o == nil {
		return false, false
	}
	return o.Success, true
}

// Outcome returns the terminal outcome, or nil while pending.
func (s *Status) Outcome() *Outcome {
	return s.outcome.Load()
}

// Succeed transitions Pending to Success.
func (s *Status) Succeed() error {
	return s.set(&Outcome{Success: true, At: time.Now()})
}

// Fail transitions Pending to Failure with the given reason.
func (s *Status) Fail(reason string) error {
	return s.set(&Outcome{Reason: reason, At: time.Now()})
}

func (s *Status) set(o *Outcome) error {
	if !s.outcome.CompareAndSwap(nil, o) {
		return ErrStatusAlreadySet
	}
	return nil
}
