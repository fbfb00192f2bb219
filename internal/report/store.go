// Package report keeps summaries of finished runs so that their outcome
// can still be queried after the run left the registry.
package report

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load for an unknown run id.
var ErrNotFound = errors.New("run summary not found")

// Store persists and retrieves run summaries.
type Store interface {
	Save(s *Summary) error
	Load(runID string) (*Summary, error)
}

// Summary is the terminal record of one run.
type Summary struct {
	ID          string    `json:"id"`
	Slot        string    `json:"slot,omitempty"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	Done        bool      `json:"done"`
	Success     bool      `json:"success"`
	Reason      string    `json:"reason,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Items       int64     `json:"items"`
	Bytes       int64     `json:"bytes"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// Duration is how long the run took, or zero if it never finished.
func (s *Summary) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// State renders the outcome as a single word plus reason.
func (s *Summary) State() string {
	switch {
	case !s.Done:
		return "running"
	case s.Success:
		return "success"
	case s.Reason != "":
		return fmt.Sprintf("failure (%s)", s.Reason)
	default:
		return "failure"
	}
}
