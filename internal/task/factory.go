package task

import (
	"fmt"
	"time"

	"github.com/deixis/cellrun/internal/runner"
)

// Factory builds runnable tasks from specs.
type Factory struct {
	Shell         Shell
	KillGrace     time.Duration
	Workspace     string // optional bound for shell working directories
	Scripts       *ScriptPool
	ScriptTimeout time.Duration
}

// New validates spec and returns the matching unstarted task. All
// configuration errors are reported here, before anything is allocated
// for the run.
func (f *Factory) New(spec Spec) (runner.Runnable, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	kind, _ := ParseKind(string(spec.Kind))
	switch kind {
	case KindShell:
		dir, err := CanonicalDir(spec.WorkingDirectory, f.Workspace)
		if err != nil {
			return nil, err
		}
		return NewShellProcess(f.Shell, spec.Source, dir, f.KillGrace), nil
	case KindScript:
		pool := f.Scripts
		if pool == nil {
			return nil, fmt.Errorf("%w: no script pool configured", ErrInvalidSpec)
		}
		return NewScriptSandbox(spec.Source, pool, f.ScriptTimeout), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
}
