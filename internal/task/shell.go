package task

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/deixis/cellrun/internal/runner"
)

// DefaultKillGrace is how long a killed process group gets between SIGTERM
// and SIGKILL.
const DefaultKillGrace = 2 * time.Second

// Shell is the interpreter used for shell tasks.
type Shell struct {
	Program string   // absolute path or name on PATH
	Args    []string // flags placed before the command string, e.g. ["-c"]
}

// ResolveShell returns the interpreter to use. An empty program picks the
// first of zsh, bash and sh found on PATH ("cmd /C" on Windows).
func ResolveShell(program string, args []string) (Shell, error) {
	if program == "" {
		p, a := defaultShell()
		if args == nil {
			args = a
		}
		return Shell{Program: p, Args: args}, nil
	}
	path, err := exec.LookPath(program)
	if err != nil {
		return Shell{}, fmt.Errorf("%w: shell %q: %v", ErrSpawn, program, err)
	}
	if args == nil {
		args = []string{"-c"}
	}
	return Shell{Program: path, Args: args}, nil
}

// ShellProcess runs a command string through a shell in a fixed directory.
// Standard input is closed; stdout and stderr are forwarded.
type ShellProcess struct {
	runner.Base

	shell   Shell
	command string
	dir     string
	grace   time.Duration
}

// NewShellProcess returns an unstarted shell task. dir must already be
// canonical (see CanonicalDir).
func NewShellProcess(shell Shell, command, dir string, grace time.Duration) *ShellProcess {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	return &ShellProcess{shell: shell, command: command, dir: dir, grace: grace}
}

// Start spawns the process and returns immediately.
func (s *ShellProcess) Start(rc *runner.Context) error {
	s.Attach(rc)

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	args := append(append([]string{}, s.shell.Args...), s.command)
	cmd := exec.Command(s.shell.Program, args...)
	cmd.Dir = s.dir
	cmd.Stdout = outW
	cmd.Stderr = errW
	setupProcessGroup(cmd)

	startErr := cmd.Start()
	// The child owns its copies of the write ends now.
	outW.Close()
	errW.Close()
	if startErr != nil {
		outR.Close()
		errR.Close()
		return fmt.Errorf("%w: %s: %w", ErrSpawn, s.shell.Program, startErr)
	}

	rc.Logger().Debug().
		Int("pid", cmd.Process.Pid).
		Str("dir", s.dir).
		Msg("process started")

	rc.Forward(runner.Stdout, outR)
	rc.Forward(runner.Stderr, errR)
	go s.supervise(rc, cmd)
	return nil
}

func (s *ShellProcess) supervise(rc *runner.Context, cmd *exec.Cmd) {
	log := rc.Logger()
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	err, ok := runner.Race(exited, rc.Killed())
	if ok {
		if err != nil {
			_ = s.Fail(exitReason(err))
			return
		}
		_ = s.Succeed()
		return
	}

	log.Debug().Msg("terminating process group")
	if err := terminate(cmd); err != nil {
		log.Warn().Err(err).Msg("SIGTERM failed")
	}
	timer := time.NewTimer(s.grace)
	select {
	case <-exited:
		timer.Stop()
	case <-timer.C:
		log.Debug().Dur("grace", s.grace).Msg("grace period elapsed, killing process group")
		if err := forceKill(cmd); err != nil {
			log.Warn().Err(err).Msg("SIGKILL failed")
		}
		<-exited
	}
	// Sweep stragglers that ignored SIGTERM and still hold the pipes.
	_ = forceKill(cmd)
	_ = s.Fail("killed")
}

func exitReason(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Error()
	}
	return fmt.Sprintf("wait: %v", err)
}
