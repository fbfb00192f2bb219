//go:build windows

package task

import (
	"errors"
	"os"
	"os/exec"
)

// setupProcessGroup is a no-op on Windows where Setpgid is unavailable.
func setupProcessGroup(cmd *exec.Cmd) {}

// terminate has no graceful variant on Windows.
func terminate(cmd *exec.Cmd) error {
	return forceKill(cmd)
}

func forceKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func defaultShell() (string, []string) {
	return "cmd", []string{"/C"}
}
