//go:build !windows

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/cellrun/internal/task"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&app{})
	cmd.SetArgs(append([]string{"-q"}, args...))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRun_Shell(t *testing.T) {
	stdout, _, err := execute(t, "run", "-C", t.TempDir(), "--", "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", stdout)
}

func TestRun_ShellFailure(t *testing.T) {
	_, stderr, err := execute(t, "run", "-C", t.TempDir(), "--", "echo oops >&2; exit 3")

	var exit exitError
	require.True(t, errors.As(err, &exit), "err = %v", err)
	assert.Equal(t, 1, exit.code)
	assert.Equal(t, "oops\ncellrun: exit status 3\n", stderr)
}

func TestRun_Script(t *testing.T) {
	stdout, _, err := execute(t, "run", "-k", "lua", "--", `print("a", 1)`)
	require.NoError(t, err)
	assert.Equal(t, "a\t1", stdout)
}

func TestRun_SpecFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kind: shell\nsource: pwd\nworking_directory: "+dir+"\n"), 0o644))

	stdout, _, err := execute(t, "run", "-f", path)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want+"\n", stdout)
}

func TestRunSpec(t *testing.T) {
	_, err := runSpec("task.yaml", "shell", "", []string{"echo"})
	assert.ErrorIs(t, err, task.ErrInvalidSpec)

	_, err = runSpec("", "shell", "", nil)
	assert.ErrorIs(t, err, task.ErrInvalidSpec)

	_, err = runSpec("", "ruby", "", []string{"x"})
	assert.ErrorIs(t, err, task.ErrUnknownKind)

	spec, err := runSpec("", "script", "/tmp", []string{"print(1)"})
	require.NoError(t, err)
	assert.Equal(t, task.KindScript, spec.Kind)
	assert.Empty(t, spec.WorkingDirectory)
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}
