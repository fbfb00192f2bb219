//go:build !windows

package task

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/cellrun/internal/runner"
)

func testShell(t *testing.T) Shell {
	t.Helper()
	sh, err := ResolveShell("sh", nil)
	require.NoError(t, err)
	return sh
}

func runShell(t *testing.T, command string) ([]runner.Output, runner.Batch) {
	t.Helper()
	r := start(t, NewShellProcess(testShell(t), command, t.TempDir(), 0))
	return collect(t, r, 5*time.Second)
}

func TestShell_EchoHi(t *testing.T) {
	items, b := runShell(t, "echo hi")

	require.Len(t, items, 1)
	assert.Equal(t, runner.Stdout, items[0].Source)
	assert.Equal(t, "hi\n", string(items[0].Data))
	require.NotNil(t, b.Success)
	assert.True(t, *b.Success)
}

func TestShell_ExitCode(t *testing.T) {
	items, b := runShell(t, "exit 3")

	assert.Empty(t, items)
	require.NotNil(t, b.Success)
	assert.False(t, *b.Success)
	assert.Equal(t, "exit status 3", b.Reason)
}

func TestShell_Stderr(t *testing.T) {
	items, _ := runShell(t, "echo out; echo err >&2")
	assert.Equal(t, "out\n", text(items, runner.Stdout))
	assert.Equal(t, "err\n", text(items, runner.Stderr))
}

func TestShell_StdinClosed(t *testing.T) {
	items, b := runShell(t, "cat")
	assert.Empty(t, items)
	require.NotNil(t, b.Success)
	assert.True(t, *b.Success)
}

func TestShell_WorkingDirectory(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	r := start(t, NewShellProcess(testShell(t), "pwd", dir, 0))
	items, _ := collect(t, r, 5*time.Second)
	assert.Equal(t, dir+"\n", text(items, runner.Stdout))
}

func TestShell_KillInfiniteLoop(t *testing.T) {
	r := start(t, NewShellProcess(testShell(t), "while true; do :; done", t.TempDir(), time.Second))
	time.Sleep(50 * time.Millisecond)

	killed := time.Now()
	r.Kill()
	_, b := collect(t, r, 5*time.Second)

	assert.Less(t, time.Since(killed), 2*time.Second)
	require.NotNil(t, b.Success)
	assert.False(t, *b.Success)
	assert.Equal(t, "killed", b.Reason)
}

func TestShell_KillEscalatesAfterGrace(t *testing.T) {
	r := start(t, NewShellProcess(testShell(t), "trap '' TERM; while true; do sleep 0.01; done", t.TempDir(), 100*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	r.Kill()
	_, b := collect(t, r, 5*time.Second)
	assert.Equal(t, "killed", b.Reason)
}

// The background sleep inherits stdout, so the run only ends once the whole
// process group is gone.
func TestShell_KillReachesChildren(t *testing.T) {
	r := start(t, NewShellProcess(testShell(t), "sleep 60 & echo started; wait", t.TempDir(), 0))

	b := r.Poll(context.Background(), 5*time.Second)
	require.Len(t, b.Items, 1)
	assert.Equal(t, "started\n", string(b.Items[0].Data))

	r.Kill()
	_, b = collect(t, r, 5*time.Second)
	assert.Equal(t, "killed", b.Reason)
}

func TestShell_SpawnError(t *testing.T) {
	sh := Shell{Program: "/nonexistent/shell-xyz", Args: []string{"-c"}}
	_, err := runner.New(NewShellProcess(sh, "true", t.TempDir(), 0), runner.Options{Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestResolveShell(t *testing.T) {
	sh, err := ResolveShell("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-c"}, sh.Args)
	_, err = exec.LookPath(sh.Program)
	assert.NoError(t, err)

	_, err = ResolveShell("no-such-shell-xyz", nil)
	assert.ErrorIs(t, err, ErrSpawn)
}
