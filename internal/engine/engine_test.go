//go:build !windows

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/cellrun/internal/config"
	"github.com/deixis/cellrun/internal/runner"
	"github.com/deixis/cellrun/internal/sheet"
	"github.com/deixis/cellrun/internal/task"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{
		Shell:   config.ShellConfig{Program: "sh", Workspace: t.TempDir(), KillGrace: 200 * time.Millisecond},
		Script:  config.ScriptConfig{Workers: 2},
		History: config.HistoryConfig{Spill: true},
	}
	e, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.Close(ctx))
	})
	return e
}

func shell(cmd string) task.Spec { return task.Spec{Kind: task.KindShell, Source: cmd} }

func drain(t *testing.T, e *Engine, id runner.RunID) ([]runner.Output, runner.Batch) {
	t.Helper()
	var items []runner.Output
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b, err := e.Poll(context.Background(), id, 20*time.Millisecond)
		require.NoError(t, err)
		items = append(items, b.Items...)
		if b.End {
			return items, b
		}
	}
	t.Fatal("run did not end")
	return nil, runner.Batch{}
}

func TestSubmit_EchoHi(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.Submit(context.Background(), Request{Spec: shell("echo hi")})
	require.NoError(t, err)

	items, b := drain(t, e, id)
	require.Len(t, items, 1)
	assert.Equal(t, runner.Stdout, items[0].Source)
	assert.Equal(t, "hi\n", string(items[0].Data))
	require.NotNil(t, b.Success)
	assert.True(t, *b.Success)

	sum, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "success", sum.State())
	assert.Equal(t, int64(3), sum.Bytes)
}

func TestSubmit_ConfigurationErrors(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Submit(context.Background(), Request{Spec: task.Spec{Kind: task.KindShell, Source: "true", WorkingDirectory: "missing"}})
	assert.ErrorIs(t, err, task.ErrInvalidWorkingDirectory)

	_, err = e.Submit(context.Background(), Request{Spec: task.Spec{Kind: task.KindShell, Source: "true", WorkingDirectory: "/"}})
	assert.ErrorIs(t, err, task.ErrOutsideWorkspace)

	_, err = e.Submit(context.Background(), Request{Spec: task.Spec{Kind: "ruby", Source: "1"}})
	assert.ErrorIs(t, err, task.ErrUnknownKind)

	assert.Empty(t, e.Runs())
}

func TestSubmit_Script(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.Submit(context.Background(), Request{Spec: task.Spec{Kind: task.KindScript, Source: `print("a") error("bad")`}})
	require.NoError(t, err)

	items, b := drain(t, e, id)
	require.Len(t, items, 1)
	assert.Equal(t, "a", string(items[0].Data))
	require.NotNil(t, b.Success)
	assert.False(t, *b.Success)
}

func TestSubmit_SameSlotKillsFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Submit(ctx, Request{Slot: "s", Spec: shell("sleep 30")})
	require.NoError(t, err)
	second, err := e.Submit(ctx, Request{Slot: "s", Spec: shell("echo second")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sum, err := e.Status(first)
		return err == nil && sum.Done
	}, 5*time.Second, 5*time.Millisecond)

	sum, err := e.Status(first)
	require.NoError(t, err)
	assert.Equal(t, "killed", sum.Reason)

	_, b := drain(t, e, first)
	assert.Equal(t, "killed", b.Reason)

	items, _ := drain(t, e, second)
	require.Len(t, items, 1)
	assert.Equal(t, "second\n", string(items[0].Data))
}

func TestKill(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.Submit(context.Background(), Request{Spec: shell("while true; do :; done")})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, e.Kill(id))

	_, b := drain(t, e, id)
	require.NotNil(t, b.Success)
	assert.False(t, *b.Success)
	assert.Equal(t, "killed", b.Reason)

	assert.True(t, e.Kill(id), "finished runs stay registered")
	assert.False(t, e.Kill(runner.NewRunID()))
}

func TestPoll_Unknown(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Poll(context.Background(), runner.NewRunID(), 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.Status(runner.NewRunID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPoll_TimeoutCapped(t *testing.T) {
	e := newTestEngine(t)
	e.Config.Poll.MaxTimeout = 50 * time.Millisecond
	id, err := e.Submit(context.Background(), Request{Spec: shell("sleep 30")})
	require.NoError(t, err)

	start := time.Now()
	b, err := e.Poll(context.Background(), id, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, b.Items)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRemoveAndHistory(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.Submit(context.Background(), Request{Spec: shell("exit 3")})
	require.NoError(t, err)
	_, b := drain(t, e, id)
	assert.Equal(t, "exit status 3", b.Reason)

	assert.True(t, e.Remove(id))
	require.Eventually(t, func() bool { return len(e.History(0)) == 1 }, 5*time.Second, 5*time.Millisecond)

	h := e.History(10)
	assert.Equal(t, id.String(), h[0].ID)
	assert.Equal(t, "exit status 3", h[0].Reason)
	assert.Empty(t, e.Runs())
}

func TestSheet_RunCell(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	layout := e.ResizeSheet(1, 2)
	require.Len(t, layout.Cells, 2)
	cell := layout.Cells[1]

	_, err := e.RunCell(ctx, cell)
	assert.ErrorIs(t, err, sheet.ErrEmptyCell)

	require.NoError(t, e.SetCell(cell, shell("sleep 30")))
	id, err := e.RunCell(ctx, cell)
	require.NoError(t, err)

	c, err := e.Sheet().Cell(cell)
	require.NoError(t, err)
	require.NotNil(t, c.LastRun)
	assert.Equal(t, id, *c.LastRun)

	e.ResizeSheet(1, 1)
	assert.Empty(t, e.Runs())
	require.Eventually(t, func() bool {
		sum, err := e.Status(id)
		return err == nil && sum.Done && sum.Reason == "killed"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSetWorkspace(t *testing.T) {
	e := newTestEngine(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	e.SetWorkspace(dir)
	assert.Equal(t, dir, e.Workspace())

	id, err := e.Submit(context.Background(), Request{Spec: task.Spec{Kind: task.KindShell, Source: "pwd", WorkingDirectory: "sub"}})
	require.NoError(t, err)
	items, _ := drain(t, e, id)
	require.Len(t, items, 1)
	assert.Equal(t, filepath.Join(dir, "sub")+"\n", string(items[0].Data))
}
