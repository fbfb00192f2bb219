package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/semaphore"

	"github.com/deixis/cellrun/internal/runner"
)

// ScriptPool bounds how many scripts execute at once. Each running script
// holds a dedicated OS thread.
type ScriptPool struct {
	sem           *semaphore.Weighted
	workers       int
	callStackSize int
}

// NewScriptPool returns a pool of the given size (NumCPU when <= 0).
// callStackSize <= 0 keeps the interpreter default.
func NewScriptPool(workers, callStackSize int) *ScriptPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &ScriptPool{
		sem:           semaphore.NewWeighted(int64(workers)),
		workers:       workers,
		callStackSize: callStackSize,
	}
}

// Workers returns the pool size.
func (p *ScriptPool) Workers() int { return p.workers }

// do runs fn on a locked OS thread once a worker slot is free. It returns
// ctx's error if ctx ends first, without calling fn.
func (p *ScriptPool) do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	fn()
	return nil
}

// ScriptSandbox runs Lua source in a fresh, restricted interpreter. print
// writes to the stdout source without a trailing newline.
type ScriptSandbox struct {
	runner.Base

	source  string
	pool    *ScriptPool
	timeout time.Duration
}

// NewScriptSandbox returns an unstarted script task. timeout <= 0 means none.
func NewScriptSandbox(source string, pool *ScriptPool, timeout time.Duration) *ScriptSandbox {
	return &ScriptSandbox{source: source, pool: pool, timeout: timeout}
}

// Start queues the script on the pool and returns immediately.
func (s *ScriptSandbox) Start(rc *runner.Context) error {
	s.Attach(rc)
	pr, pw := io.Pipe()
	rc.Forward(runner.Stdout, pr)
	go s.execute(rc, pw)
	return nil
}

func (s *ScriptSandbox) execute(rc *runner.Context, pw *io.PipeWriter) {
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	go func() {
		select {
		case <-rc.Killed():
			cancel()
		case <-ctx.Done():
		}
	}()

	var runErr error
	err := s.pool.do(ctx, func() {
		L, err := newSandbox(pw, s.pool.callStackSize)
		if err != nil {
			runErr = err
			return
		}
		defer L.Close()
		L.SetContext(ctx)
		runErr = L.DoString(s.source)
	})

	switch {
	case err != nil:
		rc.Logger().Debug().Err(err).Msg("script cancelled before start")
		_ = s.Fail(s.cancelReason(ctx))
	case runErr != nil && ctx.Err() != nil:
		_ = s.Fail(s.cancelReason(ctx))
	case runErr != nil:
		_ = s.Fail(scriptError(runErr))
	default:
		_ = s.Succeed()
	}
}

func (s *ScriptSandbox) cancelReason(ctx context.Context) string {
	if s.KillRequested() {
		return "killed"
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("timed out after %s", s.timeout)
	}
	return "killed"
}

func scriptError(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

// Globals removed from the base library: code loading, module loading and
// environment manipulation.
var blockedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"package", "collectgarbage", "getfenv", "setfenv", "newproxy", "_printregs",
}

var safeOsFuncs = []string{"clock", "date", "difftime", "time"}

func newSandbox(w io.Writer, callStackSize int) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: callStackSize,
	})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage}, // must be first
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.OsLibName, lua.OpenOs},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("opening lua library %q: %w", lib.name, err)
		}
	}

	osLib, ok := L.GetGlobal(lua.OsLibName).(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("lua os library missing")
	}
	safeOs := L.NewTable()
	for _, name := range safeOsFuncs {
		safeOs.RawSetString(name, osLib.RawGetString(name))
	}
	L.SetGlobal(lua.OsLibName, safeOs)

	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(printTo(w)))
	return L, nil
}

// printTo writes tab-separated arguments with no trailing newline.
func printTo(w io.Writer) lua.LGFunction {
	return func(L *lua.LState) int {
		var b strings.Builder
		for i := 1; i <= L.GetTop(); i++ {
			if i > 1 {
				b.WriteByte('\t')
			}
			b.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		if b.Len() == 0 {
			return 0
		}
		// A closed reader means nobody is listening any more.
		_, _ = io.WriteString(w, b.String())
		return 0
	}
}
