package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deixis/cellrun/internal/engine"
	"github.com/deixis/cellrun/internal/runner"
	"github.com/deixis/cellrun/internal/task"
)

// cliPollTimeout is the per-poll wait used while streaming output.
const cliPollTimeout = 200 * time.Millisecond

func newRunCmd(a *app) *cobra.Command {
	var (
		kind     string
		dir      string
		specFile string
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- SOURCE...",
		Short: "Run one task and stream its output",
		Long: `Run one shell command or Lua script and stream its output until it ends.

The source is taken from the arguments, or from a YAML spec file given with -f:

  kind: shell
  source: go test ./...
  working_directory: ./internal

Ctrl-C kills the task. The exit status is 1 when the task fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := runSpec(specFile, kind, dir, args)
			if err != nil {
				return err
			}
			if spec.Kind == task.KindShell && spec.WorkingDirectory == "" && a.cfg.Shell.Workspace == "" {
				spec.WorkingDirectory = a.workspace
			}
			return a.run(cmd.Context(), spec, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(task.KindShell), "task kind: shell or script")
	cmd.Flags().StringVarP(&dir, "dir", "C", "", "working directory for shell tasks (default: current directory)")
	cmd.Flags().StringVarP(&specFile, "file", "f", "", "read the task spec from a YAML file")
	return cmd
}

func runSpec(file, kind, dir string, args []string) (task.Spec, error) {
	if file != "" {
		if len(args) > 0 {
			return task.Spec{}, fmt.Errorf("%w: source arguments cannot be combined with -f", task.ErrInvalidSpec)
		}
		return task.LoadSpec(file)
	}
	k, err := task.ParseKind(kind)
	if err != nil {
		return task.Spec{}, err
	}
	spec := task.Spec{Kind: k, Source: strings.Join(args, " ")}
	if k == task.KindShell {
		spec.WorkingDirectory = dir
	}
	return spec, spec.Validate()
}

func (a *app) run(ctx context.Context, spec task.Spec, stdout, stderr io.Writer) error {
	e, err := engine.New(a.cfg, a.log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = e.Close(closeCtx)
	}()

	id, err := e.Submit(ctx, engine.Request{Spec: spec})
	if err != nil {
		return err
	}
	a.log.Debug().Stringer("run_id", id).Str("task", spec.Describe()).Msg("streaming output")

	b, err := stream(ctx, e, id, stdout, stderr)
	if err != nil {
		return err
	}
	if b.Success != nil && *b.Success {
		return nil
	}
	if b.Reason != "" {
		fmt.Fprintf(stderr, "cellrun: %s\n", b.Reason)
	}
	return exitError{code: 1}
}

// stream polls id until the run ends, copying output to stdout and stderr.
// Cancelling ctx kills the run; its remaining output is still drained.
func stream(ctx context.Context, e *engine.Engine, id runner.RunID, stdout, stderr io.Writer) (runner.Batch, error) {
	killed := false
	for {
		if !killed && ctx.Err() != nil {
			e.Kill(id)
			killed = true
		}
		b, err := e.Poll(context.WithoutCancel(ctx), id, cliPollTimeout)
		if err != nil {
			return runner.Batch{}, err
		}
		for _, item := range b.Items {
			w := stdout
			if item.Source == runner.Stderr {
				w = stderr
			}
			if _, err := w.Write(item.Data); err != nil {
				return runner.Batch{}, err
			}
		}
		if b.End {
			if b.Truncated {
				fmt.Fprintln(stderr, "cellrun: output truncated")
			}
			return b, nil
		}
	}
}
