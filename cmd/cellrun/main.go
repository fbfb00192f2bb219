// Command cellrun runs shell commands and Lua scripts and serves them to MCP
// clients that poll for output.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/deixis/cellrun"
	"github.com/deixis/cellrun/internal/config"
	"github.com/deixis/cellrun/internal/logging"
)

// exitError carries a process exit code out of a command without printing
// anything further.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// globalFlags holds flags available to all commands.
type globalFlags struct {
	Config  string
	Verbose bool
	Quiet   bool
}

// app is the state shared by subcommands once the root's PersistentPreRunE
// has run.
type app struct {
	flags     globalFlags
	cfg       *config.Config
	workspace string
	log       zerolog.Logger
	logCloser io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(&app{}).ExecuteContext(ctx)
	stop()

	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintf(os.Stderr, "cellrun: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cellrun",
		Short: "Run shell commands and Lua scripts with pollable output",
		Long: `cellrun starts shell commands and sandboxed Lua scripts, streams their output
in batches and lets clients kill them at any time.

Configuration is read from a .cellrun file found from the working directory
upward, and can be overridden with CELLRUN_<SECTION>_<KEY> environment variables.`,
		Version:       cellrun.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&a.flags.Config, "config", "c", "", "config file (default: .cellrun in the project root)")
	cmd.PersistentFlags().BoolVarP(&a.flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&a.flags.Quiet, "quiet", "q", false, "only log warnings and errors")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func (a *app) init() error {
	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining workspace: %w", err)
	}
	a.workspace = workspace

	if a.flags.Config != "" {
		a.cfg, err = config.LoadFile(a.flags.Config)
	} else {
		var loaded *config.LoadResult
		loaded, err = config.Load(workspace)
		if loaded != nil {
			a.cfg = loaded.Config
		}
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a.log, a.logCloser, err = logging.New(logging.Options{
		Level:      a.cfg.LogLevel(),
		Verbose:    a.flags.Verbose,
		Quiet:      a.flags.Quiet,
		Format:     a.cfg.Log.Format,
		File:       a.cfg.Log.File,
		MaxSizeMB:  a.cfg.Log.MaxSizeMB,
		MaxBackups: a.cfg.Log.MaxBackups,
		MaxAgeDays: a.cfg.Log.MaxAgeDays,
	})
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), cellrun.Version)
		},
	}
}
