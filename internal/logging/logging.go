// Package logging builds the process logger: console output on a
// terminal, JSON otherwise, optionally teed to a rotating file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation defaults.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 14
)

// Options configure New.
type Options struct {
	Level   string // debug, info, warn, error; empty = info
	Verbose bool   // forces debug
	Quiet   bool   // forces warn
	Format  string // auto, console, json

	File       string // optional rotating log file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	Out io.Writer // console destination, default os.Stderr
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns the logger and a Closer for the log file, if any. The
// returned Closer is never nil.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level, err := selectLevel(opts)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	console := selectOutput(out, opts.Format)

	var (
		writer io.Writer = console
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		lj, err := fileWriter(opts)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		writer = zerolog.MultiLevelWriter(console, lj)
		closer = lj
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

func selectLevel(opts Options) (zerolog.Level, error) {
	switch {
	case opts.Verbose:
		return zerolog.DebugLevel, nil
	case opts.Quiet:
		return zerolog.WarnLevel, nil
	case opts.Level == "":
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	return level, nil
}

// selectOutput uses a console writer for a terminal without NO_COLOR and
// plain JSON otherwise.
func selectOutput(out io.Writer, format string) io.Writer {
	switch format {
	case "json":
		return out
	case "console":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: !isTerminal(out)}
	}
	if isTerminal(out) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return out
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func fileWriter(opts Options) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: orDefault(opts.MaxBackups, DefaultMaxBackups),
		MaxAge:     orDefault(opts.MaxAgeDays, DefaultMaxAgeDays),
	}, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
