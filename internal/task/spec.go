// Package task defines the runnable task variants (shell processes and
// sandboxed Lua scripts) and builds them from a declarative Spec.
package task

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidSpec             = errors.New("invalid task spec")
	ErrUnknownKind             = errors.New("unknown task kind")
	ErrInvalidWorkingDirectory = errors.New("invalid working directory")
	ErrOutsideWorkspace        = errors.New("working directory outside workspace")
	ErrSpawn                   = errors.New("failed to spawn process")
)

// Kind selects a task variant.
type Kind string

const (
	KindShell  Kind = "shell"
	KindScript Kind = "script"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindShell, KindScript}

// ParseKind accepts a kind name. "lua" is an alias for script.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindShell, KindScript:
		return k, nil
	case "lua":
		return KindScript, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Spec describes a task to run.
type Spec struct {
	Kind             Kind   `yaml:"kind" json:"kind"`
	Source           string `yaml:"source" json:"source"`
	WorkingDirectory string `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
}

// Validate checks the spec without touching the filesystem.
func (s Spec) Validate() error {
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(s.Source) == "" {
		return fmt.Errorf("%w: source is empty", ErrInvalidSpec)
	}
	if s.Kind != KindShell && s.WorkingDirectory != "" {
		return fmt.Errorf("%w: working_directory only applies to shell tasks", ErrInvalidSpec)
	}
	return nil
}

// Describe returns a one-line summary suitable for listings.
func (s Spec) Describe() string {
	line, _, multi := strings.Cut(strings.TrimSpace(s.Source), "\n")
	if len(line) > 60 {
		line = line[:57] + "..."
		multi = false
	}
	if multi {
		line += " ..."
	}
	return fmt.Sprintf("%s: %s", s.Kind, line)
}

// LoadSpec reads a YAML task spec from path.
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("reading task spec: %w", err)
	}
	return ParseSpec(data)
}

// ParseSpec decodes and validates a YAML task spec.
func ParseSpec(data []byte) (Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	kind, err := ParseKind(string(s.Kind))
	if err != nil {
		return Spec{}, err
	}
	s.Kind = kind
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}
