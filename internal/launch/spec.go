// Package launch turns an already resolved executable, proxy config and safe directory into an
// immutable description of how the proxy engine must be spawned.
package launch

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	DefaultDirFlag      = "-d"
	DefaultConfigFlag   = "-f"
	DefaultSafePathsVar = "SAFE_PATHS"
)

// ErrExecutableNotFound is returned when the proxy binary does not exist.
var ErrExecutableNotFound = errors.New("executable not found")

// NotFoundError carries the path that was looked up.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executable not found at %q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("executable not found at %q", e.Path)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrExecutableNotFound }

func (e *NotFoundError) Unwrap() error { return e.Err }

// Spec describes a single spawn of the proxy engine. It is consumed once.
type Spec struct {
	executable string
	dir        string
	args       []string
	overlay    map[string]string
	environ    []string
}

// Builder holds the flag and variable names used when composing a Spec.
// The zero value uses the Clash defaults.
type Builder struct {
	DirFlag      string
	ConfigFlag   string
	SafePathsVar string
}

// Build composes a Spec with the default Builder.
func Build(executable, configPath, safeDir string, environ []string) (*Spec, error) {
	return Builder{}.Build(executable, configPath, safeDir, environ)
}

// Build composes a Spec. environ is the inherited environment in "KEY=value" form, usually
// os.Environ(). safeDir is appended to the safe-paths variable so the engine accepts configs
// stored there.
func (b Builder) Build(executable, configPath, safeDir string, environ []string) (*Spec, error) {
	b = b.withDefaults()

	if executable == "" {
		return nil, &NotFoundError{Path: executable}
	}
	// the child runs in another directory, so relative paths would resolve against it
	executable, err := filepath.Abs(executable)
	if err != nil {
		return nil, &NotFoundError{Path: executable, Err: err}
	}
	info, err := os.Stat(executable)
	if err != nil {
		return nil, &NotFoundError{Path: executable, Err: err}
	}
	if info.IsDir() {
		return nil, &NotFoundError{Path: executable, Err: errors.New("is a directory")}
	}
	if configPath == "" {
		return nil, errors.New("config path is empty")
	}
	if configPath, err = filepath.Abs(configPath); err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if safeDir != "" {
		if safeDir, err = filepath.Abs(safeDir); err != nil {
			return nil, fmt.Errorf("resolve safe dir: %w", err)
		}
	}

	dir := filepath.Dir(executable)
	overlay := map[string]string{
		b.SafePathsVar: MergeSafePaths(lookupEnv(environ, b.SafePathsVar), safeDir),
	}

	return &Spec{
		executable: executable,
		dir:        dir,
		args:       []string{b.DirFlag, dir, b.ConfigFlag, configPath},
		overlay:    overlay,
		environ:    applyOverlay(environ, overlay),
	}, nil
}

func (b Builder) withDefaults() Builder {
	if b.DirFlag == "" {
		b.DirFlag = DefaultDirFlag
	}
	if b.ConfigFlag == "" {
		b.ConfigFlag = DefaultConfigFlag
	}
	if b.SafePathsVar == "" {
		b.SafePathsVar = DefaultSafePathsVar
	}
	return b
}

func (s *Spec) Executable() string { return s.executable }

// Dir is the working directory, the parent directory of the executable.
func (s *Spec) Dir() string { return s.dir }

func (s *Spec) Args() []string { return slices.Clone(s.args) }

// Overlay returns the variables set on top of the inherited environment.
func (s *Spec) Overlay() map[string]string { return maps.Clone(s.overlay) }

// Environ returns the complete environment for the child.
func (s *Spec) Environ() []string { return slices.Clone(s.environ) }

// CommandLine renders the spawn as a single string with each argument quoted, for logs.
func (s *Spec) CommandLine() string {
	parts := make([]string, 0, len(s.args)+1)
	parts = append(parts, quote(s.executable))
	for i, arg := range s.args {
		// flags stay bare, values are quoted
		if i%2 == 0 {
			parts = append(parts, arg)
			continue
		}
		parts = append(parts, quote(arg))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
