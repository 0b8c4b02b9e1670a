package core

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

var ErrExecutableNotFound = errors.New("proxy executable not found")

// engineNames are tried in order next to the tether binary and on PATH.
var engineNames = []string{"mihomo", "clash"}

// LocateExecutable resolves the proxy binary. A configured path wins; otherwise
// the engine is looked up next to the running binary, then on PATH.
func LocateExecutable(configured string) (string, error) {
	if configured != "" {
		if isRegularFile(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, configured)
	}

	names := engineNames
	if runtime.GOOS == "windows" {
		names = make([]string, len(engineNames))
		for i, n := range engineNames {
			names[i] = n + ".exe"
		}
	}

	if self, err := os.Executable(); err == nil {
		dir := filepath.Dir(self)
		for _, n := range names {
			if candidate := filepath.Join(dir, n); isRegularFile(candidate) {
				return candidate, nil
			}
		}
	}

	for _, n := range engineNames {
		if path, err := exec.LookPath(n); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: none of %v found next to tether or on PATH", ErrExecutableNotFound, engineNames)
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
