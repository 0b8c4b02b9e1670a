package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the proxy executable is unset or does not exist.
	ErrNotFound = errors.New("proxy executable not found")
	// ErrLaunchPreparation is returned when the launch specification cannot be built.
	ErrLaunchPreparation = errors.New("failed to prepare proxy launch")
	// ErrStartFailed is returned when the proxy could not be spawned or tracked.
	ErrStartFailed = errors.New("failed to start proxy")
	// ErrAlreadyRunning is returned by Start while a live proxy is held.
	ErrAlreadyRunning = errors.New("proxy is already running")
)

// StartError describes a failed Start. Kind is one of the sentinel errors above.
type StartError struct {
	Kind error
	Path string
	Err  error
}

func (e *StartError) Error() string {
	msg := e.Kind.Error()
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StartError) Is(target error) bool {
	return target == e.Kind
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// GroupWarning reports that the proxy is running without a kill-on-close group,
// so it may outlive a crash of this process.
type GroupWarning struct {
	Pid int
	Err error
}

func (w *GroupWarning) Error() string {
	return fmt.Sprintf("proxy %d is running without crash cleanup: %v", w.Pid, w.Err)
}

func (w *GroupWarning) Unwrap() error {
	return w.Err
}
