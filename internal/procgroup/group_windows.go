//go:build windows

package procgroup

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/windows"
)

// jobObject is an anonymous Windows job object.
type jobObject struct {
	handle windows.Handle
}

func createSys(*slog.Logger) (groupSys, error) {
	// Unnamed, so no other process can open it.
	h, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateJobObject: %w", err)
	}
	return &jobObject{handle: h}, nil
}

func (j *jobObject) kind() Kind { return KindJobObject }

func (j *jobObject) record() Record { return Record{Kind: KindJobObject} }

func (j *jobObject) setKillOnClose() error {
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	_, err := windows.SetInformationJobObject(
		j.handle,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil {
		return fmt.Errorf("SetInformationJobObject: %w", err)
	}
	return nil
}

func (j *jobObject) assign(m Member) error {
	h := windows.Handle(m.Handle())
	if h == 0 || h == windows.InvalidHandle {
		return fmt.Errorf("process %d has no handle", m.Pid())
	}
	if err := windows.AssignProcessToJobObject(j.handle, h); err != nil {
		return fmt.Errorf("AssignProcessToJobObject: %w", err)
	}
	return nil
}

// close releases the handle; with JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE set the
// kernel terminates the members once the last handle is gone.
func (j *jobObject) close(bool) error {
	if j.handle == 0 {
		return nil
	}
	h := j.handle
	j.handle = 0
	if err := windows.CloseHandle(h); err != nil {
		return fmt.Errorf("CloseHandle: %w", err)
	}
	return nil
}

// The kernel closed the job, and killed its members, when its owner exited.
func reclaim(Record, func(int) bool) (int, error) {
	return 0, nil
}

// SweepStale has nothing to do for job objects.
func SweepStale() (int, error) {
	return 0, nil
}
