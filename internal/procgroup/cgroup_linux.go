//go:build linux

package procgroup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

const cgroupRoot = "/sys/fs/cgroup"

var (
	cgroupSeq       atomic.Uint64
	cgroupDrainWait = 2 * time.Second
)

const cgroupPrefix = "tether-"

// cgroupDir is a leaf cgroup v2 directory owned by this process.
type cgroupDir struct {
	path string
	fd   int
}

// newCgroupDir creates a child of the caller's own cgroup. It fails when cgroup v2
// is not mounted, the hierarchy is not writable or cgroup.kill is missing.
func newCgroupDir() (*cgroupDir, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(cgroupRoot, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", cgroupRoot, err)
	}
	if int64(st.Type) != unix.CGROUP2_SUPER_MAGIC {
		return nil, errors.New("cgroup v2 is not mounted")
	}

	self, err := selfCgroup()
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s%d-%d", cgroupPrefix, os.Getpid(), cgroupSeq.Add(1))
	path := filepath.Join(cgroupRoot, self, name)
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	if _, err := os.Stat(filepath.Join(path, "cgroup.kill")); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("cgroup.kill unavailable: %w", err)
	}
	return &cgroupDir{path: path, fd: -1}, nil
}

// selfCgroup returns the unified hierarchy path of the current process.
func selfCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if rest, ok := strings.CutPrefix(scanner.Text(), "0::"); ok {
			return rest, nil
		}
	}
	return "", errors.New("no cgroup v2 entry in /proc/self/cgroup")
}

// openFD opens the directory once for clone3(CLONE_INTO_CGROUP).
func (c *cgroupDir) openFD() (int, error) {
	if c.fd >= 0 {
		return c.fd, nil
	}
	fd, err := unix.Open(c.path, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", c.path, err)
	}
	c.fd = fd
	return fd, nil
}

func (c *cgroupDir) assign(pid int) error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0)
}

// procs lists the pids currently in the cgroup.
func (c *cgroupDir) procs() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, field := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// populated reports whether any live process remains in the cgroup or below it.
func (c *cgroupDir) populated() (bool, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cgroup.events"))
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if value, ok := strings.CutPrefix(line, "populated "); ok {
			return strings.TrimSpace(value) != "0", nil
		}
	}
	return false, errors.New("cgroup.events has no populated key")
}

// kill signals every process in the cgroup and waits for it to drain.
func (c *cgroupDir) kill() error {
	if err := os.WriteFile(filepath.Join(c.path, "cgroup.kill"), []byte("1"), 0); err != nil {
		return fmt.Errorf("write cgroup.kill: %w", err)
	}
	deadline := time.Now().Add(cgroupDrainWait)
	for {
		busy, err := c.populated()
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("cgroup still populated after kill")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *cgroupDir) remove() error {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	if c.path == "" {
		return nil
	}
	path := c.path
	c.path = ""
	// Processes killed but not yet reaped by their parent keep the cgroup busy.
	var err error
	for range 50 {
		if err = unix.Rmdir(path); err == nil || errors.Is(err, unix.ENOENT) {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("remove cgroup %s: %w", path, err)
}

// ownedCgroupPath rejects recorded paths that are not a tether cgroup.
func ownedCgroupPath(path string) bool {
	path = filepath.Clean(path)
	return strings.HasPrefix(path, cgroupRoot+"/") && strings.HasPrefix(filepath.Base(path), cgroupPrefix)
}

// reclaimCgroup kills and removes a cgroup left behind by a dead owner.
func reclaimCgroup(path string) (int, error) {
	if !ownedCgroupPath(path) {
		return 0, fmt.Errorf("refusing to reclaim %s", path)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	c := &cgroupDir{path: filepath.Clean(path), fd: -1}
	pids, _ := c.procs()
	if busy, err := c.populated(); err == nil && busy {
		if err := c.kill(); err != nil {
			return len(pids), err
		}
	}
	return len(pids), c.remove()
}

// SweepStale reclaims tether cgroups next to our own whose creator has exited,
// returning how many processes were killed in them.
func SweepStale() (int, error) {
	self, err := selfCgroup()
	if err != nil {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(cgroupRoot, self, cgroupPrefix+"*"))
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	killed := 0
	for _, path := range matches {
		owner, ok := cgroupOwner(filepath.Base(path))
		if !ok || owner == os.Getpid() {
			continue
		}
		// A live pid may be a recycled one; its cgroups wait for the next sweep.
		if alive, _ := process.PidExists(int32(owner)); alive {
			continue
		}
		n, err := reclaimCgroup(path)
		killed += n
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return killed, result.ErrorOrNil()
}

// cgroupOwner parses the creator pid out of "tether-<pid>-<seq>".
func cgroupOwner(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, cgroupPrefix)
	if !ok {
		return 0, false
	}
	pidStr, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
