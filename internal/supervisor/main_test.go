package supervisor

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// The test binary doubles as a fake proxy. When fakeProxyEnv is set, TestMain
// runs the requested behavior instead of the tests.
const (
	fakeProxyEnv  = "TETHER_FAKE_PROXY"
	fakeRecordEnv = "TETHER_FAKE_RECORD"
)

// fakeRecord is what a fake proxy reports about how it was launched.
type fakeRecord struct {
	Args       []string `json:"args"`
	Dir        string   `json:"dir"`
	SafePaths  string   `json:"safe_paths"`
	Grandchild int      `json:"grandchild,omitempty"`
	Cgroup     string   `json:"cgroup,omitempty"`
}

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeProxyEnv); mode != "" {
		os.Exit(runFakeProxy(mode))
	}
	goleak.VerifyTestMain(m)
}

func runFakeProxy(mode string) int {
	// Read before anything else, while the supervisor may still be assigning us.
	cgroup, _ := os.ReadFile("/proc/self/cgroup")
	if mode == "exit" {
		return 3
	}

	rec := fakeRecord{Args: os.Args[1:], SafePaths: os.Getenv("SAFE_PATHS"), Cgroup: string(cgroup)}
	rec.Dir, _ = os.Getwd()

	if mode == "spawn" {
		child := exec.Command(os.Args[0])
		child.Env = append(os.Environ(), fakeProxyEnv+"=run", fakeRecordEnv+"=")
		if err := child.Start(); err != nil {
			return 4
		}
		rec.Grandchild = child.Process.Pid
	}

	if path := os.Getenv(fakeRecordEnv); path != "" {
		data, _ := json.Marshal(rec)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return 5
		}
		if err := os.Rename(tmp, path); err != nil {
			return 5
		}
	}

	time.Sleep(time.Hour)
	return 0
}

// fakeProxy describes one supervised fake proxy run.
type fakeProxy struct {
	executable string
	configPath string
	recordPath string
}

func newFakeProxy(t *testing.T) *fakeProxy {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error: %v", err)
	}
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("mixed-port: 7890\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return &fakeProxy{
		executable: exe,
		configPath: configPath,
		recordPath: filepath.Join(dir, "record.json"),
	}
}

// environ returns an Option that runs the fake proxy in the given mode.
func (f *fakeProxy) environ(mode string, extra ...string) Option {
	return WithEnviron(func() []string {
		env := append(os.Environ(), fakeProxyEnv+"="+mode, fakeRecordEnv+"="+f.recordPath)
		return append(env, extra...)
	})
}

func (f *fakeProxy) waitRecord(t *testing.T) fakeRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(f.recordPath)
		if err == nil {
			var rec fakeRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				t.Fatalf("bad record: %v", err)
			}
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("fake proxy never wrote its record")
	return fakeRecord{}
}
