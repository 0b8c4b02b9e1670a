package daemon

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestNewParentMonitor_InvalidPID(t *testing.T) {
	if pm := NewParentMonitor(0, func(int) {}); pm != nil {
		t.Error("expected nil monitor for pid 0")
	}
	if pm := NewParentMonitor(-5, func(int) {}); pm != nil {
		t.Error("expected nil monitor for negative pid")
	}
}

func TestWatchPIDFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 0},
		{"1234", 1234},
		{"abc", 0},
		{"-3", 0},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(WatchPIDEnv, tt.value)
			if got := WatchPIDFromEnv(); got != tt.want {
				t.Errorf("WatchPIDFromEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParentMonitor_AliveProcess(t *testing.T) {
	quietLogger(t)

	fired := make(chan int, 1)
	pm := NewParentMonitor(os.Getpid(), func(pid int) { fired <- pid })
	pm.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	pm.Start(ctx)

	select {
	case pid := <-fired:
		t.Fatalf("onDeath fired for live process %d", pid)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
}

func TestParentMonitor_FiresWhenProcessExits(t *testing.T) {
	quietLogger(t)

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	pid := cmd.Process.Pid

	fired := make(chan int, 1)
	pm := NewParentMonitor(pid, func(pid int) { fired <- pid })
	pm.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pm.Start(ctx)

	cmd.Process.Kill()
	cmd.Wait()

	select {
	case got := <-fired:
		if got != pid {
			t.Errorf("onDeath called with %d, want %d", got, pid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onDeath not called after the watched process exited")
	}
}

func TestParentMonitor_ZombieCountsAsDead(t *testing.T) {
	quietLogger(t)

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	defer cmd.Wait()

	pm := NewParentMonitor(cmd.Process.Pid, func(int) {})
	deadline := time.Now().Add(2 * time.Second)
	for pm.alive() {
		if time.Now().After(deadline) {
			t.Fatal("exited, unreaped child still reported alive")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSetupParentDeathSignal(t *testing.T) {
	quietLogger(t)

	pm := NewParentMonitor(os.Getppid(), func(int) {})
	if err := pm.setupParentDeathSignal(); err != nil {
		t.Logf("setupParentDeathSignal failed (polling still covers it): %v", err)
	}
}
