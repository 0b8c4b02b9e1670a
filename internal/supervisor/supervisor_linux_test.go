package supervisor

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStart_ProxyBeginsInsideCgroup(t *testing.T) {
	quietLogger(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f := newFakeProxy(t)
	s := New(f.executable, f.environ("run"), WithLogger(logger))
	defer s.Dispose()

	if err := s.Start(f.configPath); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	st := s.Status()
	if st.GroupKind != "cgroup" || st.Group == nil {
		t.Skipf("group is %q, not a cgroup", st.GroupKind)
	}
	if strings.Contains(buf.String(), "Could not start proxy inside its cgroup") {
		t.Skip("kernel cannot clone into a cgroup")
	}

	// The fake proxy reads its cgroup before doing anything else, so only a
	// clone straight into the cgroup shows the group's path here.
	rel := strings.TrimPrefix(st.Group.CgroupPath, "/sys/fs/cgroup")
	rec := f.waitRecord(t)
	if !strings.Contains(rec.Cgroup, "0::"+rel+"\n") {
		t.Errorf("proxy started in %q, want %q", strings.TrimSpace(rec.Cgroup), rel)
	}
}
