package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/tether/internal/core"
)

// setupSocketServer creates a Unix socket listener at the daemon's socket path.
func setupSocketServer(t *testing.T) net.Listener {
	t.Helper()

	tmpDir := shortTempDir(t)
	oldConfig := core.Config
	t.Cleanup(func() { core.Config = oldConfig })
	core.Config = &core.Configuration{
		ConfigPath: tmpDir,
	}

	listener, err := net.Listen("unix", core.GetSocketPath())
	if err != nil {
		t.Fatalf("failed to create Unix listener: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	return listener
}

// serveOnce answers a single connection with reply and reports the command
// line it received.
func serveOnce(listener net.Listener, reply string) <-chan string {
	received := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(received)
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- strings.TrimSpace(line)
		conn.Write([]byte(reply))
	}()
	return received
}

func jsonReply(t *testing.T, resp Response) string {
	t.Helper()
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSendCommand_Success(t *testing.T) {
	quietLogger(t)
	listener := setupSocketServer(t)

	received := serveOnce(listener, jsonReply(t, Response{
		Messages: []ResponseMessage{{Message: "OK", Status: StatusInfo}},
	}))

	resp, err := SendCommand("PROXY_START work")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := <-received; got != "PROXY_START work" {
		t.Errorf("server received %q", got)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Status != StatusInfo {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestSendCommand_ConnectionRefused(t *testing.T) {
	quietLogger(t)
	useTestConfig(t)

	if _, err := SendCommand("STATUS"); err == nil {
		t.Error("expected error when no listener exists")
	}
	if IsDaemonRunning() {
		t.Error("IsDaemonRunning() = true without a daemon")
	}
}

func TestSendCommand_InvalidJSON(t *testing.T) {
	quietLogger(t)
	listener := setupSocketServer(t)
	serveOnce(listener, "not valid json")

	if _, err := SendCommand("STATUS"); err == nil {
		t.Error("expected error for invalid JSON response")
	}
}

func TestSendCommandWithTimeout_Timeout(t *testing.T) {
	quietLogger(t)
	listener := setupSocketServer(t)

	release := make(chan struct{})
	defer close(release)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}()

	start := time.Now()
	_, err := SendCommandWithTimeout("STATUS", 200*time.Millisecond)
	if err == nil {
		t.Error("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected quick timeout, took %s", elapsed)
	}
}

func TestStreamLogs(t *testing.T) {
	quietLogger(t)
	listener := setupSocketServer(t)
	received := serveOnce(listener, "Connected\nline one\nline two\n")

	var out strings.Builder
	if err := StreamLogs(&out, 5); err != nil {
		t.Fatalf("StreamLogs() error: %v", err)
	}
	if got := <-received; got != "LOGS 5" {
		t.Errorf("server received %q, want %q", got, "LOGS 5")
	}
	if out.String() != "Connected\nline one\nline two\n" {
		t.Errorf("StreamLogs() wrote %q", out.String())
	}
}

func TestCheckVersionMismatch(t *testing.T) {
	quietLogger(t)

	oldVersion := core.Version
	t.Cleanup(func() { core.Version = oldVersion })
	core.Version = "v1.2.0"

	tests := []struct {
		name         string
		daemon       string
		wantMismatch bool
	}{
		{"same", "v1.2.0", false},
		{"different", "v1.1.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listener := setupSocketServer(t)
			resp := Response{}
			resp.AddMessage("OK", StatusInfo)
			resp.AddData(VersionData{Version: tt.daemon, PID: 1})
			serveOnce(listener, jsonReply(t, resp))

			got, mismatch := CheckVersionMismatch()
			if mismatch != tt.wantMismatch {
				t.Errorf("mismatch = %v, want %v", mismatch, tt.wantMismatch)
			}
			if got != tt.daemon {
				t.Errorf("daemon version = %q, want %q", got, tt.daemon)
			}
		})
	}
}

func TestCheckVersionMismatch_NoDaemon(t *testing.T) {
	quietLogger(t)
	useTestConfig(t)

	if v, mismatch := CheckVersionMismatch(); mismatch || v != "" {
		t.Errorf("CheckVersionMismatch() = %q, %v without a daemon", v, mismatch)
	}
}

func TestWaitForDaemonStop_AlreadyStopped(t *testing.T) {
	quietLogger(t)
	useTestConfig(t)

	start := time.Now()
	if err := WaitForDaemonStop(); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected quick return, took %s", elapsed)
	}
}

func TestWaitForDaemonStop_StopsDuringWait(t *testing.T) {
	quietLogger(t)
	listener := setupSocketServer(t)
	socketPath := core.GetSocketPath()

	reply := jsonReply(t, Response{Messages: []ResponseMessage{{Message: "OK", Status: StatusInfo}}})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			bufio.NewReader(conn).ReadString('\n')
			conn.Write([]byte(reply))
			conn.Close()
		}
	}()

	go func() {
		time.Sleep(300 * time.Millisecond)
		listener.Close()
		os.Remove(socketPath)
	}()

	start := time.Now()
	if err := WaitForDaemonStop(); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected stop within 5s, took %s", elapsed)
	}
	<-done
}

func TestGetSocketPath(t *testing.T) {
	dir := useTestConfig(t)

	if got, want := core.GetSocketPath(), dir+"/"+core.SocketName; got != want {
		t.Errorf("socket path = %q, want %q", got, want)
	}
}
