package daemon

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLogBroadcasterDefaultHistorySize(t *testing.T) {
	for _, size := range []int{0, -1} {
		lb := NewLogBroadcaster(size)
		if len(lb.ring) != defaultLogHistory {
			t.Errorf("NewLogBroadcaster(%d) ring size = %d, want %d", size, len(lb.ring), defaultLogHistory)
		}
	}
}

func TestLogBroadcasterSubscribeAndBroadcast(t *testing.T) {
	lb := NewLogBroadcaster(100)

	ch1, _ := lb.Subscribe(0)
	defer lb.Unsubscribe(ch1)
	ch2, _ := lb.Subscribe(0)
	defer lb.Unsubscribe(ch2)

	lb.Broadcast("hello")

	for i, ch := range []chan string{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg != "hello" {
				t.Errorf("subscriber %d got %q, want %q", i, msg, "hello")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestLogBroadcasterHistory(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		broadcast int
		request   int
		want      []string
	}{
		{"empty", 5, 0, 10, nil},
		{"zero requested", 5, 3, 0, nil},
		{"fewer than requested", 5, 2, 10, []string{"line-0", "line-1"}},
		{"tail of partial ring", 5, 3, 2, []string{"line-1", "line-2"}},
		{"wrapped ring", 3, 5, 10, []string{"line-2", "line-3", "line-4"}},
		{"tail of wrapped ring", 3, 7, 2, []string{"line-5", "line-6"}},
		{"exactly full", 3, 3, 3, []string{"line-0", "line-1", "line-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb := NewLogBroadcaster(tt.size)
			for i := range tt.broadcast {
				lb.Broadcast(fmt.Sprintf("line-%d", i))
			}
			if got := lb.History(tt.request); !slices.Equal(got, tt.want) {
				t.Errorf("History(%d) = %v, want %v", tt.request, got, tt.want)
			}
		})
	}
}

func TestLogBroadcasterSubscribeReturnsHistory(t *testing.T) {
	lb := NewLogBroadcaster(10)
	lb.Broadcast("old-1")
	lb.Broadcast("old-2")

	ch, history := lb.Subscribe(1)
	defer lb.Unsubscribe(ch)

	if !slices.Equal(history, []string{"old-2"}) {
		t.Errorf("history = %v, want [old-2]", history)
	}
	select {
	case msg := <-ch:
		t.Errorf("history must not be replayed on the channel, got %q", msg)
	default:
	}
}

func TestLogBroadcasterUnsubscribe(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch, _ := lb.Subscribe(0)

	lb.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	// Second unsubscribe must not panic on a closed channel
	lb.Unsubscribe(ch)

	if n := lb.subscriberCount(); n != 0 {
		t.Errorf("subscriberCount() = %d, want 0", n)
	}
	lb.Broadcast("after unsubscribe")
}

func TestLogBroadcasterFullChannelSkips(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch, _ := lb.Subscribe(0)
	defer lb.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := range subscriberBuffer + 10 {
			lb.Broadcast(fmt.Sprintf("msg-%d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full subscriber")
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("channel holds %d messages, want %d", len(ch), subscriberBuffer)
	}
}

func TestLogBroadcasterConcurrent(t *testing.T) {
	lb := NewLogBroadcaster(50)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 20 {
				lb.Broadcast(fmt.Sprintf("goroutine-%d-msg-%d", i, j))
			}
		}()
		go func() {
			defer wg.Done()
			ch, _ := lb.Subscribe(5)
			lb.History(10)
			lb.Unsubscribe(ch)
		}()
	}
	wg.Wait()

	if got := len(lb.History(100)); got != 50 {
		t.Errorf("History(100) returned %d lines, want 50", got)
	}
}

func TestLogWriterWrite(t *testing.T) {
	lb := NewLogBroadcaster(100)
	lw := &LogWriter{broadcaster: lb}

	msg := "test log message\n"
	n, err := lw.Write([]byte(msg))
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if n != len(msg) {
		t.Errorf("Write() returned %d, want %d", n, len(msg))
	}
	if got := lb.History(1); !slices.Equal(got, []string{msg}) {
		t.Errorf("History(1) = %q, want %q", got, msg)
	}
}

func TestLogLevel(t *testing.T) {
	if LogLevel(0) != slog.LevelInfo {
		t.Errorf("LogLevel(0) = %v, want INFO", LogLevel(0))
	}
	if LogLevel(2) != slog.LevelDebug {
		t.Errorf("LogLevel(2) = %v, want DEBUG", LogLevel(2))
	}
}

func TestNewLogHandler_NonTerminal(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(NewLogHandler(&buf, slog.LevelInfo))

	logger.Info("proxy started", "pid", 42)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "proxy started") || !strings.Contains(out, "pid=42") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("expected no ANSI colors for a non-terminal writer, got %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
}

func TestHandleLogs_StreamsHistoryAndLiveLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &Daemon{logBroadcast: NewLogBroadcaster(10), ctx: ctx, cancelFunc: cancel}
	d.logBroadcast.Broadcast("before-1\n")
	d.logBroadcast.Broadcast("before-2\n")

	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.handleLogs(serverConn, 1)
	}()

	reader := bufio.NewReader(clientConn)
	readLine := func() string {
		t.Helper()
		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return line
	}

	if banner := readLine(); !strings.Contains(banner, "Connected to tether daemon logs") {
		t.Errorf("unexpected banner %q", banner)
	}
	if line := readLine(); line != "before-2\n" {
		t.Errorf("history line = %q, want before-2", line)
	}

	// Wait for the subscription to be live before broadcasting
	deadline := time.Now().Add(time.Second)
	for d.logBroadcast.subscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	d.logBroadcast.Broadcast("live\n")
	if line := readLine(); line != "live\n" {
		t.Errorf("live line = %q, want live", line)
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleLogs did not return after client disconnect")
	}
	if n := d.logBroadcast.subscriberCount(); n != 0 {
		t.Errorf("subscriber leaked, count = %d", n)
	}
}
