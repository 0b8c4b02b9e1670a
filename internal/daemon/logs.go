package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

const (
	defaultLogHistory = 1000
	subscriberBuffer  = 100
)

// LogBroadcaster fans daemon log lines out to LOGS clients and keeps the most
// recent ones for replay.
type LogBroadcaster struct {
	mu      sync.Mutex
	clients map[chan string]struct{}
	ring    []string
	next    int
	full    bool
}

func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = defaultLogHistory
	}
	return &LogBroadcaster{
		clients: make(map[chan string]struct{}),
		ring:    make([]string, historySize),
	}
}

// Subscribe registers a client and returns up to historyLines of backlog,
// oldest first. The backlog is not sent on the channel.
func (lb *LogBroadcaster) Subscribe(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, subscriberBuffer)
	lb.clients[ch] = struct{}{}
	return ch, lb.historyLocked(historyLines)
}

func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if _, ok := lb.clients[ch]; !ok {
		return
	}
	delete(lb.clients, ch)
	close(ch)
}

// Broadcast records a line and offers it to every client. Slow clients miss
// lines rather than block logging.
func (lb *LogBroadcaster) Broadcast(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.ring[lb.next] = line
	lb.next = (lb.next + 1) % len(lb.ring)
	if lb.next == 0 {
		lb.full = true
	}

	for ch := range lb.clients {
		select {
		case ch <- line:
		default:
		}
	}
}

// History returns up to n of the most recent lines, oldest first.
func (lb *LogBroadcaster) History(n int) []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.historyLocked(n)
}

func (lb *LogBroadcaster) historyLocked(n int) []string {
	size := lb.next
	if lb.full {
		size = len(lb.ring)
	}
	if n <= 0 || size == 0 {
		return nil
	}
	n = min(n, size)

	out := make([]string, 0, n)
	start := lb.next - n
	if start < 0 {
		start += len(lb.ring)
	}
	for i := range n {
		out = append(out, lb.ring[(start+i)%len(lb.ring)])
	}
	return out
}

func (lb *LogBroadcaster) subscriberCount() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.clients)
}

// LogWriter adapts a LogBroadcaster to io.Writer for use under a slog handler.
type LogWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *LogWriter) Write(p []byte) (int, error) {
	lw.broadcaster.Broadcast(string(p))
	return len(p), nil
}

// NewLogHandler returns the tint handler used by every tether process.
// Color is disabled when w is not a terminal.
func NewLogHandler(w io.Writer, level slog.Level) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	})
}

// LogLevel maps the verbose setting to a slog level.
func LogLevel(verbose int) slog.Level {
	if verbose > 0 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// setupLogging tees the daemon's log output to stderr and the broadcaster.
// The daemon is normally detached, so color follows stderr.
func (d *Daemon) setupLogging(verbose int) {
	logWriter := &LogWriter{broadcaster: d.logBroadcast}
	multiWriter := io.MultiWriter(os.Stderr, logWriter)

	handler := tint.NewHandler(multiWriter, &tint.Options{
		Level:      LogLevel(verbose),
		TimeFormat: time.DateTime,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})
	slog.SetDefault(slog.New(handler))
}

// handleLogs streams daemon log lines to the client until it disconnects.
func (d *Daemon) handleLogs(conn net.Conn, historyLines int) {
	defer conn.Close()

	logChan, history := d.logBroadcast.Subscribe(historyLines)
	defer d.logBroadcast.Unsubscribe(logChan)

	if _, err := fmt.Fprintf(conn, "Connected to tether daemon logs (pid %d). Press Ctrl+C to exit.\n", os.Getpid()); err != nil {
		slog.Debug("Logs client went away", "error", err)
		return
	}
	for _, line := range history {
		if _, err := io.WriteString(conn, line); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(done)
	}()

	for {
		select {
		case line, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := io.WriteString(conn, line); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}
