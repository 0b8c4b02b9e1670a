package db

import (
	"os"
	"path/filepath"
	"testing"
)

// openTestDB is a helper that creates and returns a temporary database
func openTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_OpenAndClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	// Verify database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}

func TestDB_WALMode(t *testing.T) {
	db := openTestDB(t)

	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected WAL journal mode, got '%v'", journalMode)
	}
}

func TestDB_SchemaCreated(t *testing.T) {
	db := openTestDB(t)

	objects := []struct {
		kind string
		name string
	}{
		{"table", "proxy_events"},
		{"table", "daemon_events"},
		{"index", "idx_proxy_events_timestamp"},
		{"index", "idx_proxy_events_type"},
		{"index", "idx_daemon_events_timestamp"},
	}

	for _, obj := range objects {
		var count int
		err := db.conn.QueryRow(`
			SELECT COUNT(*) FROM sqlite_master
			WHERE type=? AND name=?
		`, obj.kind, obj.name).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to check for %s '%s': %v", obj.kind, obj.name, err)
		}
		if count != 1 {
			t.Errorf("Expected %s '%s' to exist", obj.kind, obj.name)
		}
	}
}

func TestDB_LogProxyEvent(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogProxyEvent(EventStart, 4242, "/home/alice/.config/tether/config/work.yaml", "group=cgroup"); err != nil {
		t.Fatalf("Failed to log proxy event: %v", err)
	}

	events, err := db.GetRecentProxyEvents(10)
	if err != nil {
		t.Fatalf("GetRecentProxyEvents() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	e := events[0]
	if e.EventType != EventStart {
		t.Errorf("Expected event_type='start', got '%v'", e.EventType)
	}
	if e.Pid != 4242 {
		t.Errorf("Expected pid=4242, got %d", e.Pid)
	}
	if e.ConfigPath != "/home/alice/.config/tether/config/work.yaml" {
		t.Errorf("Unexpected config_path '%v'", e.ConfigPath)
	}
	if e.Details != "group=cgroup" {
		t.Errorf("Expected details='group=cgroup', got '%v'", e.Details)
	}
	if e.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestDB_GetRecentProxyEvents_OrderAndLimit(t *testing.T) {
	db := openTestDB(t)

	types := []string{EventStart, EventStop, EventStart, EventExited}
	for i, eventType := range types {
		if err := db.LogProxyEvent(eventType, 100+i, "", ""); err != nil {
			t.Fatalf("Failed to log: %v", err)
		}
	}

	events, err := db.GetRecentProxyEvents(3)
	if err != nil {
		t.Fatalf("GetRecentProxyEvents() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	// Newest first
	if events[0].EventType != EventExited || events[0].Pid != 103 {
		t.Errorf("Expected newest event exited/103, got %s/%d", events[0].EventType, events[0].Pid)
	}
	if events[2].Pid != 101 {
		t.Errorf("Expected oldest returned pid 101, got %d", events[2].Pid)
	}
}

func TestDB_GetLastProxyEvent(t *testing.T) {
	db := openTestDB(t)

	last, err := db.GetLastProxyEvent(EventStart)
	if err != nil {
		t.Fatalf("GetLastProxyEvent() error: %v", err)
	}
	if last != nil {
		t.Errorf("Expected nil on empty table, got %+v", last)
	}

	db.LogProxyEvent(EventStart, 1, "a.yaml", "")
	db.LogProxyEvent(EventStop, 1, "a.yaml", "")
	db.LogProxyEvent(EventStart, 2, "b.yaml", "")
	db.LogProxyEvent(EventStop, 2, "b.yaml", "")

	last, err = db.GetLastProxyEvent(EventStart)
	if err != nil {
		t.Fatalf("GetLastProxyEvent() error: %v", err)
	}
	if last == nil || last.Pid != 2 || last.ConfigPath != "b.yaml" {
		t.Errorf("Expected last start for pid 2 b.yaml, got %+v", last)
	}
}

func TestDB_LogDaemonEvent(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogDaemonEvent(DaemonStart, "Daemon started with PID 12345"); err != nil {
		t.Fatalf("Failed to log daemon event: %v", err)
	}
	if err := db.LogDaemonEvent(DaemonReload, ""); err != nil {
		t.Fatalf("Failed to log daemon event: %v", err)
	}

	events, err := db.GetRecentDaemonEvents(10)
	if err != nil {
		t.Fatalf("GetRecentDaemonEvents() error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].EventType != DaemonReload {
		t.Errorf("Expected newest event 'reload', got '%v'", events[0].EventType)
	}
	if events[1].Details != "Daemon started with PID 12345" {
		t.Errorf("Unexpected details '%v'", events[1].Details)
	}
}

func TestDB_Flush(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogProxyEvent(EventStart, 1, "", ""); err != nil {
		t.Fatalf("Failed to log: %v", err)
	}
	if err := db.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

func TestDB_Flush_NilConn(t *testing.T) {
	db := &DB{conn: nil}

	// Flush on nil conn should return nil, not panic
	if err := db.Flush(); err != nil {
		t.Errorf("Flush() on nil conn error = %v", err)
	}
}

func TestDB_Close_NilConn(t *testing.T) {
	db := &DB{conn: nil}

	// Close on nil conn should return nil, not panic
	if err := db.Close(); err != nil {
		t.Errorf("Close() on nil conn error = %v", err)
	}
}

func TestDB_Open_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	// Nested path that doesn't exist yet
	dbPath := filepath.Join(tmpDir, "nested", "subdir", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database with nested path: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created in nested directory")
	}
}

func TestDB_ReopenKeepsEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.LogProxyEvent(EventOrphanKilled, 999, "", "left over by a crashed daemon")
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	db, err = Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	events, err := db.GetRecentProxyEvents(10)
	if err != nil {
		t.Fatalf("GetRecentProxyEvents() error: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventOrphanKilled {
		t.Errorf("Expected the orphan_killed event to survive a reopen, got %+v", events)
	}
}
