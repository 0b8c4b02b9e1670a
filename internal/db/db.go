package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Proxy lifecycle event types
const (
	EventStart         = "start"
	EventStartFailed   = "start_failed"
	EventUnguarded     = "unguarded"
	EventStop          = "stop"
	EventExited        = "exited"
	EventOrphanKilled  = "orphan_killed"
	EventProfileChange = "profile_change"
)

// Daemon lifecycle event types
const (
	DaemonStart     = "start"
	DaemonStop      = "stop"
	DaemonReload    = "reload"
	DaemonWatchExit = "watch_exit" // the watched controller process went away
)

// DB wraps the SQLite database connection and provides logging methods
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		// Use RESTART mode to force checkpoint even if there are active readers
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Proxy lifecycle events
	CREATE TABLE IF NOT EXISTS proxy_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		config_path TEXT,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_proxy_events_timestamp ON proxy_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_proxy_events_type ON proxy_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// execWithRetry retries briefly while the database is locked (3 attempts, 5ms
// apart). Logging is best-effort and must not block daemon shutdown.
func (db *DB) execWithRetry(query string, args ...any) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log event after %d retries: database locked", maxRetries)
}

// ProxyEvent represents a proxy lifecycle event
type ProxyEvent struct {
	ID         int64     `json:"id"`
	EventType  string    `json:"event_type"`
	Pid        int       `json:"pid,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LogProxyEvent logs a proxy lifecycle event to the database
func (db *DB) LogProxyEvent(eventType string, pid int, configPath, details string) error {
	return db.execWithRetry(
		`INSERT INTO proxy_events (event_type, pid, config_path, details, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		eventType, pid, configPath, details, time.Now(),
	)
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	return db.execWithRetry(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
}

// GetRecentProxyEvents retrieves recent proxy events, newest first
func (db *DB) GetRecentProxyEvents(limit int) ([]ProxyEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, pid, COALESCE(config_path, ''), COALESCE(details, ''), timestamp
		 FROM proxy_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ProxyEvent
	for rows.Next() {
		var e ProxyEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Pid, &e.ConfigPath, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLastProxyEvent retrieves the most recent proxy event of the given type.
// It returns nil when there is none.
func (db *DB) GetLastProxyEvent(eventType string) (*ProxyEvent, error) {
	var e ProxyEvent
	err := db.conn.QueryRow(
		`SELECT id, event_type, pid, COALESCE(config_path, ''), COALESCE(details, ''), timestamp
		 FROM proxy_events
		 WHERE event_type = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		eventType,
	).Scan(&e.ID, &e.EventType, &e.Pid, &e.ConfigPath, &e.Details, &e.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetRecentDaemonEvents retrieves recent daemon events, newest first
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, COALESCE(details, ''), timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
