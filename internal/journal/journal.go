// Package journal keeps a local SQLite record of telemetry and alert
// transitions so data survives uplink outages and can be archived later.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal: closed")

// Config configures the journal.
type Config struct {
	// Path to the SQLite database file. Empty disables the journal.
	Path string `yaml:"path"`

	// BusyTimeout is how long a writer waits for a lock.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// Retention is how long records are kept by Prune; zero keeps forever.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "conveyor.db",
		BusyTimeout: 5 * time.Second,
		Retention:   7 * 24 * time.Hour,
	}
}

// TelemetryRecord is one stored telemetry row.
type TelemetryRecord struct {
	ID   int64           `json:"id"`
	Time time.Time       `json:"time"`
	Body json.RawMessage `json:"body"`
}

// AlertEvent is one alert lifecycle transition.
type AlertEvent struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	AlertID string    `json:"alert_id"`
	Type    string    `json:"type"`
	Level   string    `json:"level"`
	Event   string    `json:"event"`
	Message string    `json:"message"`
}

// Journal is a SQLite-backed store. It is safe for concurrent use.
type Journal struct {
	db     *sql.DB
	config Config

	mu     sync.RWMutex
	closed bool

	insertTelemetry *sql.Stmt
	insertEvent     *sql.Stmt
}

// Open opens or creates the journal at cfg.Path.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal: path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultConfig().BusyTimeout
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, config: cfg}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}
	if err := j.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: prepare statements: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS telemetry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			body TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry(ts);

		CREATE TABLE IF NOT EXISTS alert_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			alert_id TEXT NOT NULL,
			type TEXT NOT NULL,
			level TEXT NOT NULL,
			event TEXT NOT NULL,
			message TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_events_ts ON alert_events(ts);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *Journal) prepareStatements() error {
	var err error
	j.insertTelemetry, err = j.db.Prepare(`INSERT INTO telemetry (ts, body) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	j.insertEvent, err = j.db.Prepare(
		`INSERT INTO alert_events (ts, alert_id, type, level, event, message) VALUES (?, ?, ?, ?, ?, ?)`)
	return err
}

// Config returns the journal configuration.
func (j *Journal) Config() Config { return j.config }

// RecordTelemetry stores body as JSON.
func (j *Journal) RecordTelemetry(ctx context.Context, ts time.Time, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("journal: encode telemetry: %w", err)
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	if _, err := j.insertTelemetry.ExecContext(ctx, ts.UnixNano(), string(data)); err != nil {
		return fmt.Errorf("journal: insert telemetry: %w", err)
	}
	return nil
}

// RecordAlertEvent stores one alert transition. e.ID is ignored.
func (j *Journal) RecordAlertEvent(ctx context.Context, e AlertEvent) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	_, err := j.insertEvent.ExecContext(ctx,
		e.Time.UnixNano(), e.AlertID, e.Type, e.Level, e.Event, e.Message)
	if err != nil {
		return fmt.Errorf("journal: insert alert event: %w", err)
	}
	return nil
}

// Telemetry returns up to limit records at or after since, oldest first.
// A non-positive limit means no limit.
func (j *Journal) Telemetry(ctx context.Context, since time.Time, limit int) ([]TelemetryRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, body FROM telemetry WHERE ts >= ? ORDER BY ts, id LIMIT ?`,
		since.UnixNano(), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: query telemetry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TelemetryRecord
	for rows.Next() {
		var (
			r    TelemetryRecord
			ts   int64
			body string
		)
		if err := rows.Scan(&r.ID, &ts, &body); err != nil {
			return nil, err
		}
		r.Time = time.Unix(0, ts).UTC()
		r.Body = json.RawMessage(body)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AlertEvents returns up to limit transitions at or after since, oldest
// first.
func (j *Journal) AlertEvents(ctx context.Context, since time.Time, limit int) ([]AlertEvent, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, alert_id, type, level, event, message FROM alert_events
		 WHERE ts >= ? ORDER BY ts, id LIMIT ?`,
		since.UnixNano(), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: query alert events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AlertEvent
	for rows.Next() {
		var (
			e  AlertEvent
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.AlertID, &e.Type, &e.Level, &e.Event, &e.Message); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes records older than before and returns how many rows went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrClosed
	}
	var total int64
	for _, table := range []string{"telemetry", "alert_events"} {
		res, err := j.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts < ?", before.UnixNano())
		if err != nil {
			return total, fmt.Errorf("journal: prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	_ = j.insertTelemetry.Close()
	_ = j.insertEvent.Close()
	return j.db.Close()
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
