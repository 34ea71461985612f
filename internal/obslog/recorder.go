// Package obslog persists operational events to SQLite asynchronously and
// backs the internal observability endpoints. Requests, ingest outcomes,
// verification runs, and warn-or-worse log lines all land in one table so
// the admin surface can answer "what happened" without shipping logs
// anywhere.
package obslog

import (
	"database/sql"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/WaveringAna/wisp-edge/internal/sqlmigrate"
)

// Event is a single recorded occurrence.
type Event struct {
	Timestamp  time.Time `json:"ts"`
	Level      string    `json:"level"` // info, warn, error
	Source     string    `json:"source"`
	EventType  string    `json:"eventType"`
	Message    string    `json:"message"`
	DID        string    `json:"did,omitempty"`
	Site       string    `json:"site,omitempty"`
	Host       string    `json:"host,omitempty"`
	Path       string    `json:"path,omitempty"`
	Status     int       `json:"status,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Recorder persists events to SQLite asynchronously.
type Recorder struct {
	db     *sql.DB
	ch     chan Event
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewRecorder(dbPath string) (*Recorder, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if err := sqlmigrate.Apply(db, migrations); err != nil {
		db.Close()
		return nil, err
	}
	r := &Recorder{
		db: db,
		ch: make(chan Event, 1024),
	}
	r.wg.Add(1)
	go r.writer()
	return r, nil
}

var migrations = []func(*sql.Tx) error{
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE events (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				ts          TEXT NOT NULL,
				level       TEXT NOT NULL,
				source      TEXT NOT NULL,
				event_type  TEXT NOT NULL DEFAULT '',
				message     TEXT NOT NULL DEFAULT '',
				did         TEXT NOT NULL DEFAULT '',
				site        TEXT NOT NULL DEFAULT '',
				host        TEXT NOT NULL DEFAULT '',
				path        TEXT NOT NULL DEFAULT '',
				status      INTEGER NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				error       TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX idx_events_ts ON events(ts);
			CREATE INDEX idx_events_level_ts ON events(level, ts);
		`)
		return err
	},
}

// Record sends an event to the writer goroutine. Non-blocking; drops on
// full buffer. Safe to call after Close (no-op).
func (r *Recorder) Record(e Event) {
	if r.closed.Load() {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Level == "" {
		e.Level = "info"
	}
	select {
	case r.ch <- e:
	default:
	}
}

func (r *Recorder) writer() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var batch []Event
	for {
		select {
		case e, ok := <-r.ch:
			if !ok {
				if len(batch) > 0 {
					r.flush(batch)
				}
				return
			}
			batch = append(batch, e)
			if len(batch) >= 100 {
				r.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = nil
			}
		}
	}
}

func (r *Recorder) flush(events []Event) {
	tx, err := r.db.Begin()
	if err != nil {
		log.Printf("obslog: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO events (ts, level, source, event_type, message, did, site, host, path, status, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		log.Printf("obslog: prepare: %v", err)
		tx.Rollback()
		return
	}
	defer stmt.Close()
	for _, e := range events {
		_, err := stmt.Exec(
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Level, e.Source, e.EventType, e.Message,
			e.DID, e.Site, e.Host, e.Path,
			e.Status, e.DurationMS, e.Error,
		)
		if err != nil {
			log.Printf("obslog: insert: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("obslog: commit: %v", err)
	}
}

// Ping checks whether the event database is reachable.
func (r *Recorder) Ping() error {
	return r.db.Ping()
}

// Close drains the event channel and shuts down the writer.
func (r *Recorder) Close() error {
	r.closed.Store(true)
	close(r.ch)
	r.wg.Wait()
	return r.db.Close()
}

// Query filters an event listing. Zero fields match everything.
type Query struct {
	Level     string
	Source    string
	EventType string
	Search    string // substring match against message and error
	Since     time.Time
	Limit     int
}

// Events returns matching events, newest first.
func (r *Recorder) Events(q Query) ([]Event, error) {
	where := []string{"1=1"}
	var args []any
	if q.Level != "" {
		where = append(where, "level = ?")
		args = append(args, q.Level)
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.Search != "" {
		where = append(where, "(message LIKE ? OR error LIKE ?)")
		pat := "%" + q.Search + "%"
		args = append(args, pat, pat)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339))
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := r.db.Query(
		`SELECT ts, level, source, event_type, message, did, site, host, path, status, duration_ms, error
		FROM events WHERE `+strings.Join(where, " AND ")+`
		ORDER BY ts DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&ts, &e.Level, &e.Source, &e.EventType, &e.Message,
			&e.DID, &e.Site, &e.Host, &e.Path, &e.Status, &e.DurationMS, &e.Error); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Errors returns recent warn and error events.
func (r *Recorder) Errors(since time.Time, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var args []any
	cond := "level IN ('warn', 'error')"
	if !since.IsZero() {
		cond += " AND ts >= ?"
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	args = append(args, limit)
	rows, err := r.db.Query(
		`SELECT ts, level, source, event_type, message, did, site, host, path, status, duration_ms, error
		FROM events WHERE `+cond+` ORDER BY ts DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&ts, &e.Level, &e.Source, &e.EventType, &e.Message,
			&e.DID, &e.Site, &e.Host, &e.Path, &e.Status, &e.DurationMS, &e.Error); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

type SourceCount struct {
	Source string `json:"source"`
	Count  int64  `json:"count"`
}

// SourceBreakdown counts events per source since the given time.
func (r *Recorder) SourceBreakdown(since time.Time) ([]SourceCount, error) {
	var args []any
	cond := "1=1"
	if !since.IsZero() {
		cond = "ts >= ?"
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	rows, err := r.db.Query(
		`SELECT source, COUNT(*) AS c FROM events WHERE `+cond+` GROUP BY source ORDER BY c DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SourceCount
	for rows.Next() {
		var s SourceCount
		if err := rows.Scan(&s.Source, &s.Count); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type TimeBucket struct {
	Time  string `json:"time"`
	Count int64  `json:"count"`
}

// bucketSQL truncates a timestamp to a bucket boundary using epoch-based
// rounding. It requires the step size in seconds, passed twice.
const bucketSQL = `strftime('%Y-%m-%dT%H:%M:%SZ', (CAST(strftime('%s', ts) AS INTEGER) / ?) * ?, 'unixepoch')`

// bucketStep returns the largest "nice" step that produces at least 64 buckets.
func bucketStep(from, to time.Time) time.Duration {
	d := to.Sub(from)
	steps := []time.Duration{
		24 * time.Hour,
		12 * time.Hour,
		6 * time.Hour,
		2 * time.Hour,
		time.Hour,
		30 * time.Minute,
		15 * time.Minute,
	}
	for _, s := range steps {
		if d/s >= 64 {
			return s
		}
	}
	return 15 * time.Minute
}

// ErrorsOverTime returns zero-filled warn-or-error counts between from
// and to.
func (r *Recorder) ErrorsOverTime(from, to time.Time) ([]TimeBucket, error) {
	stepSecs := int(bucketStep(from, to).Seconds())
	rows, err := r.db.Query(
		`SELECT `+bucketSQL+` AS bucket, COUNT(*) FROM events
		WHERE level IN ('warn', 'error') AND ts >= ? AND ts <= ?
		GROUP BY bucket ORDER BY bucket`,
		stepSecs, stepSecs, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sparse []TimeBucket
	for rows.Next() {
		var b TimeBucket
		if err := rows.Scan(&b.Time, &b.Count); err != nil {
			return nil, err
		}
		sparse = append(sparse, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return fillBuckets(sparse, from, to), nil
}

// fillBuckets takes sparse SQL results and returns a complete series with
// zero-filled gaps from `from` to `to`.
func fillBuckets(sparse []TimeBucket, from, to time.Time) []TimeBucket {
	if from.IsZero() {
		return sparse
	}
	step := bucketStep(from, to)
	from = from.UTC().Truncate(step)

	lookup := make(map[string]int64, len(sparse))
	for _, b := range sparse {
		lookup[b.Time] = b.Count
	}
	var out []TimeBucket
	for t := from; !t.After(to.UTC()); t = t.Add(step) {
		key := t.Format(time.RFC3339)
		out = append(out, TimeBucket{Time: key, Count: lookup[key]})
	}
	return out
}
