package obslog

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestRecorder_RecordAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	r, err := NewRecorder(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	r.Record(Event{
		Level:     "error",
		Source:    "ingest",
		EventType: "materialize_failed",
		Message:   "blob download failed",
		DID:       "did:plc:abc",
		Site:      "blog",
		Error:     "unexpected status 500",
	})

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen to verify persistence.
	r2, err := NewRecorder(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	events, err := r2.Events(Query{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Source != "ingest" || e.Site != "blog" || e.Error != "unexpected status 500" {
		t.Errorf("event = %+v", e)
	}
}

func setupTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	r, err := NewRecorder(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: base, Level: "info", Source: "http", EventType: "request", Host: "blog.wisp.place", Path: "/", Status: 200},
		{Timestamp: base.Add(time.Hour), Level: "warn", Source: "http", EventType: "request", Host: "blog.wisp.place", Path: "/missing", Status: 404},
		{Timestamp: base.Add(2 * time.Hour), Level: "error", Source: "ingest", EventType: "materialize_failed", Message: "blob fetch failed", DID: "did:plc:abc", Site: "blog"},
		{Timestamp: base.Add(3 * time.Hour), Level: "info", Source: "dnsverify", EventType: "run", Message: "verified 3 domains"},
	}
	for _, e := range events {
		r.Record(e)
	}
	r.Close()

	r2, err := NewRecorder(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r2.Close() })
	return r2
}

func TestRecorder_QueryFilters(t *testing.T) {
	r := setupTestRecorder(t)

	events, err := r.Events(Query{Source: "http"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("source=http: got %d events, want 2", len(events))
	}

	events, err = r.Events(Query{Search: "blob fetch"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Source != "ingest" {
		t.Errorf("search: got %+v", events)
	}

	events, err = r.Events(Query{EventType: "run"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Source != "dnsverify" {
		t.Errorf("eventType: got %+v", events)
	}

	since := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)
	events, err = r.Events(Query{Since: since})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("since: got %d events, want 1", len(events))
	}
}

func TestRecorder_Errors(t *testing.T) {
	r := setupTestRecorder(t)

	events, err := r.Errors(time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want warn+error", len(events))
	}
	// newest first
	if events[0].Level != "error" || events[1].Level != "warn" {
		t.Errorf("order = %s, %s", events[0].Level, events[1].Level)
	}
}

func TestRecorder_SourceBreakdown(t *testing.T) {
	r := setupTestRecorder(t)

	counts, err := r.SourceBreakdown(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 3 {
		t.Fatalf("got %d sources, want 3", len(counts))
	}
	if counts[0].Source != "http" || counts[0].Count != 2 {
		t.Errorf("top source = %+v", counts[0])
	}
}

func TestRecorder_ErrorsOverTime(t *testing.T) {
	r := setupTestRecorder(t)
	from := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	buckets, err := r.ErrorsOverTime(from, to)
	if err != nil {
		t.Fatal(err)
	}
	// 24h range -> 15-min buckets, 0:00 through 0:00 next day = 97 slots
	if len(buckets) != 97 {
		t.Errorf("got %d buckets, want 97", len(buckets))
	}
	var nonZero int
	for _, b := range buckets {
		if b.Count > 0 {
			nonZero++
		}
	}
	if nonZero != 2 {
		t.Errorf("got %d non-zero buckets, want 2", nonZero)
	}
}

func TestHandler_ForwardsWarnAndAbove(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	r, err := NewRecorder(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	inner := slog.NewTextHandler(io.Discard, nil)
	logger := slog.New(NewHandler(inner, r))

	logger.Info("routine", "site", "blog")
	logger.Error("snapshot swap failed", "did", "did:plc:abc", "site", "blog", "error", "rename: no such file")
	r.Close()

	r2, err := NewRecorder(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	events, err := r2.Events(Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want only the error", len(events))
	}
	e := events[0]
	if e.Level != "error" || e.DID != "did:plc:abc" || e.Error != "rename: no such file" {
		t.Errorf("event = %+v", e)
	}
}
