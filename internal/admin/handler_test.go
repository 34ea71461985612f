package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WaveringAna/wisp-edge/internal/cache"
	"github.com/WaveringAna/wisp-edge/internal/dnsverify"
	"github.com/WaveringAna/wisp-edge/internal/ingest"
	"github.com/WaveringAna/wisp-edge/internal/obslog"
)

type fakeStream struct {
	health ingest.Health
}

func (f *fakeStream) Health() ingest.Health { return f.health }

type fakeVerifier struct {
	last  *dnsverify.RunStats
	stats dnsverify.RunStats
	runs  int
}

func (f *fakeVerifier) Run(context.Context) (dnsverify.RunStats, error) {
	f.runs++
	return f.stats, nil
}

func (f *fakeVerifier) Last() *dnsverify.RunStats { return f.last }

// newTestRecorder returns a recorder preloaded with events and reopened so
// queries see them.
func newTestRecorder(t *testing.T, events ...obslog.Event) *obslog.Recorder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	rec, err := obslog.NewRecorder(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		rec.Record(e)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	rec, err = obslog.NewRecorder(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return out
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAggregates(t *testing.T) {
	now := time.Now()
	stream := &fakeStream{health: ingest.Health{
		Connected: true, Healthy: true, LastEventTime: &now,
	}}
	verifier := &fakeVerifier{last: &dnsverify.RunStats{Checked: 3, Verified: 2, Failed: 1}}
	h := New(Options{
		Recorder: newTestRecorder(t),
		Stream:   stream,
		Verifier: verifier,
	})

	rec := do(h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["status"] != "ok" {
		t.Errorf("status = %v", out["status"])
	}
	checks := out["checks"].(map[string]any)
	for _, k := range []string{"stream", "events", "dns"} {
		if checks[k] != "ok" {
			t.Errorf("checks.%s = %v", k, checks[k])
		}
	}
}

func TestHealthDegradedStream(t *testing.T) {
	h := New(Options{Stream: &fakeStream{health: ingest.Health{Connected: false}}})

	rec := do(h, http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decodeJSON(t, rec)
	if out["status"] != "degraded" {
		t.Errorf("status = %v", out["status"])
	}
}

func TestHealthAllDisabled(t *testing.T) {
	rec := do(New(Options{}), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	checks := decodeJSON(t, rec)["checks"].(map[string]any)
	for _, k := range []string{"stream", "events", "dns"} {
		if checks[k] != "disabled" {
			t.Errorf("checks.%s = %v", k, checks[k])
		}
	}
}

func TestLogsFiltering(t *testing.T) {
	h := New(Options{Recorder: newTestRecorder(t,
		obslog.Event{Level: "info", Source: "http", EventType: "request", Message: "served"},
		obslog.Event{Level: "error", Source: "ingest", EventType: "record_update", Message: "swap failed"},
	)})

	rec := do(h, http.MethodGet, "/__internal__/observability/logs?source=ingest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	events := decodeJSON(t, rec)["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if src := events[0].(map[string]any)["source"]; src != "ingest" {
		t.Errorf("source = %v", src)
	}
}

func TestLogsWithoutRecorder(t *testing.T) {
	rec := do(New(Options{}), http.MethodGet, "/__internal__/observability/logs")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestErrorsEndpoint(t *testing.T) {
	h := New(Options{Recorder: newTestRecorder(t,
		obslog.Event{Level: "info", Source: "http", Message: "fine"},
		obslog.Event{Level: "error", Source: "dns", Message: "lookup failed"},
	)})

	rec := do(h, http.MethodGet, "/__internal__/observability/errors")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	events := decodeJSON(t, rec)["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestCacheStats(t *testing.T) {
	files := cache.NewBytes(1 << 20)
	files.Set("k", []byte("v"))
	lookup := cache.NewLookup[string](16, time.Minute)
	lookup.Put("a", "b")
	h := New(Options{
		Files:   files,
		Lookups: map[string]interface{ Len() int }{"wisp_domain": lookup},
	})

	rec := do(h, http.MethodGet, "/__internal__/observability/cache")
	out := decodeJSON(t, rec)
	if entries := out["files"].(map[string]any)["entries"]; entries != float64(1) {
		t.Errorf("files.entries = %v", entries)
	}
	if entries := out["wisp_domain"].(map[string]any)["entries"]; entries != float64(1) {
		t.Errorf("wisp_domain.entries = %v", entries)
	}
}

func TestVerifyDNSTrigger(t *testing.T) {
	v := &fakeVerifier{stats: dnsverify.RunStats{Checked: 5, Verified: 4, Failed: 1}}
	h := New(Options{Verifier: v})

	rec := do(h, http.MethodPost, "/__internal__/admin/verify-dns")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if v.runs != 1 {
		t.Errorf("runs = %d", v.runs)
	}

	rec = do(New(Options{}), http.MethodPost, "/__internal__/admin/verify-dns")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without verifier: status = %d", rec.Code)
	}
}

func TestDocs(t *testing.T) {
	h := New(Options{})

	rec := do(h, http.MethodGet, "/__internal__/docs/getting-started")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "wisp-edge") {
		t.Errorf("body missing content:\n%s", rec.Body.String())
	}

	rec = do(h, http.MethodGet, "/__internal__/docs/nonexistent")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown slug: status = %d", rec.Code)
	}

	rec = do(h, http.MethodGet, "/__internal__/docs")
	if rec.Code != http.StatusFound {
		t.Errorf("index: status = %d", rec.Code)
	}
}

func TestRenderDocAllPages(t *testing.T) {
	for _, p := range DocPages() {
		if _, err := RenderDoc(p.Slug); err != nil {
			t.Errorf("RenderDoc(%q): %v", p.Slug, err)
		}
	}
}

func TestSubtractISO8601(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"PT24H", now.Add(-24 * time.Hour), true},
		{"P7D", now.AddDate(0, 0, -7), true},
		{"P1M", now.AddDate(0, -1, 0), true},
		{"P1W", now.AddDate(0, 0, -7), true},
		{"PT90M", now.Add(-90 * time.Minute), true},
		{"P", time.Time{}, false},
		{"24H", time.Time{}, false},
		{"PT0H", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := subtractISO8601(now, tt.in)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.in, got, tt.want)
		}
	}
}
