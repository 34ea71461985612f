// Package admin is the internal listener: health, Prometheus metrics, the
// observability query surface, operator actions, and the built-in docs.
// It binds to a private address and carries no authentication of its own.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/WaveringAna/wisp-edge/internal/cache"
	"github.com/WaveringAna/wisp-edge/internal/dnsverify"
	"github.com/WaveringAna/wisp-edge/internal/ingest"
	"github.com/WaveringAna/wisp-edge/internal/metrics"
	"github.com/WaveringAna/wisp-edge/internal/obslog"
)

// StreamHealth reports the ingest worker's connection state.
type StreamHealth interface {
	Health() ingest.Health
}

// DNSVerifier runs and reports custom-domain verification sweeps.
type DNSVerifier interface {
	Run(ctx context.Context) (dnsverify.RunStats, error)
	Last() *dnsverify.RunStats
}

// Options wires the internal listener. Recorder, Stream, and Verifier may
// each be nil; the endpoints that need them report "disabled".
type Options struct {
	Recorder *obslog.Recorder
	Stream   StreamHealth
	Verifier DNSVerifier
	Files    *cache.Bytes
	HTML     *cache.Bytes
	Lookups  map[string]interface{ Len() int }
}

type handler struct {
	opts Options
}

// New builds the internal listener's mux.
func New(opts Options) http.Handler {
	h := &handler{opts: opts}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /__internal__/observability/logs", h.logs)
	mux.HandleFunc("GET /__internal__/observability/errors", h.errors)
	mux.HandleFunc("GET /__internal__/observability/metrics", h.breakdown)
	mux.HandleFunc("GET /__internal__/observability/cache", h.cacheStats)
	mux.HandleFunc("POST /__internal__/admin/verify-dns", h.verifyDNS)
	mux.HandleFunc("GET /__internal__/docs", h.docsIndex)
	mux.HandleFunc("GET /__internal__/docs/{slug}", h.docsPage)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding admin response", "error", err)
	}
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
